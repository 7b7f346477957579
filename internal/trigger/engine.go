// Package trigger は疲弊判定に基づくトリガーの決定と状態遷移を提供する。
package trigger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
)

// Candidate は評価サイクルで疲弊と判定されたトリガー候補を表す。
type Candidate struct {
	Item    *model.ContentItem
	Verdict model.FatigueVerdict
}

// Config はトリガーエンジンの設定を保持する。
type Config struct {
	MaxPerCycle int           // 1サイクルあたりの最大トリガー生成数
	Cooldown    time.Duration // 同一アイテムへの連続トリガーを抑制する期間
	Interval    time.Duration // 評価ウィンドウの幅（冪等キーの導出に使用）
	Threshold   float64       // 疲弊判定の閾値（アクション選択に使用）
	MaxAttempts int           // トリガーあたりの最大実行試行回数
}

// Engine はトリガーの決定と状態遷移を管理する。
// アイテム単位の排他はプロセス内のキー付きミューテックスと、
// DBの部分一意インデックスの二段構えで保証される。
type Engine struct {
	triggerRepo repository.TriggerRepository
	logger      *slog.Logger
	config      Config

	locksMu   sync.Mutex
	itemLocks map[string]*itemLock
}

// itemLock は参照カウント付きのアイテム単位ミューテックス。
// 保持者がいなくなったエントリはマップから削除される。
type itemLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(triggerRepo repository.TriggerRepository, logger *slog.Logger, config Config) *Engine {
	return &Engine{
		triggerRepo: triggerRepo,
		logger:      logger,
		config:      config,
		itemLocks:   make(map[string]*itemLock),
	}
}

// IdempotencyKey はアイテムIDと評価ウィンドウ開始時刻から冪等キーを導出する。
// 同一ウィンドウ内で同一アイテムに対するキーは常に一致する。
func IdempotencyKey(contentItemID string, windowStart time.Time) string {
	h := sha256.Sum256([]byte(contentItemID + "|" + windowStart.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(h[:])
}

// lockItem はアイテム単位のミューテックスを取得してロックし、解放関数を返す。
// 最後の保持者が解放した時点でエントリをマップから削除し、
// アイテム数に比例したマップの無限成長を防ぐ。
func (e *Engine) lockItem(contentItemID string) func() {
	e.locksMu.Lock()
	l, ok := e.itemLocks[contentItemID]
	if !ok {
		l = &itemLock{}
		e.itemLocks[contentItemID] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.itemLocks, contentItemID)
		}
		e.locksMu.Unlock()
	}
}

// Decide は疲弊候補からトリガーを決定して作成する。
// 候補は減衰率の昇順（最も深刻な順）に処理され、1サイクルの生成数は
// MaxPerCycleで制限される。非終了トリガーを持つアイテム、クールダウン中の
// アイテムはスキップされる。失敗済みトリガーは試行回数が残っていれば
// pendingに再遷移させ、新規作成の代わりとする。
func (e *Engine) Decide(ctx context.Context, candidates []Candidate, now time.Time) ([]*model.Trigger, error) {
	sorted := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Verdict.IsFatigued {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Verdict.DecayRatio < sorted[j].Verdict.DecayRatio
	})

	windowStart := now.UTC().Truncate(e.config.Interval)

	var created []*model.Trigger
	for _, c := range sorted {
		if len(created) >= e.config.MaxPerCycle {
			e.logger.Info("1サイクルあたりの最大トリガー生成数に達しました",
				slog.Int("max_per_cycle", e.config.MaxPerCycle),
			)
			break
		}
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		trig, err := e.decideOne(ctx, c, windowStart, now)
		if err != nil {
			e.logger.Error("トリガーの決定に失敗しました",
				slog.String("content_item_id", c.Item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if trig != nil {
			created = append(created, trig)
		}
	}

	return created, nil
}

// decideOne は1アイテム分のトリガー決定を行う。
// 作成・再実行の対象にならなかった場合は (nil, nil) を返す。
func (e *Engine) decideOne(ctx context.Context, c Candidate, windowStart, now time.Time) (*model.Trigger, error) {
	unlock := e.lockItem(c.Item.ID)
	defer unlock()

	// 非終了トリガーが既に存在する場合はスキップ（アイテムごとに高々1件）
	nonTerminal, err := e.triggerRepo.FindNonTerminalByContentItem(ctx, c.Item.ID)
	if err != nil {
		return nil, fmt.Errorf("非終了トリガーの検索に失敗しました: %w", err)
	}
	if nonTerminal != nil {
		e.logger.Debug("非終了トリガーが存在するためスキップします",
			slog.String("content_item_id", c.Item.ID),
			slog.String("trigger_id", nonTerminal.ID),
			slog.String("state", string(nonTerminal.State)),
		)
		return nil, nil
	}

	latest, err := e.triggerRepo.LatestByContentItem(ctx, c.Item.ID)
	if err != nil {
		return nil, fmt.Errorf("最新トリガーの検索に失敗しました: %w", err)
	}

	if latest != nil {
		// 失敗済みトリガーの再実行: 試行回数が残っていればpendingへ戻す
		if latest.State == model.TriggerStateFailed {
			if latest.Attempts >= e.config.MaxAttempts {
				// リトライ上限に達した失敗トリガーは放棄へ遷移させる
				prev := latest.State
				latest.State = model.TriggerStateAbandoned
				latest.UpdatedAt = now.UTC()
				if err := e.triggerRepo.UpdateState(ctx, latest, prev); err != nil {
					return nil, fmt.Errorf("トリガーの放棄遷移に失敗しました: %w", err)
				}
				e.logger.Warn("リトライ上限に達したトリガーを放棄しました",
					slog.String("trigger_id", latest.ID),
					slog.String("content_item_id", c.Item.ID),
					slog.Int("attempts", latest.Attempts),
				)
				return nil, nil
			}

			prev := latest.State
			latest.State = model.TriggerStatePending
			latest.UpdatedAt = now.UTC()
			if err := e.triggerRepo.UpdateState(ctx, latest, prev); err != nil {
				return nil, fmt.Errorf("失敗トリガーの再実行遷移に失敗しました: %w", err)
			}
			e.logger.Info("失敗トリガーを再実行対象に戻しました",
				slog.String("trigger_id", latest.ID),
				slog.String("content_item_id", c.Item.ID),
				slog.Int("attempts", latest.Attempts),
			)
			return latest, nil
		}

		// 終了トリガーからのクールダウン判定
		if latest.State.IsTerminal() && now.Sub(latest.UpdatedAt) < e.config.Cooldown {
			e.logger.Debug("クールダウン中のためスキップします",
				slog.String("content_item_id", c.Item.ID),
				slog.Time("last_trigger_at", latest.UpdatedAt),
			)
			return nil, nil
		}
	}

	key := IdempotencyKey(c.Item.ID, windowStart)
	existing, err := e.triggerRepo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("冪等キーの検索に失敗しました: %w", err)
	}
	if existing != nil {
		// 同一ウィンドウで既に決定済み。重複生成しない。
		return nil, nil
	}

	trig := &model.Trigger{
		ID:             uuid.NewString(),
		ContentItemID:  c.Item.ID,
		IdempotencyKey: key,
		Action:         e.selectAction(c.Verdict.DecayRatio),
		State:          model.TriggerStatePending,
		DecayRatio:     c.Verdict.DecayRatio,
		DecidedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}

	if err := e.triggerRepo.Create(ctx, trig); err != nil {
		return nil, fmt.Errorf("トリガーの作成に失敗しました: %w", err)
	}

	e.logger.Info("トリガーを作成しました",
		slog.String("trigger_id", trig.ID),
		slog.String("content_item_id", c.Item.ID),
		slog.String("action", string(trig.Action)),
		slog.Float64("decay_ratio", trig.DecayRatio),
	)

	return trig, nil
}

// selectAction は減衰率に応じてアクションを選択する。
// 閾値の半分を下回る急激な減衰は再生成、緩やかな減衰はブーストで対応する。
func (e *Engine) selectAction(decayRatio float64) model.TriggerAction {
	if decayRatio < e.config.Threshold/2 {
		return model.TriggerActionRegenerate
	}
	return model.TriggerActionBoost
}

// Claim はトリガーを実行中に遷移させ、試行回数を加算する。
// 他の実行者が先に遷移させていた場合はSTATE_CONFLICTを返す。
func (e *Engine) Claim(ctx context.Context, trig *model.Trigger) error {
	unlock := e.lockItem(trig.ContentItemID)
	defer unlock()

	if !trig.State.CanTransitionTo(model.TriggerStateExecuting) {
		return model.NewStateConflictError(
			fmt.Sprintf("状態 %s から executing へは遷移できません", trig.State),
		)
	}

	prev := trig.State
	trig.State = model.TriggerStateExecuting
	trig.Attempts++
	trig.UpdatedAt = time.Now().UTC()

	if err := e.triggerRepo.UpdateState(ctx, trig, prev); err != nil {
		// 永続化に失敗した場合はメモリ上の状態を巻き戻す
		trig.State = prev
		trig.Attempts--
		return err
	}
	return nil
}

// MarkSucceeded はトリガーを成功に遷移させる。
// プラットフォームが返した投稿IDを記録し、以後の再実行で冪等判定に使用する。
func (e *Engine) MarkSucceeded(ctx context.Context, trig *model.Trigger, platformPostID string) error {
	unlock := e.lockItem(trig.ContentItemID)
	defer unlock()

	if !trig.State.CanTransitionTo(model.TriggerStateSucceeded) {
		return model.NewStateConflictError(
			fmt.Sprintf("状態 %s から succeeded へは遷移できません", trig.State),
		)
	}

	prev := trig.State
	trig.State = model.TriggerStateSucceeded
	trig.PlatformPostID = platformPostID
	trig.LastError = ""
	trig.UpdatedAt = time.Now().UTC()

	if err := e.triggerRepo.UpdateState(ctx, trig, prev); err != nil {
		trig.State = prev
		return err
	}

	e.logger.Info("トリガーが成功しました",
		slog.String("trigger_id", trig.ID),
		slog.String("content_item_id", trig.ContentItemID),
		slog.String("platform_post_id", platformPostID),
	)
	return nil
}

// MarkFailed はトリガーを失敗に遷移させる。
// permanentがtrueの場合は試行回数を上限まで引き上げ、以後の再実行を防ぐ。
// 試行回数が上限に達している場合はabandonedへ直接遷移させる。
func (e *Engine) MarkFailed(ctx context.Context, trig *model.Trigger, cause error, permanent bool) error {
	unlock := e.lockItem(trig.ContentItemID)
	defer unlock()

	if permanent {
		trig.Attempts = e.config.MaxAttempts
	}

	next := model.TriggerStateFailed
	if trig.Attempts >= e.config.MaxAttempts && !permanent {
		next = model.TriggerStateAbandoned
	}

	if !trig.State.CanTransitionTo(next) {
		return model.NewStateConflictError(
			fmt.Sprintf("状態 %s から %s へは遷移できません", trig.State, next),
		)
	}

	prev := trig.State
	trig.State = next
	if cause != nil {
		trig.LastError = cause.Error()
	}
	trig.UpdatedAt = time.Now().UTC()

	if err := e.triggerRepo.UpdateState(ctx, trig, prev); err != nil {
		trig.State = prev
		return err
	}

	if next == model.TriggerStateAbandoned {
		e.logger.Warn("トリガーを放棄しました。手動対応が必要です",
			slog.String("trigger_id", trig.ID),
			slog.String("content_item_id", trig.ContentItemID),
			slog.Int("attempts", trig.Attempts),
			slog.String("last_error", trig.LastError),
		)
	} else {
		e.logger.Warn("トリガーが失敗しました",
			slog.String("trigger_id", trig.ID),
			slog.String("content_item_id", trig.ContentItemID),
			slog.Int("attempts", trig.Attempts),
			slog.Bool("permanent", permanent),
			slog.String("last_error", trig.LastError),
		)
	}
	return nil
}

// ListAbandoned は手動対応が必要な放棄済みトリガーを返す。
func (e *Engine) ListAbandoned(ctx context.Context, limit int) ([]*model.Trigger, error) {
	return e.triggerRepo.ListAbandoned(ctx, limit)
}
