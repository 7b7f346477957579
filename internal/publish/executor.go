// Package publish はトリガーの実行（再生成・再公開・ブースト）を提供する。
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/perfloop/internal/genai"
	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/platform"
	"github.com/hitoshi/perfloop/internal/repository"
	"github.com/hitoshi/perfloop/internal/retry"
)

// rejectedContextLookback は再生成プロンプトに含める却下フィードバックの参照期間。
const rejectedContextLookback = 30 * 24 * time.Hour

// rejectedContextLimit は再生成プロンプトに含める却下フィードバックの最大件数。
const rejectedContextLimit = 5

// Transitioner はトリガーの状態遷移インターフェース。トリガーエンジンが実装する。
type Transitioner interface {
	Claim(ctx context.Context, trig *model.Trigger) error
	MarkSucceeded(ctx context.Context, trig *model.Trigger, platformPostID string) error
	MarkFailed(ctx context.Context, trig *model.Trigger, cause error, permanent bool) error
}

// Publisher はプラットフォームへの公開操作インターフェース。
type Publisher interface {
	Publish(ctx context.Context, draft platform.Draft) (string, error)
	Boost(ctx context.Context, platformPostID string, budget int) error
}

// Sanitizer は生成テキストのサニタイズインターフェース。
type Sanitizer interface {
	Sanitize(text string) string
}

// ExecutionResult はトリガー実行の結果を表す。
type ExecutionResult struct {
	TriggerID      string              `json:"trigger_id"`
	ContentItemID  string              `json:"content_item_id"`
	Action         model.TriggerAction `json:"action"`
	State          model.TriggerState  `json:"state"`
	PlatformPostID string              `json:"platform_post_id,omitempty"`
}

// Executor はトリガーを実行するパブリッシュスケジューラ。
// 成功と判定するのはプラットフォームが投稿IDを返した後のみである。
type Executor struct {
	contentRepo  repository.ContentRepository
	feedbackRepo repository.FeedbackRepository
	transitioner Transitioner
	generator    genai.Generator
	publisher    Publisher
	sanitizer    Sanitizer
	retryPolicy  *retry.Policy
	logger       *slog.Logger
	boostBudget  int
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	contentRepo repository.ContentRepository,
	feedbackRepo repository.FeedbackRepository,
	transitioner Transitioner,
	generator genai.Generator,
	publisher Publisher,
	sanitizer Sanitizer,
	retryPolicy *retry.Policy,
	logger *slog.Logger,
	boostBudget int,
) *Executor {
	return &Executor{
		contentRepo:  contentRepo,
		feedbackRepo: feedbackRepo,
		transitioner: transitioner,
		generator:    generator,
		publisher:    publisher,
		sanitizer:    sanitizer,
		retryPolicy:  retryPolicy,
		logger:       logger,
		boostBudget:  boostBudget,
	}
}

// Execute はトリガーを実行待ちから実行中に遷移させてアクションを実行する。
// 一時的エラーはバックオフ付きでリトライされ、上限到達で失敗遷移する。
// 恒久的エラーは即座に失敗遷移し、試行回数を使い切って再実行をブロックする。
// トリガーが既にプラットフォーム投稿IDを持つ場合は実行済みとして成功遷移のみ行う。
func (e *Executor) Execute(ctx context.Context, trig *model.Trigger) (*ExecutionResult, error) {
	if err := e.transitioner.Claim(ctx, trig); err != nil {
		return nil, err
	}

	// 冪等判定: 前回の実行でプラットフォーム側の永続化まで完了している場合、
	// 成功遷移が失われているだけなので再実行せずに成功扱いとする
	if trig.PlatformPostID != "" {
		e.logger.Info("プラットフォーム投稿IDが記録済みのため実行をスキップします",
			slog.String("trigger_id", trig.ID),
			slog.String("platform_post_id", trig.PlatformPostID),
		)
		if err := e.transitioner.MarkSucceeded(ctx, trig, trig.PlatformPostID); err != nil {
			return nil, err
		}
		return e.result(trig), nil
	}

	postID, err := e.executeAction(ctx, trig)
	if err != nil {
		permanent := retry.IsPermanent(err)
		if markErr := e.transitioner.MarkFailed(ctx, trig, err, permanent); markErr != nil {
			e.logger.Error("失敗遷移の永続化に失敗しました",
				slog.String("trigger_id", trig.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return e.result(trig), err
	}

	if err := e.transitioner.MarkSucceeded(ctx, trig, postID); err != nil {
		return nil, err
	}
	return e.result(trig), nil
}

// executeAction はアクション本体を実行し、プラットフォーム投稿IDを返す。
func (e *Executor) executeAction(ctx context.Context, trig *model.Trigger) (string, error) {
	item, err := e.contentRepo.FindByID(ctx, trig.ContentItemID)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("コンテンツアイテムの取得に失敗しました: %w", err))
	}
	if item == nil {
		return "", retry.Permanent(fmt.Errorf("コンテンツアイテムが存在しません: %s", trig.ContentItemID))
	}

	switch trig.Action {
	case model.TriggerActionRegenerate:
		return e.regenerate(ctx, item)
	case model.TriggerActionBoost:
		return e.boost(ctx, item)
	default:
		return "", retry.Permanent(fmt.Errorf("未知のアクションです: %s", trig.Action))
	}
}

// regenerate はコンテンツを再生成してプラットフォームへ再公開する。
func (e *Executor) regenerate(ctx context.Context, item *model.ContentItem) (string, error) {
	prompt, err := e.buildPrompt(ctx, item)
	if err != nil {
		return "", err
	}

	var draftBody string
	err = e.retryPolicy.Do(ctx, func(ctx context.Context) error {
		body, genErr := e.generator.Generate(ctx, regenerateSystemPrompt, prompt)
		if genErr != nil {
			return genErr
		}
		draftBody = body
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ドラフト生成に失敗しました: %w", err)
	}

	draftBody = e.sanitizer.Sanitize(draftBody)
	if draftBody == "" {
		return "", retry.Permanent(fmt.Errorf("サニタイズ後のドラフトが空です"))
	}

	var postID string
	err = e.retryPolicy.Do(ctx, func(ctx context.Context) error {
		id, pubErr := e.publisher.Publish(ctx, platform.Draft{Topic: item.Topic, Body: draftBody})
		if pubErr != nil {
			return pubErr
		}
		postID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("再公開に失敗しました: %w", err)
	}

	if err := e.contentRepo.UpdatePublication(ctx, item.ID, model.ContentStatePublished, postID); err != nil {
		// プラットフォーム側は成功しているため、ローカル更新の失敗は警告に留める
		e.logger.Warn("コンテンツアイテムの公開状態の更新に失敗しました",
			slog.String("content_item_id", item.ID),
			slog.String("platform_post_id", postID),
			slog.String("error", err.Error()),
		)
	}

	return postID, nil
}

// boost は既存投稿にブーストを適用する。
func (e *Executor) boost(ctx context.Context, item *model.ContentItem) (string, error) {
	if item.PostID == "" {
		return "", retry.Permanent(fmt.Errorf("未公開のアイテムはブーストできません: %s", item.ID))
	}

	err := e.retryPolicy.Do(ctx, func(ctx context.Context) error {
		return e.publisher.Boost(ctx, item.PostID, e.boostBudget)
	})
	if err != nil {
		return "", fmt.Errorf("ブーストに失敗しました: %w", err)
	}

	if err := e.contentRepo.UpdatePublication(ctx, item.ID, model.ContentStateBoosted, item.PostID); err != nil {
		e.logger.Warn("コンテンツアイテムのブースト状態の更新に失敗しました",
			slog.String("content_item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}

	return item.PostID, nil
}

const regenerateSystemPrompt = "あなたはSNS運用の専門家です。エンゲージメントが低下した投稿を、" +
	"同じトピックを保ちながら新鮮な切り口で書き直してください。本文のみを出力してください。"

// buildPrompt は再生成プロンプトを組み立てる。
// 直近の却下フィードバックを否定的な文脈として含め、同じ失敗の繰り返しを避ける。
func (e *Executor) buildPrompt(ctx context.Context, item *model.ContentItem) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "トピック: %s\n\n", item.Topic)

	since := time.Now().Add(-rejectedContextLookback)
	rejected, err := e.feedbackRepo.ListRejectedSince(ctx, since, rejectedContextLimit)
	if err != nil {
		// フィードバック文脈は補助情報のため、取得失敗時は文脈なしで続行する
		e.logger.Warn("却下フィードバックの取得に失敗しました",
			slog.String("content_item_id", item.ID),
			slog.String("error", err.Error()),
		)
		rejected = nil
	}

	if len(rejected) > 0 {
		b.WriteString("以下は最近却下された出力の例です。同様の失敗を避けてください:\n")
		for _, rec := range rejected {
			fmt.Fprintf(&b, "- %s\n", truncate(rec.AIText, 200))
			if rec.CorrectedText != "" {
				fmt.Fprintf(&b, "  修正例: %s\n", truncate(rec.CorrectedText, 200))
			}
		}
	}

	return b.String(), nil
}

// truncate は文字列をルーン単位で最大n文字に切り詰める。
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// result はトリガーの現在状態から実行結果を構築する。
func (e *Executor) result(trig *model.Trigger) *ExecutionResult {
	return &ExecutionResult{
		TriggerID:      trig.ID,
		ContentItemID:  trig.ContentItemID,
		Action:         trig.Action,
		State:          trig.State,
		PlatformPostID: trig.PlatformPostID,
	}
}
