package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
)

// MetricsSource はプラットフォームからの指標取得インターフェース。
type MetricsSource interface {
	// GetMetrics は投稿の生エンゲージメント数と計測時刻を取得する。
	GetMetrics(ctx context.Context, platformPostID string) (*model.RawCounts, time.Time, error)
}

// Ingester はスナップショット追記のインターフェース。ポーラーから使用する。
type Ingester interface {
	Ingest(ctx context.Context, contentItemID string, counts model.RawCounts, recordedAt time.Time) (*model.MetricsSnapshot, error)
}

// PollerConfig はポーラーの設定を保持する。
type PollerConfig struct {
	APIInterval      time.Duration // API呼び出し間のインターバル
	MaxCallsPerCycle int           // 1サイクルあたりの最大API呼び出し回数
}

// Poller は計測対象アイテムの指標をプラットフォームから収集する。
// 評価サイクルの先頭で実行され、API呼び出しはインターバルを空けて
// ペーシングされる。連続エラー時はバックオフによりサイクル全体をスキップする。
type Poller struct {
	contentRepo repository.ContentRepository
	source      MetricsSource
	ingester    Ingester
	logger      *slog.Logger
	config      PollerConfig

	mu                sync.Mutex // consecutiveErrors / backoffUntil を保護し、サイクルを直列化する
	consecutiveErrors int
	backoffUntil      time.Time
}

// NewPoller はPollerの新しいインスタンスを生成する。
func NewPoller(
	contentRepo repository.ContentRepository,
	source MetricsSource,
	ingester Ingester,
	logger *slog.Logger,
	config PollerConfig,
) *Poller {
	return &Poller{
		contentRepo: contentRepo,
		source:      source,
		ingester:    ingester,
		logger:      logger,
		config:      config,
	}
}

// RunOnce は1回の収集サイクルを実行する。
// 計測対象（published/boosted）のアイテムを走査し、1アイテムずつ指標を
// 取得してスナップショットとして追記する。途中のエラーはアイテム単位で
// スキップし、サイクル全体は継続する。
// 同時呼び出しは直列化される（serveモードではAPIリクエストごとに
// サイクルが起動されるため）。
func (p *Poller) RunOnce(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	// バックオフ中の場合はスキップ
	if !p.backoffUntil.IsZero() && time.Now().Before(p.backoffUntil) {
		p.logger.Info("指標収集はバックオフ中のためスキップします",
			slog.Time("backoff_until", p.backoffUntil),
		)
		return nil
	}

	items, err := p.contentRepo.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		p.logger.Info("指標収集対象のアイテムはありません")
		return nil
	}

	var apiCallCount int
	var ingestedCount int
	var hadError bool

	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if item.PostID == "" {
			continue
		}

		// MaxCallsPerCycle チェック
		if apiCallCount >= p.config.MaxCallsPerCycle {
			p.logger.Info("1サイクルあたりの最大API呼び出し回数に達しました",
				slog.Int("api_call_count", apiCallCount),
				slog.Int("max_calls_per_cycle", p.config.MaxCallsPerCycle),
			)
			break
		}

		// API呼び出しインターバル（初回は待たない）
		if apiCallCount > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.APIInterval):
			}
		}

		apiCallCount++

		counts, recordedAt, err := p.source.GetMetrics(ctx, item.PostID)
		if err != nil {
			p.logger.Error("プラットフォームからの指標取得に失敗しました",
				slog.String("content_item_id", item.ID),
				slog.String("platform_post_id", item.PostID),
				slog.String("error", err.Error()),
			)
			hadError = true
			p.consecutiveErrors++
			backoff := p.calculateErrorBackoff(p.consecutiveErrors)
			if backoff > 0 {
				p.backoffUntil = time.Now().Add(backoff)
				p.logger.Warn("連続エラーによりバックオフを適用します",
					slog.Int("consecutive_errors", p.consecutiveErrors),
					slog.Duration("backoff_duration", backoff),
				)
				break
			}
			continue // このアイテムはスキップし次のアイテムへ
		}

		if _, err := p.ingester.Ingest(ctx, item.ID, *counts, recordedAt); err != nil {
			// 単調増加違反（同一時刻の再取得など）は想定内のためデバッグログに留める
			p.logger.Debug("スナップショットの追記をスキップしました",
				slog.String("content_item_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ingestedCount++
	}

	// サイクルが1件もエラーなく完了した場合は連続エラーカウントをリセット
	if !hadError {
		p.consecutiveErrors = 0
		p.backoffUntil = time.Time{}
	}

	p.logger.Info("指標収集サイクルが完了しました",
		slog.Int("target_items", len(items)),
		slog.Int("api_call_count", apiCallCount),
		slog.Int("ingested_count", ingestedCount),
		slog.Duration("duration", time.Since(start)),
	)

	return nil
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 5分、5回連続: 30分、10回連続: 2時間。
func (p *Poller) calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 2 * time.Hour
	case consecutiveErrors >= 5:
		return 30 * time.Minute
	case consecutiveErrors >= 3:
		return 5 * time.Minute
	default:
		return 0
	}
}
