// Package ingest はエンゲージメント指標の取り込み機能を提供する。
// プラットフォームから取得した生カウントをスナップショットとして追記保存し、
// アイテムごとの保持ウィンドウを維持する。
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
)

// Service は指標取り込みのサービス。
type Service struct {
	contentRepo  repository.ContentRepository
	snapshotRepo repository.SnapshotRepository
	logger       *slog.Logger
	windowSize   int
}

// NewService はServiceの新しいインスタンスを生成する。
// windowSize はアイテムごとに保持するスナップショットの最大件数。
func NewService(
	contentRepo repository.ContentRepository,
	snapshotRepo repository.SnapshotRepository,
	logger *slog.Logger,
	windowSize int,
) *Service {
	return &Service{
		contentRepo:  contentRepo,
		snapshotRepo: snapshotRepo,
		logger:       logger,
		windowSize:   windowSize,
	}
}

// Ingest は生カウントを検証しスナップショットとして追記する。
// 負のカウントはINVALID_METRICSとして拒否される。
// recordedAtは同一アイテムの既存スナップショットより新しくなければならない
// （タイムスタンプの単調増加）。ウィンドウを超えた古いスナップショットは
// 追記後に削除される。
func (s *Service) Ingest(ctx context.Context, contentItemID string, counts model.RawCounts, recordedAt time.Time) (*model.MetricsSnapshot, error) {
	if counts.Impressions < 0 || counts.Reactions < 0 || counts.Comments < 0 || counts.Shares < 0 {
		return nil, model.NewInvalidMetricsError("カウントに負の値が含まれています")
	}
	if recordedAt.IsZero() {
		return nil, model.NewInvalidMetricsError("計測時刻が指定されていません")
	}

	item, err := s.contentRepo.FindByID(ctx, contentItemID)
	if err != nil {
		return nil, fmt.Errorf("コンテンツアイテムの取得に失敗しました: %w", err)
	}
	if item == nil {
		return nil, model.NewContentNotFoundError(contentItemID)
	}

	latest, err := s.snapshotRepo.LatestByContentItem(ctx, contentItemID)
	if err != nil {
		return nil, fmt.Errorf("最新スナップショットの取得に失敗しました: %w", err)
	}
	if latest != nil && !recordedAt.After(latest.RecordedAt) {
		return nil, model.NewInvalidMetricsError(
			fmt.Sprintf("計測時刻が単調増加していません: %s <= %s",
				recordedAt.Format(time.RFC3339), latest.RecordedAt.Format(time.RFC3339)),
		)
	}

	snap := &model.MetricsSnapshot{
		ID:             uuid.NewString(),
		ContentItemID:  contentItemID,
		Impressions:    counts.Impressions,
		Reactions:      counts.Reactions,
		Comments:       counts.Comments,
		Shares:         counts.Shares,
		EngagementRate: counts.EngagementRate(),
		RecordedAt:     recordedAt.UTC(),
	}

	if err := s.snapshotRepo.Create(ctx, snap); err != nil {
		return nil, fmt.Errorf("スナップショットの保存に失敗しました: %w", err)
	}

	evicted, err := s.snapshotRepo.DeleteBeyondWindow(ctx, contentItemID, s.windowSize)
	if err != nil {
		// 追記自体は成功しているため、ウィンドウ削除の失敗は警告に留める
		s.logger.Warn("スナップショットウィンドウの削除に失敗しました",
			slog.String("content_item_id", contentItemID),
			slog.String("error", err.Error()),
		)
	} else if evicted > 0 {
		s.logger.Debug("保持ウィンドウを超えたスナップショットを削除しました",
			slog.String("content_item_id", contentItemID),
			slog.Int64("evicted", evicted),
		)
	}

	return snap, nil
}
