// Package cleanup は計測データと分析結果の自動削除ジョブを提供する。
// 保持期間を超過したスナップショット、終了状態のトリガー、失敗分析結果を
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/perfloop/internal/repository"
)

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
// 非終了（pending/executing）のトリガーと未エクスポートの学習データは削除対象外。
type CleanupJob struct {
	snapshotRepo    repository.SnapshotRepository
	triggerRepo     repository.TriggerRepository
	explanationRepo repository.ExplanationRepository
	logger          *slog.Logger

	SnapshotRetentionDays    int // スナップショットの保持日数（デフォルト: 90）
	TriggerRetentionDays     int // 終了トリガーの保持日数（デフォルト: 30）
	ExplanationRetentionDays int // 失敗分析結果の保持日数（デフォルト: 180）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// snapshotRetentionDaysが0以下の場合はデフォルト値90を使用する。
func NewCleanupJob(
	snapshotRepo repository.SnapshotRepository,
	triggerRepo repository.TriggerRepository,
	explanationRepo repository.ExplanationRepository,
	logger *slog.Logger,
	snapshotRetentionDays int,
) *CleanupJob {
	if snapshotRetentionDays <= 0 {
		snapshotRetentionDays = 90
	}
	return &CleanupJob{
		snapshotRepo:             snapshotRepo,
		triggerRepo:              triggerRepo,
		explanationRepo:          explanationRepo,
		logger:                   logger,
		SnapshotRetentionDays:    snapshotRetentionDays,
		TriggerRetentionDays:     30,
		ExplanationRetentionDays: 180,
	}
}

// Start は指定間隔でクリーンアップを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("snapshot_retention_days", j.SnapshotRetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は保持期間を超過したデータを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()

	snapshotCutoff := now.AddDate(0, 0, -j.SnapshotRetentionDays)
	snapshotsDeleted, err := j.snapshotRepo.DeleteOlderThan(ctx, snapshotCutoff)
	if err != nil {
		j.logger.Error("スナップショットの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.SnapshotRetentionDays),
		)
		return fmt.Errorf("スナップショットクリーンアップの実行に失敗: %w", err)
	}

	triggerCutoff := now.AddDate(0, 0, -j.TriggerRetentionDays)
	triggersDeleted, err := j.triggerRepo.DeleteTerminalOlderThan(ctx, triggerCutoff)
	if err != nil {
		j.logger.Error("終了トリガーの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.TriggerRetentionDays),
		)
		return fmt.Errorf("トリガークリーンアップの実行に失敗: %w", err)
	}

	explanationCutoff := now.AddDate(0, 0, -j.ExplanationRetentionDays)
	explanationsDeleted, err := j.explanationRepo.DeleteOlderThan(ctx, explanationCutoff)
	if err != nil {
		j.logger.Error("失敗分析結果の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.ExplanationRetentionDays),
		)
		return fmt.Errorf("分析結果クリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("snapshots_deleted", snapshotsDeleted),
		slog.Int64("triggers_deleted", triggersDeleted),
		slog.Int64("explanations_deleted", explanationsDeleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
