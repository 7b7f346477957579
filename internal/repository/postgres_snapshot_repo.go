package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresSnapshotRepo はPostgreSQLを使用した計測スナップショットリポジトリ。
type PostgresSnapshotRepo struct {
	db *sql.DB
}

// NewPostgresSnapshotRepo はPostgresSnapshotRepoを生成する。
func NewPostgresSnapshotRepo(db *sql.DB) *PostgresSnapshotRepo {
	return &PostgresSnapshotRepo{db: db}
}

// LatestByContentItem はアイテムの最新スナップショットを取得する。
// スナップショットが存在しない場合はnilを返す。
func (r *PostgresSnapshotRepo) LatestByContentItem(ctx context.Context, contentItemID string) (*model.MetricsSnapshot, error) {
	snap := &model.MetricsSnapshot{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, content_item_id, impressions, reactions, comments, shares, engagement_rate, recorded_at
		 FROM metrics_snapshots
		 WHERE content_item_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT 1`,
		contentItemID,
	).Scan(
		&snap.ID, &snap.ContentItemID, &snap.Impressions, &snap.Reactions,
		&snap.Comments, &snap.Shares, &snap.EngagementRate, &snap.RecordedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新スナップショットの取得に失敗しました: %w", err)
	}

	return snap, nil
}

// ListByContentItem はアイテムのスナップショットをrecorded_at昇順で最大limit件返す。
// limitを超える履歴がある場合は新しい側を優先する。
func (r *PostgresSnapshotRepo) ListByContentItem(ctx context.Context, contentItemID string, limit int) ([]model.MetricsSnapshot, error) {
	// 新しい順にlimit件を取得し、昇順に並べ直す
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, content_item_id, impressions, reactions, comments, shares, engagement_rate, recorded_at
		 FROM (
		     SELECT id, content_item_id, impressions, reactions, comments, shares, engagement_rate, recorded_at
		     FROM metrics_snapshots
		     WHERE content_item_id = $1
		     ORDER BY recorded_at DESC
		     LIMIT $2
		 ) latest
		 ORDER BY recorded_at ASC`,
		contentItemID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("スナップショット一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var snaps []model.MetricsSnapshot
	for rows.Next() {
		var snap model.MetricsSnapshot
		if err := rows.Scan(
			&snap.ID, &snap.ContentItemID, &snap.Impressions, &snap.Reactions,
			&snap.Comments, &snap.Shares, &snap.EngagementRate, &snap.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("スナップショットの読み取りに失敗しました: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("スナップショットの走査に失敗しました: %w", err)
	}

	return snaps, nil
}

// Create はスナップショットを追記する。
func (r *PostgresSnapshotRepo) Create(ctx context.Context, snap *model.MetricsSnapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO metrics_snapshots
		     (id, content_item_id, impressions, reactions, comments, shares, engagement_rate, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.ContentItemID, snap.Impressions, snap.Reactions,
		snap.Comments, snap.Shares, snap.EngagementRate, snap.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewInvalidMetricsError("同一時刻のスナップショットが既に存在します")
		}
		return fmt.Errorf("スナップショットの作成に失敗しました: %w", err)
	}
	return nil
}

// DeleteBeyondWindow はアイテムの保持ウィンドウを超える古いスナップショットを削除する。
func (r *PostgresSnapshotRepo) DeleteBeyondWindow(ctx context.Context, contentItemID string, keep int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM metrics_snapshots
		 WHERE content_item_id = $1
		   AND id NOT IN (
		       SELECT id FROM metrics_snapshots
		       WHERE content_item_id = $1
		       ORDER BY recorded_at DESC
		       LIMIT $2
		   )`,
		contentItemID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("スナップショットの削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// DeleteOlderThan は指定時刻より古いスナップショットを全アイテム横断で削除する。
func (r *PostgresSnapshotRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM metrics_snapshots WHERE recorded_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いスナップショットの削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
