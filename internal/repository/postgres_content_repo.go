package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresContentRepo はPostgreSQLを使用したコンテンツアイテムリポジトリ。
type PostgresContentRepo struct {
	db *sql.DB
}

// NewPostgresContentRepo はPostgresContentRepoを生成する。
func NewPostgresContentRepo(db *sql.DB) *PostgresContentRepo {
	return &PostgresContentRepo{db: db}
}

// FindByID は指定IDのコンテンツアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresContentRepo) FindByID(ctx context.Context, id string) (*model.ContentItem, error) {
	item := &model.ContentItem{}

	err := r.db.QueryRowContext(ctx,
		`SELECT id, post_id, topic, state, created_at, updated_at
		 FROM content_items WHERE id = $1`,
		id,
	).Scan(&item.ID, &item.PostID, &item.Topic, &item.State, &item.CreatedAt, &item.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コンテンツアイテムの取得に失敗しました: %w", err)
	}

	return item, nil
}

// Create はコンテンツアイテムを作成する。
func (r *PostgresContentRepo) Create(ctx context.Context, item *model.ContentItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO content_items (id, post_id, topic, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		item.ID, item.PostID, item.Topic, item.State, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("コンテンツアイテムの作成に失敗しました: %w", err)
	}
	return nil
}

// ListActive は計測対象（published/boosted）のアイテム一覧を返す。
func (r *PostgresContentRepo) ListActive(ctx context.Context) ([]*model.ContentItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, post_id, topic, state, created_at, updated_at
		 FROM content_items
		 WHERE state IN ('published', 'boosted')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("計測対象アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.ContentItem
	for rows.Next() {
		item := &model.ContentItem{}
		if err := rows.Scan(&item.ID, &item.PostID, &item.Topic, &item.State, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("コンテンツアイテムの読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コンテンツアイテムの走査に失敗しました: %w", err)
	}

	return items, nil
}

// UpdatePublication はアイテムの状態とプラットフォーム投稿IDを更新する。
func (r *PostgresContentRepo) UpdatePublication(ctx context.Context, id string, state model.ContentState, postID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE content_items SET state = $2, post_id = $3, updated_at = $4 WHERE id = $1`,
		id, state, postID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("コンテンツアイテムの更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewContentNotFoundError(id)
	}
	return nil
}
