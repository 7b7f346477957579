package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresTriggerRepo はPostgreSQLを使用したトリガーリポジトリ。
// 非終了トリガーの排他は部分一意インデックス idx_triggers_nonterminal_per_item が
// データベース層で強制する。
type PostgresTriggerRepo struct {
	db *sql.DB
}

// NewPostgresTriggerRepo はPostgresTriggerRepoを生成する。
func NewPostgresTriggerRepo(db *sql.DB) *PostgresTriggerRepo {
	return &PostgresTriggerRepo{db: db}
}

const triggerColumns = `id, content_item_id, idempotency_key, action, state,
	attempts, decay_ratio, platform_post_id, last_error, decided_at, updated_at`

// scanTrigger は1行分のトリガーを読み取る。
func scanTrigger(row interface{ Scan(...any) error }) (*model.Trigger, error) {
	t := &model.Trigger{}
	err := row.Scan(
		&t.ID, &t.ContentItemID, &t.IdempotencyKey, &t.Action, &t.State,
		&t.Attempts, &t.DecayRatio, &t.PlatformPostID, &t.LastError,
		&t.DecidedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FindByID は指定IDのトリガーを取得する。見つからない場合はnilを返す。
func (r *PostgresTriggerRepo) FindByID(ctx context.Context, id string) (*model.Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トリガーの取得に失敗しました: %w", err)
	}
	return t, nil
}

// FindByIdempotencyKey は冪等キーでトリガーを検索する。見つからない場合はnilを返す。
func (r *PostgresTriggerRepo) FindByIdempotencyKey(ctx context.Context, key string) (*model.Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE idempotency_key = $1`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("冪等キーによるトリガーの検索に失敗しました: %w", err)
	}
	return t, nil
}

// FindNonTerminalByContentItem はアイテムの非終了（pending/executing）トリガーを返す。
func (r *PostgresTriggerRepo) FindNonTerminalByContentItem(ctx context.Context, contentItemID string) (*model.Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE content_item_id = $1 AND state IN ('pending', 'executing')`,
		contentItemID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("非終了トリガーの検索に失敗しました: %w", err)
	}
	return t, nil
}

// LatestByContentItem はアイテムの最新トリガーを返す。見つからない場合はnilを返す。
func (r *PostgresTriggerRepo) LatestByContentItem(ctx context.Context, contentItemID string) (*model.Trigger, error) {
	t, err := scanTrigger(r.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE content_item_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		contentItemID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("最新トリガーの検索に失敗しました: %w", err)
	}
	return t, nil
}

// Create はトリガーを作成する。
// 部分一意インデックスまたは冪等キーの一意制約違反はSTATE_CONFLICTとして返す。
func (r *PostgresTriggerRepo) Create(ctx context.Context, trigger *model.Trigger) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO triggers
		     (id, content_item_id, idempotency_key, action, state,
		      attempts, decay_ratio, platform_post_id, last_error, decided_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		trigger.ID, trigger.ContentItemID, trigger.IdempotencyKey, trigger.Action, trigger.State,
		trigger.Attempts, trigger.DecayRatio, trigger.PlatformPostID, trigger.LastError,
		trigger.DecidedAt, trigger.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewStateConflictError(
				fmt.Sprintf("アイテム %s には既に非終了トリガーが存在します", trigger.ContentItemID))
		}
		return fmt.Errorf("トリガーの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateState はトリガーの状態遷移を永続化する。
// prevStateからの条件付きUPDATEにより、並行する遷移と競合した場合はSTATE_CONFLICTを返す。
func (r *PostgresTriggerRepo) UpdateState(ctx context.Context, trigger *model.Trigger, prevState model.TriggerState) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE triggers
		 SET state = $2, attempts = $3, platform_post_id = $4, last_error = $5, updated_at = $6
		 WHERE id = $1 AND state = $7`,
		trigger.ID, trigger.State, trigger.Attempts, trigger.PlatformPostID,
		trigger.LastError, trigger.UpdatedAt, prevState,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewStateConflictError(
				fmt.Sprintf("アイテム %s には既に非終了トリガーが存在します", trigger.ContentItemID))
		}
		return fmt.Errorf("トリガー状態の更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewStateConflictError(
			fmt.Sprintf("トリガー %s は既に %s から遷移しています", trigger.ID, prevState))
	}
	return nil
}

// ListAbandoned は手動対応が必要な放棄済みトリガーを新しい順に最大limit件返す。
func (r *PostgresTriggerRepo) ListAbandoned(ctx context.Context, limit int) ([]*model.Trigger, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE state = 'abandoned'
		 ORDER BY updated_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("放棄済みトリガーの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var triggers []*model.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("トリガーの読み取りに失敗しました: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("トリガーの走査に失敗しました: %w", err)
	}

	return triggers, nil
}

// DeleteTerminalOlderThan は指定時刻より古い終了状態のトリガーを削除する。
func (r *PostgresTriggerRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM triggers
		 WHERE state IN ('succeeded', 'failed', 'abandoned') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古いトリガーの削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
