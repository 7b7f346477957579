package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresTrainingRepo はPostgreSQLを使用した学習バッチ・サンプルリポジトリ。
type PostgresTrainingRepo struct {
	db *sql.DB
}

// NewPostgresTrainingRepo はPostgresTrainingRepoを生成する。
func NewPostgresTrainingRepo(db *sql.DB) *PostgresTrainingRepo {
	return &PostgresTrainingRepo{db: db}
}

// CreateBatch は学習バッチを作成する。
func (r *PostgresTrainingRepo) CreateBatch(ctx context.Context, batch *model.TrainingBatch) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO training_batches (id, status, created_at) VALUES ($1, $2, $3)`,
		batch.ID, batch.Status, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("学習バッチの作成に失敗しました: %w", err)
	}
	return nil
}

// FindBatchByID は指定IDのバッチを取得する。見つからない場合はnilを返す。
func (r *PostgresTrainingRepo) FindBatchByID(ctx context.Context, id string) (*model.TrainingBatch, error) {
	batch := &model.TrainingBatch{}
	var exportedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, status, exported_at, created_at FROM training_batches WHERE id = $1`,
		id,
	).Scan(&batch.ID, &batch.Status, &exportedAt, &batch.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("学習バッチの取得に失敗しました: %w", err)
	}

	if exportedAt.Valid {
		batch.ExportedAt = exportedAt.Time
	}
	return batch, nil
}

// MarkExported はバッチをエクスポート済みに遷移させる。
// 条件付きUPDATEにより、既にエクスポート済みの場合はBATCH_CLOSEDを返す。
func (r *PostgresTrainingRepo) MarkExported(ctx context.Context, id string, exportedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE training_batches SET status = 'exported', exported_at = $2
		 WHERE id = $1 AND status = 'open'`,
		id, exportedAt,
	)
	if err != nil {
		return fmt.Errorf("学習バッチの更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewBatchClosedError(id)
	}
	return nil
}

// CreateExample は学習サンプルを追記する。
func (r *PostgresTrainingRepo) CreateExample(ctx context.Context, example *model.TrainingExample) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO training_examples (id, batch_id, prompt, completion, score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		example.ID, example.BatchID, example.Prompt, example.Completion,
		example.Score, example.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("学習サンプルの作成に失敗しました: %w", err)
	}
	return nil
}

// ListExamplesByBatch はバッチのサンプルをcreated_at・id昇順で返す。
// 順序はエクスポートのバイト単位再現性を保証するため決定的でなければならない。
func (r *PostgresTrainingRepo) ListExamplesByBatch(ctx context.Context, batchID string) ([]model.TrainingExample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, batch_id, prompt, completion, score, created_at
		 FROM training_examples
		 WHERE batch_id = $1
		 ORDER BY created_at, id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("学習サンプル一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var examples []model.TrainingExample
	for rows.Next() {
		var ex model.TrainingExample
		if err := rows.Scan(&ex.ID, &ex.BatchID, &ex.Prompt, &ex.Completion, &ex.Score, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("学習サンプルの読み取りに失敗しました: %w", err)
		}
		examples = append(examples, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("学習サンプルの走査に失敗しました: %w", err)
	}

	return examples, nil
}
