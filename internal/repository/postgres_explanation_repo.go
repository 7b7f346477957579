package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresExplanationRepo はPostgreSQLを使用した失敗分析リポジトリ。
type PostgresExplanationRepo struct {
	db *sql.DB
}

// NewPostgresExplanationRepo はPostgresExplanationRepoを生成する。
func NewPostgresExplanationRepo(db *sql.DB) *PostgresExplanationRepo {
	return &PostgresExplanationRepo{db: db}
}

// FindByFeedbackRecordID はフィードバックレコードIDで分析結果を検索する。
// 見つからない場合はnilを返す。
func (r *PostgresExplanationRepo) FindByFeedbackRecordID(ctx context.Context, recordID string) (*model.FailureExplanation, error) {
	e := &model.FailureExplanation{}
	var tags pq.StringArray

	err := r.db.QueryRowContext(ctx,
		`SELECT id, feedback_record_id, analysis, pattern_tags, created_at
		 FROM failure_explanations WHERE feedback_record_id = $1`,
		recordID,
	).Scan(&e.ID, &e.FeedbackRecordID, &e.Analysis, &tags, &e.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("失敗分析の取得に失敗しました: %w", err)
	}

	e.PatternTags = []string(tags)
	return e, nil
}

// Create は分析結果を作成する。同一レコードへの重複作成はSTATE_CONFLICTとして返す。
func (r *PostgresExplanationRepo) Create(ctx context.Context, explanation *model.FailureExplanation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO failure_explanations (id, feedback_record_id, analysis, pattern_tags, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		explanation.ID, explanation.FeedbackRecordID, explanation.Analysis,
		pq.Array(explanation.PatternTags), explanation.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewStateConflictError(
				fmt.Sprintf("レコード %s の失敗分析は既に存在します", explanation.FeedbackRecordID))
		}
		return fmt.Errorf("失敗分析の作成に失敗しました: %w", err)
	}
	return nil
}

// CountSince は指定時刻以降に作成された分析結果の件数を返す。
func (r *PostgresExplanationRepo) CountSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failure_explanations WHERE created_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("分析結果数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// TagCountsSince は指定時刻以降の分析結果に含まれるパターンタグの出現数を返す。
func (r *PostgresExplanationRepo) TagCountsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag, COUNT(*)
		 FROM failure_explanations, unnest(pattern_tags) AS tag
		 WHERE created_at >= $1
		 GROUP BY tag`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("パターンタグ集計の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("パターンタグの読み取りに失敗しました: %w", err)
		}
		counts[tag] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("パターンタグの走査に失敗しました: %w", err)
	}

	return counts, nil
}

// DeleteOlderThan は指定時刻より古い分析結果を削除する。
func (r *PostgresExplanationRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM failure_explanations WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い分析結果の削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
