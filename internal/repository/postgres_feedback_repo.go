package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// PostgresFeedbackRepo はPostgreSQLを使用したフィードバックレコードリポジトリ。
type PostgresFeedbackRepo struct {
	db *sql.DB
}

// NewPostgresFeedbackRepo はPostgresFeedbackRepoを生成する。
func NewPostgresFeedbackRepo(db *sql.DB) *PostgresFeedbackRepo {
	return &PostgresFeedbackRepo{db: db}
}

const feedbackColumns = `id, interaction_id, ai_text, verdict, corrected_text, context, created_at`

func scanFeedback(row interface{ Scan(...any) error }) (*model.FeedbackRecord, error) {
	rec := &model.FeedbackRecord{}
	err := row.Scan(
		&rec.ID, &rec.InteractionID, &rec.AIText, &rec.Verdict,
		&rec.CorrectedText, &rec.Context, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedbackRepo) FindByID(ctx context.Context, id string) (*model.FeedbackRecord, error) {
	rec, err := scanFeedback(r.db.QueryRowContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_records WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードバックレコードの取得に失敗しました: %w", err)
	}
	return rec, nil
}

// FindByInteractionID はインタラクションIDでレコードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedbackRepo) FindByInteractionID(ctx context.Context, interactionID string) (*model.FeedbackRecord, error) {
	rec, err := scanFeedback(r.db.QueryRowContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_records WHERE interaction_id = $1`, interactionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("インタラクションIDによるレコードの検索に失敗しました: %w", err)
	}
	return rec, nil
}

// Create はレコードを追記する。interaction_idの重複はSTATE_CONFLICTとして返す。
func (r *PostgresFeedbackRepo) Create(ctx context.Context, rec *model.FeedbackRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feedback_records
		     (id, interaction_id, ai_text, verdict, corrected_text, context, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.InteractionID, rec.AIText, rec.Verdict,
		rec.CorrectedText, rec.Context, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewStateConflictError(
				fmt.Sprintf("インタラクション %s のフィードバックは既に記録されています", rec.InteractionID))
		}
		return fmt.Errorf("フィードバックレコードの作成に失敗しました: %w", err)
	}
	return nil
}

// ListRejectedSince は指定時刻以降の却下レコードを新しい順に最大limit件返す。
func (r *PostgresFeedbackRepo) ListRejectedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedbackRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_records
		 WHERE verdict = 'rejected' AND created_at >= $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("却下レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectFeedback(rows)
}

// CountByVerdictSince は指定時刻以降のレコード数を判定値別に返す。
func (r *PostgresFeedbackRepo) CountByVerdictSince(ctx context.Context, since time.Time) (map[model.Verdict]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT verdict, COUNT(*) FROM feedback_records
		 WHERE created_at >= $1
		 GROUP BY verdict`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("判定別レコード数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Verdict]int)
	for rows.Next() {
		var verdict model.Verdict
		var count int
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, fmt.Errorf("レコード数の読み取りに失敗しました: %w", err)
		}
		counts[verdict] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("レコード数の走査に失敗しました: %w", err)
	}

	return counts, nil
}

// ListExportable は学習エクスポートの対象となるレコードを返す。
// 承認済みレコード、および修正文付きの却下レコードが対象。
func (r *PostgresFeedbackRepo) ListExportable(ctx context.Context, since time.Time, limit int) ([]*model.FeedbackRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedbackColumns+` FROM feedback_records
		 WHERE created_at >= $1
		   AND (verdict = 'accepted' OR (verdict = 'rejected' AND corrected_text <> ''))
		 ORDER BY created_at, id
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("エクスポート対象レコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectFeedback(rows)
}

func collectFeedback(rows *sql.Rows) ([]*model.FeedbackRecord, error) {
	var recs []*model.FeedbackRecord
	for rows.Next() {
		rec, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("フィードバックレコードの読み取りに失敗しました: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードバックレコードの走査に失敗しました: %w", err)
	}
	return recs, nil
}
