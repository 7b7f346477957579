// Package training はモデル改善用の学習データのバッチ管理とエクスポートを提供する。
package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
)

// exportableLookback はBuildFromFeedbackが参照するフィードバックの期間。
const exportableLookback = 90 * 24 * time.Hour

// exportableLimit はBuildFromFeedbackが1回で取り込む最大レコード数。
const exportableLimit = 1000

// Service は学習データのサービス。
type Service struct {
	trainingRepo repository.TrainingRepository
	feedbackRepo repository.FeedbackRepository
	logger       *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	trainingRepo repository.TrainingRepository,
	feedbackRepo repository.FeedbackRepository,
	logger *slog.Logger,
) *Service {
	return &Service{
		trainingRepo: trainingRepo,
		feedbackRepo: feedbackRepo,
		logger:       logger,
	}
}

// OpenBatch は新しい学習バッチを作成する。
func (s *Service) OpenBatch(ctx context.Context) (*model.TrainingBatch, error) {
	batch := &model.TrainingBatch{
		ID:        uuid.NewString(),
		Status:    model.BatchStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.trainingRepo.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("学習バッチの作成に失敗しました: %w", err)
	}

	s.logger.Info("学習バッチを作成しました", slog.String("batch_id", batch.ID))
	return batch, nil
}

// AddExample は学習サンプルをバッチに追加する。
// エクスポート済みバッチへの追加はBATCH_CLOSEDとして拒否される。
func (s *Service) AddExample(ctx context.Context, batchID, prompt, completion string, score float64) (*model.TrainingExample, error) {
	if prompt == "" {
		return nil, model.NewInvalidRequestError("prompt", "プロンプトが指定されていません")
	}
	if completion == "" {
		return nil, model.NewInvalidRequestError("completion", "補完テキストが指定されていません")
	}
	if score < 0 || score > 1 {
		return nil, model.NewInvalidRequestError("score", "スコアは0.0〜1.0の範囲で指定してください")
	}

	batch, err := s.trainingRepo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("学習バッチの取得に失敗しました: %w", err)
	}
	if batch == nil {
		return nil, model.NewBatchNotFoundError(batchID)
	}
	if batch.Status != model.BatchStatusOpen {
		return nil, model.NewBatchClosedError(batchID)
	}

	example := &model.TrainingExample{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Prompt:     prompt,
		Completion: completion,
		Score:      score,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.trainingRepo.CreateExample(ctx, example); err != nil {
		return nil, fmt.Errorf("学習サンプルの保存に失敗しました: %w", err)
	}

	return example, nil
}

// exportLine はNDJSON出力の1行を表す。
// フィールド順は固定で、同じサンプル列からは常に同一のバイト列が生成される。
type exportLine struct {
	Prompt     string  `json:"prompt"`
	Completion string  `json:"completion"`
	Score      float64 `json:"score"`
}

// Export はバッチを改行区切りJSON（NDJSON）としてエクスポートする。
// サンプルはcreated_at・id昇順の決定的な順序で1行1オブジェクトとして
// 出力され、同一バッチからの出力はバイト単位で再現可能である。
// エクスポートはバッチごとに1回のみで、2回目以降はBATCH_CLOSEDを返す。
func (s *Service) Export(ctx context.Context, batchID string) ([]byte, error) {
	batch, err := s.trainingRepo.FindBatchByID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("学習バッチの取得に失敗しました: %w", err)
	}
	if batch == nil {
		return nil, model.NewBatchNotFoundError(batchID)
	}
	if batch.Status != model.BatchStatusOpen {
		return nil, model.NewBatchClosedError(batchID)
	}

	examples, err := s.trainingRepo.ListExamplesByBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("学習サンプルの取得に失敗しました: %w", err)
	}

	var buf bytes.Buffer
	for _, ex := range examples {
		line, err := json.Marshal(exportLine{
			Prompt:     ex.Prompt,
			Completion: ex.Completion,
			Score:      ex.Score,
		})
		if err != nil {
			return nil, fmt.Errorf("学習サンプルのシリアライズに失敗しました: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	// 出力の組み立てが完了してからバッチを閉じる。
	// MarkExportedは条件付き更新のため、並行エクスポートは片方がBATCH_CLOSEDになる。
	if err := s.trainingRepo.MarkExported(ctx, batchID, time.Now().UTC()); err != nil {
		return nil, err
	}

	s.logger.Info("学習バッチをエクスポートしました",
		slog.String("batch_id", batchID),
		slog.Int("example_count", len(examples)),
		slog.Int("bytes", buf.Len()),
	)

	return buf.Bytes(), nil
}

// BuildFromFeedback はエクスポート対象のフィードバックから学習サンプルを構築する。
// 承認レコードはAI出力をスコア1.0の正例として、修正文付きの却下レコードは
// 人間の修正文をスコア0.0の教師データとして取り込む。
// 追加されたサンプル数を返す。
func (s *Service) BuildFromFeedback(ctx context.Context, batchID string) (int, error) {
	batch, err := s.trainingRepo.FindBatchByID(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("学習バッチの取得に失敗しました: %w", err)
	}
	if batch == nil {
		return 0, model.NewBatchNotFoundError(batchID)
	}
	if batch.Status != model.BatchStatusOpen {
		return 0, model.NewBatchClosedError(batchID)
	}

	since := time.Now().UTC().Add(-exportableLookback)
	records, err := s.feedbackRepo.ListExportable(ctx, since, exportableLimit)
	if err != nil {
		return 0, fmt.Errorf("エクスポート対象フィードバックの取得に失敗しました: %w", err)
	}

	added := 0
	for _, rec := range records {
		prompt := rec.Context
		if prompt == "" {
			prompt = rec.InteractionID
		}

		var completion string
		var score float64
		switch rec.Verdict {
		case model.VerdictAccepted:
			completion = rec.AIText
			score = 1.0
		case model.VerdictRejected:
			if rec.CorrectedText == "" {
				continue
			}
			completion = rec.CorrectedText
			score = 0.0
		default:
			continue
		}

		example := &model.TrainingExample{
			ID:         uuid.NewString(),
			BatchID:    batchID,
			Prompt:     prompt,
			Completion: completion,
			Score:      score,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.trainingRepo.CreateExample(ctx, example); err != nil {
			return added, fmt.Errorf("学習サンプルの保存に失敗しました: %w", err)
		}
		added++
	}

	s.logger.Info("フィードバックから学習サンプルを構築しました",
		slog.String("batch_id", batchID),
		slog.Int("added", added),
	)

	return added, nil
}
