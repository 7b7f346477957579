// Package feedback は生成コンテンツへの判定記録機能を提供する。
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
)

// Analyzer は却下レコードの失敗分析インターフェース。
// 分析はベストエフォートであり、フィードバック記録経路をブロックしない。
type Analyzer interface {
	Analyze(ctx context.Context, record *model.FeedbackRecord) (*model.FailureExplanation, error)
}

// Sanitizer は保存前のテキストサニタイズインターフェース。
type Sanitizer interface {
	Sanitize(text string) string
}

// Service はフィードバック記録のサービス。
type Service struct {
	feedbackRepo repository.FeedbackRepository
	analyzer     Analyzer
	sanitizer    Sanitizer
	logger       *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// analyzer がnilの場合、却下レコードの分析は行われない。
func NewService(
	feedbackRepo repository.FeedbackRepository,
	analyzer Analyzer,
	sanitizer Sanitizer,
	logger *slog.Logger,
) *Service {
	return &Service{
		feedbackRepo: feedbackRepo,
		analyzer:     analyzer,
		sanitizer:    sanitizer,
		logger:       logger,
	}
}

// Record は判定を検証してフィードバックレコードとして追記する。
// 判定はaccepted/rejectedのみ許可され、それ以外はINVALID_VERDICTとして拒否される。
// 却下レコードは記録後に非同期で失敗分析へ引き渡される。
// 分析の失敗は記録の成否に影響しない。
func (s *Service) Record(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
	if interactionID == "" {
		return nil, model.NewInvalidRequestError("interaction_id", "インタラクションIDが指定されていません")
	}
	if aiText == "" {
		return nil, model.NewInvalidRequestError("ai_text", "判定対象のテキストが指定されていません")
	}
	if !verdict.IsValid() {
		return nil, model.NewInvalidVerdictError(string(verdict))
	}

	rec := &model.FeedbackRecord{
		ID:            uuid.NewString(),
		InteractionID: interactionID,
		AIText:        s.sanitizer.Sanitize(aiText),
		Verdict:       verdict,
		CorrectedText: s.sanitizer.Sanitize(correctedText),
		Context:       s.sanitizer.Sanitize(contextText),
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.feedbackRepo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("フィードバックレコードの保存に失敗しました: %w", err)
	}

	s.logger.Info("フィードバックを記録しました",
		slog.String("record_id", rec.ID),
		slog.String("interaction_id", rec.InteractionID),
		slog.String("verdict", string(rec.Verdict)),
	)

	if rec.Verdict == model.VerdictRejected && s.analyzer != nil {
		// リクエストのキャンセルに巻き込まれないよう切り離したコンテキストで分析する
		go s.analyzeAsync(context.WithoutCancel(ctx), rec)
	}

	return rec, nil
}

// analyzeAsync は却下レコードの失敗分析をバックグラウンドで実行する。
func (s *Service) analyzeAsync(ctx context.Context, rec *model.FeedbackRecord) {
	if _, err := s.analyzer.Analyze(ctx, rec); err != nil {
		s.logger.Warn("失敗分析の実行に失敗しました",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Find はIDでフィードバックレコードを取得する。
// 見つからない場合はRECORD_NOT_FOUNDを返す。
func (s *Service) Find(ctx context.Context, id string) (*model.FeedbackRecord, error) {
	rec, err := s.feedbackRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("フィードバックレコードの取得に失敗しました: %w", err)
	}
	if rec == nil {
		return nil, model.NewRecordNotFoundError(id)
	}
	return rec, nil
}
