// Package analyzer は却下されたフィードバックの失敗分析を提供する。
// 分析は遅延生成かつベストエフォートで、却下レコード1件につき高々1件の
// 分析結果が保存される。
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/perfloop/internal/genai"
	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/repository"
	"github.com/hitoshi/perfloop/internal/retry"
)

const analysisSystemPrompt = "あなたはAI出力の品質分析者です。却下された生成テキストについて、" +
	"却下された理由を1〜3文で簡潔に説明してください。"

// Service は失敗分析のサービス。
type Service struct {
	feedbackRepo    repository.FeedbackRepository
	explanationRepo repository.ExplanationRepository
	generator       genai.Generator
	retryPolicy     *retry.Policy
	logger          *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	feedbackRepo repository.FeedbackRepository,
	explanationRepo repository.ExplanationRepository,
	generator genai.Generator,
	retryPolicy *retry.Policy,
	logger *slog.Logger,
) *Service {
	return &Service{
		feedbackRepo:    feedbackRepo,
		explanationRepo: explanationRepo,
		generator:       generator,
		retryPolicy:     retryPolicy,
		logger:          logger,
	}
}

// Analyze は却下レコードの失敗分析を生成して保存する。
// 既に分析結果が存在する場合はそれをそのまま返す（高々1件）。
// 承認レコードは分析対象外としてエラーを返す。
// プロバイダー呼び出しがリトライ上限まで失敗した場合は
// プレースホルダーを保存し、分析経路が後続処理をブロックしないようにする。
func (s *Service) Analyze(ctx context.Context, record *model.FeedbackRecord) (*model.FailureExplanation, error) {
	if record.Verdict != model.VerdictRejected {
		return nil, model.NewInvalidRequestError("verdict", "却下レコードのみが分析対象です")
	}

	existing, err := s.explanationRepo.FindByFeedbackRecordID(ctx, record.ID)
	if err != nil {
		return nil, fmt.Errorf("既存の分析結果の検索に失敗しました: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	analysis, tags := s.generateAnalysis(ctx, record)

	explanation := &model.FailureExplanation{
		ID:               uuid.NewString(),
		FeedbackRecordID: record.ID,
		Analysis:         analysis,
		PatternTags:      tags,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.explanationRepo.Create(ctx, explanation); err != nil {
		// 並行分析との競合: 先に保存された分析結果を返す
		if prior, findErr := s.explanationRepo.FindByFeedbackRecordID(ctx, record.ID); findErr == nil && prior != nil {
			return prior, nil
		}
		return nil, fmt.Errorf("分析結果の保存に失敗しました: %w", err)
	}

	s.logger.Info("失敗分析を保存しました",
		slog.String("record_id", record.ID),
		slog.String("explanation_id", explanation.ID),
		slog.Any("pattern_tags", tags),
	)

	return explanation, nil
}

// generateAnalysis はプロバイダーを呼び出して分析文とパターンタグを生成する。
// 最終的に失敗した場合はプレースホルダーを返す。
func (s *Service) generateAnalysis(ctx context.Context, record *model.FeedbackRecord) (string, []string) {
	prompt := s.buildPrompt(record)

	var analysis string
	err := s.retryPolicy.Do(ctx, func(ctx context.Context) error {
		text, genErr := s.generator.Generate(ctx, analysisSystemPrompt, prompt)
		if genErr != nil {
			return genErr
		}
		analysis = text
		return nil
	})
	if err != nil {
		s.logger.Warn("分析文の生成に失敗したためプレースホルダーを保存します",
			slog.String("record_id", record.ID),
			slog.String("error", err.Error()),
		)
		return model.AnalysisUnavailable, []string{TagUnclassified}
	}

	return analysis, classifyPatterns(analysis + "\n" + record.CorrectedText)
}

// buildPrompt は分析プロンプトを組み立てる。
func (s *Service) buildPrompt(record *model.FeedbackRecord) string {
	prompt := fmt.Sprintf("却下された出力:\n%s\n", record.AIText)
	if record.CorrectedText != "" {
		prompt += fmt.Sprintf("\n人間による修正:\n%s\n", record.CorrectedText)
	}
	if record.Context != "" {
		prompt += fmt.Sprintf("\n文脈:\n%s\n", record.Context)
	}
	return prompt
}

// PatternCount はパターンタグとその出現数を表す。
type PatternCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// InsightsReport は失敗分析の集計レポートを表す。
type InsightsReport struct {
	WindowStart   time.Time      `json:"window_start"`
	GeneratedAt   time.Time      `json:"generated_at"`
	AcceptedCount int            `json:"accepted_count"`
	RejectedCount int            `json:"rejected_count"`
	AnalyzedCount int            `json:"analyzed_count"`
	TopPatterns   []PatternCount `json:"top_patterns"`
}

// Insights は指定期間の失敗傾向を集計する。
// パターンタグは出現数の降順（同数の場合はタグ名の昇順）で返される。
func (s *Service) Insights(ctx context.Context, lookback time.Duration) (*InsightsReport, error) {
	now := time.Now().UTC()
	since := now.Add(-lookback)

	verdictCounts, err := s.feedbackRepo.CountByVerdictSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("判定数の集計に失敗しました: %w", err)
	}

	analyzedCount, err := s.explanationRepo.CountSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("分析数の集計に失敗しました: %w", err)
	}

	tagCounts, err := s.explanationRepo.TagCountsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("パターンタグの集計に失敗しました: %w", err)
	}

	patterns := make([]PatternCount, 0, len(tagCounts))
	for tag, count := range tagCounts {
		patterns = append(patterns, PatternCount{Tag: tag, Count: count})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Tag < patterns[j].Tag
	})

	return &InsightsReport{
		WindowStart:   since,
		GeneratedAt:   now,
		AcceptedCount: verdictCounts[model.VerdictAccepted],
		RejectedCount: verdictCounts[model.VerdictRejected],
		AnalyzedCount: analyzedCount,
		TopPatterns:   patterns,
	}, nil
}
