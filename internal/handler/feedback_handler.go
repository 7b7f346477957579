package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/perfloop/internal/analyzer"
	"github.com/hitoshi/perfloop/internal/model"
)

// FeedbackServiceInterface はフィードバックハンドラーが必要とするサービスインターフェース。
type FeedbackServiceInterface interface {
	// Record はフィードバックを記録する。却下の場合は失敗分析を非同期に起動する。
	Record(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error)
	// Find は指定IDのレコードを取得する。
	Find(ctx context.Context, id string) (*model.FeedbackRecord, error)
}

// InsightsReporter は失敗傾向レポートの生成インターフェース。
type InsightsReporter interface {
	// Insights は指定期間の失敗傾向を集計する。
	Insights(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error)
}

// FeedbackHandler はフィードバック収集のHTTPハンドラー。
type FeedbackHandler struct {
	service  FeedbackServiceInterface
	insights InsightsReporter
}

// NewFeedbackHandler はFeedbackHandlerを生成する。
func NewFeedbackHandler(service FeedbackServiceInterface, insights InsightsReporter) *FeedbackHandler {
	return &FeedbackHandler{
		service:  service,
		insights: insights,
	}
}

// recordFeedbackRequest はフィードバック記録リクエストのボディ。
type recordFeedbackRequest struct {
	InteractionID string `json:"interaction_id"`
	AIText        string `json:"ai_text"`
	Verdict       string `json:"verdict"`
	CorrectedText string `json:"corrected_text"`
	Context       string `json:"context"`
}

// feedbackResponse はフィードバックレコードのAPIレスポンス。
type feedbackResponse struct {
	ID            string    `json:"id"`
	InteractionID string    `json:"interaction_id"`
	AIText        string    `json:"ai_text"`
	Verdict       string    `json:"verdict"`
	CorrectedText string    `json:"corrected_text,omitempty"`
	Context       string    `json:"context,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// defaultInsightsWindow は失敗傾向レポートのデフォルト集計期間（30日）。
const defaultInsightsWindow = 720 * time.Hour

// RecordFeedback はフィードバックを記録する。
// POST /api/feedback
func (h *FeedbackHandler) RecordFeedback(w http.ResponseWriter, r *http.Request) {
	var req recordFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	rec, err := h.service.Record(
		r.Context(),
		req.InteractionID,
		req.AIText,
		model.Verdict(req.Verdict),
		req.CorrectedText,
		req.Context,
	)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toFeedbackResponse(rec))
}

// GetFeedback はフィードバックレコードを取得する。
// GET /api/feedback/:id
func (h *FeedbackHandler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")

	rec, err := h.service.Find(r.Context(), recordID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toFeedbackResponse(rec))
}

// GetInsights は失敗傾向の集計レポートを返す。
// GET /api/failures/insights?window=720h
func (h *FeedbackHandler) GetInsights(w http.ResponseWriter, r *http.Request) {
	window := defaultInsightsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("window", "正の期間（例: 720h）を指定してください"))
			return
		}
		window = d
	}

	report, err := h.insights.Insights(r.Context(), window)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// toFeedbackResponse はFeedbackRecordをAPIレスポンスに変換する。
func toFeedbackResponse(rec *model.FeedbackRecord) feedbackResponse {
	return feedbackResponse{
		ID:            rec.ID,
		InteractionID: rec.InteractionID,
		AIText:        rec.AIText,
		Verdict:       string(rec.Verdict),
		CorrectedText: rec.CorrectedText,
		Context:       rec.Context,
		CreatedAt:     rec.CreatedAt,
	}
}
