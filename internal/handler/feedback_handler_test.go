package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/perfloop/internal/analyzer"
	"github.com/hitoshi/perfloop/internal/model"
)

// --- モック定義 ---

// mockFeedbackService はFeedbackServiceInterfaceのモック実装。
type mockFeedbackService struct {
	recordFn func(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error)
	findFn   func(ctx context.Context, id string) (*model.FeedbackRecord, error)
}

func (m *mockFeedbackService) Record(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
	if m.recordFn != nil {
		return m.recordFn(ctx, interactionID, aiText, verdict, correctedText, contextText)
	}
	return nil, nil
}

func (m *mockFeedbackService) Find(ctx context.Context, id string) (*model.FeedbackRecord, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	return nil, model.NewRecordNotFoundError(id)
}

// mockInsightsReporter はInsightsReporterのモック実装。
type mockInsightsReporter struct {
	insightsFn func(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error)
}

func (m *mockInsightsReporter) Insights(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error) {
	if m.insightsFn != nil {
		return m.insightsFn(ctx, lookback)
	}
	return &analyzer.InsightsReport{}, nil
}

// --- POST /api/feedback テスト ---

func TestFeedbackHandler_RecordFeedback_Success(t *testing.T) {
	now := time.Now()
	svc := &mockFeedbackService{
		recordFn: func(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
			if interactionID != "interaction-1" {
				t.Errorf("interactionID = %q, want %q", interactionID, "interaction-1")
			}
			if verdict != model.VerdictRejected {
				t.Errorf("verdict = %q, want %q", verdict, model.VerdictRejected)
			}
			if correctedText != "修正後のテキスト" {
				t.Errorf("correctedText = %q, want %q", correctedText, "修正後のテキスト")
			}
			return &model.FeedbackRecord{
				ID:            "record-1",
				InteractionID: interactionID,
				AIText:        aiText,
				Verdict:       verdict,
				CorrectedText: correctedText,
				Context:       contextText,
				CreatedAt:     now,
			}, nil
		},
	}

	h := NewFeedbackHandler(svc, &mockInsightsReporter{})

	body := `{"interaction_id": "interaction-1", "ai_text": "生成されたテキスト", "verdict": "rejected", "corrected_text": "修正後のテキスト", "context": "週次レポート"}`
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.RecordFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != "record-1" {
		t.Errorf("id = %v, want %q", result["id"], "record-1")
	}
	if result["verdict"] != "rejected" {
		t.Errorf("verdict = %v, want %q", result["verdict"], "rejected")
	}
}

func TestFeedbackHandler_RecordFeedback_InvalidVerdict_ReturnsBadRequest(t *testing.T) {
	svc := &mockFeedbackService{
		recordFn: func(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
			return nil, model.NewInvalidVerdictError(string(verdict))
		},
	}

	h := NewFeedbackHandler(svc, &mockInsightsReporter{})

	body := `{"interaction_id": "interaction-1", "ai_text": "テキスト", "verdict": "maybe"}`
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.RecordFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeInvalidVerdict {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeInvalidVerdict)
	}
}

func TestFeedbackHandler_RecordFeedback_DuplicateInteraction_ReturnsConflict(t *testing.T) {
	svc := &mockFeedbackService{
		recordFn: func(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
			return nil, model.NewStateConflictError("同一インタラクションのフィードバックが既に存在します")
		},
	}

	h := NewFeedbackHandler(svc, &mockInsightsReporter{})

	body := `{"interaction_id": "interaction-1", "ai_text": "テキスト", "verdict": "accepted"}`
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.RecordFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestFeedbackHandler_RecordFeedback_InvalidJSON_ReturnsBadRequest(t *testing.T) {
	h := NewFeedbackHandler(&mockFeedbackService{}, &mockInsightsReporter{})

	body := `{invalid json`
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.RecordFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestFeedbackHandler_RecordFeedback_InternalError_ReturnsInternalServerError(t *testing.T) {
	svc := &mockFeedbackService{
		recordFn: func(ctx context.Context, interactionID, aiText string, verdict model.Verdict, correctedText, contextText string) (*model.FeedbackRecord, error) {
			return nil, errors.New("database connection failed")
		},
	}

	h := NewFeedbackHandler(svc, &mockInsightsReporter{})

	body := `{"interaction_id": "interaction-1", "ai_text": "テキスト", "verdict": "accepted"}`
	req := httptest.NewRequest(http.MethodPost, "/api/feedback", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	h.RecordFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

// --- GET /api/feedback/:id テスト ---

func TestFeedbackHandler_GetFeedback_Success(t *testing.T) {
	svc := &mockFeedbackService{
		findFn: func(ctx context.Context, id string) (*model.FeedbackRecord, error) {
			if id != "record-1" {
				t.Errorf("id = %q, want %q", id, "record-1")
			}
			return &model.FeedbackRecord{
				ID:            "record-1",
				InteractionID: "interaction-1",
				AIText:        "生成されたテキスト",
				Verdict:       model.VerdictAccepted,
				CreatedAt:     time.Now(),
			}, nil
		},
	}

	h := NewFeedbackHandler(svc, &mockInsightsReporter{})

	req := httptest.NewRequest(http.MethodGet, "/api/feedback/record-1", nil)
	req = withChiURLParam(req, "id", "record-1")
	w := httptest.NewRecorder()

	h.GetFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != "record-1" {
		t.Errorf("id = %v, want %q", result["id"], "record-1")
	}
	if result["verdict"] != "accepted" {
		t.Errorf("verdict = %v, want %q", result["verdict"], "accepted")
	}
}

func TestFeedbackHandler_GetFeedback_NotFound(t *testing.T) {
	h := NewFeedbackHandler(&mockFeedbackService{}, &mockInsightsReporter{})

	req := httptest.NewRequest(http.MethodGet, "/api/feedback/nonexistent", nil)
	req = withChiURLParam(req, "id", "nonexistent")
	w := httptest.NewRecorder()

	h.GetFeedback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeRecordNotFound {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeRecordNotFound)
	}
}

// --- GET /api/failures/insights テスト ---

func TestFeedbackHandler_GetInsights_DefaultWindow(t *testing.T) {
	var gotWindow time.Duration
	reporter := &mockInsightsReporter{
		insightsFn: func(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error) {
			gotWindow = lookback
			return &analyzer.InsightsReport{
				GeneratedAt:   time.Now(),
				AcceptedCount: 10,
				RejectedCount: 4,
				AnalyzedCount: 4,
				TopPatterns: []analyzer.PatternCount{
					{Tag: "tone-mismatch", Count: 3},
					{Tag: "factual-error", Count: 1},
				},
			}, nil
		},
	}

	h := NewFeedbackHandler(&mockFeedbackService{}, reporter)

	req := httptest.NewRequest(http.MethodGet, "/api/failures/insights", nil)
	w := httptest.NewRecorder()

	h.GetInsights(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotWindow != 720*time.Hour {
		t.Errorf("window = %v, want %v", gotWindow, 720*time.Hour)
	}

	var result analyzer.InsightsReport
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result.RejectedCount != 4 {
		t.Errorf("rejected_count = %d, want %d", result.RejectedCount, 4)
	}
	if len(result.TopPatterns) != 2 {
		t.Fatalf("len(top_patterns) = %d, want %d", len(result.TopPatterns), 2)
	}
	if result.TopPatterns[0].Tag != "tone-mismatch" {
		t.Errorf("top_patterns[0].tag = %q, want %q", result.TopPatterns[0].Tag, "tone-mismatch")
	}
}

func TestFeedbackHandler_GetInsights_CustomWindow(t *testing.T) {
	var gotWindow time.Duration
	reporter := &mockInsightsReporter{
		insightsFn: func(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error) {
			gotWindow = lookback
			return &analyzer.InsightsReport{}, nil
		},
	}

	h := NewFeedbackHandler(&mockFeedbackService{}, reporter)

	req := httptest.NewRequest(http.MethodGet, "/api/failures/insights?window=168h", nil)
	w := httptest.NewRecorder()

	h.GetInsights(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotWindow != 168*time.Hour {
		t.Errorf("window = %v, want %v", gotWindow, 168*time.Hour)
	}
}

func TestFeedbackHandler_GetInsights_InvalidWindow_ReturnsBadRequest(t *testing.T) {
	tests := []struct {
		name   string
		window string
	}{
		{name: "解析不能", window: "abc"},
		{name: "ゼロ", window: "0s"},
		{name: "負の期間", window: "-24h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewFeedbackHandler(&mockFeedbackService{}, &mockInsightsReporter{})

			req := httptest.NewRequest(http.MethodGet, "/api/failures/insights?window="+tt.window, nil)
			w := httptest.NewRecorder()

			h.GetInsights(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestFeedbackHandler_GetInsights_Error_ReturnsInternalServerError(t *testing.T) {
	reporter := &mockInsightsReporter{
		insightsFn: func(ctx context.Context, lookback time.Duration) (*analyzer.InsightsReport, error) {
			return nil, errors.New("database error")
		},
	}

	h := NewFeedbackHandler(&mockFeedbackService{}, reporter)

	req := httptest.NewRequest(http.MethodGet, "/api/failures/insights", nil)
	w := httptest.NewRecorder()

	h.GetInsights(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}
