package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/perfloop/internal/model"
)

// TrainingServiceInterface は学習エクスポートハンドラーが必要とするサービスインターフェース。
type TrainingServiceInterface interface {
	// OpenBatch は新しい学習バッチを開く。
	OpenBatch(ctx context.Context) (*model.TrainingBatch, error)
	// AddExample は開いているバッチに学習サンプルを追記する。
	AddExample(ctx context.Context, batchID, prompt, completion string, score float64) (*model.TrainingExample, error)
	// BuildFromFeedback はフィードバックレコードから学習サンプルを組み立てる。
	BuildFromFeedback(ctx context.Context, batchID string) (int, error)
	// Export はバッチをNDJSON形式で確定出力する。
	Export(ctx context.Context, batchID string) ([]byte, error)
}

// TrainingHandler は学習データエクスポートのHTTPハンドラー。
type TrainingHandler struct {
	service TrainingServiceInterface
}

// NewTrainingHandler はTrainingHandlerを生成する。
func NewTrainingHandler(service TrainingServiceInterface) *TrainingHandler {
	return &TrainingHandler{service: service}
}

// addExampleRequest は学習サンプル追加リクエストのボディ。
type addExampleRequest struct {
	Prompt     string  `json:"prompt"`
	Completion string  `json:"completion"`
	Score      float64 `json:"score"`
}

// exportRequest はエクスポートリクエストのボディ。
type exportRequest struct {
	BatchID string `json:"batch_id"`
}

// batchResponse は学習バッチのAPIレスポンス。
type batchResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	ExportedAt *time.Time `json:"exported_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// exampleResponse は学習サンプルのAPIレスポンス。
type exampleResponse struct {
	ID         string    `json:"id"`
	BatchID    string    `json:"batch_id"`
	Prompt     string    `json:"prompt"`
	Completion string    `json:"completion"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}

// buildResponse はフィードバック組み立てのAPIレスポンス。
type buildResponse struct {
	BatchID    string `json:"batch_id"`
	AddedCount int    `json:"added_count"`
}

// OpenBatch は新しい学習バッチを開く。
// POST /api/training/batches
func (h *TrainingHandler) OpenBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.OpenBatch(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toBatchResponse(batch))
}

// AddExample はバッチに学習サンプルを追加する。
// POST /api/training/batches/:id/examples
func (h *TrainingHandler) AddExample(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	var req addExampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	example, err := h.service.AddExample(r.Context(), batchID, req.Prompt, req.Completion, req.Score)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(exampleResponse{
		ID:         example.ID,
		BatchID:    example.BatchID,
		Prompt:     example.Prompt,
		Completion: example.Completion,
		Score:      example.Score,
		CreatedAt:  example.CreatedAt,
	})
}

// BuildFromFeedback はフィードバックレコードからバッチのサンプルを組み立てる。
// POST /api/training/batches/:id/build
func (h *TrainingHandler) BuildFromFeedback(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	added, err := h.service.BuildFromFeedback(r.Context(), batchID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(buildResponse{
		BatchID:    batchID,
		AddedCount: added,
	})
}

// Export はバッチをNDJSON形式でエクスポートする。
// POST /api/training/export
func (h *TrainingHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	if req.BatchID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("batch_id", "バッチIDが空です"))
		return
	}

	data, err := h.service.Export(r.Context(), req.BatchID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// toBatchResponse はTrainingBatchをAPIレスポンスに変換する。
func toBatchResponse(batch *model.TrainingBatch) batchResponse {
	resp := batchResponse{
		ID:        batch.ID,
		Status:    string(batch.Status),
		CreatedAt: batch.CreatedAt,
	}
	if !batch.ExportedAt.IsZero() {
		exportedAt := batch.ExportedAt
		resp.ExportedAt = &exportedAt
	}
	return resp
}
