package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/perfloop/internal/model"
)

// ContentStore はコンテンツハンドラーが必要とする永続化インターフェース。
type ContentStore interface {
	// FindByID は指定IDのコンテンツアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ContentItem, error)
	// Create はコンテンツアイテムを作成する。
	Create(ctx context.Context, item *model.ContentItem) error
}

// MetricsIngestor は計測スナップショットの取り込みインターフェース。
type MetricsIngestor interface {
	// Ingest は生カウントを検証してスナップショットとして追記する。
	Ingest(ctx context.Context, contentItemID string, counts model.RawCounts, recordedAt time.Time) (*model.MetricsSnapshot, error)
}

// SnapshotLister はアイテムのスナップショット時系列を取得するインターフェース。
type SnapshotLister interface {
	// ListByContentItem はアイテムのスナップショットをrecorded_at昇順で最大limit件返す。
	ListByContentItem(ctx context.Context, contentItemID string, limit int) ([]model.MetricsSnapshot, error)
}

// FatigueEvaluator は疲弊判定の実行インターフェース。
type FatigueEvaluator interface {
	// Evaluate はrecorded_at昇順のスナップショット列から疲弊判定を行う。
	Evaluate(snapshots []model.MetricsSnapshot) model.FatigueVerdict
}

// ContentHandler はコンテンツアイテム管理のHTTPハンドラー。
type ContentHandler struct {
	store         ContentStore
	ingestor      MetricsIngestor
	snapshots     SnapshotLister
	detector      FatigueEvaluator
	snapshotLimit int
}

// NewContentHandler はContentHandlerを生成する。
func NewContentHandler(store ContentStore, ingestor MetricsIngestor, snapshots SnapshotLister, detector FatigueEvaluator, snapshotLimit int) *ContentHandler {
	if snapshotLimit <= 0 {
		snapshotLimit = 30
	}
	return &ContentHandler{
		store:         store,
		ingestor:      ingestor,
		snapshots:     snapshots,
		detector:      detector,
		snapshotLimit: snapshotLimit,
	}
}

// createContentRequest はコンテンツ登録リクエストのボディ。
type createContentRequest struct {
	Topic  string `json:"topic"`
	PostID string `json:"post_id"`
	State  string `json:"state"`
}

// ingestMetricsRequest は計測値取り込みリクエストのボディ。
type ingestMetricsRequest struct {
	Counts     model.RawCounts `json:"counts"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// contentResponse はコンテンツアイテムのAPIレスポンス。
type contentResponse struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id,omitempty"`
	Topic     string    `json:"topic"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// contentDetailResponse はコンテンツ詳細のAPIレスポンス。最新の疲弊判定を含む。
type contentDetailResponse struct {
	contentResponse
	LatestVerdict *model.FatigueVerdict `json:"latest_verdict,omitempty"`
}

// snapshotResponse は計測スナップショットのAPIレスポンス。
type snapshotResponse struct {
	ID             string    `json:"id"`
	ContentItemID  string    `json:"content_item_id"`
	Impressions    int64     `json:"impressions"`
	Reactions      int64     `json:"reactions"`
	Comments       int64     `json:"comments"`
	Shares         int64     `json:"shares"`
	EngagementRate float64   `json:"engagement_rate"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// CreateContent はコンテンツアイテムを登録する。
// POST /api/content
func (h *ContentHandler) CreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	if req.Topic == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("topic", "トピックが空です"))
		return
	}

	state := model.ContentStateDraft
	if req.State != "" {
		state = model.ContentState(req.State)
		switch state {
		case model.ContentStateDraft, model.ContentStatePublished, model.ContentStateBoosted, model.ContentStateRetired:
		default:
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("state", "許可されていない状態です"))
			return
		}
	}

	// 公開済み以降の状態にはプラットフォーム投稿IDが必要
	if state.IsActive() && req.PostID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("post_id", "公開済み状態にはプラットフォーム投稿IDが必要です"))
		return
	}

	now := time.Now()
	item := &model.ContentItem{
		ID:        uuid.NewString(),
		PostID:    req.PostID,
		Topic:     req.Topic,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(r.Context(), item); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toContentResponse(item))
}

// GetContent はコンテンツ詳細を最新の疲弊判定付きで取得する。
// GET /api/content/:id
func (h *ContentHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	item, err := h.store.FindByID(r.Context(), itemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if item == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewContentNotFoundError(itemID))
		return
	}

	resp := contentDetailResponse{contentResponse: toContentResponse(item)}

	snapshots, err := h.snapshots.ListByContentItem(r.Context(), itemID, h.snapshotLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if len(snapshots) > 0 {
		verdict := h.detector.Evaluate(snapshots)
		verdict.ContentItemID = itemID
		resp.LatestVerdict = &verdict
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// IngestMetrics は計測値を手動で取り込む。
// POST /api/content/:id/metrics
func (h *ContentHandler) IngestMetrics(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "id")

	var req ingestMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	snap, err := h.ingestor.Ingest(r.Context(), itemID, req.Counts, req.RecordedAt)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(snapshotResponse{
		ID:             snap.ID,
		ContentItemID:  snap.ContentItemID,
		Impressions:    snap.Impressions,
		Reactions:      snap.Reactions,
		Comments:       snap.Comments,
		Shares:         snap.Shares,
		EngagementRate: snap.EngagementRate,
		RecordedAt:     snap.RecordedAt,
	})
}

// toContentResponse はContentItemをAPIレスポンスに変換する。
func toContentResponse(item *model.ContentItem) contentResponse {
	return contentResponse{
		ID:        item.ID,
		PostID:    item.PostID,
		Topic:     item.Topic,
		State:     string(item.State),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
}

// invalidBodyError はリクエストボディの解析失敗エラーを生成する。
func invalidBodyError() *model.APIError {
	return &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidMetrics, model.ErrCodeInvalidVerdict, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeStateConflict, model.ErrCodeBatchClosed:
		return http.StatusConflict
	case model.ErrCodeContentNotFound, model.ErrCodeRecordNotFound, model.ErrCodeBatchNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
