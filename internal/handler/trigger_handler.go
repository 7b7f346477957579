package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// CycleRunner は評価サイクルの手動実行インターフェース。
type CycleRunner interface {
	// RunCycle は評価サイクルを1回実行し、処理したトリガーを返す。
	RunCycle(ctx context.Context) ([]*model.Trigger, error)
}

// AbandonedLister は放棄済みトリガーの参照インターフェース。
type AbandonedLister interface {
	// ListAbandoned は手動対応が必要な放棄済みトリガーを新しい順に最大limit件返す。
	ListAbandoned(ctx context.Context, limit int) ([]*model.Trigger, error)
}

// TriggerHandler はトリガー管理のHTTPハンドラー。
type TriggerHandler struct {
	runner CycleRunner
	lister AbandonedLister
}

// NewTriggerHandler はTriggerHandlerを生成する。
func NewTriggerHandler(runner CycleRunner, lister AbandonedLister) *TriggerHandler {
	return &TriggerHandler{
		runner: runner,
		lister: lister,
	}
}

// triggerResponse はトリガーのAPIレスポンス。
type triggerResponse struct {
	ID             string    `json:"id"`
	ContentItemID  string    `json:"content_item_id"`
	Action         string    `json:"action"`
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
	DecayRatio     float64   `json:"decay_ratio"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// runCycleResponse は評価サイクル実行のAPIレスポンス。
type runCycleResponse struct {
	TriggerCount int               `json:"trigger_count"`
	Triggers     []triggerResponse `json:"triggers"`
}

// RunCycle は評価サイクルを強制実行する。
// POST /api/trigger/run
func (h *TriggerHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.runner.RunCycle(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := runCycleResponse{
		TriggerCount: len(triggers),
		Triggers:     make([]triggerResponse, 0, len(triggers)),
	}
	for _, trig := range triggers {
		resp.Triggers = append(resp.Triggers, toTriggerResponse(trig))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ListAbandoned は放棄済みトリガーの一覧を返す。
// GET /api/triggers/abandoned
func (h *TriggerHandler) ListAbandoned(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit", "1から500の整数を指定してください"))
			return
		}
		limit = n
	}

	triggers, err := h.lister.ListAbandoned(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]triggerResponse, 0, len(triggers))
	for _, trig := range triggers {
		resp = append(resp, toTriggerResponse(trig))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// toTriggerResponse はTriggerをAPIレスポンスに変換する。
func toTriggerResponse(trig *model.Trigger) triggerResponse {
	return triggerResponse{
		ID:             trig.ID,
		ContentItemID:  trig.ContentItemID,
		Action:         string(trig.Action),
		State:          string(trig.State),
		Attempts:       trig.Attempts,
		DecayRatio:     trig.DecayRatio,
		PlatformPostID: trig.PlatformPostID,
		LastError:      trig.LastError,
		DecidedAt:      trig.DecidedAt,
		UpdatedAt:      trig.UpdatedAt,
	}
}
