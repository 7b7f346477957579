// Package platform は投稿プラットフォームAPIとの連携機能を提供する。
// エンゲージメント指標の取得、コンテンツの公開、ブーストの実行を含む。
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/retry"
)

// Draft はプラットフォームへ公開するコンテンツのドラフトを表す。
type Draft struct {
	Topic string `json:"topic"`
	Body  string `json:"body"`
}

// Client はプラットフォームAPIのクライアント。
// 全ての呼び出しはトークンバケットによるレート制限を通過してから実行される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewClient はClientの新しいインスタンスを生成する。
// ratePerSec はプラットフォームAPIへの外向きリクエストのレート上限(req/sec)、
// burst はトークンバケットのバースト許容数（1未満の場合は1に切り上げ）。
// apiKey が空でない場合はAuthorizationヘッダーに設定される。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string, ratePerSec float64, burst int) *Client {
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// metricsResponse はメトリクス取得APIのレスポンス。
type metricsResponse struct {
	Impressions int64  `json:"impressions"`
	Reactions   int64  `json:"reactions"`
	Comments    int64  `json:"comments"`
	Shares      int64  `json:"shares"`
	RecordedAt  string `json:"recorded_at"`
}

// GetMetrics は投稿のエンゲージメント指標を取得する。
// レスポンスにrecorded_atが含まれない場合は現在時刻を使用する。
func (c *Client) GetMetrics(ctx context.Context, platformPostID string) (*model.RawCounts, time.Time, error) {
	reqURL := fmt.Sprintf("%s/posts/%s/metrics", c.baseURL, platformPostID)

	body, err := c.doRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, time.Time{}, err
	}

	var result metricsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("メトリクスレスポンスのパースに失敗しました",
			slog.String("platform_post_id", platformPostID),
			slog.String("error", err.Error()),
		)
		return nil, time.Time{}, retry.Permanent(fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	recordedAt := time.Now().UTC()
	if result.RecordedAt != "" {
		parsed, err := time.Parse(time.RFC3339, result.RecordedAt)
		if err != nil {
			return nil, time.Time{}, retry.Permanent(fmt.Errorf("recorded_atのパースに失敗しました: %w", err))
		}
		recordedAt = parsed.UTC()
	}

	counts := &model.RawCounts{
		Impressions: result.Impressions,
		Reactions:   result.Reactions,
		Comments:    result.Comments,
		Shares:      result.Shares,
	}
	return counts, recordedAt, nil
}

// publishResponse は公開APIのレスポンス。
type publishResponse struct {
	PostID string `json:"post_id"`
}

// Publish はドラフトをプラットフォームへ公開し、発行された投稿IDを返す。
func (c *Client) Publish(ctx context.Context, draft Draft) (string, error) {
	reqURL := fmt.Sprintf("%s/posts", c.baseURL)

	payload, err := json.Marshal(draft)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err))
	}

	body, err := c.doRequest(ctx, http.MethodPost, reqURL, payload)
	if err != nil {
		return "", err
	}

	var result publishResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", retry.Permanent(fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	if result.PostID == "" {
		return "", retry.Permanent(fmt.Errorf("プラットフォームAPIが投稿IDを返しませんでした"))
	}

	return result.PostID, nil
}

// boostRequest はブーストAPIのリクエスト。
type boostRequest struct {
	Budget int `json:"budget"`
}

// Boost は既存投稿にブースト(有償配信)を適用する。
func (c *Client) Boost(ctx context.Context, platformPostID string, budget int) error {
	reqURL := fmt.Sprintf("%s/posts/%s/boost", c.baseURL, platformPostID)

	payload, err := json.Marshal(boostRequest{Budget: budget})
	if err != nil {
		return retry.Permanent(fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err))
	}

	_, err = c.doRequest(ctx, http.MethodPost, reqURL, payload)
	return err
}

// doRequest はレート制限を通過した上でHTTPリクエストを実行し、レスポンスボディを返す。
// エラーはHTTPステータスに基づき一時的/恒久的に分類される:
// 429と5xxは一時的エラー、その他の4xxは恒久的エラー。
// ネットワークエラーは一時的エラーとして扱う。
func (c *Client) doRequest(ctx context.Context, method, reqURL string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レート制限の待機中にキャンセルされました: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("User-Agent", "Perfloop/1.0")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("プラットフォームAPIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return nil, retry.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("プラットフォームAPIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("url", reqURL),
			slog.Int("http_status", resp.StatusCode),
		)
		statusErr := fmt.Errorf("プラットフォームAPIがステータス %d を返しました", resp.StatusCode)
		if retry.IsTransientStatus(resp.StatusCode) {
			return nil, retry.Transient(statusErr)
		}
		return nil, retry.Permanent(statusErr)
	}

	return body, nil
}
