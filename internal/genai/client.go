// Package genai は生成プロバイダーAPIとの連携機能を提供する。
// OpenAI互換のchat completionsエンドポイントを呼び出してテキストを生成する。
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hitoshi/perfloop/internal/retry"
)

// Generator はテキスト生成のインターフェースを定義する。
type Generator interface {
	// Generate はプロンプトからテキストを生成する。
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Client は生成プロバイダーAPIのクライアント。
// 全ての呼び出しはトークンバケットによるレート制限を通過してから実行される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	model      string
	limiter    *rate.Limiter
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey, model string, ratePerSec float64, burst int) *Client {
	if burst < 1 {
		burst = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

// chatMessage はchat completionsのメッセージ。
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest はchat completionsのリクエスト。
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// chatResponse はchat completionsのレスポンス。
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate はプロンプトからテキストを生成する。
// エラーはHTTPステータスに基づき一時的/恒久的に分類される。
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("レート制限の待機中にキャンセルされました: %w", err)
	}

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err))
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("生成プロバイダーAPIの呼び出しに失敗しました",
			slog.String("model", c.model),
			slog.String("error", err.Error()),
		)
		return "", retry.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("生成プロバイダーAPIがエラーステータスを返しました",
			slog.String("model", c.model),
			slog.Int("http_status", resp.StatusCode),
		)
		statusErr := fmt.Errorf("生成プロバイダーAPIがステータス %d を返しました", resp.StatusCode)
		if retry.IsTransientStatus(resp.StatusCode) {
			return "", retry.Transient(statusErr)
		}
		return "", retry.Permanent(statusErr)
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", retry.Permanent(fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}
	if len(result.Choices) == 0 {
		return "", retry.Permanent(fmt.Errorf("生成プロバイダーAPIが選択肢を返しませんでした"))
	}

	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return "", retry.Permanent(fmt.Errorf("生成プロバイダーAPIが空のコンテンツを返しました"))
	}

	return content, nil
}
