package genai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/perfloop/internal/retry"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func completionBody(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
	}
}

// TestGenerate はテキスト生成の呼び出しをテストする。
func TestGenerate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %s, want Bearer test-key", got)
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %s, want gpt-4o-mini", req.Model)
		}
		if len(req.Messages) != 2 {
			t.Fatalf("messages = %d, want 2", len(req.Messages))
		}
		if req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("roles = %s/%s, want system/user", req.Messages[0].Role, req.Messages[1].Role)
		}

		json.NewEncoder(w).Encode(completionBody("生成されたドラフト本文"))
	}))
	defer ts.Close()

	client := NewClient(ts.Client(), newTestLogger(), ts.URL, "test-key", "gpt-4o-mini", 100, 10)

	got, err := client.Generate(context.Background(), "あなたはSNS投稿の作成者です", "新製品について書いてください")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "生成されたドラフト本文" {
		t.Errorf("Generate() = %q, want 生成されたドラフト本文", got)
	}
}

// TestGenerateWithoutSystemPrompt はシステムプロンプトなしの呼び出しをテストする。
func TestGenerateWithoutSystemPrompt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v, want single user message", req.Messages)
		}
		json.NewEncoder(w).Encode(completionBody("ok"))
	}))
	defer ts.Close()

	client := NewClient(ts.Client(), newTestLogger(), ts.URL, "", "gpt-4o-mini", 100, 10)

	if _, err := client.Generate(context.Background(), "", "prompt"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
}

// TestGenerateErrorClassification はHTTPステータスによるエラー分類をテストする。
func TestGenerateErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "429は一時的エラー", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "500は一時的エラー", status: http.StatusInternalServerError, wantTransient: true},
		{name: "401は恒久的エラー", status: http.StatusUnauthorized, wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			client := NewClient(ts.Client(), newTestLogger(), ts.URL, "", "gpt-4o-mini", 100, 10)

			_, err := client.Generate(context.Background(), "", "prompt")
			if err == nil {
				t.Fatal("Generate() error = nil, want error")
			}
			if retry.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err = %v)", retry.IsTransient(err), tt.wantTransient, err)
			}
		})
	}
}

// TestGenerateEmptyChoices は選択肢のないレスポンスを恒久的エラーとして扱うことをテストする。
func TestGenerateEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer ts.Close()

	client := NewClient(ts.Client(), newTestLogger(), ts.URL, "", "gpt-4o-mini", 100, 10)

	_, err := client.Generate(context.Background(), "", "prompt")
	if !retry.IsPermanent(err) {
		t.Errorf("Generate() error = %v, want permanent error", err)
	}
}

// TestGenerateEmptyContent は空コンテンツを恒久的エラーとして扱うことをテストする。
func TestGenerateEmptyContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionBody("   "))
	}))
	defer ts.Close()

	client := NewClient(ts.Client(), newTestLogger(), ts.URL, "", "gpt-4o-mini", 100, 10)

	_, err := client.Generate(context.Background(), "", "prompt")
	if !retry.IsPermanent(err) {
		t.Errorf("Generate() error = %v, want permanent error", err)
	}
}
