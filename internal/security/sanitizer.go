package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// SanitizerService はテキストのサニタイズ機能のインターフェースを定義する。
// 生成プロバイダーが返すドラフト本文と、運用者が送信する修正テキストは
// 信頼できない入力として扱い、公開APIへ送信する前に必ずサニタイズする。
type SanitizerService interface {
	// Sanitize はテキストからHTMLタグ・スクリプトを除去したプレーンテキストを返す。
	Sanitize(text string) string
}

// sanitizer はSanitizerServiceの実装。
type sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer はSanitizerServiceの新しいインスタンスを生成する。
// プラットフォームへ投稿する本文はプレーンテキストのみを許可するため、
// StrictPolicy(全タグ除去)を使用する。生成モデルの出力に
// マークアップやスクリプト断片が混入しても投稿前に取り除かれる。
func NewSanitizer() *sanitizer {
	return &sanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はテキストからHTMLタグ・スクリプトを除去したプレーンテキストを返す。
// タグ除去後に残る前後の空白も取り除く。
func (s *sanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(text))
}
