// Package model はドメインモデルを定義する。
package model

import "time"

// Verdict は生成コンテンツに対する人間/オペレーターの判定を表す。
type Verdict string

const (
	// VerdictAccepted は生成コンテンツが承認されたことを示す。
	VerdictAccepted Verdict = "accepted"
	// VerdictRejected は生成コンテンツが却下されたことを示す。
	VerdictRejected Verdict = "rejected"
)

// IsValid は判定値が許可された値かどうかを返す。
func (v Verdict) IsValid() bool {
	return v == VerdictAccepted || v == VerdictRejected
}

// FeedbackRecord は生成コンテンツに対する判定の記録を表す。追記専用。
type FeedbackRecord struct {
	ID            string
	InteractionID string
	AIText        string
	Verdict       Verdict
	CorrectedText string // 却下時の修正文（任意）
	Context       string // 自由記述の文脈情報（任意）
	CreatedAt     time.Time
}

// FailureExplanation は却下されたフィードバックレコードの失敗分析結果を表す。
// 却下レコード1件につき高々1件が遅延生成される。
type FailureExplanation struct {
	ID               string
	FeedbackRecordID string
	Analysis         string
	PatternTags      []string
	CreatedAt        time.Time
}

// AnalysisUnavailable は生成プロバイダーの障害時に格納されるプレースホルダー。
// 失敗分析はベストエフォートであり、フィードバック記録経路をブロックしない。
const AnalysisUnavailable = "analysis-unavailable"
