// Package model はドメインモデルを定義する。
package model

import "time"

// RawCounts はプラットフォームから取得した生のエンゲージメント数を表す。
type RawCounts struct {
	Impressions int64 `json:"impressions"`
	Reactions   int64 `json:"reactions"`
	Comments    int64 `json:"comments"`
	Shares      int64 `json:"shares"`
}

// EngagementRate は重み付きエンゲージメント率を計算する。
// 重み: コメント×3 + シェア×2 + リアクション×1。
// インプレッションが1未満の場合は1として扱い、ゼロ除算を回避する。
func (c RawCounts) EngagementRate() float64 {
	impressions := c.Impressions
	if impressions < 1 {
		impressions = 1
	}
	weighted := c.Comments*3 + c.Shares*2 + c.Reactions
	return float64(weighted) / float64(impressions)
}

// MetricsSnapshot はコンテンツアイテムのエンゲージメント計測スナップショットを表す。
// 一度記録されたスナップショットは変更されない。アイテムごとの追記専用時系列として
// 保存され、タイムスタンプは単調増加でなければならない。
type MetricsSnapshot struct {
	ID             string
	ContentItemID  string
	Impressions    int64
	Reactions      int64
	Comments       int64
	Shares         int64
	EngagementRate float64
	RecordedAt     time.Time
}

// FatigueVerdict はコンテンツアイテムの疲弊判定結果を表す。
// 評価サイクルごとに再計算され、上書きではなく新しい判定で置き換えられる。
type FatigueVerdict struct {
	ContentItemID string        `json:"content_item_id"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
	IsFatigued    bool          `json:"is_fatigued"`
	DecayRatio    float64       `json:"decay_ratio"`
	Reason        FatigueReason `json:"reason"`
}

// FatigueReason は疲弊判定の理由コードを表す。
type FatigueReason string

const (
	// FatigueReasonInsufficientData はスナップショット数が不足しているため判定しなかったことを示す。
	// コールドスタート方針: 履歴が足りない場合は疲弊と推測しない。
	FatigueReasonInsufficientData FatigueReason = "insufficient-data"
	// FatigueReasonDecayBelowThreshold はエンゲージメント率の減衰が閾値を下回ったことを示す。
	FatigueReasonDecayBelowThreshold FatigueReason = "decay-below-threshold"
	// FatigueReasonExposureWindowNotMet は減衰はあるが最低露出期間を満たしていないことを示す。
	FatigueReasonExposureWindowNotMet FatigueReason = "exposure-window-not-met"
	// FatigueReasonHealthy は減衰が閾値内に収まっていることを示す。
	FatigueReasonHealthy FatigueReason = "healthy"
)
