// Package fatigue はエンゲージメント減衰に基づくコンテンツ疲弊判定を提供する。
package fatigue

import (
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

const (
	// minSnapshots は判定に必要な最小スナップショット数。
	// これ未満の履歴では疲弊と推測しない（コールドスタート方針）。
	minSnapshots = 3
	// defaultRollingWindow は移動平均に使用する過去スナップショットの既定件数。
	defaultRollingWindow = 7
)

// Detector はコンテンツ疲弊の判定器。純粋な計算のみを行い副作用を持たない。
type Detector struct {
	threshold      float64       // 減衰比の閾値。これを下回ると疲弊候補
	exposureWindow time.Duration // 疲弊と判定するために必要な最低露出期間
	rollingWindow  int           // 移動平均に使用する過去スナップショットの最大件数
}

// NewDetector はDetectorの新しいインスタンスを生成する。
// rollingWindow が0以下の場合は既定値を使用する。
func NewDetector(threshold float64, exposureWindow time.Duration, rollingWindow int) *Detector {
	if rollingWindow <= 0 {
		rollingWindow = defaultRollingWindow
	}
	return &Detector{
		threshold:      threshold,
		exposureWindow: exposureWindow,
		rollingWindow:  rollingWindow,
	}
}

// Threshold は設定された減衰比の閾値を返す。
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Evaluate はスナップショット時系列から疲弊判定を行う。
// snapshots はrecorded_at昇順であること。
//
// 減衰比 = 最新のエンゲージメント率 / 直近の過去スナップショット（最新を除き、
// 設定された移動平均窓の件数まで）の移動平均。疲弊と判定されるのは、減衰比が閾値を下回り、
// かつ最初と最新のスナップショットの間隔が最低露出期間以上の場合のみ。
//
// スナップショットが3件未満の場合は判定せずinsufficient-dataを返す。
// 露出が浅いうちの初期変動を疲弊と誤判定しないための制約である。
func (d *Detector) Evaluate(snapshots []model.MetricsSnapshot) model.FatigueVerdict {
	verdict := model.FatigueVerdict{
		EvaluatedAt: time.Now().UTC(),
		DecayRatio:  1.0,
	}
	if len(snapshots) > 0 {
		verdict.ContentItemID = snapshots[0].ContentItemID
	}

	if len(snapshots) < minSnapshots {
		verdict.Reason = model.FatigueReasonInsufficientData
		return verdict
	}

	latest := snapshots[len(snapshots)-1]
	priors := snapshots[:len(snapshots)-1]
	if len(priors) > d.rollingWindow {
		priors = priors[len(priors)-d.rollingWindow:]
	}

	var sum float64
	for _, snap := range priors {
		sum += snap.EngagementRate
	}
	avg := sum / float64(len(priors))

	// 過去の平均が0の場合は比較の基準がないため健全として扱う
	if avg == 0 {
		verdict.Reason = model.FatigueReasonHealthy
		return verdict
	}

	verdict.DecayRatio = latest.EngagementRate / avg

	if verdict.DecayRatio >= d.threshold {
		verdict.Reason = model.FatigueReasonHealthy
		return verdict
	}

	exposure := latest.RecordedAt.Sub(snapshots[0].RecordedAt)
	if exposure < d.exposureWindow {
		verdict.Reason = model.FatigueReasonExposureWindowNotMet
		return verdict
	}

	verdict.IsFatigued = true
	verdict.Reason = model.FatigueReasonDecayBelowThreshold
	return verdict
}
