// Package model はドメインモデルを定義する。
package model

import "time"

// TriggerAction はトリガーの実行内容を表す。
type TriggerAction string

const (
	// TriggerActionRegenerate はコンテンツを再生成して再公開するアクション。
	TriggerActionRegenerate TriggerAction = "regenerate"
	// TriggerActionBoost は既存投稿をブースト配信するアクション。
	TriggerActionBoost TriggerAction = "boost"
)

// TriggerState はトリガーの状態を表す。
// 状態遷移は pending → executing → {succeeded, failed, abandoned} と
// failed → pending（再実行）、failed → abandoned（リトライ上限到達）のみ許可される。
type TriggerState string

const (
	// TriggerStatePending は実行待ちの状態。
	TriggerStatePending TriggerState = "pending"
	// TriggerStateExecuting はパブリッシュスケジューラが実行中の状態。
	TriggerStateExecuting TriggerState = "executing"
	// TriggerStateSucceeded はプラットフォームが永続化を確認し成功した状態。
	TriggerStateSucceeded TriggerState = "succeeded"
	// TriggerStateFailed は実行に失敗した状態。リトライ回数が残っていれば
	// 次の評価サイクルで再実行の対象になる。
	TriggerStateFailed TriggerState = "failed"
	// TriggerStateAbandoned はリトライ上限に達し手動対応が必要な終了状態。
	TriggerStateAbandoned TriggerState = "abandoned"
)

// IsTerminal は成功・放棄のように再実行されない最終状態かどうかを返す。
// failedはリトライ回数が残っている限り再実行対象のため終了状態に含めない。
func (s TriggerState) IsTerminal() bool {
	return s == TriggerStateSucceeded || s == TriggerStateAbandoned
}

// IsNonTerminal はアイテムに対する排他制約の対象（pendingまたはexecuting）かどうかを返す。
// 1アイテムにつき非終了トリガーは常に高々1件という不変条件を維持するために使用する。
func (s TriggerState) IsNonTerminal() bool {
	return s == TriggerStatePending || s == TriggerStateExecuting
}

// CanTransitionTo は状態遷移表に基づいて遷移の可否を返す。
// トリガー状態の変更はこの遷移表を通してのみ行われる。
func (s TriggerState) CanTransitionTo(next TriggerState) bool {
	switch s {
	case TriggerStatePending:
		return next == TriggerStateExecuting
	case TriggerStateExecuting:
		return next == TriggerStateSucceeded || next == TriggerStateFailed || next == TriggerStateAbandoned
	case TriggerStateFailed:
		return next == TriggerStatePending || next == TriggerStateAbandoned
	default:
		return false
	}
}

// Trigger は疲弊したコンテンツアイテムに対する再生成/ブーストの決定を表す。
// 冪等キーはアイテムIDと評価ウィンドウ開始時刻から決定的に導出され、
// 同一ウィンドウ内での重複実行を防止する。
type Trigger struct {
	ID             string
	ContentItemID  string
	IdempotencyKey string
	Action         TriggerAction
	State          TriggerState
	Attempts       int     // 実行試行回数
	DecayRatio     float64 // 決定時点の減衰率（優先順位付けに使用）
	PlatformPostID string  // 実行で生成されたプラットフォーム側ID（冪等判定に使用）
	LastError      string
	DecidedAt      time.Time
	UpdatedAt      time.Time
}
