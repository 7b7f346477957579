// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 原因カテゴリとオペレーター向けの対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, content, trigger, feedback, training, system
	Action   string // オペレーター向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidMetrics  = "INVALID_METRICS"
	ErrCodeInvalidVerdict  = "INVALID_VERDICT"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeStateConflict   = "STATE_CONFLICT"
	ErrCodeBatchClosed     = "BATCH_CLOSED"
	ErrCodeContentNotFound = "CONTENT_NOT_FOUND"
	ErrCodeRecordNotFound  = "RECORD_NOT_FOUND"
	ErrCodeBatchNotFound   = "BATCH_NOT_FOUND"
)

// NewInvalidMetricsError は計測値の検証エラーを生成する。
// タイムスタンプの逆行や負のカウントなど、不正な入力は保存せずに拒否する。
func NewInvalidMetricsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMetrics,
		Message:  fmt.Sprintf("不正な計測値です: %s", reason),
		Category: "validation",
		Action:   "計測値のタイムスタンプとカウントを確認してください。スナップショットは時系列順にのみ追加できます。",
	}
}

// NewInvalidVerdictError は許可されていない判定値のエラーを生成する。
func NewInvalidVerdictError(verdict string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerdict,
		Message:  fmt.Sprintf("不正な判定値です: %s", verdict),
		Category: "validation",
		Action:   "判定値には accepted または rejected のいずれかを指定してください。",
	}
}

// NewInvalidRequestError は必須フィールドの欠落などリクエスト検証エラーを生成する。
func NewInvalidRequestError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です（%s）: %s", field, reason),
		Category: "validation",
		Action:   fmt.Sprintf("%s フィールドの値を確認してください。", field),
	}
}

// NewStateConflictError は状態競合エラーを生成する。
// 非終了トリガーの重複作成など、不変条件に反する操作は拒否される。
func NewStateConflictError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeStateConflict,
		Message:  fmt.Sprintf("状態が競合しています: %s", detail),
		Category: "trigger",
		Action:   "最新の状態を取得してから再度お試しください。",
	}
}

// NewBatchClosedError はエクスポート済みバッチへの操作エラーを生成する。
func NewBatchClosedError(batchID string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchClosed,
		Message:  fmt.Sprintf("バッチは既にエクスポート済みです: %s", batchID),
		Category: "training",
		Action:   "新しいバッチを作成してサンプルを追加してください。",
	}
}

// NewContentNotFoundError はコンテンツアイテム未検出エラーを生成する。
func NewContentNotFoundError(contentItemID string) *APIError {
	return &APIError{
		Code:     ErrCodeContentNotFound,
		Message:  fmt.Sprintf("指定されたコンテンツアイテムが見つかりません: %s", contentItemID),
		Category: "content",
		Action:   "コンテンツアイテムIDを確認してください。",
	}
}

// NewRecordNotFoundError はフィードバックレコード未検出エラーを生成する。
func NewRecordNotFoundError(recordID string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("指定されたフィードバックレコードが見つかりません: %s", recordID),
		Category: "feedback",
		Action:   "レコードIDを確認してください。",
	}
}

// NewBatchNotFoundError は学習バッチ未検出エラーを生成する。
func NewBatchNotFoundError(batchID string) *APIError {
	return &APIError{
		Code:     ErrCodeBatchNotFound,
		Message:  fmt.Sprintf("指定された学習バッチが見つかりません: %s", batchID),
		Category: "training",
		Action:   "バッチIDを確認してください。",
	}
}
