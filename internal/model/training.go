// Package model はドメインモデルを定義する。
package model

import "time"

// BatchStatus は学習バッチの状態を表す。
type BatchStatus string

const (
	// BatchStatusOpen はサンプルの追加を受け付けている状態。
	BatchStatusOpen BatchStatus = "open"
	// BatchStatusExported はエクスポート済みの状態。エクスポート後のバッチは不変。
	BatchStatusExported BatchStatus = "exported"
)

// TrainingExample はモデル改善用の学習サンプルを表す。
type TrainingExample struct {
	ID         string
	BatchID    string
	Prompt     string
	Completion string
	Score      float64 // フィードバック由来の品質スコア（0.0〜1.0）
	CreatedAt  time.Time
}

// TrainingBatch は学習サンプルのエクスポート単位を表す。
// エクスポートはバッチごとに1回のみ許可され、実行後は追加もエクスポートも拒否される。
type TrainingBatch struct {
	ID         string
	Status     BatchStatus
	ExportedAt time.Time // Statusがexportedの場合のみ有効
	CreatedAt  time.Time
}
