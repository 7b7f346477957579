// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

// ContentRepository はコンテンツアイテムの永続化インターフェース。
type ContentRepository interface {
	// FindByID は指定IDのコンテンツアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.ContentItem, error)

	// Create はコンテンツアイテムを作成する。
	Create(ctx context.Context, item *model.ContentItem) error

	// ListActive は計測対象（published/boosted）のアイテム一覧を返す。
	ListActive(ctx context.Context) ([]*model.ContentItem, error)

	// UpdatePublication はアイテムの状態とプラットフォーム投稿IDを更新する。
	// 再生成による再公開とブースト遷移の両方で使用する。
	UpdatePublication(ctx context.Context, id string, state model.ContentState, postID string) error
}

// SnapshotRepository は計測スナップショットの永続化インターフェース。
// スナップショットは追記専用で、アイテムごとの時系列として保存される。
type SnapshotRepository interface {
	// LatestByContentItem はアイテムの最新スナップショットを取得する。
	// スナップショットが存在しない場合はnilを返す。
	LatestByContentItem(ctx context.Context, contentItemID string) (*model.MetricsSnapshot, error)

	// ListByContentItem はアイテムのスナップショットをrecorded_at昇順で最大limit件返す。
	// limitを超える履歴がある場合は新しい側を優先する。
	ListByContentItem(ctx context.Context, contentItemID string, limit int) ([]model.MetricsSnapshot, error)

	// Create はスナップショットを追記する。
	Create(ctx context.Context, snap *model.MetricsSnapshot) error

	// DeleteBeyondWindow はアイテムの保持ウィンドウ（新しい順にkeep件）を超える
	// 古いスナップショットを削除し、削除件数を返す。
	DeleteBeyondWindow(ctx context.Context, contentItemID string, keep int) (int64, error)

	// DeleteOlderThan は指定時刻より古いスナップショットを全アイテム横断で削除する。
	// 保持期間クリーンアップジョブから使用する。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TriggerRepository はトリガーの永続化インターフェース。
// 非終了トリガー（pending/executing）はアイテムごとに高々1件という不変条件を
// 部分一意インデックスで強制し、違反はStateConflictエラーとして返す。
type TriggerRepository interface {
	// FindByID は指定IDのトリガーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Trigger, error)

	// FindByIdempotencyKey は冪等キーでトリガーを検索する。見つからない場合はnilを返す。
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Trigger, error)

	// FindNonTerminalByContentItem はアイテムの非終了（pending/executing）トリガーを返す。
	// 存在しない場合はnilを返す。
	FindNonTerminalByContentItem(ctx context.Context, contentItemID string) (*model.Trigger, error)

	// LatestByContentItem はアイテムの最新トリガー（updated_at降順の先頭）を返す。
	// クールダウン判定と失敗トリガーの再実行判定に使用する。
	LatestByContentItem(ctx context.Context, contentItemID string) (*model.Trigger, error)

	// Create はトリガーを作成する。非終了トリガーの重複または冪等キーの重複は
	// model.APIError（STATE_CONFLICT）として返す。
	Create(ctx context.Context, trigger *model.Trigger) error

	// UpdateState はトリガーの状態遷移を永続化する。
	// prevStateからの遷移として条件付きUPDATEを行い、
	// 既に他の実行者が遷移させていた場合はSTATE_CONFLICTを返す。
	UpdateState(ctx context.Context, trigger *model.Trigger, prevState model.TriggerState) error

	// ListAbandoned は手動対応が必要な放棄済みトリガーを新しい順に最大limit件返す。
	ListAbandoned(ctx context.Context, limit int) ([]*model.Trigger, error)

	// DeleteTerminalOlderThan は指定時刻より古い終了状態のトリガーを削除する。
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FeedbackRepository はフィードバックレコードの永続化インターフェース。追記専用。
type FeedbackRepository interface {
	// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.FeedbackRecord, error)

	// FindByInteractionID はインタラクションIDでレコードを検索する。見つからない場合はnilを返す。
	FindByInteractionID(ctx context.Context, interactionID string) (*model.FeedbackRecord, error)

	// Create はレコードを追記する。interaction_idの重複はSTATE_CONFLICTとして返す。
	Create(ctx context.Context, rec *model.FeedbackRecord) error

	// ListRejectedSince は指定時刻以降の却下レコードを新しい順に最大limit件返す。
	// 再生成プロンプトの否定的フィードバック文脈に使用する。
	ListRejectedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedbackRecord, error)

	// CountByVerdictSince は指定時刻以降のレコード数を判定値別に返す。
	CountByVerdictSince(ctx context.Context, since time.Time) (map[model.Verdict]int, error)

	// ListExportable は学習エクスポートの対象となるレコードを返す。
	// 承認済みレコード、および修正文付きの却下レコードが対象。
	ListExportable(ctx context.Context, since time.Time, limit int) ([]*model.FeedbackRecord, error)
}

// ExplanationRepository は失敗分析結果の永続化インターフェース。
type ExplanationRepository interface {
	// FindByFeedbackRecordID はフィードバックレコードIDで分析結果を検索する。
	// 見つからない場合はnilを返す。
	FindByFeedbackRecordID(ctx context.Context, recordID string) (*model.FailureExplanation, error)

	// Create は分析結果を作成する。同一レコードへの重複作成はSTATE_CONFLICTとして返す。
	Create(ctx context.Context, explanation *model.FailureExplanation) error

	// CountSince は指定時刻以降に作成された分析結果の件数を返す。
	CountSince(ctx context.Context, since time.Time) (int, error)

	// TagCountsSince は指定時刻以降の分析結果に含まれるパターンタグの出現数を返す。
	TagCountsSince(ctx context.Context, since time.Time) (map[string]int, error)

	// DeleteOlderThan は指定時刻より古い分析結果を削除する。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// TrainingRepository は学習バッチとサンプルの永続化インターフェース。
type TrainingRepository interface {
	// CreateBatch は学習バッチを作成する。
	CreateBatch(ctx context.Context, batch *model.TrainingBatch) error

	// FindBatchByID は指定IDのバッチを取得する。見つからない場合はnilを返す。
	FindBatchByID(ctx context.Context, id string) (*model.TrainingBatch, error)

	// MarkExported はバッチをエクスポート済みに遷移させる。
	// 既にエクスポート済みの場合はBATCH_CLOSEDエラーを返す（冪等性の検出）。
	MarkExported(ctx context.Context, id string, exportedAt time.Time) error

	// CreateExample は学習サンプルを追記する。
	CreateExample(ctx context.Context, example *model.TrainingExample) error

	// ListExamplesByBatch はバッチのサンプルをcreated_at・id昇順で返す。
	// 順序はエクスポートのバイト単位再現性を保証するため決定的でなければならない。
	ListExamplesByBatch(ctx context.Context, batchID string) ([]model.TrainingExample, error)
}
