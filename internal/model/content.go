// Package model はドメインモデルを定義する。
package model

import "time"

// ContentItem は管理対象のコンテンツアイテムを表す。
// パブリッシュスケジューラが所有し、他のコンポーネントからは読み取り専用で参照される。
type ContentItem struct {
	ID        string
	PostID    string // プラットフォーム側の投稿ID（未公開の場合は空）
	Topic     string
	State     ContentState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentState はコンテンツのライフサイクル状態を表す。
type ContentState string

const (
	// ContentStateDraft は未公開のドラフト状態。
	ContentStateDraft ContentState = "draft"
	// ContentStatePublished はプラットフォームに公開済みの状態。
	ContentStatePublished ContentState = "published"
	// ContentStateBoosted はブースト配信中の状態。
	ContentStateBoosted ContentState = "boosted"
	// ContentStateRetired は配信を終了した状態。
	ContentStateRetired ContentState = "retired"
)

// IsActive は計測対象となる状態（公開済みまたはブースト中）かどうかを返す。
func (s ContentState) IsActive() bool {
	return s == ContentStatePublished || s == ContentStateBoosted
}
