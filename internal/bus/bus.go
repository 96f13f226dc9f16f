// Package bus はストアのpub/sub機構を利用したイベント通知を提供する。
//
// 配送層（WebSocket、プッシュ通知等）への告知はfire-and-forgetであり、
// at-most-onceで十分とする。コアの正しさはこのバスの配送保証に依存しない。
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// 通知トピック
const (
	// TopicItemsCreated は新規記事の観測を通知する。
	TopicItemsCreated = "items.created"
	// TopicItemsUpdated は既存記事の内容変更を通知する。
	TopicItemsUpdated = "items.updated"
	// TopicSourceLifecycle はソースのフェッチ有効/無効の遷移を通知する。
	TopicSourceLifecycle = "sources.lifecycle"
)

// Publisher はトピックへのイベント発行インターフェース。
type Publisher interface {
	// Publish はトピックへペイロードを発行する。fire-and-forget。
	Publish(ctx context.Context, topic string, payload any) error
}

// ItemsEvent は記事の作成・更新イベントのペイロード。
type ItemsEvent struct {
	SourceID string    `json:"source_id"`
	ItemIDs  []string  `json:"item_ids"`
	At       time.Time `json:"at"`
}

// LifecycleEvent はソースのライフサイクル遷移イベントのペイロード。
type LifecycleEvent struct {
	SourceID string    `json:"source_id"`
	Enabled  bool      `json:"enabled"`
	At       time.Time `json:"at"`
}

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresBus はPostgreSQLのNOTIFYを使用したPublisher実装。
// 外部の配送層はLISTENで購読する。NOTIFYはトランザクション外では
// 即時配送され、購読者不在時は単に破棄される。
type PostgresBus struct {
	db Executor
}

// NewPostgresBus はPostgresBusを生成する。
func NewPostgresBus(db Executor) *PostgresBus {
	return &PostgresBus{db: db}
}

// Publish はペイロードをJSONに直列化してpg_notifyで発行する。
func (b *PostgresBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("イベントペイロードの直列化に失敗しました: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(data)); err != nil {
		return fmt.Errorf("イベントの発行に失敗しました: %w", err)
	}

	return nil
}

// compile-time interface check
var _ Publisher = (*PostgresBus)(nil)
