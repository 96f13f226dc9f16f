// Package model はドメインモデルを定義する。
package model

import "time"

// Item はソースから観測したコンテンツの単位を表す。
// Reconcilerのみが作成・更新する。リコンシリエーションによって
// 削除されることはない（一方向ラチェット）。
type Item struct {
	ID          string
	SourceID    string
	GUID        string // ソース提供の外部識別子。無い場合は空
	Title       string
	Link        string
	Content     string // サニタイズ済みHTML
	Summary     string // サニタイズ済み
	Author      string
	PublishedAt *time.Time
	FallbackKey string // GUIDもリンクも無い記事の決定的な同一性キー
	Fingerprint string // サニタイズ後コンテンツのSHA-256
	Version     int    // 単調増加。初回観測で1
	FirstSeenAt time.Time
	UpdatedAt   time.Time
}

// ItemVersion は記事の変更前コンテンツを保全するバージョンレコード。
// フィンガープリントが変化した時点の内容が追記専用で保存され、
// 可変ソースに対する変更監査証跡を提供する。
type ItemVersion struct {
	ID          string
	ItemID      string
	Version     int // アーカイブされた時点のバージョン番号
	Title       string
	Content     string
	Summary     string
	Fingerprint string
	ArchivedAt  time.Time
}

// ParsedItem はフィードパーサーから取得した未保存の記事データを表す。
// フェッチャーがパースした後、Reconcilerに渡される。
type ParsedItem struct {
	GUID        string
	Title       string
	Link        string
	Content     string // 未サニタイズのHTML
	Summary     string // 未サニタイズ
	Author      string
	PublishedAt *time.Time
}
