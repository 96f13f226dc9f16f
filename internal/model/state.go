// Package model はドメインモデルを定義する。
package model

import "time"

// StateField はユーザーごとの記事状態の独立したフィールドを表す。
type StateField string

const (
	// StateFieldRead は既読フラグ。
	StateFieldRead StateField = "read"
	// StateFieldStarred はスターフラグ。
	StateFieldStarred StateField = "starred"
)

// Valid はフィールド名が定義済みのものかを検証する。
func (f StateField) Valid() bool {
	return f == StateFieldRead || f == StateFieldStarred
}

// UserItemState はユーザーと記事の組ごとの可変な状態射影。
// 各フィールドはグローバルなバージョン番号ではなくフィールド単位の
// 変更時刻を持ち、変更時刻が厳密に新しい書き込みのみが採用される。
// これにより重複・順序逆転したミューテーションが収束する。
type UserItemState struct {
	UserID           string
	ItemID           string
	IsRead           bool
	ReadChangedAt    time.Time
	IsStarred        bool
	StarredChangedAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// StateChange はバッチ適用される(記事ID, 変更時刻)の組。
// 値とフィールドはバッチ全体で共有される。
type StateChange struct {
	ItemID    string
	ChangedAt time.Time
}
