// Package model はドメインモデルを定義する。
package model

import "time"

// Subscription はユーザーとソースの購読関係を表す。
// リレーション自体の所有者は外部のAPI層であり、コアは
// Lifecycle Syncの存在チェックのために参照する。
type Subscription struct {
	ID        string
	UserID    string
	SourceID  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
