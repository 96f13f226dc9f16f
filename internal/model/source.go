// Package model はドメインモデルを定義する。
package model

import "time"

// RedirectConfirmThreshold は301リダイレクト先を正式採用するまでに
// 必要な連続同一観測回数。一時的な設定ミスによるフラッピングを防ぐ。
const RedirectConfirmThreshold = 3

// Source はスケジュールに従ってフェッチされる外部コンテンツ源を表す。
// キャッシュバリデータ（ETag/Last-Modified）とリダイレクト追跡、
// ソース自体の健全性を示す失敗カウントを保持する。
// ジョブ側のconsecutive_failuresはスケジューリングの関心事であり、
// こちらはコンテンツ源の健全性の関心事として独立して管理する。
type Source struct {
	ID           string
	FeedURL      string
	SiteURL      string
	Title        string
	ETag         string
	LastModified string

	// リダイレクト追跡: 301で報告された候補URLと連続観測回数。
	// RedirectConfirmThreshold回連続で同一の候補を観測したとき
	// FeedURLとして正式採用される。
	RedirectTarget string
	RedirectSeen   int

	// 適応学習されたフェッチ間隔（秒）。Cache-Controlが無いソースの
	// スケジューリングに使用する。
	FetchIntervalSeconds int

	ConsecutiveFailures int
	LastError           string
	LastFetchedAt       *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ObserveRedirect は301で報告されたリダイレクト先を記録し、
// 採用条件（連続3回同一観測）を満たした場合trueを返す。
// 採用時はFeedURLを差し替え、追跡状態をリセットする。
// 異なる候補を観測した場合はカウントを1から数え直す。
func (s *Source) ObserveRedirect(target string) (adopted bool) {
	if target == "" || target == s.FeedURL {
		s.RedirectTarget = ""
		s.RedirectSeen = 0
		return false
	}

	if s.RedirectTarget == target {
		s.RedirectSeen++
	} else {
		s.RedirectTarget = target
		s.RedirectSeen = 1
	}

	if s.RedirectSeen >= RedirectConfirmThreshold {
		s.FeedURL = target
		s.RedirectTarget = ""
		s.RedirectSeen = 0
		return true
	}

	return false
}
