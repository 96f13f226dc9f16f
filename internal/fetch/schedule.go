// Package fetch はソースのHTTPフェッチとスケジューリングを提供する。
package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultNotModified はコンテンツ未変更（304）。
	FetchResultNotModified
	// FetchResultPermanentRedirect は恒久的リダイレクト（301/308）。
	// 即座には追従せず、確認観測を経てから正式採用する。
	FetchResultPermanentRedirect
	// FetchResultTemporaryRedirect は一時的リダイレクト（302/303/307）。
	// 当該サイクルに限り追従し、URLは永続化しない。
	FetchResultTemporaryRedirect
	// FetchResultRateLimited はレート制限（429）。
	FetchResultRateLimited
	// FetchResultFailure はその他の4xx/5xx、ネットワークエラー、パース失敗。
	FetchResultFailure
	// FetchResultDeferred はオリジンレート制限による延期。失敗ではない。
	FetchResultDeferred
)

// String はメトリクスラベル用の分類名を返す。
func (r FetchResult) String() string {
	switch r {
	case FetchResultOK:
		return "ok"
	case FetchResultNotModified:
		return "not_modified"
	case FetchResultPermanentRedirect:
		return "permanent_redirect"
	case FetchResultTemporaryRedirect:
		return "temporary_redirect"
	case FetchResultRateLimited:
		return "rate_limited"
	case FetchResultDeferred:
		return "deferred"
	default:
		return "failure"
	}
}

const (
	// initialBackoff は指数バックオフの初回遅延（15分）。
	initialBackoff = 15 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（7日）。
	maxBackoff = 7 * 24 * time.Hour
	// minScheduleInterval はフェッチ間隔の下限（1分）。
	minScheduleInterval = time.Minute
	// maxScheduleInterval はフェッチ間隔の上限（7日）。
	maxScheduleInterval = 7 * 24 * time.Hour
	// defaultInterval はCache-Controlも学習済み間隔も無い場合の既定間隔（1時間）。
	defaultInterval = time.Hour
	// maxRedirectHops は1サイクル内で追従する一時的リダイレクトの上限。
	maxRedirectHops = 5
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
// 分類表に無いステータスは全て失敗として扱い、バックオフ付きで再試行する。
// 恒久的エラー（404/410等）でもソースを自動停止しない。一時的な設定ミスで
// これらを返すサーバーは珍しくなく、誤検出の回復コストの方が高くつく。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch statusCode {
	case http.StatusOK:
		return FetchResultOK
	case http.StatusNotModified:
		return FetchResultNotModified
	case http.StatusMovedPermanently, http.StatusPermanentRedirect:
		return FetchResultPermanentRedirect
	case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		return FetchResultTemporaryRedirect
	case http.StatusTooManyRequests:
		return FetchResultRateLimited
	default:
		return FetchResultFailure
	}
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回15分、2倍ずつ増加、最大7日。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ClampInterval はフェッチ間隔を[1分, 7日]の範囲に制限する。
func ClampInterval(d time.Duration) time.Duration {
	if d < minScheduleInterval {
		return minScheduleInterval
	}
	if d > maxScheduleInterval {
		return maxScheduleInterval
	}
	return d
}

// AdaptInterval は学習済みフェッチ間隔をAIMD方式で調整する。
// 新着記事を観測したサイクルでは半減、変化の無いサイクルでは1.5倍に伸ばす。
// currentが0以下の場合は既定間隔から開始する。
func AdaptInterval(current time.Duration, sawNewItems bool) time.Duration {
	if current <= 0 {
		current = defaultInterval
	}
	if sawNewItems {
		current /= 2
	} else {
		current = current * 3 / 2
	}
	return ClampInterval(current)
}

// ParseMaxAge はCache-Controlヘッダーからmax-ageディレクティブを抽出する。
// 正の値が取得できた場合のみtrueを返す。
func ParseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))
		value, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

// ParseRetryAfter はRetry-Afterヘッダーを解釈する。
// 秒数形式とHTTP日付形式の両方に対応する。正かつ最大バックオフ以下の
// 妥当な値が取得できた場合のみtrueを返す。
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		d := time.Duration(seconds) * time.Second
		if d <= 0 || d > maxBackoff {
			return 0, false
		}
		return d, true
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d <= 0 || d > maxBackoff {
		return 0, false
	}
	return d, true
}

// NextInterval は成功サイクル後の次回フェッチまでの間隔を決定する。
// 優先順位: Cache-Controlのmax-age > 学習済み間隔 > 既定1時間。
// いずれの場合も[1分, 7日]に制限される。
func NextInterval(header http.Header, learned time.Duration) time.Duration {
	if maxAge, ok := ParseMaxAge(header.Get("Cache-Control")); ok {
		return ClampInterval(maxAge)
	}
	if learned > 0 {
		return ClampInterval(learned)
	}
	return defaultInterval
}
