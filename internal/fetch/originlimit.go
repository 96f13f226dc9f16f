package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedpull/internal/repository"
)

// OriginReserver はオリジン単位のアウトバウンドレート制限インターフェース。
type OriginReserver interface {
	// Acquire は指定URLのオリジンへの送信枠の取得を試みる。
	// 枠が取得できた場合はtrue、レート制限中の場合はfalseを返す。
	// ブロックはしない。
	Acquire(ctx context.Context, rawURL string) (bool, error)
}

// OriginLimiter はオリジン単位のレート制限を二層で実施する。
// 権威はストア側のorigin_locksテーブル（全ワーカープロセスから可視）にあり、
// プロセスローカルのトークンバケットは自プロセス内のバーストを
// ストアへ到達する前に吸収するための前段に過ぎない。
type OriginLimiter struct {
	repo        repository.OriginLockRepository
	minInterval time.Duration

	mu     sync.Mutex
	locals map[string]*rate.Limiter
}

// NewOriginLimiter はOriginLimiterを生成する。
// minIntervalは同一オリジンへの連続リクエストの最小間隔。
func NewOriginLimiter(repo repository.OriginLockRepository, minInterval time.Duration) *OriginLimiter {
	return &OriginLimiter{
		repo:        repo,
		minInterval: minInterval,
		locals:      make(map[string]*rate.Limiter),
	}
}

// Acquire は指定URLのオリジンへの送信枠の取得を試みる。
// ローカルのトークンバケットで枠が無ければストアへ問い合わせずfalseを返し、
// 枠があればストア側の条件付き予約で最終判定する。
func (l *OriginLimiter) Acquire(ctx context.Context, rawURL string) (bool, error) {
	origin, err := originOf(rawURL)
	if err != nil {
		return false, err
	}

	if !l.localLimiter(origin).Allow() {
		return false, nil
	}

	ok, err := l.repo.Reserve(ctx, origin, l.minInterval)
	if err != nil {
		return false, fmt.Errorf("オリジン送信枠の予約に失敗しました: %w", err)
	}
	return ok, nil
}

// localLimiter はオリジンに対応するローカルリミッターを取得または生成する。
func (l *OriginLimiter) localLimiter(origin string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.locals[origin]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.minInterval), 1)
		l.locals[origin] = limiter
	}
	return limiter
}

// originOf はURLからレート制限の単位となるオリジン（scheme://host）を導出する。
func originOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("オリジンの導出に失敗しました: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("オリジンの導出に失敗しました: 不完全なURL %q", rawURL)
	}
	return strings.ToLower(parsed.Scheme + "://" + parsed.Host), nil
}

// compile-time interface check
var _ OriginReserver = (*OriginLimiter)(nil)
