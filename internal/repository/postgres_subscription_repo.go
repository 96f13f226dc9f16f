package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedpull/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
// 購読リレーションの所有者は外部のAPI層であり、コアからは
// 存在チェックと最小限の書き込みのみ行う。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// HasActiveSubscriber はソースにアクティブな購読者が存在するかを返す。
func (r *PostgresSubscriptionRepo) HasActiveSubscriber(ctx context.Context, sourceID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE source_id = $1 AND active)`,
		sourceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("購読者の存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// Create は購読を作成する。既存の(user_id, source_id)がある場合は
// activeをtrueに戻す。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, source_id, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, source_id) DO UPDATE SET
		     active = true,
		     updated_at = now()`,
		sub.ID, sub.UserID, sub.SourceID, sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// SetActive は購読のactiveフラグを更新する。
func (r *PostgresSubscriptionRepo) SetActive(ctx context.Context, userID, sourceID string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = $3, updated_at = now()
		 WHERE user_id = $1 AND source_id = $2`,
		userID, sourceID, active,
	)
	if err != nil {
		return fmt.Errorf("購読状態の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
