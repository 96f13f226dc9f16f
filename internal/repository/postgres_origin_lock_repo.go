package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresOriginLockRepo はPostgreSQLを使用したオリジンロックリポジトリ。
// 同一オリジンへのアウトバウンドリクエスト間隔を全ワーカープロセスで
// 共有される単一行の条件付き更新として予約する。プロセスローカルな
// レートリミッターだけでは複数ワーカー構成でオリジンを守れないため、
// ストア側の予約が最終的な門番となる。
type PostgresOriginLockRepo struct {
	db *sql.DB
}

// NewPostgresOriginLockRepo はPostgresOriginLockRepoを生成する。
func NewPostgresOriginLockRepo(db *sql.DB) *PostgresOriginLockRepo {
	return &PostgresOriginLockRepo{db: db}
}

// Reserve はオリジンへの送信枠を1つ予約する。
// next_allowed_atが到来している場合のみ枠を消費してtrueを返す。
// 行が無い場合は即時の枠として新規作成する。
// 条件を満たさない場合は何も変更せずfalseを返す。
func (r *PostgresOriginLockRepo) Reserve(ctx context.Context, origin string, minInterval time.Duration) (bool, error) {
	var reserved string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO origin_locks (origin, next_allowed_at, updated_at)
		 VALUES ($1, now() + $2::interval, now())
		 ON CONFLICT (origin) DO UPDATE SET
		     next_allowed_at = now() + $2::interval,
		     updated_at = now()
		 WHERE origin_locks.next_allowed_at <= now()
		 RETURNING origin`,
		origin, pgInterval(minInterval),
	).Scan(&reserved)

	if err == sql.ErrNoRows {
		// 前回の予約からminInterval未満。枠は消費されない
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("オリジン送信枠の予約に失敗しました: %w", err)
	}

	return true, nil
}

// DeleteStale は長期間更新されていないオリジン行を削除し、削除件数を返す。
func (r *PostgresOriginLockRepo) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM origin_locks WHERE updated_at < now() - $1::interval`,
		pgInterval(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("オリジンロックの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ OriginLockRepository = (*PostgresOriginLockRepo)(nil)
