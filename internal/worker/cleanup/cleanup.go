// Package cleanup はバージョンレコードの保持期間管理ジョブを提供する。
// 保持期間（デフォルト180日）を超過したitem_versionsの行と、
// 長期間更新の無いorigin_locksの行を日次バッチで削除する。
// 記事本体には一切触れない。現行コンテンツの削除は行わず、
// 監査証跡の深さのみを制限する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedpull/internal/repository"
)

// originLockStaleAfter はorigin_locks行を削除対象とする未更新期間。
const originLockStaleAfter = 7 * 24 * time.Hour

// Job は保持期間を超過したバージョンレコードの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type Job struct {
	itemRepo      repository.ItemRepository
	originRepo    repository.OriginLockRepository
	logger        *slog.Logger
	RetentionDays int // バージョンレコードの保持日数（デフォルト: 180）
}

// NewJob は新しいJobを生成する。
// retentionDaysが0以下の場合はデフォルトの180日を使用する。
func NewJob(
	itemRepo repository.ItemRepository,
	originRepo repository.OriginLockRepository,
	logger *slog.Logger,
	retentionDays int,
) *Job {
	if retentionDays <= 0 {
		retentionDays = 180
	}
	return &Job{
		itemRepo:      itemRepo,
		originRepo:    originRepo,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Start は指定間隔でクリーンアップを実行し続ける。
// コンテキストがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は保持期間を超過したバージョンレコードと古いオリジン行を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	versionsDeleted, err := j.itemRepo.DeleteVersionsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("バージョンレコードの削除に失敗しました: %w", err)
	}

	locksDeleted, err := j.originRepo.DeleteStale(ctx, originLockStaleAfter)
	if err != nil {
		return fmt.Errorf("オリジン行の削除に失敗しました: %w", err)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("versions_deleted", versionsDeleted),
		slog.Int64("origin_locks_deleted", locksDeleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}
