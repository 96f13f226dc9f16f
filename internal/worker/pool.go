// Package worker は永続ジョブキューのクレームと実行を提供する。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedpull/internal/fetch"
	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/model"
	"github.com/hitoshi/feedpull/internal/repository"
)

// SourceFetcher はフェッチジョブの実行インターフェース。
type SourceFetcher interface {
	// Fetch はソースを1サイクル分フェッチし、結果を返す。
	Fetch(ctx context.Context, sourceID string) (fetch.Outcome, error)
}

// Pool はジョブキューのクレームループを並列実行するワーカープール。
// 各ワーカーはClaimNextのポーリングでジョブを1件ずつクレームし、
// 実行後にFinishで結果を記録する。クレームは単一ステートメントで
// 完結し、ネットワークフェッチ中にトランザクションを保持しない。
// 1つのソースの失敗やパニックがループ全体を止めることはない。
type Pool struct {
	jobRepo         repository.JobRepository
	fetcher         SourceFetcher
	collector       metrics.MetricsCollector
	logger          *slog.Logger
	concurrency     int
	pollInterval    time.Duration
	claimStaleAfter time.Duration
}

// NewPool はPoolの新しいインスタンスを生成する。
// concurrencyが0以下の場合はデフォルト値10を使用する。
func NewPool(
	jobRepo repository.JobRepository,
	fetcher SourceFetcher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	concurrency int,
	pollInterval time.Duration,
	claimStaleAfter time.Duration,
) *Pool {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Pool{
		jobRepo:         jobRepo,
		fetcher:         fetcher,
		collector:       collector,
		logger:          logger,
		concurrency:     concurrency,
		pollInterval:    pollInterval,
		claimStaleAfter: claimStaleAfter,
	}
}

// Start はワーカーループを起動し、コンテキストがキャンセルされるまで
// ブロックする。全ワーカーの終了を待ってから戻る。
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("ワーカープールを開始しました",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
		slog.Duration("claim_stale_after", p.claimStaleAfter),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.runLoop(ctx, workerID)
		}(i)
	}

	wg.Wait()
	p.logger.Info("ワーカープールを停止しました")
}

// runLoop は1ワーカー分のクレームループ。
// ジョブが無い場合はポーリング間隔だけ待機する。
func (p *Pool) runLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.ProcessOne(ctx, workerID)
		if err != nil {
			p.logger.Error("ジョブのクレームに失敗しました",
				slog.Int("worker_id", workerID),
				slog.String("error", err.Error()),
			)
		}

		// クレームできた場合は続けて次のジョブを探す
		if claimed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessOne はジョブを1件クレームして実行する。
// クレームできた場合はtrueを返す。対象が無い場合は(false, nil)。
func (p *Pool) ProcessOne(ctx context.Context, workerID int) (bool, error) {
	job, err := p.jobRepo.ClaimNext(ctx, p.claimStaleAfter)
	if err != nil {
		return false, err
	}
	if job == nil {
		p.collector.RecordClaimEmpty()
		return false, nil
	}

	p.collector.RecordClaim()
	p.execute(ctx, workerID, job)
	return true, nil
}

// execute はクレーム済みジョブを1回分実行し、結果をFinishで記録する。
// パニックを含むあらゆる失敗はこのジョブ1件の失敗として記録され、
// ワーカーループには伝播しない。
func (p *Pool) execute(ctx context.Context, workerID int, job *model.Job) {
	var outcome model.JobOutcome

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("ジョブ実行中にパニックが発生しました",
					slog.Int("worker_id", workerID),
					slog.String("job_id", job.ID),
					slog.Any("panic", r),
				)
				outcome = p.failureOutcome(job, fmt.Sprintf("パニック: %v", r))
			}
		}()

		outcome = p.dispatch(ctx, job)
	}()

	if err := p.jobRepo.Finish(ctx, job.ID, outcome); err != nil {
		p.logger.Error("ジョブ結果の記録に失敗しました",
			slog.Int("worker_id", workerID),
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// dispatch はジョブ種別に応じた実行を行う。
func (p *Pool) dispatch(ctx context.Context, job *model.Job) model.JobOutcome {
	switch job.Type {
	case model.JobTypeFetchSource:
		outcome, err := p.fetcher.Fetch(ctx, job.Payload)
		if err != nil {
			// ソース不在等の契約違反。このジョブ1回分の失敗として記録する
			p.logger.Error("フェッチジョブの実行に失敗しました",
				slog.String("job_id", job.ID),
				slog.String("payload", job.Payload),
				slog.String("error", err.Error()),
			)
			return p.failureOutcome(job, err.Error())
		}
		return outcome.JobOutcome()

	default:
		err := model.NewInvalidPayloadError(job.ID, fmt.Sprintf("未知のジョブ種別: %s", job.Type))
		p.logger.Error("ジョブ種別を解決できません",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
		)
		return p.failureOutcome(job, err.Error())
	}
}

// failureOutcome はジョブの連続失敗回数に基づくバックオフ付きの
// 失敗結果を生成する。
func (p *Pool) failureOutcome(job *model.Job, message string) model.JobOutcome {
	delay := fetch.CalculateBackoff(job.ConsecutiveFailures)
	return model.FailureOutcome(time.Now().Add(delay), message)
}
