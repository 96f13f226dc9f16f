package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpull/internal/fetch"
	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/model"
)

// mockJobRepo はJobRepositoryのテスト用モック。
// キューからの払い出しと結果記録のみを再現する。
type mockJobRepo struct {
	mu       sync.Mutex
	queue    []*model.Job
	outcomes map[string]model.JobOutcome
	claimErr error
}

func newMockJobRepo(jobs ...*model.Job) *mockJobRepo {
	return &mockJobRepo{queue: jobs, outcomes: make(map[string]model.JobOutcome)}
}

func (m *mockJobRepo) ClaimNext(_ context.Context, _ time.Duration) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if len(m.queue) == 0 {
		return nil, nil
	}
	job := m.queue[0]
	m.queue = m.queue[1:]
	return job, nil
}

func (m *mockJobRepo) Finish(_ context.Context, jobID string, outcome model.JobOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[jobID] = outcome
	return nil
}

func (m *mockJobRepo) EnsureJob(_ context.Context, _ model.JobType, _ string) (*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) SyncEnabled(_ context.Context, _ model.JobType, _ string) (bool, error) {
	return false, nil
}

func (m *mockJobRepo) FindByTypeAndPayload(_ context.Context, _ model.JobType, _ string) (*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) outcome(jobID string) (model.JobOutcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome, ok := m.outcomes[jobID]
	return outcome, ok
}

// mockFetcher はSourceFetcherのテスト用モック。
type mockFetcher struct {
	outcome fetch.Outcome
	err     error
	panics  bool
	calls   int
}

func (m *mockFetcher) Fetch(_ context.Context, _ string) (fetch.Outcome, error) {
	m.calls++
	if m.panics {
		panic("フェッチャーの不具合")
	}
	return m.outcome, m.err
}

func newTestPool(repo *mockJobRepo, fetcher *mockFetcher) *Pool {
	return NewPool(
		repo,
		fetcher,
		metrics.NewCollector(prometheus.NewRegistry()),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		2,
		10*time.Millisecond,
		5*time.Minute,
	)
}

func fetchJob(id, sourceID string) *model.Job {
	return &model.Job{ID: id, Type: model.JobTypeFetchSource, Payload: sourceID, Enabled: true}
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	repo := newMockJobRepo()
	p := newTestPool(repo, &mockFetcher{})

	claimed, err := p.ProcessOne(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if claimed {
		t.Error("対象が無い場合はfalseを返すべき")
	}
}

func TestProcessOne_SuccessRecordsOutcome(t *testing.T) {
	nextRun := time.Now().Add(time.Hour)
	repo := newMockJobRepo(fetchJob("job-1", "source-1"))
	fetcher := &mockFetcher{outcome: fetch.Outcome{Result: fetch.FetchResultOK, NextRunAt: nextRun}}
	p := newTestPool(repo, fetcher)

	claimed, err := p.ProcessOne(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if !claimed {
		t.Fatal("ジョブがクレームされるべき")
	}

	outcome, ok := repo.outcome("job-1")
	if !ok {
		t.Fatal("Finishで結果が記録されるべき")
	}
	if !outcome.Success {
		t.Error("成功として記録されるべき")
	}
	if !outcome.NextRunAt.Equal(nextRun) {
		t.Errorf("NextRunAt = %v, want %v", outcome.NextRunAt, nextRun)
	}
}

func TestProcessOne_FetchErrorFailsOnlyThatJob(t *testing.T) {
	job := fetchJob("job-1", "missing-source")
	job.ConsecutiveFailures = 1
	repo := newMockJobRepo(job, fetchJob("job-2", "source-2"))
	fetcher := &mockFetcher{err: errors.New("ソースが見つかりません")}
	p := newTestPool(repo, fetcher)
	ctx := context.Background()

	if _, err := p.ProcessOne(ctx, 0); err != nil {
		t.Fatalf("契約違反はクレームエラーとして伝播してはならない: %v", err)
	}

	outcome, ok := repo.outcome("job-1")
	if !ok {
		t.Fatal("失敗結果が記録されるべき")
	}
	if outcome.Success {
		t.Error("失敗として記録されるべき")
	}
	if outcome.ErrorMessage == "" {
		t.Error("エラーメッセージが記録されるべき")
	}
	// 2回目の失敗: 15分 * 2 = 30分のバックオフ
	delay := time.Until(outcome.NextRunAt)
	if delay < 29*time.Minute || delay > 31*time.Minute {
		t.Errorf("連続失敗回数に基づくバックオフが適用されるべき, delay = %v", delay)
	}

	// 次のジョブの処理は継続する
	fetcher.err = nil
	if _, err := p.ProcessOne(ctx, 0); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if _, ok := repo.outcome("job-2"); !ok {
		t.Error("後続のジョブが処理されるべき")
	}
}

func TestProcessOne_PanicIsRecoveredAsJobFailure(t *testing.T) {
	repo := newMockJobRepo(fetchJob("job-1", "source-1"), fetchJob("job-2", "source-2"))
	fetcher := &mockFetcher{panics: true}
	p := newTestPool(repo, fetcher)
	ctx := context.Background()

	claimed, err := p.ProcessOne(ctx, 0)
	if err != nil {
		t.Fatalf("パニックは回復されるべき: %v", err)
	}
	if !claimed {
		t.Fatal("ジョブはクレームされているべき")
	}

	outcome, ok := repo.outcome("job-1")
	if !ok {
		t.Fatal("パニックも失敗として記録されるべき")
	}
	if outcome.Success {
		t.Error("失敗として記録されるべき")
	}

	// パニック後もワーカーは後続ジョブを処理できる
	fetcher.panics = false
	if _, err := p.ProcessOne(ctx, 0); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if _, ok := repo.outcome("job-2"); !ok {
		t.Error("後続のジョブが処理されるべき")
	}
}

func TestProcessOne_UnknownJobType(t *testing.T) {
	job := &model.Job{ID: "job-1", Type: model.JobType("unknown"), Payload: "x"}
	repo := newMockJobRepo(job)
	p := newTestPool(repo, &mockFetcher{})

	if _, err := p.ProcessOne(context.Background(), 0); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	outcome, ok := repo.outcome("job-1")
	if !ok || outcome.Success {
		t.Error("未知のジョブ種別は失敗として記録されるべき")
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	repo := newMockJobRepo()
	p := newTestPool(repo, &mockFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後にワーカープールは停止するべき")
	}
}
