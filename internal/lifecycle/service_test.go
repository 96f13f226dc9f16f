package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/feedpull/internal/bus"
	"github.com/hitoshi/feedpull/internal/model"
)

// mockJobRepo はJobRepositoryのテスト用モック。
// enabledの同期規則（アクティブな購読者の存在と一致）をメモリ上で再現する。
type mockJobRepo struct {
	jobs       map[string]*model.Job // key: payload
	subs       *mockSubRepo
	ensureJobs int
}

func newMockJobRepo(subs *mockSubRepo) *mockJobRepo {
	return &mockJobRepo{jobs: make(map[string]*model.Job), subs: subs}
}

func (m *mockJobRepo) ClaimNext(_ context.Context, _ time.Duration) (*model.Job, error) {
	return nil, nil
}

func (m *mockJobRepo) Finish(_ context.Context, _ string, _ model.JobOutcome) error {
	return nil
}

func (m *mockJobRepo) EnsureJob(_ context.Context, jobType model.JobType, payload string) (*model.Job, error) {
	m.ensureJobs++
	job, ok := m.jobs[payload]
	if !ok {
		job = &model.Job{ID: "job-" + payload, Type: jobType, Payload: payload}
		m.jobs[payload] = job
	}
	job.Enabled = true
	return job, nil
}

func (m *mockJobRepo) SyncEnabled(_ context.Context, _ model.JobType, payload string) (bool, error) {
	job, ok := m.jobs[payload]
	if !ok {
		return false, nil
	}
	job.Enabled = m.subs.hasActive(payload)
	return job.Enabled, nil
}

func (m *mockJobRepo) FindByTypeAndPayload(_ context.Context, _ model.JobType, payload string) (*model.Job, error) {
	job, ok := m.jobs[payload]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

// mockSubRepo はSubscriptionRepositoryのテスト用モック。
type mockSubRepo struct {
	active map[string]map[string]bool // sourceID -> userID -> active
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{active: make(map[string]map[string]bool)}
}

func (m *mockSubRepo) hasActive(sourceID string) bool {
	for _, active := range m.active[sourceID] {
		if active {
			return true
		}
	}
	return false
}

func (m *mockSubRepo) HasActiveSubscriber(_ context.Context, sourceID string) (bool, error) {
	return m.hasActive(sourceID), nil
}

func (m *mockSubRepo) Create(_ context.Context, sub *model.Subscription) error {
	if m.active[sub.SourceID] == nil {
		m.active[sub.SourceID] = make(map[string]bool)
	}
	m.active[sub.SourceID][sub.UserID] = true
	return nil
}

func (m *mockSubRepo) SetActive(_ context.Context, userID, sourceID string, active bool) error {
	if m.active[sourceID] == nil {
		m.active[sourceID] = make(map[string]bool)
	}
	m.active[sourceID][userID] = active
	return nil
}

// mockSourceRepo はSourceRepositoryのテスト用モック。
type mockSourceRepo struct {
	sources map[string]*model.Source
}

func (m *mockSourceRepo) FindByID(_ context.Context, id string) (*model.Source, error) {
	return m.sources[id], nil
}

func (m *mockSourceRepo) FindByFeedURL(_ context.Context, _ string) (*model.Source, error) {
	return nil, nil
}

func (m *mockSourceRepo) Create(_ context.Context, _ *model.Source) error { return nil }

func (m *mockSourceRepo) UpdateFetchState(_ context.Context, _ *model.Source) error { return nil }

// mockPublisher はPublisherのテスト用モック。
type mockPublisher struct {
	events []bus.LifecycleEvent
}

func (m *mockPublisher) Publish(_ context.Context, _ string, payload any) error {
	if event, ok := payload.(bus.LifecycleEvent); ok {
		m.events = append(m.events, event)
	}
	return nil
}

func newTestService(sourceIDs ...string) (*Service, *mockJobRepo, *mockSubRepo, *mockPublisher) {
	sources := make(map[string]*model.Source)
	for _, id := range sourceIDs {
		sources[id] = &model.Source{ID: id, FeedURL: "https://example.com/" + id}
	}
	subs := newMockSubRepo()
	jobs := newMockJobRepo(subs)
	pub := &mockPublisher{}
	svc := NewService(jobs, &mockSourceRepo{sources: sources}, subs, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, jobs, subs, pub
}

func TestSubscribe_EnsuresAndEnablesJob(t *testing.T) {
	svc, jobs, _, pub := newTestService("source-1")
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	job := jobs.jobs["source-1"]
	if job == nil {
		t.Fatal("フェッチジョブが作成されるべき")
	}
	if !job.Enabled {
		t.Error("購読後のジョブは有効であるべき")
	}
	if jobs.ensureJobs != 1 {
		t.Errorf("EnsureJobが1回呼ばれるべき, got %d", jobs.ensureJobs)
	}

	if len(pub.events) != 1 || !pub.events[0].Enabled {
		t.Errorf("有効化の遷移イベントが発行されるべき, got %v", pub.events)
	}
}

func TestSubscribe_UnknownSource(t *testing.T) {
	svc, _, _, _ := newTestService()

	err := svc.Subscribe(context.Background(), "user-1", "missing")
	if err == nil {
		t.Fatal("存在しないソースへの購読はエラーを返すべき")
	}
	coreErr, ok := err.(*model.CoreError)
	if !ok || coreErr.Code != model.ErrCodeSourceNotFound {
		t.Errorf("SOURCE_NOT_FOUNDエラーであるべき, got %v", err)
	}
}

func TestUnsubscribe_LastSubscriberDisablesJob(t *testing.T) {
	svc, jobs, _, pub := newTestService("source-1")
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := svc.Unsubscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if jobs.jobs["source-1"].Enabled {
		t.Error("最後の購読者の解除でジョブは無効化されるべき")
	}
	if _, ok := jobs.jobs["source-1"]; !ok {
		t.Error("ジョブ行は削除されず維持されるべき")
	}

	// 有効化と無効化の2つの遷移イベント
	if len(pub.events) != 2 || pub.events[1].Enabled {
		t.Errorf("無効化の遷移イベントが発行されるべき, got %v", pub.events)
	}
}

func TestUnsubscribe_RemainingSubscriberKeepsJobEnabled(t *testing.T) {
	svc, jobs, _, pub := newTestService("source-1")
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := svc.Subscribe(ctx, "user-2", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := svc.Unsubscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}

	if !jobs.jobs["source-1"].Enabled {
		t.Error("購読者が残っている間ジョブは有効であるべき")
	}

	// 遷移は最初の有効化のみ
	if len(pub.events) != 1 {
		t.Errorf("遷移していない同期はイベントを発行してはならない, got %v", pub.events)
	}
}

func TestResubscribe_ReenablesExistingJob(t *testing.T) {
	svc, jobs, _, _ := newTestService("source-1")
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := svc.Unsubscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if err := svc.Subscribe(ctx, "user-1", "source-1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !jobs.jobs["source-1"].Enabled {
		t.Error("再購読でジョブは再有効化されるべき")
	}
	if len(jobs.jobs) != 1 {
		t.Errorf("(job_type, payload)につきジョブは1行のみであるべき, got %d", len(jobs.jobs))
	}
}

func TestSyncEnabled_NoJob(t *testing.T) {
	svc, _, _, pub := newTestService("source-1")

	enabled, err := svc.SyncEnabled(context.Background(), "source-1")
	if err != nil {
		t.Fatalf("SyncEnabled() error = %v", err)
	}
	if enabled {
		t.Error("ジョブが存在しない場合はfalseを返すべき")
	}
	if len(pub.events) != 0 {
		t.Error("ジョブが存在しない場合はイベントを発行してはならない")
	}
}
