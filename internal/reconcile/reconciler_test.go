package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/feedpull/internal/model"
)

// mockItemRepo はItemRepositoryのテスト用モック。
type mockItemRepo struct {
	byGUID        map[string]*model.Item
	byLink        map[string]*model.Item
	byFallbackKey map[string]*model.Item

	created  []*model.Item
	archived []*model.Item
	findErr  error

	guidLookups     int
	linkLookups     int
	fallbackLookups int
}

func newMockItemRepo() *mockItemRepo {
	return &mockItemRepo{
		byGUID:        make(map[string]*model.Item),
		byLink:        make(map[string]*model.Item),
		byFallbackKey: make(map[string]*model.Item),
	}
}

func (m *mockItemRepo) FindByID(_ context.Context, _ string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) FindBySourceAndGUID(_ context.Context, _, guid string) (*model.Item, error) {
	m.guidLookups++
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.byGUID[guid], nil
}

func (m *mockItemRepo) FindBySourceAndLink(_ context.Context, _, link string) (*model.Item, error) {
	m.linkLookups++
	return m.byLink[link], nil
}

func (m *mockItemRepo) FindBySourceAndFallbackKey(_ context.Context, _, key string) (*model.Item, error) {
	m.fallbackLookups++
	return m.byFallbackKey[key], nil
}

func (m *mockItemRepo) Create(_ context.Context, item *model.Item) error {
	m.created = append(m.created, item)
	return nil
}

func (m *mockItemRepo) ArchiveAndUpdate(_ context.Context, prior *model.Item, updated *model.Item) error {
	m.archived = append(m.archived, updated)
	return nil
}

func (m *mockItemRepo) ListVersions(_ context.Context, _ string) ([]*model.ItemVersion, error) {
	return nil, nil
}

func (m *mockItemRepo) DeleteVersionsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// passthroughSanitizer はサニタイズを行わないテスト用実装。
type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(rawHTML string) string { return rawHTML }

// mockPublisher はPublisherのテスト用モック。
type mockPublisher struct {
	topics   []string
	payloads []any
}

func (m *mockPublisher) Publish(_ context.Context, topic string, payload any) error {
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, payload)
	return nil
}

func newTestReconciler(repo *mockItemRepo, pub *mockPublisher) *Reconciler {
	return NewReconciler(repo, passthroughSanitizer{}, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestReconcile_CreatesNewItem(t *testing.T) {
	repo := newMockItemRepo()
	pub := &mockPublisher{}
	r := newTestReconciler(repo, pub)

	published := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	items := []model.ParsedItem{
		{GUID: "guid-1", Title: "新着記事", Link: "https://example.com/1", Content: "本文", PublishedAt: &published},
	}

	result, err := r.Reconcile(context.Background(), "source-1", items)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := Result{Created: 1}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}

	if len(repo.created) != 1 {
		t.Fatalf("作成された記事は1件であるべき, got %d", len(repo.created))
	}
	created := repo.created[0]
	if created.Version != 1 {
		t.Errorf("新規記事のversionは1であるべき, got %d", created.Version)
	}
	if created.Fingerprint == "" {
		t.Error("フィンガープリントが設定されるべき")
	}
	if created.FallbackKey == "" {
		t.Error("フォールバックキーが設定されるべき")
	}
	if created.FirstSeenAt.IsZero() {
		t.Error("FirstSeenAtが設定されるべき")
	}

	if len(pub.topics) != 1 || pub.topics[0] != "items.created" {
		t.Errorf("items.createdイベントが発行されるべき, got %v", pub.topics)
	}
}

func TestReconcile_UnchangedItemIsNoOp(t *testing.T) {
	repo := newMockItemRepo()
	pub := &mockPublisher{}
	r := newTestReconciler(repo, pub)

	parsed := model.ParsedItem{GUID: "guid-1", Title: "記事", Link: "https://example.com/1", Content: "本文"}
	existing := &model.Item{
		ID:          "item-1",
		SourceID:    "source-1",
		GUID:        "guid-1",
		Fingerprint: computeFingerprint(parsed.Title, parsed.Link, parsed.Content, parsed.Summary),
		Version:     3,
	}
	repo.byGUID["guid-1"] = existing

	result, err := r.Reconcile(context.Background(), "source-1", []model.ParsedItem{parsed})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := Result{Unchanged: 1}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("Result mismatch (-want +got):\n%s", diff)
	}
	if len(repo.created) != 0 || len(repo.archived) != 0 {
		t.Error("無変更の記事はストアに書き込んではならない")
	}
	if len(pub.topics) != 0 {
		t.Errorf("無変更サイクルではイベントを発行してはならない, got %v", pub.topics)
	}
}

func TestReconcile_ChangedContentArchivesAndBumpsVersion(t *testing.T) {
	repo := newMockItemRepo()
	pub := &mockPublisher{}
	r := newTestReconciler(repo, pub)

	existing := &model.Item{
		ID:          "item-1",
		SourceID:    "source-1",
		GUID:        "guid-1",
		Title:       "旧タイトル",
		Fingerprint: "old-fingerprint",
		Version:     2,
		FirstSeenAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	repo.byGUID["guid-1"] = existing

	parsed := model.ParsedItem{GUID: "guid-1", Title: "新タイトル", Link: "https://example.com/1", Content: "改訂版"}
	result, err := r.Reconcile(context.Background(), "source-1", []model.ParsedItem{parsed})
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if result.Updated != 1 {
		t.Errorf("Updated = %d, want 1", result.Updated)
	}
	if len(repo.archived) != 1 {
		t.Fatalf("アーカイブ付き更新が1回行われるべき, got %d", len(repo.archived))
	}

	updated := repo.archived[0]
	if updated.Version != 3 {
		t.Errorf("versionは1進むべき, got %d", updated.Version)
	}
	if updated.ID != "item-1" {
		t.Errorf("IDは維持されるべき, got %s", updated.ID)
	}
	if !updated.FirstSeenAt.Equal(existing.FirstSeenAt) {
		t.Error("FirstSeenAtは維持されるべき")
	}
	if updated.Title != "新タイトル" {
		t.Errorf("タイトルが更新されるべき, got %s", updated.Title)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "items.updated" {
		t.Errorf("items.updatedイベントが発行されるべき, got %v", pub.topics)
	}
}

func TestReconcile_IdentityPriority(t *testing.T) {
	t.Run("GUIDがある場合はリンク照合を行わない", func(t *testing.T) {
		repo := newMockItemRepo()
		r := newTestReconciler(repo, &mockPublisher{})

		items := []model.ParsedItem{{GUID: "g", Title: "t", Link: "https://example.com/x"}}
		if _, err := r.Reconcile(context.Background(), "source-1", items); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if repo.guidLookups != 1 {
			t.Errorf("GUID照合は1回行われるべき, got %d", repo.guidLookups)
		}
		if repo.linkLookups != 0 || repo.fallbackLookups != 0 {
			t.Error("GUIDがある場合は下位の照合を行ってはならない")
		}
	})

	t.Run("GUIDが無くリンクがある場合はリンク照合", func(t *testing.T) {
		repo := newMockItemRepo()
		r := newTestReconciler(repo, &mockPublisher{})

		items := []model.ParsedItem{{Title: "t", Link: "https://example.com/x"}}
		if _, err := r.Reconcile(context.Background(), "source-1", items); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if repo.linkLookups != 1 || repo.guidLookups != 0 {
			t.Errorf("リンク照合のみ行われるべき: guid=%d link=%d", repo.guidLookups, repo.linkLookups)
		}
	})

	t.Run("識別子が無い場合はフォールバックキー照合", func(t *testing.T) {
		repo := newMockItemRepo()
		r := newTestReconciler(repo, &mockPublisher{})

		items := []model.ParsedItem{{Title: "タイトルのみ"}}
		if _, err := r.Reconcile(context.Background(), "source-1", items); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if repo.fallbackLookups != 1 {
			t.Errorf("フォールバックキー照合が行われるべき, got %d", repo.fallbackLookups)
		}
	})
}

func TestReconcile_FallbackKeyIsDeterministic(t *testing.T) {
	published := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	key1 := computeFallbackKey("同じタイトル", &published)
	key2 := computeFallbackKey("同じタイトル", &published)
	if key1 != key2 {
		t.Error("同一入力からは同一のフォールバックキーが導出されるべき")
	}

	other := computeFallbackKey("別のタイトル", &published)
	if key1 == other {
		t.Error("異なるタイトルからは異なるキーが導出されるべき")
	}
}

func TestReconcile_FindErrorAbortsCycle(t *testing.T) {
	repo := newMockItemRepo()
	repo.findErr = errors.New("db down")
	r := newTestReconciler(repo, &mockPublisher{})

	items := []model.ParsedItem{{GUID: "g", Title: "t"}}
	if _, err := r.Reconcile(context.Background(), "source-1", items); err == nil {
		t.Fatal("照合エラーは呼び出し元へ返されるべき")
	}
}

func TestReconcile_EmptyInput(t *testing.T) {
	repo := newMockItemRepo()
	r := newTestReconciler(repo, &mockPublisher{})

	result, err := r.Reconcile(context.Background(), "source-1", nil)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff(Result{}, result); diff != "" {
		t.Errorf("空入力は空の結果を返すべき (-want +got):\n%s", diff)
	}
}
