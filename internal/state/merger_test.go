package state

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/model"
)

// mockItemRepo は記事の存在確認のみを行うテスト用モック。
type mockItemRepo struct {
	items map[string]*model.Item
}

func (m *mockItemRepo) FindByID(_ context.Context, id string) (*model.Item, error) {
	return m.items[id], nil
}

func (m *mockItemRepo) FindBySourceAndGUID(_ context.Context, _, _ string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) FindBySourceAndLink(_ context.Context, _, _ string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) FindBySourceAndFallbackKey(_ context.Context, _, _ string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) Create(_ context.Context, _ *model.Item) error { return nil }

func (m *mockItemRepo) ArchiveAndUpdate(_ context.Context, _ *model.Item, _ *model.Item) error {
	return nil
}

func (m *mockItemRepo) ListVersions(_ context.Context, _ string) ([]*model.ItemVersion, error) {
	return nil, nil
}

func (m *mockItemRepo) DeleteVersionsBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// mockStateRepo はタイムスタンプゲートをメモリ上で再現するテスト用モック。
// 本物のストア実装と同じ条件（保存値が厳密に古い場合のみ書き込み）を適用する。
type mockStateRepo struct {
	states map[string]*model.UserItemState
}

func newMockStateRepo() *mockStateRepo {
	return &mockStateRepo{states: make(map[string]*model.UserItemState)}
}

func stateKey(userID, itemID string) string { return userID + "|" + itemID }

func (m *mockStateRepo) FindByUserAndItem(_ context.Context, userID, itemID string) (*model.UserItemState, error) {
	return m.states[stateKey(userID, itemID)], nil
}

func (m *mockStateRepo) Apply(_ context.Context, userID, itemID string, field model.StateField, value bool, changedAt time.Time) (*model.UserItemState, error) {
	key := stateKey(userID, itemID)
	now := time.Now()

	current, ok := m.states[key]
	if !ok {
		current = &model.UserItemState{
			UserID:           userID,
			ItemID:           itemID,
			ReadChangedAt:    now,
			StarredChangedAt: now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		switch field {
		case model.StateFieldRead:
			current.IsRead = value
			current.ReadChangedAt = changedAt
		case model.StateFieldStarred:
			current.IsStarred = value
			current.StarredChangedAt = changedAt
		}
		m.states[key] = current
	} else {
		switch field {
		case model.StateFieldRead:
			if current.ReadChangedAt.Before(changedAt) {
				current.IsRead = value
				current.ReadChangedAt = changedAt
				current.UpdatedAt = now
			}
		case model.StateFieldStarred:
			if current.StarredChangedAt.Before(changedAt) {
				current.IsStarred = value
				current.StarredChangedAt = changedAt
				current.UpdatedAt = now
			}
		}
	}

	result := *current
	return &result, nil
}

func (m *mockStateRepo) ApplyBatch(ctx context.Context, userID string, field model.StateField, value bool, changes []model.StateChange) ([]*model.UserItemState, error) {
	results := make([]*model.UserItemState, 0, len(changes))
	for _, change := range changes {
		result, err := m.Apply(ctx, userID, change.ItemID, field, value, change.ChangedAt)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func newTestMerger(itemIDs ...string) (*Merger, *mockStateRepo) {
	items := make(map[string]*model.Item)
	for _, id := range itemIDs {
		items[id] = &model.Item{ID: id}
	}
	stateRepo := newMockStateRepo()
	m := NewMerger(
		&mockItemRepo{items: items},
		stateRepo,
		metrics.NewCollector(prometheus.NewRegistry()),
	)
	return m, stateRepo
}

func TestApply_CreatesStateOnFirstTouch(t *testing.T) {
	m, _ := newTestMerger("item-1")
	changedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	result, err := m.Apply(context.Background(), "user-1", "item-1", model.StateFieldRead, true, changedAt)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !result.IsRead {
		t.Error("IsReadがtrueになるべき")
	}
	if !result.ReadChangedAt.Equal(changedAt) {
		t.Errorf("ReadChangedAt = %v, want %v", result.ReadChangedAt, changedAt)
	}
	if result.IsStarred {
		t.Error("未変更フィールドはfalseで初期化されるべき")
	}
	if result.StarredChangedAt.IsZero() {
		t.Error("未変更フィールドの変更時刻は作成時刻で初期化されるべき")
	}
}

func TestApply_NewerTimestampWins(t *testing.T) {
	m, _ := newTestMerger("item-1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldRead, true, base); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	result, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldRead, false, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.IsRead {
		t.Error("より新しい変更時刻の書き込みが採用されるべき")
	}
}

func TestApply_StaleWriteIsRejectedNotError(t *testing.T) {
	m, _ := newTestMerger("item-1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldRead, true, base); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// 過去の変更時刻を持つ遅延到着の書き込み
	result, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldRead, false, base.Add(-time.Second))
	if err != nil {
		t.Fatalf("却下された書き込みはエラーにしてはならない: %v", err)
	}
	if !result.IsRead {
		t.Error("保存済みの値が維持されるべき")
	}
	if !result.ReadChangedAt.Equal(base) {
		t.Errorf("保存済みの変更時刻が維持されるべき, got %v", result.ReadChangedAt)
	}
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	m, _ := newTestMerger("item-1")
	changedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	first, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldStarred, true, changedAt)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// 同一タイムスタンプのリプレイ。ゲートは厳密な「より古い」比較なので、
	// 同時刻の再送は何も書き込まず同じ状態を返す
	second, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldStarred, true, changedAt)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if second.IsStarred != first.IsStarred || !second.StarredChangedAt.Equal(first.StarredChangedAt) {
		t.Error("リプレイは状態を変化させてはならない")
	}
}

func TestApply_FieldsAreIndependent(t *testing.T) {
	m, _ := newTestMerger("item-1")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if _, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldRead, true, base.Add(time.Hour)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// readの変更時刻が未来でもstarredのゲートには影響しない
	result, err := m.Apply(ctx, "user-1", "item-1", model.StateFieldStarred, true, base)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.IsStarred {
		t.Error("フィールドのゲートは互いに独立であるべき")
	}
	if !result.IsRead {
		t.Error("他フィールドの値は維持されるべき")
	}
}

func TestApply_ZeroChangedAtUsesNow(t *testing.T) {
	m, _ := newTestMerger("item-1")
	before := time.Now()

	result, err := m.Apply(context.Background(), "user-1", "item-1", model.StateFieldRead, true, time.Time{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.ReadChangedAt.Before(before) {
		t.Error("ゼロ値の変更時刻は現在時刻で補われるべき")
	}
}

func TestApply_UnknownItemReturnsError(t *testing.T) {
	m, _ := newTestMerger()

	_, err := m.Apply(context.Background(), "user-1", "missing", model.StateFieldRead, true, time.Now())
	if err == nil {
		t.Fatal("存在しない記事はエラーを返すべき")
	}
	coreErr, ok := err.(*model.CoreError)
	if !ok || coreErr.Code != model.ErrCodeItemNotFound {
		t.Errorf("ITEM_NOT_FOUNDエラーであるべき, got %v", err)
	}
}

func TestApply_InvalidField(t *testing.T) {
	m, _ := newTestMerger("item-1")

	_, err := m.Apply(context.Background(), "user-1", "item-1", model.StateField("archived"), true, time.Now())
	if err == nil {
		t.Fatal("未定義のフィールドはエラーを返すべき")
	}
}

func TestApplyBatch_AppliesGatePerRow(t *testing.T) {
	m, _ := newTestMerger("item-1", "item-2")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// item-2には既により新しい変更がある
	if _, err := m.Apply(ctx, "user-1", "item-2", model.StateFieldRead, false, base.Add(time.Hour)); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	changes := []model.StateChange{
		{ItemID: "item-1", ChangedAt: base},
		{ItemID: "item-2", ChangedAt: base},
	}
	results, err := m.ApplyBatch(ctx, "user-1", model.StateFieldRead, true, changes)
	if err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("要求された全記事の結果が返るべき, got %d", len(results))
	}
	if !results[0].IsRead {
		t.Error("item-1への書き込みは採用されるべき")
	}
	if results[1].IsRead {
		t.Error("item-2のより新しい保存値が維持されるべき")
	}
}

func TestApplyBatch_EmptyChanges(t *testing.T) {
	m, _ := newTestMerger()

	results, err := m.ApplyBatch(context.Background(), "user-1", model.StateFieldRead, true, nil)
	if err != nil {
		t.Fatalf("ApplyBatch() error = %v", err)
	}
	if results != nil {
		t.Errorf("空のバッチは空の結果を返すべき, got %v", results)
	}
}
