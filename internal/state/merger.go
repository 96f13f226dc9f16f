// Package state はユーザーごとの記事状態のマージ機能を提供する。
package state

import (
	"context"
	"time"

	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/model"
	"github.com/hitoshi/feedpull/internal/repository"
)

// Merger はユーザーごとの記事状態変更のタイムスタンプゲート付きマージを行う。
// 状態の書き込みは複数デバイスから重複・順序逆転して届く前提であり、
// フィールド単位の変更時刻が厳密に新しい書き込みのみが採用される。
// 却下された書き込みは正常な結果であり、エラーにはならない。
type Merger struct {
	itemRepo  repository.ItemRepository
	stateRepo repository.StateRepository
	collector metrics.MetricsCollector
}

// NewMerger はMergerの新しいインスタンスを生成する。
func NewMerger(
	itemRepo repository.ItemRepository,
	stateRepo repository.StateRepository,
	collector metrics.MetricsCollector,
) *Merger {
	return &Merger{
		itemRepo:  itemRepo,
		stateRepo: stateRepo,
		collector: collector,
	}
}

// Apply は1フィールドの状態変更をマージし、結果の現在状態を返す。
// changedAtがゼロ値の場合は現在時刻を補う。
// 記事が存在しない場合はITEM_NOT_FOUNDエラーを返す。
// 保存済みの変更時刻がchangedAtより厳密に古い場合のみ書き込まれ、
// 同時刻・未来時刻の保存値は維持される。いずれの場合も結果の状態が返る。
func (m *Merger) Apply(
	ctx context.Context,
	userID, itemID string,
	field model.StateField,
	value bool,
	changedAt time.Time,
) (*model.UserItemState, error) {
	if !field.Valid() {
		return nil, model.NewInvalidFieldError(string(field))
	}

	item, err := m.itemRepo.FindByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.NewItemNotFoundError(itemID)
	}

	if changedAt.IsZero() {
		changedAt = time.Now()
	}

	result, err := m.stateRepo.Apply(ctx, userID, itemID, field, value, changedAt)
	if err != nil {
		return nil, err
	}

	m.collector.RecordStateMerge(applied(result, field, value, changedAt))

	return result, nil
}

// ApplyBatch は同一のフィールド・値を複数記事へマージする。
// 各記事の変更時刻は個別に指定でき、ゼロ値は現在時刻で補われる。
// 個々の書き込みの成否にかかわらず、要求された全記事の結果状態を返す。
// バッチでは記事の存在確認を行わない。存在しない記事IDの行は
// ストア側の外部キー制約で弾かれる。
func (m *Merger) ApplyBatch(
	ctx context.Context,
	userID string,
	field model.StateField,
	value bool,
	changes []model.StateChange,
) ([]*model.UserItemState, error) {
	if !field.Valid() {
		return nil, model.NewInvalidFieldError(string(field))
	}
	if len(changes) == 0 {
		return nil, nil
	}

	now := time.Now()
	filled := make([]model.StateChange, len(changes))
	for i, change := range changes {
		filled[i] = change
		if filled[i].ChangedAt.IsZero() {
			filled[i].ChangedAt = now
		}
	}

	results, err := m.stateRepo.ApplyBatch(ctx, userID, field, value, filled)
	if err != nil {
		return nil, err
	}

	for i, result := range results {
		if result == nil || i >= len(filled) {
			continue
		}
		m.collector.RecordStateMerge(applied(result, field, value, filled[i].ChangedAt))
	}

	return results, nil
}

// applied は結果の状態から書き込みが採用されたかを判定する。
// 採用された書き込みは結果のフィールド値と変更時刻が要求と一致する。
func applied(result *model.UserItemState, field model.StateField, value bool, changedAt time.Time) bool {
	if result == nil {
		return false
	}
	switch field {
	case model.StateFieldRead:
		return result.IsRead == value && result.ReadChangedAt.Equal(changedAt)
	case model.StateFieldStarred:
		return result.IsStarred == value && result.StarredChangedAt.Equal(changedAt)
	default:
		return false
	}
}
