package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/feedpull/internal/model"
)

// PostgresStateRepo はPostgreSQLを使用した記事状態リポジトリ。
// 全ての書き込みはフィールド単位の変更時刻でゲートされた
// 条件付きUPSERTであり、重複・順序逆転したミューテーションが収束する。
type PostgresStateRepo struct {
	db *sql.DB
}

// NewPostgresStateRepo はPostgresStateRepoを生成する。
func NewPostgresStateRepo(db *sql.DB) *PostgresStateRepo {
	return &PostgresStateRepo{db: db}
}

const stateColumns = `user_id, item_id, is_read, read_changed_at,
	        is_starred, starred_changed_at, created_at, updated_at`

// タイムスタンプゲート付きUPSERT。
// 新規行: 変更対象フィールドに(value, changedAt)を設定し、
// 未変更フィールドの変更時刻は作成時刻（now）で初期化する。
// 既存行: 保存済みの変更時刻がchangedAtより厳密に古い場合のみ更新する。
// 同値・過去のタイムスタンプではWHERE句が偽となり行は一切変更されない。
const applyReadQuery = `
	INSERT INTO user_item_states
	    (user_id, item_id, is_read, read_changed_at, is_starred, starred_changed_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, false, now(), now(), now())
	ON CONFLICT (user_id, item_id) DO UPDATE SET
	    is_read = EXCLUDED.is_read,
	    read_changed_at = EXCLUDED.read_changed_at,
	    updated_at = now()
	WHERE user_item_states.read_changed_at < EXCLUDED.read_changed_at`

const applyStarredQuery = `
	INSERT INTO user_item_states
	    (user_id, item_id, is_starred, starred_changed_at, is_read, read_changed_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, false, now(), now(), now())
	ON CONFLICT (user_id, item_id) DO UPDATE SET
	    is_starred = EXCLUDED.is_starred,
	    starred_changed_at = EXCLUDED.starred_changed_at,
	    updated_at = now()
	WHERE user_item_states.starred_changed_at < EXCLUDED.starred_changed_at`

const applyReadBatchQuery = `
	INSERT INTO user_item_states
	    (user_id, item_id, is_read, read_changed_at, is_starred, starred_changed_at, created_at, updated_at)
	SELECT $1, u.item_id, $2, u.changed_at, false, now(), now(), now()
	FROM unnest($3::uuid[], $4::timestamptz[]) AS u(item_id, changed_at)
	ON CONFLICT (user_id, item_id) DO UPDATE SET
	    is_read = EXCLUDED.is_read,
	    read_changed_at = EXCLUDED.read_changed_at,
	    updated_at = now()
	WHERE user_item_states.read_changed_at < EXCLUDED.read_changed_at`

const applyStarredBatchQuery = `
	INSERT INTO user_item_states
	    (user_id, item_id, is_starred, starred_changed_at, is_read, read_changed_at, created_at, updated_at)
	SELECT $1, u.item_id, $2, u.changed_at, false, now(), now(), now()
	FROM unnest($3::uuid[], $4::timestamptz[]) AS u(item_id, changed_at)
	ON CONFLICT (user_id, item_id) DO UPDATE SET
	    is_starred = EXCLUDED.is_starred,
	    starred_changed_at = EXCLUDED.starred_changed_at,
	    updated_at = now()
	WHERE user_item_states.starred_changed_at < EXCLUDED.starred_changed_at`

// FindByUserAndItem はユーザーIDと記事IDで状態を取得する。見つからない場合はnilを返す。
func (r *PostgresStateRepo) FindByUserAndItem(ctx context.Context, userID, itemID string) (*model.UserItemState, error) {
	state := &model.UserItemState{}

	err := r.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM user_item_states WHERE user_id = $1 AND item_id = $2`,
		userID, itemID,
	).Scan(
		&state.UserID, &state.ItemID,
		&state.IsRead, &state.ReadChangedAt,
		&state.IsStarred, &state.StarredChangedAt,
		&state.CreatedAt, &state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事状態の取得に失敗しました: %w", err)
	}

	return state, nil
}

// Apply は1フィールドの状態変更をタイムスタンプゲート付きで適用する。
// 却下された書き込みは通常の結果であり、エラーにはならない。
// 戻り値は常に適用後の現在状態であり、呼び出し側は自身の書き込みが
// 成功したと仮定せず、この状態へローカルビューを合わせること。
func (r *PostgresStateRepo) Apply(ctx context.Context, userID, itemID string, field model.StateField, value bool, changedAt time.Time) (*model.UserItemState, error) {
	var query string
	switch field {
	case model.StateFieldRead:
		query = applyReadQuery
	case model.StateFieldStarred:
		query = applyStarredQuery
	default:
		return nil, model.NewInvalidFieldError(string(field))
	}

	if _, err := r.db.ExecContext(ctx, query, userID, itemID, value, changedAt); err != nil {
		return nil, fmt.Errorf("記事状態の適用に失敗しました: %w", err)
	}

	// 却下された場合も含め、必ず現在状態を読み直して返す
	state, err := r.FindByUserAndItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("適用直後の記事状態が見つかりません: user=%s item=%s", userID, itemID)
	}

	return state, nil
}

// ApplyBatch は同一のフィールド・値を複数記事にタイムスタンプゲート付きで適用する。
// unnestによる集合適用で1ラウンドトリップに収め、個々の書き込みの成否に
// かかわらず要求された全記事の結果状態を返す。
func (r *PostgresStateRepo) ApplyBatch(ctx context.Context, userID string, field model.StateField, value bool, changes []model.StateChange) ([]*model.UserItemState, error) {
	if len(changes) == 0 {
		return nil, nil
	}

	var query string
	switch field {
	case model.StateFieldRead:
		query = applyReadBatchQuery
	case model.StateFieldStarred:
		query = applyStarredBatchQuery
	default:
		return nil, model.NewInvalidFieldError(string(field))
	}

	itemIDs, changedAts := collapseChanges(changes)

	if _, err := r.db.ExecContext(ctx, query,
		userID, value, pq.Array(itemIDs), pq.Array(changedAts),
	); err != nil {
		return nil, fmt.Errorf("記事状態のバッチ適用に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM user_item_states
		 WHERE user_id = $1 AND item_id = ANY($2::uuid[])`,
		userID, pq.Array(itemIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("バッチ適用後の記事状態の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	byItem := make(map[string]*model.UserItemState, len(changes))
	for rows.Next() {
		state := &model.UserItemState{}
		if err := rows.Scan(
			&state.UserID, &state.ItemID,
			&state.IsRead, &state.ReadChangedAt,
			&state.IsStarred, &state.StarredChangedAt,
			&state.CreatedAt, &state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事状態の読み取りに失敗しました: %w", err)
		}
		byItem[state.ItemID] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事状態の走査に失敗しました: %w", err)
	}

	// 要求順を保って返す
	states := make([]*model.UserItemState, 0, len(changes))
	for _, id := range itemIDs {
		if state, ok := byItem[id]; ok {
			states = append(states, state)
		}
	}

	return states, nil
}

// collapseChanges は同一記事への重複指定を最大のchangedAtへ畳み込み、
// unnest用の並行配列を初出順で構築する。単一のINSERT ... ON CONFLICT
// DO UPDATE文は同じ行を2回変更できない（command cannot affect row a
// second time）ため、重複はSQLへ渡す前に解消する必要がある。
// ゲートは厳密な`<`比較のため、最大のchangedAtだけを適用すれば
// 個別に適用した場合と同じ行へ収束する。
func collapseChanges(changes []model.StateChange) ([]string, []time.Time) {
	latest := make(map[string]time.Time, len(changes))
	order := make([]string, 0, len(changes))

	for _, c := range changes {
		prev, seen := latest[c.ItemID]
		if !seen {
			order = append(order, c.ItemID)
			latest[c.ItemID] = c.ChangedAt
			continue
		}
		if c.ChangedAt.After(prev) {
			latest[c.ItemID] = c.ChangedAt
		}
	}

	changedAts := make([]time.Time, 0, len(order))
	for _, id := range order {
		changedAts = append(changedAts, latest[id])
	}

	return order, changedAts
}

// compile-time interface check
var _ StateRepository = (*PostgresStateRepo)(nil)
