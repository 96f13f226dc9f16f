package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/feedpull/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

const itemColumns = `id, source_id, guid, title, link, content, summary, author,
	        published_at, fallback_key, fingerprint, version, first_seen_at, updated_at`

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindBySourceAndGUID はsource_idとguidで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source_id = $1 AND guid = $2`,
		sourceID, guid,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GUIDによる記事の検索に失敗しました: %w", err)
	}
	return item, nil
}

// FindBySourceAndLink はsource_idとlinkで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE source_id = $1 AND link = $2
		 ORDER BY first_seen_at ASC LIMIT 1`,
		sourceID, link,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リンクによる記事の検索に失敗しました: %w", err)
	}
	return item, nil
}

// FindBySourceAndFallbackKey はsource_idとfallback_keyで記事を検索する。
// 見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindBySourceAndFallbackKey(ctx context.Context, sourceID, key string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE source_id = $1 AND fallback_key = $2
		 ORDER BY first_seen_at ASC LIMIT 1`,
		sourceID, key,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フォールバックキーによる記事の検索に失敗しました: %w", err)
	}
	return item, nil
}

// Create は新規記事をversion=1で作成する。
func (r *PostgresItemRepo) Create(ctx context.Context, item *model.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, source_id, guid, title, link, content, summary, author,
		                    published_at, fallback_key, fingerprint, version,
		                    first_seen_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		item.ID, item.SourceID, nullString(item.GUID), item.Title,
		nullString(item.Link), item.Content, item.Summary, item.Author,
		nullTime(item.PublishedAt), item.FallbackKey, item.Fingerprint,
		item.Version, item.FirstSeenAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return nil
}

// ArchiveAndUpdate は変更前の内容をitem_versionsへアーカイブし、
// 記事本体を新しい内容とversion+1で更新する。
// 同一トランザクションで実行されるため、アーカイブの無い上書きは起こらない。
// WHERE version = 変更前version の楽観ロックにより、staleクレームからの
// 重複実行でも二重アーカイブは発生しない。
func (r *PostgresItemRepo) ArchiveAndUpdate(ctx context.Context, prior *model.Item, updated *model.Item) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE items SET
		    guid = $2, title = $3, link = $4, content = $5, summary = $6,
		    author = $7, published_at = $8, fallback_key = $9,
		    fingerprint = $10, version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $11`,
		prior.ID, nullString(updated.GUID), updated.Title, nullString(updated.Link),
		updated.Content, updated.Summary, updated.Author,
		nullTime(updated.PublishedAt), updated.FallbackKey,
		updated.Fingerprint, prior.Version,
	)
	if err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		// 並行するリコンシリエーションが先に更新済み。リコンシリエーションは
		// 冪等なので、この回の変更は破棄してよい
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO item_versions (id, item_id, version, title, content, summary, fingerprint, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		uuid.New().String(), prior.ID, prior.Version,
		prior.Title, prior.Content, prior.Summary, prior.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("バージョンレコードのアーカイブに失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListVersions は記事のバージョンレコードをversion昇順で返す。
func (r *PostgresItemRepo) ListVersions(ctx context.Context, itemID string) ([]*model.ItemVersion, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, item_id, version, title, content, summary, fingerprint, archived_at
		 FROM item_versions WHERE item_id = $1 ORDER BY version ASC`,
		itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("バージョンレコードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var versions []*model.ItemVersion
	for rows.Next() {
		v := &model.ItemVersion{}
		if err := rows.Scan(
			&v.ID, &v.ItemID, &v.Version,
			&v.Title, &v.Content, &v.Summary, &v.Fingerprint, &v.ArchivedAt,
		); err != nil {
			return nil, fmt.Errorf("バージョンレコードの読み取りに失敗しました: %w", err)
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("バージョンレコードの走査に失敗しました: %w", err)
	}

	return versions, nil
}

// DeleteVersionsBefore は指定時刻より前にアーカイブされた
// バージョンレコードを削除し、削除件数を返す。記事本体は削除しない。
func (r *PostgresItemRepo) DeleteVersionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM item_versions WHERE archived_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("バージョンレコードの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// scanItem は1行分の記事をスキャンする。
func scanItem(row *sql.Row) (*model.Item, error) {
	item := &model.Item{}
	var guid, link sql.NullString
	var publishedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.SourceID, &guid, &item.Title, &link,
		&item.Content, &item.Summary, &item.Author,
		&publishedAt, &item.FallbackKey, &item.Fingerprint,
		&item.Version, &item.FirstSeenAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.GUID = nullStringValue(guid)
	item.Link = nullStringValue(link)
	if publishedAt.Valid {
		item.PublishedAt = &publishedAt.Time
	}

	return item, nil
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
