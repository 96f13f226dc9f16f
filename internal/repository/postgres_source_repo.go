package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedpull/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソースリポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, feed_url, site_url, title, etag, last_modified,
	        redirect_target, redirect_seen, fetch_interval_seconds,
	        consecutive_failures, last_error, last_fetched_at, created_at, updated_at`

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}

	return source, nil
}

// FindByFeedURL はフィードURLでソースを検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByFeedURL(ctx context.Context, feedURL string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE feed_url = $1`, feedURL,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードURLによるソースの検索に失敗しました: %w", err)
	}

	return source, nil
}

// Create はソースを作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (id, feed_url, site_url, title, etag, last_modified,
		                      redirect_target, redirect_seen, fetch_interval_seconds,
		                      consecutive_failures, last_error, last_fetched_at,
		                      created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		source.ID, source.FeedURL, nullString(source.SiteURL), source.Title,
		nullString(source.ETag), nullString(source.LastModified),
		nullString(source.RedirectTarget), source.RedirectSeen,
		source.FetchIntervalSeconds, source.ConsecutiveFailures,
		nullString(source.LastError), nullTime(source.LastFetchedAt),
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateFetchState はフェッチ結果に伴うソース状態を一括で書き戻す。
func (r *PostgresSourceRepo) UpdateFetchState(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET
		    feed_url = $2,
		    site_url = $3,
		    title = $4,
		    etag = $5,
		    last_modified = $6,
		    redirect_target = $7,
		    redirect_seen = $8,
		    fetch_interval_seconds = $9,
		    consecutive_failures = $10,
		    last_error = $11,
		    last_fetched_at = $12,
		    updated_at = now()
		 WHERE id = $1`,
		source.ID, source.FeedURL, nullString(source.SiteURL), source.Title,
		nullString(source.ETag), nullString(source.LastModified),
		nullString(source.RedirectTarget), source.RedirectSeen,
		source.FetchIntervalSeconds, source.ConsecutiveFailures,
		nullString(source.LastError), nullTime(source.LastFetchedAt),
	)
	if err != nil {
		return fmt.Errorf("ソースのフェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// scanSource は1行分のソースをスキャンする。
func scanSource(row *sql.Row) (*model.Source, error) {
	source := &model.Source{}
	var siteURL, etag, lastModified, redirectTarget, lastError sql.NullString
	var lastFetchedAt sql.NullTime

	err := row.Scan(
		&source.ID, &source.FeedURL, &siteURL, &source.Title,
		&etag, &lastModified, &redirectTarget, &source.RedirectSeen,
		&source.FetchIntervalSeconds, &source.ConsecutiveFailures,
		&lastError, &lastFetchedAt, &source.CreatedAt, &source.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	source.SiteURL = nullStringValue(siteURL)
	source.ETag = nullStringValue(etag)
	source.LastModified = nullStringValue(lastModified)
	source.RedirectTarget = nullStringValue(redirectTarget)
	source.LastError = nullStringValue(lastError)
	if lastFetchedAt.Valid {
		source.LastFetchedAt = &lastFetchedAt.Time
	}

	return source, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
