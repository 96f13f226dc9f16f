package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/feedpull/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

const jobColumns = `id, job_type, payload, enabled, next_run_at, running_since,
	        last_run_at, last_error, consecutive_failures, created_at, updated_at`

// ClaimNext は実行期限が到来したジョブを1件クレームする。
// 選択とrunning_sinceの設定を単一ステートメントで行い、
// 他のクレームがロック中の行はFOR UPDATE SKIP LOCKEDでスキップする。
// running_sinceがstaleAfterより古いジョブは放棄とみなし再クレーム可能。
func (r *PostgresJobRepo) ClaimNext(ctx context.Context, staleAfter time.Duration) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE jobs SET running_since = now(), updated_at = now()
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE enabled
		       AND next_run_at IS NOT NULL
		       AND next_run_at <= now()
		       AND (running_since IS NULL OR running_since < now() - $1::interval)
		     ORDER BY next_run_at ASC
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+jobColumns,
		pgInterval(staleAfter),
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		// 期限到来のジョブが無いのはエラーではない
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブのクレームに失敗しました: %w", err)
	}

	return job, nil
}

// Finish はジョブ1回分の実行結果を記録する。
// 実行中にジョブが無効化されていても結果は記録される。
// enabled=falseのため次回ポーリングで再クレームされることはない。
func (r *PostgresJobRepo) Finish(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	var err error
	if outcome.Success {
		_, err = r.db.ExecContext(ctx,
			`UPDATE jobs SET
			    running_since = NULL,
			    last_run_at = now(),
			    next_run_at = $2,
			    last_error = NULL,
			    consecutive_failures = 0,
			    updated_at = now()
			 WHERE id = $1`,
			jobID, outcome.NextRunAt,
		)
	} else {
		_, err = r.db.ExecContext(ctx,
			`UPDATE jobs SET
			    running_since = NULL,
			    last_run_at = now(),
			    next_run_at = $2,
			    last_error = $3,
			    consecutive_failures = consecutive_failures + 1,
			    updated_at = now()
			 WHERE id = $1`,
			jobID, outcome.NextRunAt, outcome.ErrorMessage,
		)
	}
	if err != nil {
		return fmt.Errorf("ジョブ結果の記録に失敗しました: %w", err)
	}
	return nil
}

// EnsureJob は(job_type, payload)のジョブを冪等に作成・有効化する。
// 作成と有効化を単一のINSERT ON CONFLICTで行うため、
// 再購読時に新規作成パスと有効化パスが食い違うことはない。
func (r *PostgresJobRepo) EnsureJob(ctx context.Context, jobType model.JobType, payload string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO jobs (id, job_type, payload, enabled, next_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, true, now(), now(), now())
		 ON CONFLICT (job_type, payload) DO UPDATE SET
		     enabled = true,
		     next_run_at = COALESCE(jobs.next_run_at, now()),
		     updated_at = now()
		 RETURNING `+jobColumns,
		uuid.New().String(), jobType, payload,
	)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("ジョブの作成・有効化に失敗しました: %w", err)
	}

	return job, nil
}

// SyncEnabled はジョブのenabledを購読者の有無と一致させ、結果を返す。
// 存在副問い合わせを含む単一の条件付きUPDATEであり、
// 読み取り後書き込みのレースは構造的に発生しない。
func (r *PostgresJobRepo) SyncEnabled(ctx context.Context, jobType model.JobType, payload string) (bool, error) {
	var enabled bool
	err := r.db.QueryRowContext(ctx,
		`UPDATE jobs SET
		    enabled = EXISTS (
		        SELECT 1 FROM subscriptions s
		        WHERE s.source_id = $2::uuid AND s.active
		    ),
		    updated_at = now()
		 WHERE job_type = $1 AND payload = $2
		 RETURNING enabled`,
		jobType, payload,
	).Scan(&enabled)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ジョブ有効状態の同期に失敗しました: %w", err)
	}

	return enabled, nil
}

// FindByTypeAndPayload は(job_type, payload)でジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByTypeAndPayload(ctx context.Context, jobType model.JobType, payload string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_type = $1 AND payload = $2`,
		jobType, payload,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}

	return job, nil
}

// scanJob は1行分のジョブをスキャンする。
func scanJob(row *sql.Row) (*model.Job, error) {
	job := &model.Job{}
	var nextRunAt, runningSince, lastRunAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&job.ID, &job.Type, &job.Payload, &job.Enabled,
		&nextRunAt, &runningSince, &lastRunAt,
		&lastError, &job.ConsecutiveFailures,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	if runningSince.Valid {
		job.RunningSince = &runningSince.Time
	}
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	job.LastError = nullStringValue(lastError)

	return job, nil
}

// pgInterval はtime.DurationをPostgreSQLのinterval文字列に変換する。
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
