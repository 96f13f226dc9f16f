// Package model はドメインモデルを定義する。
package model

import "time"

// JobType はジョブのペイロード形式を判別する種別タグ。
type JobType string

const (
	// JobTypeFetchSource はソースのフェッチジョブ。ペイロードはソースID。
	JobTypeFetchSource JobType = "fetch_source"
)

// Job はスケジュール実行される永続的なバックグラウンド作業の単位を表す。
// (job_type, payload) の組につき必ず1行のみ存在し、再購読時は
// 新規作成ではなく既存行の有効化が行われる。
type Job struct {
	ID                  string
	Type                JobType
	Payload             string // 不透明なペイロード（fetch_sourceの場合はソースID）
	Enabled             bool
	NextRunAt           *time.Time
	RunningSince        *time.Time // 非nilはクレーム中を意味する
	LastRunAt           *time.Time
	LastError           string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JobOutcome はジョブ1回分の実行結果を表す。
// Finishによってジョブ行に記録される。
type JobOutcome struct {
	Success      bool
	NextRunAt    time.Time // 呼び出し側が計算した次回実行時刻
	ErrorMessage string    // 失敗時のみ設定される
}

// SuccessOutcome は成功時のJobOutcomeを生成する。
func SuccessOutcome(nextRunAt time.Time) JobOutcome {
	return JobOutcome{Success: true, NextRunAt: nextRunAt}
}

// FailureOutcome は失敗時のJobOutcomeを生成する。
func FailureOutcome(nextRunAt time.Time, message string) JobOutcome {
	return JobOutcome{Success: false, NextRunAt: nextRunAt, ErrorMessage: message}
}
