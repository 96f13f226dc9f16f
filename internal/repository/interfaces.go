// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedpull/internal/model"
)

// JobRepository はスケジュールジョブの永続化インターフェース。
// クレームとFinishはいずれも単一行の条件付き更新であり、
// ストアの行ロックのみで排他が完結する。
type JobRepository interface {
	// ClaimNext は実行期限が到来したジョブを1件クレームする。
	// enabled かつ next_run_at <= now かつ（未実行 または running_since が
	// staleAfterより古い）ジョブをnext_run_at昇順で1件選択し、選択と同一
	// ステートメントでrunning_sinceを設定する。他のクレームがロック中の行は
	// ブロックせずスキップする（FOR UPDATE SKIP LOCKED）。
	// 対象が無い場合は(nil, nil)を返す。これはエラーではない。
	ClaimNext(ctx context.Context, staleAfter time.Duration) (*model.Job, error)

	// Finish はジョブ1回分の実行結果を記録する。
	// 成功時: running_sinceとlast_errorをクリアし、consecutive_failuresを0に
	// リセット、last_run_at=now、next_run_atを設定する。
	// 失敗時: running_sinceをクリアし、last_run_at=now、バックオフ済みの
	// next_run_at、last_errorを記録し、consecutive_failuresをインクリメントする。
	// 実行中にジョブが無効化されていても結果は記録される。
	Finish(ctx context.Context, jobID string, outcome model.JobOutcome) error

	// EnsureJob は(job_type, payload)のジョブを冪等に作成・有効化する。
	// 既存行がある場合は有効化のみ行う。作成と有効化を単一ステートメントで
	// 実行し、「作成パスと有効化パスの分離」に起因する取りこぼしを排除する。
	EnsureJob(ctx context.Context, jobType model.JobType, payload string) (*model.Job, error)

	// SyncEnabled はジョブのenabledを「アクティブな購読者が1人以上存在するか」
	// と一致させ、結果の値を返す。購読リレーションへの存在副問い合わせを含む
	// 単一の条件付きUPDATEとして実行され、並行する購読・解除とレースしない。
	// 対象ジョブが存在しない場合は(false, nil)を返す。
	SyncEnabled(ctx context.Context, jobType model.JobType, payload string) (bool, error)

	// FindByTypeAndPayload は(job_type, payload)でジョブを取得する。
	// 見つからない場合はnilを返す。
	FindByTypeAndPayload(ctx context.Context, jobType model.JobType, payload string) (*model.Job, error)
}

// SourceRepository はソースデータの永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// FindByFeedURL はフィードURLでソースを検索する。見つからない場合はnilを返す。
	FindByFeedURL(ctx context.Context, feedURL string) (*model.Source, error)

	// Create はソースを作成する。
	Create(ctx context.Context, source *model.Source) error

	// UpdateFetchState はフェッチ結果に伴うソース状態を更新する。
	// etag、last_modified、リダイレクト追跡、学習済みフェッチ間隔、
	// 失敗カウント、タイトル等を一括で書き戻す。
	UpdateFetchState(ctx context.Context, source *model.Source) error
}

// ItemRepository は記事データの永続化インターフェース。
// 記事の同一性判定（3段階の優先順位）とバージョンアーカイブを提供する。
type ItemRepository interface {
	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// FindBySourceAndGUID はsource_idとguidで記事を検索する。
	// 同一性判定の最優先手段。見つからない場合はnilを返す。
	FindBySourceAndGUID(ctx context.Context, sourceID, guid string) (*model.Item, error)

	// FindBySourceAndLink はsource_idとlinkで記事を検索する。
	// 同一性判定の第2優先手段。見つからない場合はnilを返す。
	FindBySourceAndLink(ctx context.Context, sourceID, link string) (*model.Item, error)

	// FindBySourceAndFallbackKey はsource_idとfallback_keyで記事を検索する。
	// GUIDもリンクも無い記事のためのベストエフォートな第3優先手段。
	// 見つからない場合はnilを返す。
	FindBySourceAndFallbackKey(ctx context.Context, sourceID, key string) (*model.Item, error)

	// Create は新規記事をversion=1で作成する。
	Create(ctx context.Context, item *model.Item) error

	// ArchiveAndUpdate は変更前の内容をitem_versionsへアーカイブし、
	// 記事本体を新しい内容とversion+1で更新する。同一トランザクションで
	// 実行され、アーカイブ無しの上書きは起こらない。
	ArchiveAndUpdate(ctx context.Context, prior *model.Item, updated *model.Item) error

	// ListVersions は記事のバージョンレコードをversion昇順で返す。
	ListVersions(ctx context.Context, itemID string) ([]*model.ItemVersion, error)

	// DeleteVersionsBefore は指定時刻より前にアーカイブされた
	// バージョンレコードを削除し、削除件数を返す。記事本体は削除しない。
	DeleteVersionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StateRepository はユーザーごとの記事状態の永続化インターフェース。
// 全ての書き込みはフィールド単位の変更時刻でゲートされる。
type StateRepository interface {
	// FindByUserAndItem はユーザーIDと記事IDで状態を取得する。見つからない場合はnilを返す。
	FindByUserAndItem(ctx context.Context, userID, itemID string) (*model.UserItemState, error)

	// Apply は1フィールドの状態変更をタイムスタンプゲート付きで適用し、
	// 適用の成否にかかわらず結果の現在状態を返す。
	// 保存済みのfield_changed_atがchangedAtより厳密に古い場合のみ書き込む。
	// 行が存在しない場合は遅延作成し、未変更フィールドの変更時刻は作成時刻で
	// 初期化する。却下された書き込みはエラーではない。
	Apply(ctx context.Context, userID, itemID string, field model.StateField, value bool, changedAt time.Time) (*model.UserItemState, error)

	// ApplyBatch は同一のフィールド・値を複数記事に適用する。
	// 各行に同じ条件付き更新規則を適用し、個々の書き込みの成否にかかわらず
	// 要求された全記事の結果状態を返す。
	ApplyBatch(ctx context.Context, userID string, field model.StateField, value bool, changes []model.StateChange) ([]*model.UserItemState, error)
}

// SubscriptionRepository は購読リレーションへのアクセスインターフェース。
// 購読の所有者は外部のAPI層であり、コアは存在チェックと
// テスト・ワイヤリング用の最小限の操作のみ提供する。
type SubscriptionRepository interface {
	// HasActiveSubscriber はソースにアクティブな購読者が存在するかを返す。
	HasActiveSubscriber(ctx context.Context, sourceID string) (bool, error)

	// Create は購読を作成する。既存の(user_id, source_id)がある場合は
	// activeをtrueに戻す。
	Create(ctx context.Context, sub *model.Subscription) error

	// SetActive は購読のactiveフラグを更新する。
	SetActive(ctx context.Context, userID, sourceID string, active bool) error
}

// OriginLockRepository はオリジン単位のアウトバウンドレート制限の
// 共有状態へのアクセスインターフェース。全ワーカープロセスから
// 同一のテーブルが参照されるため、プロセスローカルな制限では
// 防げないバーストをストア側で抑止する。
type OriginLockRepository interface {
	// Reserve はオリジンへの送信枠を1つ予約する。
	// next_allowed_atが到来している場合のみ条件付きUPDATEで枠を消費し
	// trueを返す。到来していない場合はfalseを返し、状態は変更しない。
	Reserve(ctx context.Context, origin string, minInterval time.Duration) (bool, error)

	// DeleteStale は長期間更新されていないオリジン行を削除し、削除件数を返す。
	DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
