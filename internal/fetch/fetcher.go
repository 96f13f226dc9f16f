package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/model"
	"github.com/hitoshi/feedpull/internal/reconcile"
	"github.com/hitoshi/feedpull/internal/repository"
)

// userAgent はフェッチリクエストのUser-Agentヘッダー。
const userAgent = "feedpull/1.0 feed sync"

// ItemReconciler は観測された記事集合の照合と保存のインターフェース。
type ItemReconciler interface {
	Reconcile(ctx context.Context, sourceID string, items []model.ParsedItem) (reconcile.Result, error)
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Outcome はフェッチ1サイクル分の結果を表す。
// 分類と次回実行時刻を保持し、ワーカーがジョブ記録へ変換する。
type Outcome struct {
	Result       FetchResult
	NextRunAt    time.Time
	ErrorMessage string
	Created      int
	Updated      int
	Unchanged    int
}

// JobOutcome はフェッチ結果をジョブ実行結果へ変換する。
// 失敗とレート制限はジョブの失敗として記録され、連続失敗回数を進める。
// 延期は失敗ではない。
func (o Outcome) JobOutcome() model.JobOutcome {
	switch o.Result {
	case FetchResultFailure, FetchResultRateLimited:
		return model.FailureOutcome(o.NextRunAt, o.ErrorMessage)
	default:
		return model.SuccessOutcome(o.NextRunAt)
	}
}

// Fetcher は個別ソースのHTTPフェッチとプロトコル処理を行う。
// ETag/Last-Modifiedによる条件付きGET、ステータス分類、リダイレクトの
// 確認観測、gofeedによるパース、Reconcilerへの引き渡しまでを担当する。
// フェッチの失敗は型付きのOutcomeとして返され、エラーとして伝播するのは
// 契約違反（ソース不在等）のみ。
type Fetcher struct {
	sourceRepo  repository.SourceRepository
	reconciler  ItemReconciler
	ssrfGuard   SSRFValidator
	origins     OriginReserver
	collector   metrics.MetricsCollector
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	sourceRepo repository.SourceRepository,
	reconciler ItemReconciler,
	ssrfGuard SSRFValidator,
	origins OriginReserver,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		sourceRepo:  sourceRepo,
		reconciler:  reconciler,
		ssrfGuard:   ssrfGuard,
		origins:     origins,
		collector:   collector,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Fetch はソースを1サイクル分フェッチする。
// sourceIDが存在しない場合のみエラーを返す。それ以外の結果は
// 全てOutcomeに分類される。
func (f *Fetcher) Fetch(ctx context.Context, sourceID string) (Outcome, error) {
	source, err := f.sourceRepo.FindByID(ctx, sourceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	if source == nil {
		return Outcome{}, model.NewSourceNotFoundError(sourceID)
	}

	start := time.Now()
	outcome := f.fetchSource(ctx, source)
	duration := time.Since(start)

	f.collector.RecordFetchOutcome(outcome.Result.String())
	f.collector.RecordFetchLatency(duration)

	f.logger.Info("フェッチサイクルが完了しました",
		slog.String("source_id", source.ID),
		slog.String("feed_url", source.FeedURL),
		slog.String("result", outcome.Result.String()),
		slog.Time("next_run_at", outcome.NextRunAt),
		slog.Int("items_created", outcome.Created),
		slog.Int("items_updated", outcome.Updated),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return outcome, nil
}

// fetchSource はフェッチの本体。プロトコル状態機械を1サイクル実行する。
func (f *Fetcher) fetchSource(ctx context.Context, source *model.Source) Outcome {
	if err := f.ssrfGuard.ValidateURL(source.FeedURL); err != nil {
		return f.fail(ctx, source, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
	}

	allowed, err := f.origins.Acquire(ctx, source.FeedURL)
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("オリジン予約失敗: %s", err.Error()))
	}
	if !allowed {
		// レート制限による延期。失敗ではなく、ソース状態にも触れない。
		f.collector.RecordOriginThrottled()
		return Outcome{
			Result:    FetchResultDeferred,
			NextRunAt: time.Now().Add(minScheduleInterval),
		}
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout)
	resp, err := f.doRequest(ctx, client, source)
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
	}
	defer resp.Body.Close()

	f.collector.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultNotModified:
		return f.handleNotModified(ctx, source, resp)
	case FetchResultPermanentRedirect:
		return f.handlePermanentRedirect(ctx, source, resp)
	case FetchResultRateLimited:
		return f.handleRateLimited(ctx, source, resp)
	case FetchResultOK:
		return f.handleOK(ctx, source, resp)
	default:
		return f.fail(ctx, source, fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}
}

// doRequest は条件付きGETを実行する。一時的リダイレクト（302/303/307）は
// 当該サイクルに限り追従し、リダイレクト先URLは永続化しない。
// 301はここでは追従せず、呼び出し元の確認観測ロジックに委ねる。
func (f *Fetcher) doRequest(ctx context.Context, client *http.Client, source *model.Source) (*http.Response, error) {
	requestURL := source.FeedURL

	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
		}

		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
		if source.ETag != "" {
			req.Header.Set("If-None-Match", source.ETag)
		}
		if source.LastModified != "" {
			req.Header.Set("If-Modified-Since", source.LastModified)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}

		if ClassifyHTTPStatus(resp.StatusCode) != FetchResultTemporaryRedirect {
			return resp, nil
		}

		location, err := resp.Location()
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("リダイレクト先の解決に失敗しました: %w", err)
		}
		if hop >= maxRedirectHops {
			return nil, fmt.Errorf("一時的リダイレクトが%d回を超えました", maxRedirectHops)
		}
		if err := f.ssrfGuard.ValidateURL(location.String()); err != nil {
			return nil, fmt.Errorf("リダイレクト先のSSRF検証に失敗しました: %w", err)
		}
		requestURL = location.String()
	}
}

// handleNotModified は304を処理する。コンテンツ処理は行わず、
// 失敗カウントをリセットして次回実行をスケジュールする。
// 変化の無いサイクルとして学習済み間隔を伸ばす。
func (f *Fetcher) handleNotModified(ctx context.Context, source *model.Source, resp *http.Response) Outcome {
	// 非301サイクルはリダイレクトの連続観測を中断する
	source.ObserveRedirect("")
	learned := AdaptInterval(learnedInterval(source), false)
	source.FetchIntervalSeconds = int(learned / time.Second)
	applyFetchSuccess(source)

	f.updateSource(ctx, source)

	return Outcome{
		Result:    FetchResultNotModified,
		NextRunAt: time.Now().Add(NextInterval(resp.Header, learned)),
	}
}

// handlePermanentRedirect は301/308を処理する。
// リダイレクト先を候補として記録し、連続3回同一の観測で正式採用する。
// 採用後は次サイクルから新URLをフェッチする。採用前は旧URLを
// フェッチし続け、観測回数を進める。
func (f *Fetcher) handlePermanentRedirect(ctx context.Context, source *model.Source, resp *http.Response) Outcome {
	location, err := resp.Location()
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("301リダイレクト先の解決に失敗しました: %s", err.Error()))
	}

	target := location.String()
	if err := f.ssrfGuard.ValidateURL(target); err != nil {
		return f.fail(ctx, source, fmt.Sprintf("リダイレクト先のSSRF検証に失敗しました: %s", err.Error()))
	}

	adopted := source.ObserveRedirect(target)
	applyFetchSuccess(source)
	f.updateSource(ctx, source)

	if adopted {
		f.logger.Info("恒久的リダイレクトを正式採用しました",
			slog.String("source_id", source.ID),
			slog.String("new_feed_url", source.FeedURL),
		)
	} else {
		f.logger.Info("恒久的リダイレクトを観測しました",
			slog.String("source_id", source.ID),
			slog.String("candidate_url", target),
			slog.Int("seen_count", source.RedirectSeen),
		)
	}

	// 採用直後は早めに新URLをフェッチする
	interval := ClampInterval(learnedInterval(source))
	if adopted {
		interval = minScheduleInterval
	}
	return Outcome{
		Result:    FetchResultPermanentRedirect,
		NextRunAt: time.Now().Add(interval),
	}
}

// handleRateLimited は429を処理する。Retry-Afterが妥当なら従い、
// 無ければ指数バックオフを適用する。
func (f *Fetcher) handleRateLimited(ctx context.Context, source *model.Source, resp *http.Response) Outcome {
	source.ObserveRedirect("")
	source.ConsecutiveFailures++
	source.LastError = "HTTPステータス 429"

	delay, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	if !ok {
		delay = CalculateBackoff(source.ConsecutiveFailures - 1)
	}

	f.updateSource(ctx, source)

	return Outcome{
		Result:       FetchResultRateLimited,
		NextRunAt:    time.Now().Add(delay),
		ErrorMessage: source.LastError,
	}
}

// handleOK は200を処理する。ボディの読み取り、キャッシュバリデータの保存、
// パース、リコンシリエーション、メタデータ更新、間隔の適応学習を行う。
func (f *Fetcher) handleOK(ctx context.Context, source *model.Source, resp *http.Response) Outcome {
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("レスポンス読み取り失敗: %s", err.Error()))
	}

	parser := gofeed.NewParser()
	parsedFeed, err := parser.ParseString(string(body))
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("フィードのパースに失敗しました: %s", err.Error()))
	}

	// ソースメタデータの更新
	if parsedFeed.Title != "" {
		source.Title = parsedFeed.Title
	}
	if parsedFeed.Link != "" {
		source.SiteURL = parsedFeed.Link
	}

	parsedItems := convertGofeedItems(parsedFeed.Items)

	result, err := f.reconciler.Reconcile(ctx, source.ID, parsedItems)
	if err != nil {
		return f.fail(ctx, source, fmt.Sprintf("記事の照合に失敗しました: %s", err.Error()))
	}

	f.collector.RecordItemsCreated(result.Created)
	f.collector.RecordItemsUpdated(result.Updated)

	// キャッシュバリデータはリコンシリエーション成功後にのみ保存する。
	// パースや照合が失敗したサイクルで保存すると、次回の条件付きGETが
	// 304となり、未処理のコンテンツが再試行されないまま失われる。
	if etag := resp.Header.Get("ETag"); etag != "" {
		source.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		source.LastModified = lastMod
	}

	// 非301レスポンスで候補追跡をリセットし、学習済み間隔を調整する
	source.ObserveRedirect("")
	learned := AdaptInterval(learnedInterval(source), result.Created > 0)
	source.FetchIntervalSeconds = int(learned / time.Second)
	applyFetchSuccess(source)

	f.updateSource(ctx, source)

	return Outcome{
		Result:    FetchResultOK,
		NextRunAt: time.Now().Add(NextInterval(resp.Header, learned)),
		Created:   result.Created,
		Updated:   result.Updated,
		Unchanged: result.Unchanged,
	}
}

// fail は失敗サイクルを記録し、バックオフ付きのOutcomeを返す。
func (f *Fetcher) fail(ctx context.Context, source *model.Source, reason string) Outcome {
	// 失敗サイクルもリダイレクトの連続観測を中断する
	source.ObserveRedirect("")
	source.ConsecutiveFailures++
	source.LastError = reason
	delay := CalculateBackoff(source.ConsecutiveFailures - 1)

	f.logger.Warn("フェッチに失敗しました",
		slog.String("source_id", source.ID),
		slog.String("feed_url", source.FeedURL),
		slog.String("reason", reason),
		slog.Int("consecutive_failures", source.ConsecutiveFailures),
	)

	f.updateSource(ctx, source)

	return Outcome{
		Result:       FetchResultFailure,
		NextRunAt:    time.Now().Add(delay),
		ErrorMessage: reason,
	}
}

// updateSource はソース状態の書き戻しを行う。書き戻し失敗はログのみ。
// スケジュールの権威はジョブ行であり、ソース状態は診断用途のため
// 1回分の欠落は許容する。
func (f *Fetcher) updateSource(ctx context.Context, source *model.Source) {
	if err := f.sourceRepo.UpdateFetchState(ctx, source); err != nil {
		f.logger.Error("ソース状態の更新に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("error", err.Error()),
		)
	}
}

// applyFetchSuccess は成功サイクル共通のソース状態リセットを適用する。
func applyFetchSuccess(source *model.Source) {
	now := time.Now()
	source.ConsecutiveFailures = 0
	source.LastError = ""
	source.LastFetchedAt = &now
}

// learnedInterval はソースの学習済みフェッチ間隔を返す。未学習の場合は0。
func learnedInterval(source *model.Source) time.Duration {
	return time.Duration(source.FetchIntervalSeconds) * time.Second
}

// convertGofeedItems はgofeedの記事をmodel.ParsedItemに変換する。
func convertGofeedItems(items []*gofeed.Item) []model.ParsedItem {
	parsedItems := make([]model.ParsedItem, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		parsed := model.ParsedItem{
			GUID:    item.GUID,
			Title:   item.Title,
			Link:    item.Link,
			Content: item.Content,
			Summary: item.Description,
		}

		if item.Author != nil {
			parsed.Author = item.Author.Name
		}
		if parsed.Author == "" && len(item.Authors) > 0 && item.Authors[0] != nil {
			parsed.Author = item.Authors[0].Name
		}

		if item.PublishedParsed != nil {
			t := *item.PublishedParsed
			parsed.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := *item.UpdatedParsed
			parsed.PublishedAt = &t
		}

		// Contentが空の場合はDescriptionを使用
		if parsed.Content == "" && item.Description != "" {
			parsed.Content = item.Description
		}

		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if parsed.Link == "" && parsed.GUID != "" &&
			(strings.HasPrefix(parsed.GUID, "http://") || strings.HasPrefix(parsed.GUID, "https://")) {
			parsed.Link = parsed.GUID
		}

		parsedItems = append(parsedItems, parsed)
	}

	return parsedItems
}
