// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpull/internal/bus"
	"github.com/hitoshi/feedpull/internal/config"
	"github.com/hitoshi/feedpull/internal/database"
	"github.com/hitoshi/feedpull/internal/fetch"
	"github.com/hitoshi/feedpull/internal/logger"
	"github.com/hitoshi/feedpull/internal/metrics"
	"github.com/hitoshi/feedpull/internal/reconcile"
	"github.com/hitoshi/feedpull/internal/repository"
	"github.com/hitoshi/feedpull/internal/security"
	"github.com/hitoshi/feedpull/internal/worker"
	"github.com/hitoshi/feedpull/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		// 設定が読めなくてもログは出せるようにしておく
		logger.SetupDefault(w, slog.LevelInfo)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runWorker(cfg)
	}
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングしてワーカープール、
// クリーンアップジョブ、運用エンドポイントを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	jobRepo := repository.NewPostgresJobRepo(db)
	sourceRepo := repository.NewPostgresSourceRepo(db)
	itemRepo := repository.NewPostgresItemRepo(db)
	originRepo := repository.NewPostgresOriginLockRepo(db)

	// 3. メトリクスとイベントバスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	publisher := bus.NewPostgresBus(db)

	// 4. フェッチパイプラインの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	reconciler := reconcile.NewReconciler(itemRepo, sanitizer, publisher, slog.Default())
	originLimiter := fetch.NewOriginLimiter(originRepo, cfg.OriginMinInterval)

	fetcher := fetch.NewFetcher(
		sourceRepo, reconciler, ssrfGuard, originLimiter,
		collector, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)

	// 5. ワーカープールの初期化
	pool := worker.NewPool(
		jobRepo, fetcher, collector, slog.Default(),
		cfg.WorkerConcurrency, cfg.PollInterval, cfg.ClaimStaleAfter,
	)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewJob(itemRepo, originRepo, slog.Default(), cfg.VersionRetentionDays)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 7. 運用エンドポイントの起動
	opsServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      NewOpsRouter(db, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("ops server starting", slog.String("addr", opsServer.Addr))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server listen error", slog.String("error", err.Error()))
		}
	}()

	// 8. クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
		cleanupJob.Start(ctx, 24*time.Hour)
	}()

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("poll_interval", cfg.PollInterval),
	)

	// ワーカープールをメインgoroutineで実行（ブロッキング）
	pool.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
