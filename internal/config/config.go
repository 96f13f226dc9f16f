// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Worker
	WorkerConcurrency int
	PollInterval      time.Duration

	// Claim
	ClaimStaleAfter time.Duration // この時間を超えてrunningのままのジョブは放棄とみなす

	// Origin rate limit
	OriginMinInterval time.Duration // 同一オリジンへの最小リクエスト間隔

	// Retention
	VersionRetentionDays int

	// Ops server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable is not set: DATABASE_URL")
	}

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", 10)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 5*time.Second)
	cfg.ClaimStaleAfter = getEnvDuration("CLAIM_STALE_AFTER", 5*time.Minute)
	cfg.OriginMinInterval = getEnvDuration("ORIGIN_MIN_INTERVAL", time.Second)
	cfg.VersionRetentionDays = getEnvInt("VERSION_RETENTION_DAYS", 180)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	// クレームのstaleness閾値はフェッチの最大所要時間を必ず上回ること。
	// 下回ると実行中のジョブが二重クレームされうる。
	if cfg.ClaimStaleAfter <= cfg.FetchTimeout {
		return nil, fmt.Errorf("CLAIM_STALE_AFTER (%s) must exceed FETCH_TIMEOUT (%s)",
			cfg.ClaimStaleAfter, cfg.FetchTimeout)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
