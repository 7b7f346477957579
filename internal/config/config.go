package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 疲弊判定の閾値やクールダウンなどの既定値は経験的な初期値であり、
// 契約値ではないためすべて環境変数で調整可能にしている。
type Config struct {
	// Database
	DatabaseURL string

	// Content Platform（コンテンツプラットフォームAPI）
	PlatformBaseURL     string
	PlatformAPIKey      string
	PlatformRateLimit   float64 // 外部呼び出しのレート上限（req/sec）
	PlatformBurst       int
	PlatformAPIInterval time.Duration // 計測ポーリングの呼び出し間隔
	PlatformMaxCalls    int           // 1サイクルあたりの計測API呼び出し上限

	// Generative Provider（生成プロバイダーAPI）
	ProviderBaseURL   string
	ProviderAPIKey    string
	ProviderModel     string
	ProviderRateLimit float64
	ProviderBurst     int

	// Evaluation（パフォーマンスループ）
	EvalInterval      time.Duration // 評価サイクルの実行間隔
	EvalMaxConcurrent int           // トリガー実行の最大並列数
	TriggersPerCycle  int           // 1サイクルで作成するトリガー数の上限
	FatigueThreshold  float64       // 減衰率がこの値を下回ると疲弊と判定
	MinExposureWindow time.Duration // 疲弊判定に必要な最低露出期間
	SnapshotWindow    int           // アイテムごとに保持するスナップショット数
	RollingWindow     int           // 減衰率計算に使用する直近スナップショット数
	TriggerCooldown   time.Duration // 終了トリガー後の再トリガー禁止期間
	BoostBudget       int           // ブースト実行時の予算（プラットフォーム通貨の最小単位）

	// Retry / Backoff
	RetryMaxAttempts int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	CallTimeout      time.Duration // 外部呼び出し1回あたりのタイムアウト

	// Retention
	SnapshotRetentionDays int

	// Rate Limit（APIサーバー側）
	RateLimitGeneral    int // API全般（req/min/クライアント）
	RateLimitTriggerRun int // 手動評価サイクル実行（req/min/クライアント）

	// Server
	ServerPort        string
	MetricsPort       string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.PlatformBaseURL = os.Getenv("PLATFORM_BASE_URL")
	if cfg.PlatformBaseURL == "" {
		missing = append(missing, "PLATFORM_BASE_URL")
	}

	cfg.ProviderBaseURL = os.Getenv("PROVIDER_BASE_URL")
	if cfg.ProviderBaseURL == "" {
		missing = append(missing, "PROVIDER_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.PlatformAPIKey = getEnvString("PLATFORM_API_KEY", "")
	cfg.PlatformRateLimit = getEnvFloat("PLATFORM_RATE_LIMIT", 5.0)
	cfg.PlatformBurst = getEnvInt("PLATFORM_BURST", 5)
	cfg.PlatformAPIInterval = getEnvDuration("PLATFORM_API_INTERVAL", 1*time.Second)
	cfg.PlatformMaxCalls = getEnvInt("PLATFORM_MAX_CALLS_PER_CYCLE", 100)

	cfg.ProviderAPIKey = getEnvString("PROVIDER_API_KEY", "")
	cfg.ProviderModel = getEnvString("PROVIDER_MODEL", "gpt-4o-mini")
	cfg.ProviderRateLimit = getEnvFloat("PROVIDER_RATE_LIMIT", 1.0)
	cfg.ProviderBurst = getEnvInt("PROVIDER_BURST", 2)

	cfg.EvalInterval = getEnvDuration("EVAL_INTERVAL", 15*time.Minute)
	cfg.EvalMaxConcurrent = getEnvInt("EVAL_MAX_CONCURRENT", 5)
	cfg.TriggersPerCycle = getEnvInt("TRIGGERS_PER_CYCLE", 5)
	cfg.FatigueThreshold = getEnvFloat("FATIGUE_THRESHOLD", 0.6)
	cfg.MinExposureWindow = getEnvDuration("MIN_EXPOSURE_WINDOW", 24*time.Hour)
	cfg.SnapshotWindow = getEnvInt("SNAPSHOT_WINDOW", 30)
	cfg.RollingWindow = getEnvInt("ROLLING_WINDOW", 7)
	cfg.TriggerCooldown = getEnvDuration("TRIGGER_COOLDOWN", 6*time.Hour)
	cfg.BoostBudget = getEnvInt("BOOST_BUDGET", 1000)

	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.BackoffBase = getEnvDuration("BACKOFF_BASE", 2*time.Second)
	cfg.BackoffCap = getEnvDuration("BACKOFF_CAP", 60*time.Second)
	cfg.CallTimeout = getEnvDuration("CALL_TIMEOUT", 30*time.Second)

	cfg.SnapshotRetentionDays = getEnvInt("SNAPSHOT_RETENTION_DAYS", 90)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTriggerRun = getEnvInt("RATE_LIMIT_TRIGGER_RUN", 10)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
