// Package app はアプリケーションの起動モード別のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/perfloop/internal/analyzer"
	"github.com/hitoshi/perfloop/internal/config"
	"github.com/hitoshi/perfloop/internal/database"
	"github.com/hitoshi/perfloop/internal/fatigue"
	"github.com/hitoshi/perfloop/internal/feedback"
	"github.com/hitoshi/perfloop/internal/genai"
	"github.com/hitoshi/perfloop/internal/handler"
	"github.com/hitoshi/perfloop/internal/ingest"
	"github.com/hitoshi/perfloop/internal/logger"
	"github.com/hitoshi/perfloop/internal/metrics"
	"github.com/hitoshi/perfloop/internal/middleware"
	"github.com/hitoshi/perfloop/internal/platform"
	"github.com/hitoshi/perfloop/internal/publish"
	"github.com/hitoshi/perfloop/internal/repository"
	"github.com/hitoshi/perfloop/internal/retry"
	"github.com/hitoshi/perfloop/internal/security"
	"github.com/hitoshi/perfloop/internal/training"
	"github.com/hitoshi/perfloop/internal/trigger"
	"github.com/hitoshi/perfloop/internal/worker/cleanup"
	"github.com/hitoshi/perfloop/internal/worker/evaluate"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// loop はパフォーマンスループのコア依存関係をまとめた構造体。
// APIサーバーモードとワーカーモードの両方で同じワイヤリングを共有する。
type loop struct {
	contentRepo  repository.ContentRepository
	snapshotRepo repository.SnapshotRepository

	ingestService   *ingest.Service
	engine          *trigger.Engine
	scheduler       *evaluate.Scheduler
	feedbackService *feedback.Service
	analyzerService *analyzer.Service
	trainingService *training.Service

	detector *fatigue.Detector
	cleanup  *cleanup.CleanupJob
	registry *prometheus.Registry
}

// buildLoop はDB接続から全ドメインサービスをワイヤリングする。
// 外向きHTTPクライアントはSSRF防止付きで構築し、ベースURLは起動時に検証する。
func buildLoop(cfg *config.Config, db *sql.DB) (*loop, error) {
	// 1. リポジトリの初期化
	contentRepo := repository.NewPostgresContentRepo(db)
	snapshotRepo := repository.NewPostgresSnapshotRepo(db)
	triggerRepo := repository.NewPostgresTriggerRepo(db)
	feedbackRepo := repository.NewPostgresFeedbackRepo(db)
	explanationRepo := repository.NewPostgresExplanationRepo(db)
	trainingRepo := repository.NewPostgresTrainingRepo(db)

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewSanitizer()

	if err := ssrfGuard.ValidateURL(cfg.PlatformBaseURL); err != nil {
		return nil, fmt.Errorf("platform base URL is not allowed: %w", err)
	}
	if err := ssrfGuard.ValidateURL(cfg.ProviderBaseURL); err != nil {
		return nil, fmt.Errorf("provider base URL is not allowed: %w", err)
	}
	safeClient := ssrfGuard.NewSafeClient(cfg.CallTimeout)

	// 3. 外部APIクライアントの初期化
	platformClient := platform.NewClient(
		safeClient, slog.Default(),
		cfg.PlatformBaseURL, cfg.PlatformAPIKey, cfg.PlatformRateLimit, cfg.PlatformBurst,
	)
	genaiClient := genai.NewClient(
		safeClient, slog.Default(),
		cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderModel,
		cfg.ProviderRateLimit, cfg.ProviderBurst,
	)

	// 4. 取り込みと評価の初期化
	ingestService := ingest.NewService(contentRepo, snapshotRepo, slog.Default(), cfg.SnapshotWindow)
	poller := ingest.NewPoller(contentRepo, platformClient, ingestService, slog.Default(), ingest.PollerConfig{
		APIInterval:      cfg.PlatformAPIInterval,
		MaxCallsPerCycle: cfg.PlatformMaxCalls,
	})

	detector := fatigue.NewDetector(cfg.FatigueThreshold, cfg.MinExposureWindow, cfg.RollingWindow)

	engine := trigger.NewEngine(triggerRepo, slog.Default(), trigger.Config{
		MaxPerCycle: cfg.TriggersPerCycle,
		Cooldown:    cfg.TriggerCooldown,
		Interval:    cfg.EvalInterval,
		Threshold:   cfg.FatigueThreshold,
		MaxAttempts: cfg.RetryMaxAttempts,
	})

	retryPolicy := retry.NewPolicy(cfg.BackoffBase, cfg.BackoffCap, cfg.RetryMaxAttempts)
	executor := publish.NewExecutor(
		contentRepo, feedbackRepo, engine, genaiClient, platformClient,
		sanitizer, retryPolicy, slog.Default(), cfg.BoostBudget,
	)

	// 5. メトリクスコレクターの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	scheduler := evaluate.NewScheduler(
		contentRepo, snapshotRepo, poller, detector, engine, executor,
		collector, slog.Default(), cfg.EvalMaxConcurrent, cfg.SnapshotWindow,
	)

	// 6. フィードバックと学習データの初期化
	analyzerService := analyzer.NewService(feedbackRepo, explanationRepo, genaiClient, retryPolicy, slog.Default())
	feedbackService := feedback.NewService(feedbackRepo, analyzerService, sanitizer, slog.Default())
	trainingService := training.NewService(trainingRepo, feedbackRepo, slog.Default())

	// 7. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(snapshotRepo, triggerRepo, explanationRepo, slog.Default(), cfg.SnapshotRetentionDays)

	return &loop{
		contentRepo:     contentRepo,
		snapshotRepo:    snapshotRepo,
		ingestService:   ingestService,
		engine:          engine,
		scheduler:       scheduler,
		feedbackService: feedbackService,
		analyzerService: analyzerService,
		trainingService: trainingService,
		detector:        detector,
		cleanup:         cleanupJob,
		registry:        registry,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
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

	// 2. コアサービスのワイヤリング
	core, err := buildLoop(cfg, db)
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiterCfg := middleware.RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		TriggerRunRate:  rate.Limit(float64(cfg.RateLimitTriggerRun) / 60.0),
		TriggerRunBurst: cfg.RateLimitTriggerRun,
		CleanupInterval: 5 * time.Minute,
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,

		ContentStore:  core.contentRepo,
		Ingestor:      core.ingestService,
		Snapshots:     core.snapshotRepo,
		Detector:      core.detector,
		SnapshotLimit: cfg.SnapshotWindow,

		CycleRunner:     core.scheduler,
		AbandonedLister: core.engine,

		FeedbackService:  core.feedbackService,
		InsightsReporter: core.analyzerService,

		TrainingService: core.trainingService,
	}

	router := handler.NewRouter(deps)

	// 4. メトリクスサーバーの起動（スクレイプ専用ポート）
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(core.registry),
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、評価サイクルスケジューラを起動する。
// クリーンアップジョブは日次でバックグラウンド実行される。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
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

	slog.Info("database connection established (worker)")

	// 2. コアサービスのワイヤリング
	core, err := buildLoop(cfg, db)
	if err != nil {
		return err
	}

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

	slog.Info("worker starting",
		slog.Duration("eval_interval", cfg.EvalInterval),
		slog.Int("max_concurrent", cfg.EvalMaxConcurrent),
	)

	// 3. メトリクスサーバーをバックグラウンドで起動
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(core.registry),
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// 4. クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := core.cleanup.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := core.cleanup.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 5. 評価サイクルスケジューラをメインgoroutineで実行（ブロッキング）
	core.scheduler.Start(ctx, cfg.EvalInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
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
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
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
