package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/perfloop/internal/middleware"
)

// HealthChecker はヘルスチェックのための接続確認インターフェース。
// *sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック
	HealthChecker HealthChecker

	// コンテンツ
	ContentStore  ContentStore
	Ingestor      MetricsIngestor
	Snapshots     SnapshotLister
	Detector      FatigueEvaluator
	SnapshotLimit int

	// トリガー
	CycleRunner     CycleRunner
	AbandonedLister AbandonedLister

	// フィードバック
	FeedbackService  FeedbackServiceInterface
	InsightsReporter InsightsReporter

	// 学習エクスポート
	TrainingService TrainingServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → RateLimit(General)
//
// ヘルスチェック（/health）はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}

	contentHandler := NewContentHandler(deps.ContentStore, deps.Ingestor, deps.Snapshots, deps.Detector, deps.SnapshotLimit)
	triggerHandler := NewTriggerHandler(deps.CycleRunner, deps.AbandonedLister)
	feedbackHandler := NewFeedbackHandler(deps.FeedbackService, deps.InsightsReporter)
	trainingHandler := NewTrainingHandler(deps.TrainingService)

	// --- レート制限の外のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))

	// --- レート制限が適用されるルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// コンテンツ管理
		r.Route("/api/content", func(r chi.Router) {
			r.Post("/", contentHandler.CreateContent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", contentHandler.GetContent)
				r.Post("/metrics", contentHandler.IngestMetrics)
			})
		})

		// 評価サイクルの手動実行（専用レート制限を追加）
		r.With(deps.RateLimiter.TriggerRunMiddleware()).Post("/api/trigger/run", triggerHandler.RunCycle)

		// トリガー管理
		r.Get("/api/triggers/abandoned", triggerHandler.ListAbandoned)

		// フィードバック収集
		r.Route("/api/feedback", func(r chi.Router) {
			r.Post("/", feedbackHandler.RecordFeedback)
			r.Get("/{id}", feedbackHandler.GetFeedback)
		})

		// 失敗傾向レポート
		r.Get("/api/failures/insights", feedbackHandler.GetInsights)

		// 学習エクスポート
		r.Route("/api/training", func(r chi.Router) {
			r.Post("/batches", trainingHandler.OpenBatch)
			r.Post("/batches/{id}/examples", trainingHandler.AddExample)
			r.Post("/batches/{id}/build", trainingHandler.BuildFromFeedback)
			r.Post("/export", trainingHandler.Export)
		})
	})

	return r
}

// healthHandler はDB接続を確認し、稼働状態を返すハンドラーを生成する。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
