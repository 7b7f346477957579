// Package evaluate は評価サイクルのバックグラウンド実行を提供する。
// 計測ポーリング、疲弊判定、トリガー決定、トリガー実行を1サイクルとして
// 定期実行するスケジューラを含む。
package evaluate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/perfloop/internal/metrics"
	"github.com/hitoshi/perfloop/internal/model"
	"github.com/hitoshi/perfloop/internal/publish"
	"github.com/hitoshi/perfloop/internal/repository"
	"github.com/hitoshi/perfloop/internal/trigger"
)

// MetricsPoller は計測スナップショットの取り込みインターフェース。
type MetricsPoller interface {
	// RunOnce は計測対象アイテムの最新カウントを1回取り込む。
	RunOnce(ctx context.Context) error
}

// FatigueEvaluator は疲弊判定の実行インターフェース。
type FatigueEvaluator interface {
	// Evaluate はrecorded_at昇順のスナップショット列から疲弊判定を行う。
	Evaluate(snapshots []model.MetricsSnapshot) model.FatigueVerdict
}

// TriggerDecider は疲弊候補からトリガーを決定するインターフェース。
type TriggerDecider interface {
	// Decide は候補ごとの重複排除・クールダウン・冪等判定を行い、実行すべきトリガーを返す。
	Decide(ctx context.Context, candidates []trigger.Candidate, now time.Time) ([]*model.Trigger, error)
}

// TriggerExecutor はトリガーの実行インターフェース。
type TriggerExecutor interface {
	// Execute はトリガーのアクション（再生成またはブースト）を実行する。
	Execute(ctx context.Context, trig *model.Trigger) (*publish.ExecutionResult, error)
}

// Scheduler は評価サイクルのスケジューリングと並列制御を行う。
// ティッカーで定期的にサイクルを起動し、トリガー実行は
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	contentRepo    repository.ContentRepository
	snapshotRepo   repository.SnapshotRepository
	poller         MetricsPoller
	detector       FatigueEvaluator
	decider        TriggerDecider
	executor       TriggerExecutor
	collector      metrics.MetricsCollector
	logger         *slog.Logger
	maxConcurrency int
	snapshotLimit  int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// collectorがnilの場合は何も記録しないコレクターを使用する。
// maxConcurrencyが0以下の場合はデフォルト値5、
// snapshotLimitが0以下の場合はデフォルト値30を使用する。
func NewScheduler(
	contentRepo repository.ContentRepository,
	snapshotRepo repository.SnapshotRepository,
	poller MetricsPoller,
	detector FatigueEvaluator,
	decider TriggerDecider,
	executor TriggerExecutor,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	maxConcurrency int,
	snapshotLimit int,
) *Scheduler {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if snapshotLimit <= 0 {
		snapshotLimit = 30
	}
	return &Scheduler{
		contentRepo:    contentRepo,
		snapshotRepo:   snapshotRepo,
		poller:         poller,
		detector:       detector,
		decider:        decider,
		executor:       executor,
		collector:      collector,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		snapshotLimit:  snapshotLimit,
	}
}

// Start はティッカーで評価サイクルを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("評価スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if _, err := s.RunCycle(ctx); err != nil {
		s.logger.Error("評価サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("評価スケジューラを停止しました")
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error("評価サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunCycle は評価サイクルを1回実行し、このサイクルで処理したトリガーを返す。
// 計測取り込み、疲弊判定、トリガー決定、トリガー実行の順に進める。
// 計測取り込みの失敗はログに記録し、手元のスナップショットで判定を続行する。
func (s *Scheduler) RunCycle(ctx context.Context) ([]*model.Trigger, error) {
	start := time.Now()

	if err := s.poller.RunOnce(ctx); err != nil {
		s.logger.Error("計測ポーリングに失敗しました",
			slog.String("error", err.Error()),
		)
	}

	items, err := s.contentRepo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		s.logger.Info("評価対象のアイテムはありません")
		return nil, nil
	}

	candidates := s.collectCandidates(ctx, items)
	if len(candidates) == 0 {
		duration := time.Since(start)
		s.collector.RecordCycleLatency(duration)
		s.logger.Info("評価サイクルが完了しました",
			slog.Int("item_count", len(items)),
			slog.Int("fatigued_count", 0),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return nil, nil
	}

	triggers, err := s.decider.Decide(ctx, candidates, time.Now())
	if err != nil {
		return nil, err
	}
	for _, trig := range triggers {
		s.collector.RecordTriggerCreated(string(trig.Action))
	}

	s.executeAll(ctx, triggers)

	duration := time.Since(start)
	s.collector.RecordCycleLatency(duration)
	s.logger.Info("評価サイクルが完了しました",
		slog.Int("item_count", len(items)),
		slog.Int("fatigued_count", len(candidates)),
		slog.Int("trigger_count", len(triggers)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return triggers, nil
}

// collectCandidates は各アイテムの疲弊判定を行い、疲弊と判定された候補を返す。
// 1アイテムのスナップショット取得失敗はサイクル全体を止めず、該当アイテムをスキップする。
func (s *Scheduler) collectCandidates(ctx context.Context, items []*model.ContentItem) []trigger.Candidate {
	var candidates []trigger.Candidate

	for _, item := range items {
		snapshots, err := s.snapshotRepo.ListByContentItem(ctx, item.ID, s.snapshotLimit)
		if err != nil {
			s.logger.Error("スナップショットの取得に失敗しました",
				slog.String("content_item_id", item.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		verdict := s.detector.Evaluate(snapshots)
		verdict.ContentItemID = item.ID
		s.collector.RecordFatigueVerdict(string(verdict.Reason))
		if !verdict.IsFatigued {
			continue
		}

		s.logger.Info("疲弊を検知しました",
			slog.String("content_item_id", item.ID),
			slog.Float64("decay_ratio", verdict.DecayRatio),
		)
		candidates = append(candidates, trigger.Candidate{Item: item, Verdict: verdict})
	}

	return candidates
}

// executeAll はトリガーをsemaphoreパターンで並列実行する。
// 開始済みの実行のコンテキストは親のキャンセルから切り離す。claim済み
// トリガーをシャットダウン中のキャンセルでexecutingのまま取り残さないため。
// 親がキャンセル済みの場合、未着手のトリガーはclaimせずpendingのまま残す。
func (s *Scheduler) executeAll(ctx context.Context, triggers []*model.Trigger) {
	if len(triggers) == 0 {
		return
	}

	execCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for i, trig := range triggers {
		sem <- struct{}{} // semaphore取得（ブロック）

		// semaphore取得後に判定する。キャンセル済みなら以降のトリガーは
		// claimされないままpendingで残る
		if ctx.Err() != nil {
			<-sem
			s.logger.Info("シャットダウンのため未着手のトリガーをclaimせずに残します",
				slog.Int("unclaimed_count", len(triggers)-i),
			)
			break
		}

		wg.Add(1)

		go func(t *model.Trigger) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			result, err := s.executor.Execute(execCtx, t)
			if err != nil {
				s.logger.Error("トリガーの実行に失敗しました",
					slog.String("trigger_id", t.ID),
					slog.String("content_item_id", t.ContentItemID),
					slog.String("action", string(t.Action)),
					slog.String("error", err.Error()),
				)
			}
			if result != nil {
				s.collector.RecordTriggerOutcome(string(result.State))
			}
		}(trig)
	}

	wg.Wait()
}
