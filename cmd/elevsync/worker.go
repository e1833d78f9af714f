package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/config"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/scheduler"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var workerTracer = otel.Tracer("elevsync/worker")

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background sync and parse worker",
	Long: `Polls the mirror and runs a full sync whenever some object type has
rows older than its staleness window, then parses pending artifacts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runWorker()
		return nil
	},
}

// WorkerConfig holds configuration for the background worker.
type WorkerConfig struct {
	PollInterval time.Duration
	Schedules    map[models.Level]config.LevelSchedule
	MaxRetries   int
	BatchSize    int
	DryRun       bool // If true, log what would be done without syncing or parsing
}

type workerStore interface {
	CountStale(ctx context.Context, level models.Level, olderThan time.Time) (int, error)
	ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
}

type workerSyncer interface {
	SyncAll(ctx context.Context) (*scheduler.Summary, error)
}

type workerParser interface {
	ParsePending(ctx context.Context, maxRetries, limit int) (*artifact.BatchResult, error)
}

// Worker is the background sync and parse worker.
type Worker struct {
	store  workerStore
	syncer workerSyncer
	parser workerParser
	config WorkerConfig
	now    func() time.Time

	// lastSync is when each level was last covered by a sync. Zero means
	// never, which makes the level due regardless of staleness.
	lastSync map[models.Level]time.Time
}

// NewWorker creates a Worker. The last sync time is seeded from the most
// recent recorded sync run on the first cycle.
func NewWorker(store workerStore, syncer workerSyncer, parser workerParser, cfg WorkerConfig) *Worker {
	return &Worker{
		store:  store,
		syncer: syncer,
		parser: parser,
		config: cfg,
		now:    time.Now,
	}
}

// runWorker is the entry point for the background worker process.
func runWorker() {
	logger.Info("starting sync worker")

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry for worker", "error", err)
	} else {
		defer otelShutdown()
	}

	cfg := loadConfig()
	workerConfig := WorkerConfig{
		PollInterval: cfg.PollInterval(),
		Schedules:    cfg.Sync.Schedules,
		MaxRetries:   cfg.Artifact.MaxRetries,
		BatchSize:    cfg.Artifact.BatchSize,
		DryRun:       cfg.DryRun,
	}
	logger.Info("worker configuration loaded",
		"poll_interval", workerConfig.PollInterval,
		"max_retries", workerConfig.MaxRetries,
		"batch_size", workerConfig.BatchSize,
		"dry_run", workerConfig.DryRun,
	)
	if workerConfig.DryRun {
		logger.Info("DRY-RUN MODE ENABLED - nothing will be synced or parsed")
	}

	a := newApp(cfg, true)
	defer a.Close()

	worker := NewWorker(a.db, a.scheduler, a.pipeline, workerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutdown signal received, stopping worker")
		cancel()
	}()

	worker.Run(ctx)
	logger.Info("worker stopped")
}

// Run executes the main worker loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Run immediately on startup
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce executes a single cycle: a full sync when any level is due, then
// one batch of parse candidates.
func (w *Worker) runOnce(ctx context.Context) {
	ctx, span := workerTracer.Start(ctx, "worker.run_once")
	defer span.End()

	due, err := w.dueLevels(ctx)
	if err != nil {
		logger.Error("failed to check staleness", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetAttributes(attribute.Int("levels.due", len(due)))

	if w.config.DryRun {
		if len(due) > 0 {
			logger.Info("[DRY-RUN] would run full sync", "due_levels", due)
		} else {
			logger.Info("[DRY-RUN] no sync due")
		}
		span.SetAttributes(attribute.Bool("dry_run", true))
		return
	}

	if len(due) > 0 {
		w.sync(ctx, due)
	} else {
		logger.Info("no sync due")
	}

	if ctx.Err() != nil {
		return
	}
	w.parse(ctx)
}

// dueLevels returns the levels whose interval has elapsed since their last
// sync and that have rows older than their staleness window. A level that
// was never synced is always due.
func (w *Worker) dueLevels(ctx context.Context) ([]models.Level, error) {
	if w.lastSync == nil {
		if err := w.seedLastSync(ctx); err != nil {
			return nil, err
		}
	}

	now := w.now()
	var due []models.Level
	for _, level := range models.Levels {
		schedule := w.config.Schedules[level]
		last := w.lastSync[level]
		if last.IsZero() {
			due = append(due, level)
			continue
		}
		if now.Sub(last) < schedule.Interval {
			continue
		}
		stale, err := w.store.CountStale(ctx, level, now.Add(-schedule.StaleAfter))
		if err != nil {
			return nil, err
		}
		if stale > 0 {
			logger.Info("stale rows found", "level", level, "count", stale)
			due = append(due, level)
		}
	}
	return due, nil
}

func (w *Worker) seedLastSync(ctx context.Context) error {
	runs, err := w.store.ListSyncRuns(ctx, 1)
	if err != nil {
		return err
	}
	w.lastSync = make(map[models.Level]time.Time, len(models.Levels))
	if len(runs) > 0 {
		for _, level := range models.Levels {
			w.lastSync[level] = runs[0].FinishedAt
		}
	}
	return nil
}

func (w *Worker) sync(ctx context.Context, due []models.Level) {
	ctx, span := workerTracer.Start(ctx, "worker.sync")
	defer span.End()

	logger.Info("starting full sync", "due_levels", due)
	summary, err := w.syncer.SyncAll(ctx)
	if errors.Is(err, scheduler.ErrSyncInProgress) {
		// Another process is syncing; the schedule is re-evaluated next tick.
		logger.Info("sync skipped, another sync is running")
		return
	}
	if err != nil {
		logger.Error("sync failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if summary == nil {
		return
	}

	// A full sync covers every level, not only the due ones.
	finished := w.now()
	for _, level := range models.Levels {
		w.lastSync[level] = finished
	}

	logger.Info("sync complete",
		"run_id", summary.RunID,
		"outcome", summary.Outcome,
		"roots", summary.Roots,
		"processed", summary.Processed,
		"errors", len(summary.Errors),
	)
	span.SetAttributes(
		attribute.String("sync.outcome", string(summary.Outcome)),
		attribute.Int("sync.processed", summary.Processed),
	)
}

func (w *Worker) parse(ctx context.Context) {
	res, err := w.parser.ParsePending(ctx, w.config.MaxRetries, w.config.BatchSize)
	if err != nil {
		logger.Error("failed to parse pending artifacts", "error", err)
		return
	}
	if res.Attempted == 0 {
		return
	}
	logger.Info("parse batch complete",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
