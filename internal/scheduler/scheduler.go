// Package scheduler runs a full sync: it discovers the top-level folders and
// walks each one as an independent subtree, a bounded number at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/reconcile"
	"github.com/facadeworks/elevsync/internal/treesync"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("elevsync/scheduler")

const (
	// DefaultConcurrency is how many root subtrees sync at once. The remote
	// degrades quickly with more simultaneous sessions.
	DefaultConcurrency = 2
	// MaxConcurrency caps any configured value.
	MaxConcurrency = 8
)

// Store is the persistence a full sync needs.
type Store interface {
	treesync.Store
	InsertSyncRun(ctx context.Context, run *models.SyncRun) error
}

// ErrSyncInProgress is returned by SyncAll when another process holds the
// sync lock.
var ErrSyncInProgress = errors.New("another sync is running against this store")

// Locker keeps SyncAll exclusive across processes sharing one store.
type Locker interface {
	// TryAcquireSyncLock returns acquired=false, without waiting, when the
	// lock is held elsewhere.
	TryAcquireSyncLock(ctx context.Context) (release func(), acquired bool, err error)
	SyncLockHeld(ctx context.Context) (bool, error)
}

// Config tunes a Scheduler.
type Config struct {
	Concurrency  int
	ExcludePaths []string
	LegacyMatch  bool

	// Lock, when set, is held for the whole of every SyncAll.
	Lock Locker
}

// Summary aggregates one SyncAll run.
type Summary struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   time.Duration      `json:"duration"`
	Roots      int                `json:"roots"`
	Succeeded  int                `json:"succeeded"`
	Processed  int                `json:"processed"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Unchanged  int                `json:"unchanged"`
	Removed    int                `json:"removed"`
	Errors     []models.SyncError `json:"errors"`
	Outcome    models.SyncOutcome `json:"outcome"`
	Results    []*treesync.Result `json:"results,omitempty"`
}

// Run converts the summary to its persisted form.
func (s *Summary) Run() *models.SyncRun {
	return &models.SyncRun{
		ID:         s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Roots:      s.Roots,
		Processed:  s.Processed,
		Created:    s.Created,
		Updated:    s.Updated,
		Unchanged:  s.Unchanged,
		Removed:    s.Removed,
		Errors:     s.Errors,
		Outcome:    s.Outcome,
	}
}

// Scheduler runs SyncAll.
type Scheduler struct {
	store       Store
	newSession  treesync.SessionFactory
	syncer      *treesync.Syncer
	reconciler  *reconcile.Reconciler
	concurrency int
	excludes    []string
	lock        Locker
}

// New creates a Scheduler. syncer walks each root; newSession opens the
// discovery session.
func New(store Store, newSession treesync.SessionFactory, syncer *treesync.Syncer, cfg Config) *Scheduler {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}
	return &Scheduler{
		store:       store,
		newSession:  newSession,
		syncer:      syncer,
		reconciler:  reconcile.New(store, reconcile.WithLegacyMatch(cfg.LegacyMatch)),
		concurrency: concurrency,
		excludes:    cfg.ExcludePaths,
		lock:        cfg.Lock,
	}
}

// Concurrency is the effective number of parallel subtree syncs.
func (s *Scheduler) Concurrency() int {
	return s.concurrency
}

// SyncInProgress reports whether some process holds the sync lock. It is
// always false without a Locker.
func (s *Scheduler) SyncInProgress(ctx context.Context) (bool, error) {
	if s.lock == nil {
		return false, nil
	}
	return s.lock.SyncLockHeld(ctx)
}

// SyncAll discovers the root folders and syncs every non-excluded one. A
// failing root never cancels the others. Once the sync lock is taken the
// summary is always returned and persisted; the error is set when discovery
// failed or ctx ended the run. When the lock is held elsewhere SyncAll
// returns a nil summary and ErrSyncInProgress without touching the remote.
func (s *Scheduler) SyncAll(ctx context.Context) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "scheduler.sync_all",
		trace.WithAttributes(attribute.Int("sync.concurrency", s.concurrency)))
	defer span.End()

	if s.lock != nil {
		release, acquired, err := s.lock.TryAcquireSyncLock(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !acquired {
			span.SetAttributes(attribute.Bool("sync.skipped", true))
			logger.Ctx(ctx).Info("sync lock held elsewhere, skipping")
			return nil, ErrSyncInProgress
		}
		defer release()
	}

	summary := &Summary{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	ctx = logger.With(ctx, "sync_run", summary.RunID)
	log := logger.Ctx(ctx)
	log.Info("sync started", "concurrency", s.concurrency)

	roots, err := s.discover(ctx, summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		summary.Errors = append(summary.Errors, models.SyncError{Op: "discover", Message: err.Error()})
		s.finish(ctx, summary, true)
		return summary, err
	}
	summary.Roots = len(roots)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, root := range roots {
		g.Go(func() error {
			res, err := s.syncer.SyncRootSubtree(ctx, root)

			mu.Lock()
			defer mu.Unlock()
			summary.Results = append(summary.Results, res)
			summary.Processed += res.NodesProcessed
			summary.Created += res.Created
			summary.Updated += res.Updated
			summary.Unchanged += res.Unchanged
			summary.Removed += res.Removed
			summary.Errors = append(summary.Errors, res.Errors...)
			if err == nil {
				summary.Succeeded++
			}
			// Errors stay in the summary; returning nil keeps siblings running.
			return nil
		})
	}
	_ = g.Wait()

	s.finish(ctx, summary, false)
	span.SetAttributes(
		attribute.Int("sync.roots", summary.Roots),
		attribute.Int("sync.errors", len(summary.Errors)),
		attribute.String("sync.outcome", string(summary.Outcome)),
	)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// discover lists and reconciles the top-level folders over a short-lived
// session that is logged out before any subtree starts.
func (s *Scheduler) discover(ctx context.Context, summary *Summary) ([]treesync.RootDescriptor, error) {
	sess := s.newSession("discovery")
	if err := sess.Authenticate(ctx); err != nil {
		return nil, err
	}
	folders, err := sess.ListFolders(ctx)
	sess.Logout(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list root folders: %w", err)
	}

	items := make([]models.RemoteNode, 0, len(folders))
	for _, f := range folders {
		items = append(items, f.Node())
	}
	res, err := s.reconciler.Reconcile(ctx, models.RootScope(), items)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile root folders: %w", err)
	}
	summary.Processed += res.Processed()
	summary.Created += res.Created
	summary.Updated += res.Updated
	summary.Unchanged += res.Unchanged
	summary.Removed += res.Removed

	var roots []treesync.RootDescriptor
	for _, entry := range res.Entries {
		if entry.Node.ExcludeFromSync || treesync.IsExcludedPath(entry.Node.RemoteID, s.excludes) {
			logger.Ctx(ctx).Info("root excluded from sync", "path", entry.Node.RemoteID)
			continue
		}
		roots = append(roots, treesync.RootDescriptor{
			Path:   entry.Node.RemoteID,
			Name:   entry.Node.DisplayName,
			NodeID: entry.Node.ID,
		})
	}
	return roots, nil
}

// finish stamps the outcome and persists the run. Persisting uses a context
// detached from cancellation so an aborted run is still recorded.
func (s *Scheduler) finish(ctx context.Context, summary *Summary, discoveryFailed bool) {
	summary.FinishedAt = time.Now().UTC()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.Outcome = Outcome(summary.Roots, summary.Succeeded, len(summary.Errors), discoveryFailed)

	log := logger.Ctx(ctx)
	if err := s.store.InsertSyncRun(context.WithoutCancel(ctx), summary.Run()); err != nil {
		log.Error("failed to record sync run", "error", err)
	}
	log.Info("sync finished",
		"outcome", summary.Outcome,
		"roots", summary.Roots,
		"succeeded", summary.Succeeded,
		"processed", summary.Processed,
		"created", summary.Created,
		"updated", summary.Updated,
		"removed", summary.Removed,
		"errors", len(summary.Errors),
		"duration_ms", summary.Duration.Milliseconds())
}

// Outcome classifies a run. Only a run where nothing succeeded and
// something failed is a failure.
func Outcome(roots, succeeded, errorCount int, discoveryFailed bool) models.SyncOutcome {
	switch {
	case discoveryFailed:
		return models.SyncOutcomeFailed
	case roots > 0 && succeeded == 0 && errorCount > 0:
		return models.SyncOutcomeFailed
	case errorCount > 0:
		return models.SyncOutcomeCompletedWithWarnings
	default:
		return models.SyncOutcomeCompleted
	}
}
