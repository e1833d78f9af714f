// Package jobs runs sync and parse work submitted through the trigger API
// in the background and keeps their state for polling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/google/uuid"
)

// Sentinel errors for type-safe error checking
var (
	// ErrSyncRunning is returned when a sync is submitted while one runs
	ErrSyncRunning = errors.New("a sync is already running")

	// ErrTargetBusy is returned when a job of the same kind and target is
	// queued or running
	ErrTargetBusy = errors.New("a job for this target is already running")

	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")

	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("job runner is shutting down")
)

// Kind names the work a job performs.
type Kind string

const (
	KindSync  Kind = "sync"
	KindParse Kind = "parse"
)

// State is the lifecycle of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is a snapshot of one submitted unit of work.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Target      string     `json:"target,omitempty"`
	State       State      `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Func is the work of a job. The returned value becomes Job.Result even
// when err is set.
type Func func(ctx context.Context) (any, error)

// DefaultRetain is how many finished jobs are kept for polling.
const DefaultRetain = 200

// Runner executes jobs on their own goroutines. At most one sync job runs
// at a time, and at most one job per kind and target.
type Runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	retain int

	mu          sync.Mutex
	jobs        map[string]*Job
	active      map[string]bool // kind/target of queued and running jobs
	syncRunning bool
	closed      bool
	wg          sync.WaitGroup
}

// NewRunner creates a Runner. Jobs run under a context derived from ctx and
// are cancelled by Shutdown.
func NewRunner(ctx context.Context, retain int) *Runner {
	if retain <= 0 {
		retain = DefaultRetain
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Runner{
		ctx:    ctx,
		cancel: cancel,
		retain: retain,
		jobs:   make(map[string]*Job),
		active: make(map[string]bool),
	}
}

func activeKey(kind Kind, target string) string {
	return string(kind) + "/" + target
}

// Submit queues fn and returns the job snapshot. Sync jobs are exclusive:
// submitting one while another is queued or running returns ErrSyncRunning.
// Any other job is rejected with ErrTargetBusy while one of the same kind
// and target is queued or running.
func (r *Runner) Submit(kind Kind, target string, fn Func) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Job{}, ErrShuttingDown
	}
	key := activeKey(kind, target)
	if kind == KindSync {
		if r.syncRunning {
			return Job{}, ErrSyncRunning
		}
		r.syncRunning = true
	} else if r.active[key] {
		return Job{}, ErrTargetBusy
	}
	r.active[key] = true

	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Target:      target,
		State:       StateQueued,
		SubmittedAt: time.Now().UTC(),
	}
	r.jobs[job.ID] = job
	r.prune()

	r.wg.Add(1)
	go r.run(job, fn)
	return *job, nil
}

func (r *Runner) run(job *Job, fn Func) {
	defer r.wg.Done()

	ctx := logger.With(r.ctx, "job_id", job.ID, "job_kind", job.Kind)
	log := logger.Ctx(ctx)

	r.mu.Lock()
	started := time.Now().UTC()
	job.State = StateRunning
	job.StartedAt = &started
	r.mu.Unlock()
	log.Info("job started", "target", job.Target)

	result, err := r.call(ctx, fn)

	r.mu.Lock()
	finished := time.Now().UTC()
	job.FinishedAt = &finished
	job.Result = result
	if err != nil {
		job.State = StateFailed
		job.Error = err.Error()
	} else {
		job.State = StateSucceeded
	}
	if job.Kind == KindSync {
		r.syncRunning = false
	}
	delete(r.active, activeKey(job.Kind, job.Target))
	r.mu.Unlock()

	if err != nil {
		log.Error("job failed", "error", err, "duration_ms", finished.Sub(started).Milliseconds())
		return
	}
	log.Info("job finished", "duration_ms", finished.Sub(started).Milliseconds())
}

// call runs fn and turns a panic into an error so the runner survives it.
func (r *Runner) call(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Ctx(ctx).Error("job panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return fn(ctx)
}

// Get returns a snapshot of the job.
func (r *Runner) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// List returns snapshots of all retained jobs, newest first.
func (r *Runner) List() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}

// SyncRunning reports whether a sync job is queued or running.
func (r *Runner) SyncRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncRunning
}

// prune drops the oldest finished jobs beyond the retention limit. Callers
// hold mu.
func (r *Runner) prune() {
	if len(r.jobs) <= r.retain {
		return
	}
	var finished []*Job
	for _, job := range r.jobs {
		if job.FinishedAt != nil {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].FinishedAt.Before(*finished[j].FinishedAt) })
	for _, job := range finished {
		if len(r.jobs) <= r.retain {
			return
		}
		delete(r.jobs, job.ID)
	}
}

// Shutdown stops accepting jobs, cancels running ones and waits for them
// until ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
