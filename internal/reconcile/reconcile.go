// Package reconcile applies one remote listing to the local rows of one
// scope with a mark-and-sweep pass.
//
// Every current child of the scope is marked to_remove, each remote item is
// matched (by remote id, then optionally by legacy identifier) and written
// back as new, updated or unchanged, and whatever is still marked afterwards
// is deleted. Running the same listing twice leaves the same rows with only
// unchanged transitions.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
)

// Store is the persistence the reconciler needs. Only the reconciler writes
// sync_status.
type Store interface {
	MarkForRemoval(ctx context.Context, scope models.Scope) (int64, error)
	// FindByRemoteID returns db.ErrNodeNotFound on a miss.
	FindByRemoteID(ctx context.Context, level models.Level, remoteID string) (*models.HierarchyNode, error)
	// FindLegacyMatch returns a row of scope marked to_remove whose remote_id
	// equals its display_name and equals displayName, or db.ErrNodeNotFound.
	FindLegacyMatch(ctx context.Context, scope models.Scope, displayName string) (*models.HierarchyNode, error)
	InsertNode(ctx context.Context, level models.Level, w models.NodeWrite) (*models.HierarchyNode, error)
	UpdateNode(ctx context.Context, level models.Level, id int64, w models.NodeWrite) (*models.HierarchyNode, error)
	SweepMarked(ctx context.Context, scope models.Scope) (int64, error)
	// ResetMarked moves rows still marked to_remove to status. Used when a
	// pass aborts so no row is left in the transient state.
	ResetMarked(ctx context.Context, scope models.Scope, status models.SyncStatus) (int64, error)
}

// Entry is the outcome for one remote item.
type Entry struct {
	Node     *models.HierarchyNode
	Remote   models.RemoteNode
	Status   models.SyncStatus
	Migrated bool // matched through a legacy identifier
}

// Result summarizes one reconciliation pass.
type Result struct {
	Created    int
	Updated    int
	Unchanged  int
	Removed    int
	Migrated   int
	Duplicates []string
	Entries    []Entry
}

// Processed is the number of remote items written.
func (r *Result) Processed() int {
	return r.Created + r.Updated + r.Unchanged
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLegacyMatch enables matching rows that still carry the old
// display-name identifier. Meant for a migration window only.
func WithLegacyMatch(enabled bool) Option {
	return func(r *Reconciler) {
		r.legacyMatch = enabled
	}
}

// Reconciler runs mark-and-sweep passes against a Store.
type Reconciler struct {
	store       Store
	legacyMatch bool
}

// New creates a Reconciler.
func New(store Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile makes the rows of scope match items. On error, rows still marked
// to_remove are moved to the error status rather than deleted.
func (r *Reconciler) Reconcile(ctx context.Context, scope models.Scope, items []models.RemoteNode) (*Result, error) {
	log := logger.Ctx(ctx)

	if _, err := r.store.MarkForRemoval(ctx, scope); err != nil {
		return nil, fmt.Errorf("failed to mark %s rows: %w", scope.Level, err)
	}

	result := &Result{}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.RemoteID] {
			result.Duplicates = append(result.Duplicates, item.RemoteID)
			log.Warn("duplicate remote id in listing",
				"level", scope.Level, "remote_id", item.RemoteID)
			continue
		}
		seen[item.RemoteID] = true

		entry, err := r.apply(ctx, scope, item)
		if err != nil {
			r.abort(ctx, scope)
			return result, fmt.Errorf("failed to reconcile %s %q: %w", scope.Level, item.RemoteID, err)
		}
		result.Entries = append(result.Entries, *entry)
		switch entry.Status {
		case models.SyncStatusNew:
			result.Created++
		case models.SyncStatusUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		if entry.Migrated {
			result.Migrated++
		}
	}

	removed, err := r.store.SweepMarked(ctx, scope)
	if err != nil {
		r.abort(ctx, scope)
		return result, fmt.Errorf("failed to sweep %s rows: %w", scope.Level, err)
	}
	result.Removed = int(removed)

	if result.Created+result.Updated+result.Removed > 0 {
		log.Debug("reconciled scope",
			"level", scope.Level,
			"created", result.Created,
			"updated", result.Updated,
			"unchanged", result.Unchanged,
			"removed", result.Removed,
			"migrated", result.Migrated)
	}
	return result, nil
}

func (r *Reconciler) apply(ctx context.Context, scope models.Scope, item models.RemoteNode) (*Entry, error) {
	write := models.NodeWrite{
		RemoteID:        item.RemoteID,
		DisplayName:     item.DisplayName,
		ParentID:        scope.ParentID,
		Description:     item.Description,
		Fingerprint:     item.Fingerprint(),
		RemoteChangedAt: item.ChangedAt,
		Dimensions:      item.Dimensions,
	}

	existing, err := r.store.FindByRemoteID(ctx, scope.Level, item.RemoteID)
	migrated := false
	if errors.Is(err, db.ErrNodeNotFound) && r.legacyMatch {
		existing, err = r.store.FindLegacyMatch(ctx, scope, item.DisplayName)
		migrated = err == nil
	}
	if err != nil && !errors.Is(err, db.ErrNodeNotFound) {
		return nil, err
	}

	if existing == nil {
		write.SyncStatus = models.SyncStatusNew
		node, err := r.store.InsertNode(ctx, scope.Level, write)
		if err != nil {
			return nil, err
		}
		return &Entry{Node: node, Remote: item, Status: models.SyncStatusNew}, nil
	}

	write.SyncStatus = models.SyncStatusUnchanged
	if migrated || changed(existing, write) {
		write.SyncStatus = models.SyncStatusUpdated
	}
	node, err := r.store.UpdateNode(ctx, scope.Level, existing.ID, write)
	if err != nil {
		return nil, err
	}
	if migrated {
		logger.Ctx(ctx).Info("migrated legacy identifier",
			"level", scope.Level, "id", existing.ID, "old", existing.RemoteID, "new", item.RemoteID)
	}
	return &Entry{Node: node, Remote: item, Status: write.SyncStatus, Migrated: migrated}, nil
}

func (r *Reconciler) abort(ctx context.Context, scope models.Scope) {
	if _, err := r.store.ResetMarked(ctx, scope, models.SyncStatusError); err != nil {
		logger.Ctx(ctx).Error("failed to reset marked rows", "level", scope.Level, "error", err)
	}
}

func changed(existing *models.HierarchyNode, w models.NodeWrite) bool {
	if existing.Fingerprint != w.Fingerprint || existing.DisplayName != w.DisplayName {
		return true
	}
	switch {
	case existing.ParentID == nil && w.ParentID == nil:
		return false
	case existing.ParentID == nil || w.ParentID == nil:
		return true
	default:
		return *existing.ParentID != *w.ParentID
	}
}
