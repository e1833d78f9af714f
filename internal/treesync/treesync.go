// Package treesync mirrors one remote root folder subtree into the local
// store over a single session.
//
// The remote answers every listing relative to the session's current
// selection, so the walk is an explicit stack of frames that each know which
// folder they expect to be positioned in. Child folders are pushed as a
// visit frame followed by a restore frame for the parent, so the parent is
// re-selected after every child, including the last one.
package treesync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/reconcile"
	"github.com/facadeworks/elevsync/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("elevsync/treesync")

// DefaultMaxDepth bounds how deep below a root the walk descends.
const DefaultMaxDepth = 20

// Store is the persistence a subtree walk needs.
type Store interface {
	reconcile.Store
}

// Fetcher downloads the artifacts of an elevation while its phase is
// selected on sess. status is the reconciliation outcome of the elevation.
type Fetcher interface {
	Fetch(ctx context.Context, sess *session.Manager, node *models.HierarchyNode, status models.SyncStatus) error
}

// SessionFactory opens a fresh, unauthenticated session. name labels it.
type SessionFactory func(name string) *session.Manager

// Config tunes a Syncer.
type Config struct {
	MaxDepth int

	// ExcludePaths are folder paths that, with everything beneath them, are
	// reconciled but never descended into.
	ExcludePaths []string

	LegacyMatch bool

	// Fetcher, when set, runs for every reconciled elevation.
	Fetcher Fetcher
}

// RootDescriptor identifies the subtree to walk. NodeID is the local row of
// the root when the caller already reconciled it; zero means the walk
// upserts the row itself.
type RootDescriptor struct {
	Path   string
	Name   string
	NodeID int64
}

// Result summarizes one subtree walk.
type Result struct {
	Root           string             `json:"root"`
	NodesProcessed int                `json:"nodes_processed"`
	Created        int                `json:"created"`
	Updated        int                `json:"updated"`
	Unchanged      int                `json:"unchanged"`
	Removed        int                `json:"removed"`
	Errors         []models.SyncError `json:"errors,omitempty"`
}

func (r *Result) add(res *reconcile.Result) {
	r.NodesProcessed += res.Processed()
	r.Created += res.Created
	r.Updated += res.Updated
	r.Unchanged += res.Unchanged
	r.Removed += res.Removed
}

// Syncer walks root subtrees.
type Syncer struct {
	store      Store
	reconciler *reconcile.Reconciler
	newSession SessionFactory
	cfg        Config
}

// New creates a Syncer.
func New(store Store, newSession SessionFactory, cfg Config) *Syncer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Syncer{
		store:      store,
		reconciler: reconcile.New(store, reconcile.WithLegacyMatch(cfg.LegacyMatch)),
		newSession: newSession,
		cfg:        cfg,
	}
}

// Excluded reports whether folderPath is at or beneath a configured
// exclusion.
func (s *Syncer) Excluded(folderPath string) bool {
	return IsExcludedPath(folderPath, s.cfg.ExcludePaths)
}

// IsExcludedPath reports whether folderPath equals or lies beneath one of
// excludes.
func IsExcludedPath(folderPath string, excludes []string) bool {
	for _, ex := range excludes {
		ex = strings.TrimRight(ex, "/")
		if ex == "" {
			continue
		}
		if folderPath == ex || strings.HasPrefix(folderPath, ex+"/") {
			return true
		}
	}
	return false
}

type frameKind int

const (
	frameVisit frameKind = iota
	frameRestore
)

type frame struct {
	kind      frameKind
	path      string
	nodeID    int64
	depth     int
	ancestors []string
}

// walker holds the state of one SyncRootSubtree call.
type walker struct {
	*Syncer
	sess    *session.Manager
	root    string
	result  *Result
	visited map[string]bool

	// lost is set when a folder select failed. The server-side cursor is
	// unknown then, so the next restore must re-select even if the cached
	// position already names the parent.
	lost bool
}

// SyncRootSubtree mirrors the subtree at root over one dedicated session.
// Per-node failures are collected in the result; the returned error is set
// only when the walk could not continue (authentication, losing the parent
// position, or cancellation). The result is never nil.
func (s *Syncer) SyncRootSubtree(ctx context.Context, root RootDescriptor) (*Result, error) {
	ctx, span := tracer.Start(ctx, "treesync.sync_root",
		trace.WithAttributes(attribute.String("root.path", root.Path)))
	defer span.End()

	ctx = logger.With(ctx, "root", root.Path)
	log := logger.Ctx(ctx)

	w := &walker{
		Syncer:  s,
		sess:    s.newSession(root.Path),
		root:    root.Path,
		result:  &Result{Root: root.Path},
		visited: make(map[string]bool),
	}

	err := w.run(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.record(root.Path, "sync-root", err)
		log.Error("subtree sync aborted", "error", err, "processed", w.result.NodesProcessed)
	} else {
		log.Info("subtree synced",
			"processed", w.result.NodesProcessed,
			"created", w.result.Created,
			"updated", w.result.Updated,
			"removed", w.result.Removed,
			"errors", len(w.result.Errors))
	}
	span.SetAttributes(
		attribute.Int("sync.processed", w.result.NodesProcessed),
		attribute.Int("sync.errors", len(w.result.Errors)),
	)
	return w.result, err
}

func (w *walker) run(ctx context.Context, root RootDescriptor) error {
	if err := w.sess.Authenticate(ctx); err != nil {
		return err
	}
	defer w.sess.Logout(ctx)

	if err := w.sess.SelectFolder(ctx, root.Path); err != nil {
		return fmt.Errorf("failed to select root: %w", err)
	}

	rootID := root.NodeID
	if rootID == 0 {
		id, err := w.upsertRoot(ctx, root)
		if err != nil {
			return err
		}
		rootID = id
	}

	stack := []frame{{kind: frameVisit, path: root.Path, nodeID: rootID}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch f.kind {
		case frameRestore:
			if err := w.restore(ctx, f.path); err != nil {
				return err
			}
		case frameVisit:
			children, err := w.visit(ctx, f)
			if err != nil {
				return err
			}
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack,
					frame{kind: frameRestore, path: f.path, nodeID: f.nodeID, depth: f.depth},
					children[i])
			}
		}
	}
	return nil
}

// visit processes one folder and returns the child frames to descend into.
// Only errors that end the walk are returned.
func (w *walker) visit(ctx context.Context, f frame) ([]frame, error) {
	log := logger.Ctx(ctx)
	w.visited[f.path] = true

	if f.depth > 0 {
		if err := w.sess.SelectFolder(ctx, f.path); err != nil {
			if session.IsFatal(err) {
				return nil, err
			}
			w.lost = true
			w.record(f.path, "select-folder", err)
			return nil, nil
		}
	}

	folders, err := w.sess.ListFolders(ctx)
	if err != nil {
		if session.IsFatal(err) {
			return nil, err
		}
		w.record(f.path, "list-folders", err)
	}

	var children []frame
	if err == nil {
		items := make([]models.RemoteNode, 0, len(folders))
		for _, item := range folders {
			items = append(items, item.Node())
		}
		res, err := w.reconciler.Reconcile(ctx, models.ChildScope(models.LevelFolder, f.nodeID), items)
		if err != nil {
			w.record(f.path, "reconcile-folders", err)
		} else {
			w.result.add(res)
			children = w.childFrames(ctx, f, res)
		}
	}

	projects, err := w.sess.ListProjects(ctx)
	if err != nil {
		if session.IsFatal(err) {
			return nil, err
		}
		w.record(f.path, "list-projects", err)
		return children, nil
	}
	items := make([]models.RemoteNode, 0, len(projects))
	for _, item := range projects {
		items = append(items, item.Node())
	}
	res, err := w.reconciler.Reconcile(ctx, models.ChildScope(models.LevelProject, f.nodeID), items)
	if err != nil {
		w.record(f.path, "reconcile-projects", err)
		return children, nil
	}
	w.result.add(res)

	for _, entry := range res.Entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.syncProject(ctx, f.path, entry); err != nil {
			return nil, err
		}
		// The project walk leaves a project or phase selected.
		if err := w.reselect(ctx, f.path, "restore-folder"); err != nil {
			return nil, err
		}
	}

	log.Debug("folder visited", "path", f.path, "folders", len(children), "projects", len(res.Entries))
	return children, nil
}

// childFrames turns reconciled sub-folders into visit frames, dropping
// excluded folders, cycles and anything past the depth limit.
func (w *walker) childFrames(ctx context.Context, parent frame, res *reconcile.Result) []frame {
	log := logger.Ctx(ctx)
	ancestors := append(append([]string(nil), parent.ancestors...), parent.path)

	var out []frame
	for _, entry := range res.Entries {
		childPath := entry.Node.RemoteID
		switch {
		case entry.Node.ExcludeFromSync || w.Excluded(childPath):
			log.Info("folder excluded from sync", "path", childPath)
			continue
		case contains(ancestors, childPath):
			w.record(childPath, "cycle", fmt.Errorf("folder %q is its own ancestor", childPath))
			continue
		case w.visited[childPath]:
			w.record(childPath, "cycle", fmt.Errorf("folder %q already visited", childPath))
			continue
		case parent.depth+1 > w.cfg.MaxDepth:
			w.record(childPath, "depth-limit", fmt.Errorf("folder %q exceeds max depth %d", childPath, w.cfg.MaxDepth))
			continue
		}
		out = append(out, frame{
			kind:      frameVisit,
			path:      childPath,
			nodeID:    entry.Node.ID,
			depth:     parent.depth + 1,
			ancestors: ancestors,
		})
	}
	return out
}

// syncProject reconciles the phases and elevations of one project. Only
// errors that end the walk are returned.
func (w *walker) syncProject(ctx context.Context, folderPath string, project reconcile.Entry) error {
	projectPath := path.Join(folderPath, project.Node.RemoteID)

	if err := w.sess.SelectProject(ctx, project.Node.RemoteID); err != nil {
		if session.IsFatal(err) {
			return err
		}
		w.record(projectPath, "select-project", err)
		return nil
	}

	phases, err := w.sess.ListPhases(ctx)
	if err != nil {
		if session.IsFatal(err) {
			return err
		}
		w.record(projectPath, "list-phases", err)
		return nil
	}
	items := make([]models.RemoteNode, 0, len(phases))
	for _, item := range phases {
		items = append(items, item.Node())
	}
	res, err := w.reconciler.Reconcile(ctx, models.ChildScope(models.LevelPhase, project.Node.ID), items)
	if err != nil {
		w.record(projectPath, "reconcile-phases", err)
		return nil
	}
	w.result.add(res)

	for _, phase := range res.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		phasePath := path.Join(projectPath, phase.Node.RemoteID)
		if err := w.syncPhase(ctx, phasePath, phase); err != nil {
			return err
		}
		if err := w.sess.SelectProject(ctx, project.Node.RemoteID); err != nil {
			if session.IsFatal(err) {
				return err
			}
			w.record(projectPath, "restore-project", err)
			return nil
		}
	}
	return nil
}

func (w *walker) syncPhase(ctx context.Context, phasePath string, phase reconcile.Entry) error {
	if err := w.sess.SelectPhase(ctx, phase.Node.RemoteID); err != nil {
		if session.IsFatal(err) {
			return err
		}
		w.record(phasePath, "select-phase", err)
		return nil
	}

	elevations, err := w.sess.ListElevations(ctx)
	if err != nil {
		if session.IsFatal(err) {
			return err
		}
		w.record(phasePath, "list-elevations", err)
		return nil
	}
	items := make([]models.RemoteNode, 0, len(elevations))
	for _, item := range elevations {
		items = append(items, item.Node())
	}
	res, err := w.reconciler.Reconcile(ctx, models.ChildScope(models.LevelElevation, phase.Node.ID), items)
	if err != nil {
		w.record(phasePath, "reconcile-elevations", err)
		return nil
	}
	w.result.add(res)

	if w.cfg.Fetcher == nil {
		return nil
	}
	for _, entry := range res.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.cfg.Fetcher.Fetch(ctx, w.sess, entry.Node, entry.Status); err != nil {
			if session.IsFatal(err) {
				return err
			}
			w.record(path.Join(phasePath, entry.Node.RemoteID), "fetch-artifact", err)
		}
	}
	return nil
}

// restore re-selects a parent folder after a child subtree. It is skipped
// when the session is known to be positioned there already.
func (w *walker) restore(ctx context.Context, folderPath string) error {
	pos := w.sess.Position()
	if !w.lost && pos.FolderPath == folderPath && pos.ProjectID == "" {
		return nil
	}
	return w.reselect(ctx, folderPath, "restore-folder")
}

// reselect selects folderPath. The session already retries transport
// failures, so a failure here loses the walk's position and is fatal.
func (w *walker) reselect(ctx context.Context, folderPath, op string) error {
	if err := w.sess.SelectFolder(ctx, folderPath); err != nil {
		return fmt.Errorf("%s %q: %w", op, folderPath, err)
	}
	w.lost = false
	return nil
}

// upsertRoot writes the root folder row without touching its siblings.
func (w *walker) upsertRoot(ctx context.Context, root RootDescriptor) (int64, error) {
	name := root.Name
	if name == "" {
		name = path.Base(root.Path)
	}
	item := models.RemoteNode{RemoteID: root.Path, DisplayName: name}
	write := models.NodeWrite{
		RemoteID:    item.RemoteID,
		DisplayName: item.DisplayName,
		Fingerprint: item.Fingerprint(),
	}

	if parent := path.Dir(root.Path); parent != "/" && parent != "." {
		node, err := w.store.FindByRemoteID(ctx, models.LevelFolder, parent)
		if err != nil {
			return 0, fmt.Errorf("failed to find parent of root %q: %w", root.Path, err)
		}
		write.ParentID = &node.ID
	}

	existing, err := w.store.FindByRemoteID(ctx, models.LevelFolder, root.Path)
	if err != nil && !errors.Is(err, db.ErrNodeNotFound) {
		return 0, fmt.Errorf("failed to look up root %q: %w", root.Path, err)
	}
	if existing == nil {
		write.SyncStatus = models.SyncStatusNew
		node, err := w.store.InsertNode(ctx, models.LevelFolder, write)
		if err != nil {
			return 0, fmt.Errorf("failed to insert root %q: %w", root.Path, err)
		}
		w.result.NodesProcessed++
		w.result.Created++
		return node.ID, nil
	}

	write.SyncStatus = models.SyncStatusUnchanged
	if existing.Fingerprint != write.Fingerprint || existing.DisplayName != write.DisplayName {
		write.SyncStatus = models.SyncStatusUpdated
	}
	node, err := w.store.UpdateNode(ctx, models.LevelFolder, existing.ID, write)
	if err != nil {
		return 0, fmt.Errorf("failed to update root %q: %w", root.Path, err)
	}
	w.result.NodesProcessed++
	if write.SyncStatus == models.SyncStatusUpdated {
		w.result.Updated++
	} else {
		w.result.Unchanged++
	}
	return node.ID, nil
}

func (w *walker) record(nodePath, op string, err error) {
	w.result.Errors = append(w.result.Errors, models.SyncError{
		Root:    w.root,
		Path:    nodePath,
		Op:      op,
		Message: err.Error(),
	})
	logger.Warn("sync step failed", "root", w.root, "path", nodePath, "op", op, "error", err)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
