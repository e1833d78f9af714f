// Package session owns one authenticated conversation with the remote API and
// the navigation position that conversation is in.
//
// The remote keeps the current folder, project and phase on the server side,
// keyed by token. A Manager mirrors that position locally so it can be
// replayed after a re-authentication, and so callers never have to guess
// where a listing call will look. A Manager is not safe for concurrent use;
// each sync task owns exactly one.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/remote"
	"github.com/facadeworks/elevsync/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("elevsync/session")

const logoutTimeout = 10 * time.Second

// Transport is the subset of remote.Client a session drives.
type Transport interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
	Logout(ctx context.Context, token string) error
	ListFolders(ctx context.Context, token string) ([]remote.FolderItem, error)
	SelectFolder(ctx context.Context, token, path string) error
	ListProjects(ctx context.Context, token string) ([]remote.ProjectItem, error)
	SelectProject(ctx context.Context, token, id string) error
	ListPhases(ctx context.Context, token string) ([]remote.PhaseItem, error)
	SelectPhase(ctx context.Context, token, id string) error
	ListElevations(ctx context.Context, token string) ([]remote.ElevationItem, error)
	PartsList(ctx context.Context, token, elevationID string, w io.Writer) (int64, error)
	Thumbnail(ctx context.Context, token, elevationID string) ([]byte, string, error)
}

// Tracker observes session lifetimes. Used for metrics and by tests to
// assert how many sessions are open at once.
type Tracker interface {
	OnOpen(name string)
	OnClose(name string)
}

// Config configures a Manager.
type Config struct {
	Username string
	Password string

	// Name labels the session in logs and Tracker callbacks.
	Name string

	// CallTimeout bounds each individual remote attempt. Zero means no
	// per-call deadline beyond the caller's context.
	CallTimeout time.Duration

	// ProbeAfter triggers a validity probe before a navigation call when the
	// session has been idle at least this long. Zero disables it.
	ProbeAfter time.Duration

	// Retry is applied to transport-level failures only.
	Retry retry.Policy

	Tracker Tracker
}

// Position is where the server-side cursor currently points.
type Position struct {
	FolderPath string
	ProjectID  string
	PhaseID    string
}

// Manager is the per-task session and navigation cache.
type Manager struct {
	transport Transport
	cfg       Config
	now       func() time.Time

	token    string
	pos      Position
	lastUsed time.Time
	open     bool
}

// New creates an unauthenticated Manager.
func New(transport Transport, cfg Config) *Manager {
	return &Manager{
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Position returns the current navigation position.
func (m *Manager) Position() Position {
	return m.pos
}

// Authenticated reports whether the manager holds a token.
func (m *Manager) Authenticated() bool {
	return m.token != ""
}

// Authenticate logs in and resets navigation. Failure is an
// *AuthenticationError and is not retried beyond transport-level retries.
func (m *Manager) Authenticate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.authenticate",
		trace.WithAttributes(attribute.String("session.name", m.cfg.Name)))
	defer span.End()

	var token string
	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := m.callContext(ctx)
		defer cancel()
		var err error
		token, err = m.transport.Authenticate(callCtx, m.cfg.Username, m.cfg.Password)
		return err
	}, remote.IsConnectionError)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		return &AuthenticationError{Err: err}
	}

	m.token = token
	m.pos = Position{}
	m.touch()
	if !m.open {
		m.open = true
		if m.cfg.Tracker != nil {
			m.cfg.Tracker.OnOpen(m.cfg.Name)
		}
	}
	return nil
}

// Reauthenticate discards the current token, logs in again and, when
// restore is set, replays the navigation captured beforehand. The replay
// calls the transport directly and never runs the validity probe.
func (m *Manager) Reauthenticate(ctx context.Context, restore bool) error {
	ctx, span := tracer.Start(ctx, "session.reauthenticate",
		trace.WithAttributes(
			attribute.String("session.name", m.cfg.Name),
			attribute.Bool("session.restore", restore),
		))
	defer span.End()

	saved := m.pos
	m.token = ""
	m.pos = Position{}

	if err := m.Authenticate(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reauthentication failed")
		return err
	}
	if !restore {
		return nil
	}

	if saved.FolderPath != "" {
		if err := m.attempt(ctx, func(ctx context.Context, token string) error {
			return m.transport.SelectFolder(ctx, token, saved.FolderPath)
		}); err != nil {
			span.RecordError(err)
			return &NavigationError{Op: "restore-folder", Target: saved.FolderPath, Err: err}
		}
		m.pos.FolderPath = saved.FolderPath
	}
	if saved.ProjectID != "" {
		if err := m.attempt(ctx, func(ctx context.Context, token string) error {
			return m.transport.SelectProject(ctx, token, saved.ProjectID)
		}); err != nil {
			span.RecordError(err)
			return &NavigationError{Op: "restore-project", Target: saved.ProjectID, Err: err}
		}
		m.pos.ProjectID = saved.ProjectID
	}
	if saved.PhaseID != "" {
		if err := m.attempt(ctx, func(ctx context.Context, token string) error {
			return m.transport.SelectPhase(ctx, token, saved.PhaseID)
		}); err != nil {
			span.RecordError(err)
			return &NavigationError{Op: "restore-phase", Target: saved.PhaseID, Err: err}
		}
		m.pos.PhaseID = saved.PhaseID
	}

	logger.Ctx(ctx).Info("session restored",
		"session", m.cfg.Name,
		"folder", m.pos.FolderPath,
		"project", m.pos.ProjectID,
		"phase", m.pos.PhaseID)
	return nil
}

// IsValid reports whether the session is usable. With a project selected
// the answer is assumed true: probing would list folders, which the remote
// answers relative to the folder cursor and which is wasted work mid-walk.
func (m *Manager) IsValid(ctx context.Context) bool {
	if m.token == "" {
		return false
	}
	if m.pos.ProjectID != "" {
		return true
	}

	callCtx, cancel := m.callContext(ctx)
	defer cancel()
	if _, err := m.transport.ListFolders(callCtx, m.token); err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			m.token = ""
		}
		logger.Ctx(ctx).Debug("session probe failed", "session", m.cfg.Name, "error", err)
		return false
	}
	m.touch()
	return true
}

// Logout ends the remote session. It runs on a context detached from ctx's
// cancellation so an aborted walk still releases its server-side slot.
// Errors are logged and swallowed.
func (m *Manager) Logout(ctx context.Context) {
	if m.open {
		m.open = false
		if m.cfg.Tracker != nil {
			defer m.cfg.Tracker.OnClose(m.cfg.Name)
		}
	}
	if m.token == "" {
		m.pos = Position{}
		return
	}

	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := m.transport.Logout(logoutCtx, m.token); err != nil {
		logger.Ctx(ctx).Warn("logout failed", "session", m.cfg.Name, "error", err)
	}
	m.token = ""
	m.pos = Position{}
}

// SelectFolder moves to the folder at path. Selecting a folder clears any
// project and phase.
func (m *Manager) SelectFolder(ctx context.Context, path string) error {
	if err := m.probeIfIdle(ctx); err != nil {
		return &NavigationError{Op: "select-folder", Target: path, Err: err}
	}
	err := m.call(ctx, "select-folder", func(ctx context.Context, token string) error {
		return m.transport.SelectFolder(ctx, token, path)
	})
	if err != nil {
		return &NavigationError{Op: "select-folder", Target: path, Err: err}
	}
	m.pos = Position{FolderPath: path}
	return nil
}

// SelectProject selects a project of the current folder.
func (m *Manager) SelectProject(ctx context.Context, id string) error {
	if m.pos.FolderPath == "" {
		return &NavigationError{Op: "select-project", Target: id, Err: ErrNoFolderSelected}
	}
	if err := m.probeIfIdle(ctx); err != nil {
		return &NavigationError{Op: "select-project", Target: id, Err: err}
	}
	err := m.call(ctx, "select-project", func(ctx context.Context, token string) error {
		return m.transport.SelectProject(ctx, token, id)
	})
	if err != nil {
		return &NavigationError{Op: "select-project", Target: id, Err: err}
	}
	m.pos.ProjectID = id
	m.pos.PhaseID = ""
	return nil
}

// SelectPhase selects a phase of the current project.
func (m *Manager) SelectPhase(ctx context.Context, id string) error {
	if m.pos.ProjectID == "" {
		return &NavigationError{Op: "select-phase", Target: id, Err: ErrNoProjectSelected}
	}
	err := m.call(ctx, "select-phase", func(ctx context.Context, token string) error {
		return m.transport.SelectPhase(ctx, token, id)
	})
	if err != nil {
		return &NavigationError{Op: "select-phase", Target: id, Err: err}
	}
	m.pos.PhaseID = id
	return nil
}

// ListFolders lists folders beneath the current folder (top level when none
// is selected).
func (m *Manager) ListFolders(ctx context.Context) ([]remote.FolderItem, error) {
	var items []remote.FolderItem
	err := m.call(ctx, "list-folders", func(ctx context.Context, token string) error {
		var err error
		items, err = m.transport.ListFolders(ctx, token)
		return err
	})
	return items, err
}

// ListProjects lists the projects of the current folder.
func (m *Manager) ListProjects(ctx context.Context) ([]remote.ProjectItem, error) {
	if m.pos.FolderPath == "" {
		return nil, ErrNoFolderSelected
	}
	var items []remote.ProjectItem
	err := m.call(ctx, "list-projects", func(ctx context.Context, token string) error {
		var err error
		items, err = m.transport.ListProjects(ctx, token)
		return err
	})
	return items, err
}

// ListPhases lists the phases of the current project.
func (m *Manager) ListPhases(ctx context.Context) ([]remote.PhaseItem, error) {
	if m.pos.ProjectID == "" {
		return nil, ErrNoProjectSelected
	}
	var items []remote.PhaseItem
	err := m.call(ctx, "list-phases", func(ctx context.Context, token string) error {
		var err error
		items, err = m.transport.ListPhases(ctx, token)
		return err
	})
	return items, err
}

// ListElevations lists the elevations of the current phase.
func (m *Manager) ListElevations(ctx context.Context) ([]remote.ElevationItem, error) {
	if m.pos.PhaseID == "" {
		return nil, ErrNoPhaseSelected
	}
	var items []remote.ElevationItem
	err := m.call(ctx, "list-elevations", func(ctx context.Context, token string) error {
		var err error
		items, err = m.transport.ListElevations(ctx, token)
		return err
	})
	return items, err
}

// ArtifactSink receives a downloaded artifact. It is rewound before every
// attempt so a retried download never appends to a partial one.
type ArtifactSink interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// FetchPartsList downloads the parts-list artifact of an elevation in the
// current phase into dst.
func (m *Manager) FetchPartsList(ctx context.Context, elevationID string, dst ArtifactSink) (int64, error) {
	if m.pos.PhaseID == "" {
		return 0, ErrNoPhaseSelected
	}
	var n int64
	err := m.call(ctx, "parts-list", func(ctx context.Context, token string) error {
		if err := dst.Truncate(0); err != nil {
			return fmt.Errorf("failed to reset artifact sink: %w", err)
		}
		if _, err := dst.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind artifact sink: %w", err)
		}
		var err error
		n, err = m.transport.PartsList(ctx, token, elevationID, dst)
		return err
	})
	return n, err
}

// FetchThumbnail downloads the thumbnail of an elevation in the current phase.
func (m *Manager) FetchThumbnail(ctx context.Context, elevationID string) ([]byte, string, error) {
	if m.pos.PhaseID == "" {
		return nil, "", ErrNoPhaseSelected
	}
	var (
		data        []byte
		contentType string
	)
	err := m.call(ctx, "thumbnail", func(ctx context.Context, token string) error {
		var err error
		data, contentType, err = m.transport.Thumbnail(ctx, token, elevationID)
		return err
	})
	return data, contentType, err
}

// call runs fn with the retry policy. A 401 clears the token, triggers one
// re-authentication with navigation restore, and retries fn exactly once.
func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context, token string) error) error {
	if m.token == "" {
		return ErrNotAuthenticated
	}

	err := m.attempt(ctx, fn)
	if err == nil || !errors.Is(err, remote.ErrUnauthorized) {
		return err
	}

	m.token = ""
	logger.Ctx(ctx).Warn("session expired, re-authenticating",
		"session", m.cfg.Name, "op", op, "folder", m.pos.FolderPath, "project", m.pos.ProjectID)

	if rerr := m.Reauthenticate(ctx, true); rerr != nil {
		if IsFatal(rerr) {
			return rerr
		}
		return fmt.Errorf("%s: %w: %w", op, ErrSessionExpired, rerr)
	}

	err = m.attempt(ctx, fn)
	if errors.Is(err, remote.ErrUnauthorized) {
		m.token = ""
		return fmt.Errorf("%s: %w", op, ErrSessionExpired)
	}
	return err
}

// attempt runs fn under the retry policy for transport failures only, each
// try bounded by CallTimeout.
func (m *Manager) attempt(ctx context.Context, fn func(ctx context.Context, token string) error) error {
	token := m.token
	err := m.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := m.callContext(ctx)
		defer cancel()
		return fn(callCtx, token)
	}, remote.IsConnectionError)
	if err == nil {
		m.touch()
	}
	return err
}

// probeIfIdle re-authenticates with restore when the session sat idle past
// ProbeAfter and no longer answers.
func (m *Manager) probeIfIdle(ctx context.Context) error {
	if m.cfg.ProbeAfter <= 0 || m.token == "" || m.lastUsed.IsZero() {
		return nil
	}
	if m.now().Sub(m.lastUsed) < m.cfg.ProbeAfter {
		return nil
	}
	if m.IsValid(ctx) {
		return nil
	}
	logger.Ctx(ctx).Info("idle session no longer valid, re-authenticating", "session", m.cfg.Name)
	return m.Reauthenticate(ctx, true)
}

func (m *Manager) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (m *Manager) touch() {
	m.lastUsed = m.now()
}
