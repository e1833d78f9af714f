package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/facadeworks/elevsync/internal/models"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nodeColumns(t levelTable) string {
	exclude := "FALSE"
	if t.name == "folders" {
		exclude = "exclude_from_sync"
	}
	return fmt.Sprintf(`id, remote_id, display_name, %s, sync_status, fingerprint, %s,
		remote_changed_at, synced_at, last_api_sync, created_at, updated_at`, t.parentCol, exclude)
}

func scanNode(row rowScanner, level models.Level) (*models.HierarchyNode, error) {
	var (
		node     models.HierarchyNode
		parentID sql.NullInt64
		status   string
	)
	err := row.Scan(
		&node.ID,
		&node.RemoteID,
		&node.DisplayName,
		&parentID,
		&status,
		&node.Fingerprint,
		&node.ExcludeFromSync,
		&node.RemoteChangedAt,
		&node.SyncedAt,
		&node.LastAPISync,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.Level = level
	node.SyncStatus = models.SyncStatus(status)
	if parentID.Valid {
		id := parentID.Int64
		node.ParentID = &id
	}
	return &node, nil
}

// MarkForRemoval marks every row of scope to_remove. This is the first step
// of a reconciliation pass.
func (db *DB) MarkForRemoval(ctx context.Context, scope models.Scope) (int64, error) {
	ctx, span := tracer.Start(ctx, "db.mark_for_removal", scopeAttributes(scope))
	defer span.End()

	t, err := tableFor(scope.Level)
	if err != nil {
		return 0, err
	}
	where, args := scopeClause(t, scope)
	query := fmt.Sprintf(`UPDATE %s SET sync_status = 'to_remove' WHERE %s`, t.name, where)

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to mark %s rows: %w", t.name, err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("rows.marked", n))
	return n, nil
}

// FindByRemoteID looks a node up by its remote identifier, which is unique
// per level.
func (db *DB) FindByRemoteID(ctx context.Context, level models.Level, remoteID string) (*models.HierarchyNode, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE remote_id = $1`, nodeColumns(t), t.name)

	node, err := scanNode(db.conn.QueryRowContext(ctx, query, remoteID), level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to find %s %q: %w", level, remoteID, err)
	}
	return node, nil
}

// GetNode looks a node up by primary key.
func (db *DB) GetNode(ctx context.Context, level models.Level, id int64) (*models.HierarchyNode, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, nodeColumns(t), t.name)

	node, err := scanNode(db.conn.QueryRowContext(ctx, query, id), level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get %s %d: %w", level, id, err)
	}
	return node, nil
}

// FindLegacyMatch finds a row of scope, still marked to_remove, that uses
// the old identifier scheme (remote_id = display_name) for displayName.
func (db *DB) FindLegacyMatch(ctx context.Context, scope models.Scope, displayName string) (*models.HierarchyNode, error) {
	t, err := tableFor(scope.Level)
	if err != nil {
		return nil, err
	}
	where, args := scopeClause(t, scope)
	args = append(args, displayName)
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE %s AND sync_status = 'to_remove' AND remote_id = display_name AND display_name = $%d
		ORDER BY id LIMIT 1`, nodeColumns(t), t.name, where, len(args))

	node, err := scanNode(db.conn.QueryRowContext(ctx, query, args...), scope.Level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to find legacy %s %q: %w", scope.Level, displayName, err)
	}
	return node, nil
}

// InsertNode creates a hierarchy row.
func (db *DB) InsertNode(ctx context.Context, level models.Level, w models.NodeWrite) (*models.HierarchyNode, error) {
	ctx, span := tracer.Start(ctx, "db.insert_node",
		trace.WithAttributes(
			attribute.String("node.level", string(level)),
			attribute.String("node.remote_id", w.RemoteID),
		))
	defer span.End()

	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}

	cols := `remote_id, display_name, ` + t.parentCol + `, description, sync_status, fingerprint,
		remote_changed_at, synced_at, last_api_sync, created_at, updated_at`
	vals := `$1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), NOW(), NOW()`
	args := []interface{}{w.RemoteID, w.DisplayName, w.ParentID, w.Description, string(w.SyncStatus), w.Fingerprint, w.RemoteChangedAt}
	if level == models.LevelElevation && w.Dimensions != nil {
		cols += `, width, height, depth`
		vals += `, $8, $9, $10`
		args = append(args, w.Dimensions.Width, w.Dimensions.Height, w.Dimensions.Depth)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`, t.name, cols, vals, nodeColumns(t))

	node, err := scanNode(db.conn.QueryRowContext(ctx, query, args...), level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch {
		case isUniqueViolation(err):
			return nil, fmt.Errorf("%w: %s %q", ErrDuplicateNode, level, w.RemoteID)
		case isForeignKeyViolation(err):
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidParent, level, w.RemoteID)
		}
		return nil, fmt.Errorf("failed to insert %s %q: %w", level, w.RemoteID, err)
	}
	return node, nil
}

// UpdateNode rewrites a row from a reconciliation match. remote_id is part
// of the write so legacy identifiers are migrated in place. updated_at only
// moves when the status is not unchanged.
func (db *DB) UpdateNode(ctx context.Context, level models.Level, id int64, w models.NodeWrite) (*models.HierarchyNode, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}

	set := `remote_id = $2, display_name = $3, ` + t.parentCol + ` = $4, description = $5,
		sync_status = $6, fingerprint = $7, remote_changed_at = $8,
		synced_at = NOW(), last_api_sync = NOW(),
		updated_at = CASE WHEN $6 = 'unchanged' THEN updated_at ELSE NOW() END`
	args := []interface{}{id, w.RemoteID, w.DisplayName, w.ParentID, w.Description, string(w.SyncStatus), w.Fingerprint, w.RemoteChangedAt}
	if level == models.LevelElevation && w.Dimensions != nil {
		set += `, width = $9, height = $10, depth = $11`
		args = append(args, w.Dimensions.Width, w.Dimensions.Height, w.Dimensions.Depth)
	}
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1 RETURNING %s`, t.name, set, nodeColumns(t))

	node, err := scanNode(db.conn.QueryRowContext(ctx, query, args...), level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s %q", ErrDuplicateNode, level, w.RemoteID)
		}
		return nil, fmt.Errorf("failed to update %s %d: %w", level, id, err)
	}
	return node, nil
}

// SweepMarked deletes the rows of scope still marked to_remove. Child levels
// follow through ON DELETE CASCADE.
func (db *DB) SweepMarked(ctx context.Context, scope models.Scope) (int64, error) {
	ctx, span := tracer.Start(ctx, "db.sweep_marked", scopeAttributes(scope))
	defer span.End()

	t, err := tableFor(scope.Level)
	if err != nil {
		return 0, err
	}
	where, args := scopeClause(t, scope)
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND sync_status = 'to_remove'`, t.name, where)

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to sweep %s rows: %w", t.name, err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("rows.removed", n))
	return n, nil
}

// ResetMarked moves rows of scope still marked to_remove to status.
func (db *DB) ResetMarked(ctx context.Context, scope models.Scope, status models.SyncStatus) (int64, error) {
	t, err := tableFor(scope.Level)
	if err != nil {
		return 0, err
	}
	where, args := scopeClause(t, scope)
	args = append(args, string(status))
	query := fmt.Sprintf(`UPDATE %s SET sync_status = $%d WHERE %s AND sync_status = 'to_remove'`,
		t.name, len(args), where)

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s rows: %w", t.name, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListChildren returns the rows of scope ordered by remote id.
func (db *DB) ListChildren(ctx context.Context, scope models.Scope) ([]models.HierarchyNode, error) {
	t, err := tableFor(scope.Level)
	if err != nil {
		return nil, err
	}
	where, args := scopeClause(t, scope)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY remote_id`, nodeColumns(t), t.name, where)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.name, err)
	}
	defer rows.Close()

	var nodes []models.HierarchyNode
	for rows.Next() {
		node, err := scanNode(rows, scope.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.name, err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

// SetExcluded toggles exclude_from_sync on a folder. Excluded folders are
// still reconciled but never descended into.
func (db *DB) SetExcluded(ctx context.Context, folderID int64, excluded bool) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE folders SET exclude_from_sync = $2, updated_at = NOW() WHERE id = $1`, folderID, excluded)
	if err != nil {
		return fmt.Errorf("failed to set exclude_from_sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// CountStale counts rows of level not seen by the remote since olderThan.
func (db *DB) CountStale(ctx context.Context, level models.Level, olderThan time.Time) (int, error) {
	t, err := tableFor(level)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE last_api_sync IS NULL OR last_api_sync < $1`, t.name)

	var n int
	if err := db.conn.QueryRowContext(ctx, query, olderThan).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stale %s: %w", t.name, err)
	}
	return n, nil
}

func scopeAttributes(scope models.Scope) trace.SpanStartOption {
	parent := "root"
	if scope.ParentID != nil {
		parent = strconv.FormatInt(*scope.ParentID, 10)
	}
	return trace.WithAttributes(
		attribute.String("scope.level", string(scope.Level)),
		attribute.String("scope.parent", parent),
	)
}
