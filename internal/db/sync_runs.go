package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/facadeworks/elevsync/internal/models"
)

// InsertSyncRun persists the summary of one syncAll execution. A missing ID
// is generated.
func (db *DB) InsertSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	ctx, span := tracer.Start(ctx, "db.insert_sync_run",
		trace.WithAttributes(
			attribute.String("sync_run.id", run.ID),
			attribute.String("sync_run.outcome", string(run.Outcome)),
		))
	defer span.End()

	errs := run.Errors
	if errs == nil {
		errs = []models.SyncError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("failed to marshal sync errors: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sync_runs
			(id, started_at, finished_at, roots, processed, created, updated, unchanged, removed,
			 error_count, errors, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Roots, run.Processed, run.Created,
		run.Updated, run.Unchanged, run.Removed, len(run.Errors), errorsJSON, string(run.Outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

const syncRunColumns = `id, started_at, finished_at, roots, processed, created, updated, unchanged,
	removed, errors, outcome`

func scanSyncRun(row rowScanner) (*models.SyncRun, error) {
	var (
		run        models.SyncRun
		errorsJSON []byte
		outcome    string
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Roots, &run.Processed,
		&run.Created, &run.Updated, &run.Unchanged, &run.Removed, &errorsJSON, &outcome); err != nil {
		return nil, err
	}
	run.Outcome = models.SyncOutcome(outcome)
	if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync errors: %w", err)
	}
	return &run, nil
}

// ListSyncRuns returns the most recent runs first.
func (db *DB) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetSyncRun returns one run by id.
func (db *DB) GetSyncRun(ctx context.Context, id string) (*models.SyncRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrSyncRunNotFound
	}
	run, err := scanSyncRun(db.conn.QueryRowContext(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSyncRunNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}
