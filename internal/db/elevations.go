package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/facadeworks/elevsync/internal/models"
)

const elevationColumns = `id, remote_id, display_name, phase_id, sync_status, fingerprint, FALSE,
	remote_changed_at, synced_at, last_api_sync, created_at, updated_at,
	description, width, height, depth,
	artifact_path, artifact_hash, artifact_object_key, thumbnail_key,
	parse_status, parse_error, parse_retry_count, parsed_at,
	system_name, color, glass_area, glass_count, parts_count`

func scanElevation(row rowScanner) (*models.Elevation, error) {
	var (
		e           models.Elevation
		phaseID     sql.NullInt64
		syncStatus  string
		parseStatus string
	)
	err := row.Scan(
		&e.ID,
		&e.RemoteID,
		&e.DisplayName,
		&phaseID,
		&syncStatus,
		&e.Fingerprint,
		&e.ExcludeFromSync,
		&e.RemoteChangedAt,
		&e.SyncedAt,
		&e.LastAPISync,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.Description,
		&e.Width,
		&e.Height,
		&e.Depth,
		&e.ArtifactPath,
		&e.ArtifactHash,
		&e.ArtifactObjectKey,
		&e.ThumbnailKey,
		&parseStatus,
		&e.ParseError,
		&e.ParseRetryCount,
		&e.ParsedAt,
		&e.SystemName,
		&e.Color,
		&e.GlassArea,
		&e.GlassCount,
		&e.PartsCount,
	)
	if err != nil {
		return nil, err
	}
	e.Level = models.LevelElevation
	e.SyncStatus = models.SyncStatus(syncStatus)
	e.ParseStatus = models.ParseStatus(parseStatus)
	if phaseID.Valid {
		id := phaseID.Int64
		e.ParentID = &id
	}
	return &e, nil
}

// GetElevation returns an elevation with its artifact side-record.
func (db *DB) GetElevation(ctx context.Context, id int64) (*models.Elevation, error) {
	query := `SELECT ` + elevationColumns + ` FROM elevations WHERE id = $1`
	e, err := scanElevation(db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrElevationNotFound
		}
		return nil, fmt.Errorf("failed to get elevation: %w", err)
	}
	return e, nil
}

// GetElevationWithGlass returns an elevation and its glass rows.
func (db *DB) GetElevationWithGlass(ctx context.Context, id int64) (*models.Elevation, error) {
	e, err := db.GetElevation(ctx, id)
	if err != nil {
		return nil, err
	}
	glass, err := db.ListGlass(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Glass = glass
	return e, nil
}

// ListGlass returns the glass rows of an elevation in artifact order.
func (db *DB) ListGlass(ctx context.Context, elevationID int64) ([]models.GlassSpecification, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, elevation_id, position, name, width, height, thickness, area, quantity, description
		FROM glass_specifications WHERE elevation_id = $1 ORDER BY id`, elevationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list glass: %w", err)
	}
	defer rows.Close()

	var glass []models.GlassSpecification
	for rows.Next() {
		var g models.GlassSpecification
		if err := rows.Scan(&g.ID, &g.ElevationID, &g.Position, &g.Name, &g.Width, &g.Height,
			&g.Thickness, &g.Area, &g.Quantity, &g.Description); err != nil {
			return nil, fmt.Errorf("failed to scan glass row: %w", err)
		}
		glass = append(glass, g)
	}
	return glass, rows.Err()
}

// SetElevationArtifact records where a freshly downloaded artifact lives.
// A success status survives only when contentHash matches the parsed hash;
// anything else goes back to pending with a fresh retry budget so the
// worker picks it up.
//
// The only caller is artifact.Fetcher, part of the enrichment package; the
// tree sync and reconciler never write parse_status.
func (db *DB) SetElevationArtifact(ctx context.Context, id int64, path, contentHash string, objectKey *string) error {
	ctx, span := tracer.Start(ctx, "db.set_elevation_artifact",
		trace.WithAttributes(attribute.Int64("elevation.id", id)))
	defer span.End()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE elevations SET
			artifact_path = $2,
			artifact_object_key = COALESCE($4, artifact_object_key),
			parse_status = CASE
				WHEN parse_status = 'success' AND artifact_hash = $3 THEN parse_status
				ELSE 'pending' END,
			parse_retry_count = CASE
				WHEN parse_status = 'success' AND artifact_hash = $3 THEN parse_retry_count
				ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1`, id, path, contentHash, objectKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to set artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrElevationNotFound
	}
	return nil
}

// SetElevationThumbnail records the object key of an uploaded thumbnail.
func (db *DB) SetElevationThumbnail(ctx context.Context, id int64, key string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE elevations SET thumbnail_key = $2, updated_at = NOW() WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("failed to set thumbnail: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrElevationNotFound
	}
	return nil
}

// ParseClaimTimeout is how long an in_progress claim is honoured. Past it
// the parse is presumed abandoned and the elevation may be claimed again.
const ParseClaimTimeout = 30 * time.Minute

// MarkParseInProgress claims an elevation for parsing. It returns
// ErrParseInProgress while another claim younger than ParseClaimTimeout
// holds the row. Taking over an abandoned claim counts as a retry.
func (db *DB) MarkParseInProgress(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE elevations SET
			parse_retry_count = parse_retry_count +
				CASE WHEN parse_status = 'in_progress' THEN 1 ELSE 0 END,
			parse_status = 'in_progress',
			updated_at = NOW()
		WHERE id = $1
		  AND (parse_status <> 'in_progress'
		       OR updated_at < NOW() - $2::double precision * INTERVAL '1 second')`,
		id, ParseClaimTimeout.Seconds())
	if err != nil {
		return fmt.Errorf("failed to mark parse in progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM elevations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check elevation: %w", err)
	}
	if !exists {
		return ErrElevationNotFound
	}
	return ErrParseInProgress
}

// SaveParseResult commits a parse in one transaction: glass rows are
// replaced wholesale and the enrichment fields, hash and status are written
// together. Nothing is visible if any step fails.
func (db *DB) SaveParseResult(ctx context.Context, id int64, rec models.ParseRecord) error {
	ctx, span := tracer.Start(ctx, "db.save_parse_result",
		trace.WithAttributes(
			attribute.Int64("elevation.id", id),
			attribute.Int("glass.count", len(rec.Glass)),
			attribute.String("parse.status", string(rec.Status)),
		))
	defer span.End()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The row lock orders concurrent saves, so each DELETE sees the glass
	// rows the previous save committed.
	var locked int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM elevations WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrElevationNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to lock elevation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM glass_specifications WHERE elevation_id = $1`, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete glass rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO glass_specifications
			(elevation_id, position, name, width, height, thickness, area, quantity, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return fmt.Errorf("failed to prepare glass insert: %w", err)
	}
	defer stmt.Close()

	for _, g := range rec.Glass {
		if _, err := stmt.ExecContext(ctx, id, g.Position, g.Name, g.Width, g.Height, g.Thickness, g.Area, g.Quantity, g.Description); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to insert glass row %q: %w", g.Position, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE elevations SET
			artifact_hash = $2,
			parse_status = $3,
			parse_error = NULL,
			parse_retry_count = 0,
			parsed_at = NOW(),
			system_name = $4,
			color = $5,
			glass_area = $6,
			glass_count = $7,
			parts_count = $8,
			updated_at = NOW()
		WHERE id = $1`,
		id, rec.Hash, string(rec.Status),
		rec.Enrichment.SystemName, rec.Enrichment.Color, rec.Enrichment.GlassArea,
		rec.Enrichment.GlassCount, rec.Enrichment.PartsCount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update elevation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrElevationNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FailParse records a failed parse. The previous hash and glass rows are
// left untouched.
func (db *DB) FailParse(ctx context.Context, id int64, status models.ParseStatus, message string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE elevations SET
			parse_status = $2,
			parse_error = $3,
			parse_retry_count = parse_retry_count + 1,
			updated_at = NOW()
		WHERE id = $1`, id, string(status), message)
	if err != nil {
		return fmt.Errorf("failed to record parse failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrElevationNotFound
	}
	return nil
}

// retryableParseStatuses are re-attempted while under the retry limit.
// validation_failed is terminal until a new artifact arrives.
var retryableParseStatuses = []string{
	string(models.ParseStatusFailed),
}

// ListParseCandidates returns elevations with an artifact that are pending,
// failed with fewer than maxRetries attempts, or claimed longer ago than
// ParseClaimTimeout, oldest first.
func (db *DB) ListParseCandidates(ctx context.Context, maxRetries, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id FROM elevations
		WHERE artifact_path IS NOT NULL
		  AND (parse_status = 'pending'
		       OR (parse_status = ANY($1) AND parse_retry_count < $2)
		       OR (parse_status = 'in_progress' AND parse_retry_count < $2
		           AND updated_at < NOW() - $4::double precision * INTERVAL '1 second'))
		ORDER BY updated_at, id
		LIMIT $3`, pq.Array(retryableParseStatuses), maxRetries, limit, ParseClaimTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list parse candidates: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByParseStatus returns how many elevations are in each parse status.
// Statuses with no rows are absent.
func (db *DB) CountByParseStatus(ctx context.Context) (map[models.ParseStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT parse_status, COUNT(*) FROM elevations GROUP BY parse_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count parse statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.ParseStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan parse status count: %w", err)
		}
		counts[models.ParseStatus(status)] = n
	}
	return counts, rows.Err()
}
