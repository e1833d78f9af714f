// Package artifact downloads elevation parts lists and turns them into
// enrichment data: four validation layers, then extraction committed in one
// store transaction.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("elevsync/artifact")

const (
	// DefaultMaxBytes is the largest artifact the pipeline accepts.
	DefaultMaxBytes int64 = 100 << 20
	// DefaultMaxRetries is how often a failed parse is retried.
	DefaultMaxRetries = 3

	stackLines = 12
)

// Store is the persistence the parse pipeline needs.
type Store interface {
	GetElevation(ctx context.Context, id int64) (*models.Elevation, error)
	MarkParseInProgress(ctx context.Context, id int64) error
	SaveParseResult(ctx context.Context, id int64, rec models.ParseRecord) error
	FailParse(ctx context.Context, id int64, status models.ParseStatus, message string) error
	ListParseCandidates(ctx context.Context, maxRetries, limit int) ([]int64, error)
}

// Archive restores artifacts missing from local disk.
type Archive interface {
	GetArchive(ctx context.Context, key string, w io.Writer) (int64, error)
}

// Result reports one Parse call.
type Result struct {
	ElevationID int64              `json:"elevation_id"`
	Success     bool               `json:"success"`
	Skipped     bool               `json:"skipped,omitempty"`
	// Busy is set when another parse of the elevation holds the claim.
	Busy        bool               `json:"busy,omitempty"`
	GlassCount  int                `json:"glass_count"`
	Status      models.ParseStatus `json:"status"`
	Error       string             `json:"error,omitempty"`
}

// BatchResult reports one ParsePending call.
type BatchResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Pipeline validates and extracts artifacts.
type Pipeline struct {
	store    Store
	archive  Archive
	maxBytes int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithArchive restores artifacts from object storage when the local file is
// gone.
func WithArchive(a Archive) Option {
	return func(p *Pipeline) {
		p.archive = a
	}
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// NewPipeline creates a Pipeline.
func NewPipeline(store Store, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse runs the pipeline for one elevation. Validation and parsing
// failures are recorded on the elevation and reported in the Result; the
// returned error is set only when the store itself fails. A failed parse
// never touches the previous enrichment or glass rows.
func (p *Pipeline) Parse(ctx context.Context, id int64) (*Result, error) {
	ctx, span := tracer.Start(ctx, "artifact.parse",
		trace.WithAttributes(attribute.Int64("elevation.id", id)))
	defer span.End()
	ctx = logger.With(ctx, "elevation_id", id)

	res, err := p.parse(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("parse.status", string(res.Status)))
	return res, nil
}

func (p *Pipeline) parse(ctx context.Context, id int64) (*Result, error) {
	e, err := p.store.GetElevation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load elevation: %w", err)
	}
	res := &Result{ElevationID: id, Status: e.ParseStatus}

	if e.ArtifactPath == nil || *e.ArtifactPath == "" {
		return p.fail(ctx, res, &ValidationFailedError{Stage: "file", Err: ErrNoArtifact})
	}
	path := *e.ArtifactPath

	if err := p.restore(ctx, e, path); err != nil {
		logger.Ctx(ctx).Warn("failed to restore artifact from object storage", "error", err)
	}
	if err := checkFile(path, p.maxBytes); err != nil {
		return p.fail(ctx, res, err)
	}

	hash, err := hashFile(path)
	if err != nil {
		return p.fail(ctx, res, &ParsingFailedError{Stage: "hash", Err: err})
	}
	if e.ParseStatus == models.ParseStatusSuccess && e.ArtifactHash != nil && *e.ArtifactHash == hash {
		res.Success = true
		res.Skipped = true
		res.GlassCount = e.GlassCount
		return res, nil
	}

	if err := p.store.MarkParseInProgress(ctx, id); err != nil {
		if errors.Is(err, db.ErrParseInProgress) {
			logger.Ctx(ctx).Info("parse already in progress, skipping")
			res.Busy = true
			res.Status = models.ParseStatusInProgress
			res.Error = err.Error()
			return res, nil
		}
		return nil, fmt.Errorf("failed to mark parse in progress: %w", err)
	}

	rec, err := p.run(ctx, path, hash)
	if err != nil {
		return p.fail(ctx, res, err)
	}
	if err := p.store.SaveParseResult(ctx, id, *rec); err != nil {
		return p.fail(ctx, res, &ParsingFailedError{Stage: "commit", Err: err})
	}

	res.Success = true
	res.Status = rec.Status
	res.GlassCount = len(rec.Glass)
	logger.Ctx(ctx).Info("artifact parsed", "status", rec.Status, "glass", len(rec.Glass))
	return res, nil
}

// run executes layers two to four and extraction. A panic anywhere is
// turned into a ParsingFailedError carrying a stack excerpt.
func (p *Pipeline) run(ctx context.Context, path, hash string) (rec *models.ParseRecord, err error) {
	stage := "integrity"
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = &ParsingFailedError{
				Stage: stage,
				Err:   fmt.Errorf("panic: %v", r),
				Stack: stackExcerpt(debug.Stack(), stackLines),
			}
		}
	}()

	if err := checkHeader(path); err != nil {
		return nil, err
	}
	conn, err := openArtifact(path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := checkIntegrity(ctx, conn); err != nil {
		return nil, err
	}
	stage = "schema"
	cols, err := checkSchema(ctx, conn)
	if err != nil {
		return nil, err
	}
	stage = "content"
	if err := checkContent(ctx, conn); err != nil {
		return nil, err
	}
	stage = "extract"
	ex, err := extract(ctx, conn, cols)
	if err != nil {
		return nil, err
	}

	status := models.ParseStatusSuccess
	if ex.skipped > 0 {
		status = models.ParseStatusPartial
		logger.Ctx(ctx).Warn("skipped malformed glass rows", "count", ex.skipped)
	}
	return &models.ParseRecord{
		Hash:       hash,
		Status:     status,
		Enrichment: ex.enrichment,
		Glass:      ex.glass,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, res *Result, cause error) (*Result, error) {
	status := models.ParseStatusFailed
	var vErr *ValidationFailedError
	if errors.As(cause, &vErr) {
		status = models.ParseStatusValidationFailed
	}
	message := cause.Error()
	var pErr *ParsingFailedError
	if errors.As(cause, &pErr) && pErr.Stack != "" {
		message += "\n" + pErr.Stack
	}

	if err := p.store.FailParse(ctx, res.ElevationID, status, message); err != nil {
		return res, fmt.Errorf("failed to record parse failure: %w", err)
	}
	res.Success = false
	res.Status = status
	res.Error = cause.Error()
	logger.Ctx(ctx).Warn("artifact parse failed", "status", status, "error", cause)
	return res, nil
}

// restore downloads the archived artifact when the local file is missing.
func (p *Pipeline) restore(ctx context.Context, e *models.Elevation, path string) error {
	if p.archive == nil || e.ArtifactObjectKey == nil {
		return nil
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = p.archive.GetArchive(ctx, *e.ArtifactObjectKey, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	logger.Ctx(ctx).Info("artifact restored from object storage", "key", *e.ArtifactObjectKey)
	return nil
}

// ParsePending parses up to limit elevations that are pending, or failed
// with fewer than maxRetries attempts. Per-item failures are collected and
// never stop the batch.
func (p *Pipeline) ParsePending(ctx context.Context, maxRetries, limit int) (*BatchResult, error) {
	ids, err := p.store.ListParseCandidates(ctx, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list parse candidates: %w", err)
	}

	batch := &BatchResult{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		batch.Attempted++
		res, err := p.Parse(ctx, id)
		switch {
		case err != nil:
			batch.Failed++
			batch.Errors = append(batch.Errors, fmt.Sprintf("elevation %d: %v", id, err))
		case res.Skipped, res.Busy:
			batch.Skipped++
		case res.Success:
			batch.Succeeded++
		default:
			batch.Failed++
			batch.Errors = append(batch.Errors, fmt.Sprintf("elevation %d: %s", id, res.Error))
		}
	}
	return batch, nil
}
