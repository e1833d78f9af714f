package artifact_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/testutil"
	"github.com/shopspring/decimal"
)

func seedArtifact(t *testing.T, store *testutil.MemStore, name string, opts testutil.ArtifactOptions) (int64, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".sqlite")
	testutil.WriteArtifact(t, path, opts)
	return store.SeedElevation(name, path), path
}

func TestParse_Success(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	id, _ := seedArtifact(t, store, "e1", testutil.DefaultArtifact())

	res, err := artifact.NewPipeline(store).Parse(ctx, id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !res.Success || res.Status != models.ParseStatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.GlassCount != 2 {
		t.Errorf("GlassCount = %d, want 2", res.GlassCount)
	}

	e, _ := store.GetElevation(ctx, id)
	if e.SystemName == nil || *e.SystemName != "FW 50+" {
		t.Errorf("SystemName = %v, want FW 50+", e.SystemName)
	}
	if e.Color == nil || *e.Color != "RAL 9016" {
		t.Errorf("Color = %v, want RAL 9016", e.Color)
	}
	// 1.0m x 2.0m once plus 0.5m x 1.0m twice
	if !e.GlassArea.Valid || !e.GlassArea.Decimal.Equal(decimal.NewFromInt(3)) {
		t.Errorf("GlassArea = %v, want 3", e.GlassArea)
	}
	if e.PartsCount != 3 {
		t.Errorf("PartsCount = %d, want 3", e.PartsCount)
	}
	if e.ArtifactHash == nil || len(*e.ArtifactHash) != 64 {
		t.Errorf("expected sha256 artifact hash, got %v", e.ArtifactHash)
	}
	if len(e.Glass) != 2 || e.Glass[1].Position != "G2" || e.Glass[1].Quantity != 2 {
		t.Errorf("unexpected glass rows: %+v", e.Glass)
	}
	if !e.Glass[1].Area.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("per-pane area = %s, want 0.5", e.Glass[1].Area)
	}
}

func TestParse_UnchangedArtifactIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	id, path := seedArtifact(t, store, "e1", testutil.DefaultArtifact())
	p := artifact.NewPipeline(store)

	if _, err := p.Parse(ctx, id); err != nil {
		t.Fatalf("first Parse failed: %v", err)
	}
	res, err := p.Parse(ctx, id)
	if err != nil {
		t.Fatalf("second Parse failed: %v", err)
	}
	if !res.Skipped || !res.Success {
		t.Errorf("expected skipped success for identical content, got %+v", res)
	}

	// New content with the same path must be parsed again.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	opts := testutil.DefaultArtifact()
	opts.Color = "RAL 7016"
	testutil.WriteArtifact(t, path, opts)

	res, err = p.Parse(ctx, id)
	if err != nil {
		t.Fatalf("third Parse failed: %v", err)
	}
	if res.Skipped {
		t.Error("changed content must not be skipped")
	}
	e, _ := store.GetElevation(ctx, id)
	if e.Color == nil || *e.Color != "RAL 7016" {
		t.Errorf("Color = %v, want RAL 7016", e.Color)
	}
}

func TestParse_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, path string)
		opts    []artifact.Option
		stage   string
	}{
		{
			name:    "missing file",
			prepare: func(t *testing.T, path string) {},
			stage:   "file:",
		},
		{
			name: "empty file",
			prepare: func(t *testing.T, path string) {
				if err := os.WriteFile(path, nil, 0o644); err != nil {
					t.Fatal(err)
				}
			},
			stage: "file:",
		},
		{
			name: "too large",
			prepare: func(t *testing.T, path string) {
				testutil.WriteArtifact(t, path, testutil.DefaultArtifact())
			},
			opts:  []artifact.Option{artifact.WithMaxBytes(16)},
			stage: "file:",
		},
		{
			name: "not sqlite",
			prepare: func(t *testing.T, path string) {
				if err := os.WriteFile(path, []byte("<html>session expired</html>"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			stage: "integrity:",
		},
		{
			name: "missing column",
			prepare: func(t *testing.T, path string) {
				opts := testutil.DefaultArtifact()
				opts.OmitColumn = "Glass.Thickness"
				testutil.WriteArtifact(t, path, opts)
			},
			stage: "schema:",
		},
		{
			name: "no elevations",
			prepare: func(t *testing.T, path string) {
				opts := testutil.DefaultArtifact()
				opts.NoElevations = true
				testutil.WriteArtifact(t, path, opts)
			},
			stage: "content:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := testutil.NewMemStore()
			path := filepath.Join(t.TempDir(), "e1.sqlite")
			tt.prepare(t, path)
			id := store.SeedElevation("e1", path)

			res, err := artifact.NewPipeline(store, tt.opts...).Parse(ctx, id)
			if err != nil {
				t.Fatalf("validation failures must not be returned as errors: %v", err)
			}
			if res.Success || res.Status != models.ParseStatusValidationFailed {
				t.Fatalf("expected validation_failed, got %+v", res)
			}
			if !strings.HasPrefix(res.Error, tt.stage) || !strings.Contains(res.Error, "ValidationFailedError") {
				t.Errorf("error %q should start with %q", res.Error, tt.stage)
			}

			e, _ := store.GetElevation(ctx, id)
			if e.ParseStatus != models.ParseStatusValidationFailed {
				t.Errorf("stored status = %s", e.ParseStatus)
			}
			if e.ParseError == nil || *e.ParseError != res.Error {
				t.Errorf("stored error = %v, want %q", e.ParseError, res.Error)
			}
			if len(e.Glass) != 0 || e.ArtifactHash != nil {
				t.Error("nothing may be extracted from an invalid artifact")
			}
		})
	}
}

func TestParse_NoArtifact(t *testing.T) {
	store := testutil.NewMemStore()
	id := store.SeedElevation("e1", "")

	res, err := artifact.NewPipeline(store).Parse(context.Background(), id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Status != models.ParseStatusValidationFailed {
		t.Errorf("status = %s, want validation_failed", res.Status)
	}
}

func TestParse_FailureKeepsPreviousResult(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	id, path := seedArtifact(t, store, "e1", testutil.DefaultArtifact())
	p := artifact.NewPipeline(store)

	if _, err := p.Parse(ctx, id); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := p.Parse(ctx, id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Success {
		t.Fatal("garbage must not parse")
	}

	e, _ := store.GetElevation(ctx, id)
	if len(e.Glass) != 2 {
		t.Errorf("previous glass rows must survive, got %d", len(e.Glass))
	}
	if e.SystemName == nil || *e.SystemName != "FW 50+" {
		t.Error("previous enrichment must survive")
	}
}

func TestParse_MalformedRowsArePartial(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	opts := testutil.DefaultArtifact()
	opts.Glass = append(opts.Glass,
		testutil.GlassRow{Position: "G3", Name: "bad width", Width: "abc", Height: 1000, Thickness: 24, Quantity: 1},
		testutil.GlassRow{Position: "G4", Name: "fractional qty", Width: 800, Height: 800, Thickness: 24, Quantity: 1.5},
		testutil.GlassRow{Position: "", Name: "no position", Width: 800, Height: 800, Thickness: 24, Quantity: 1},
	)
	id, _ := seedArtifact(t, store, "e1", opts)

	res, err := artifact.NewPipeline(store).Parse(ctx, id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !res.Success || res.Status != models.ParseStatusPartial {
		t.Fatalf("expected partial success, got %+v", res)
	}
	if res.GlassCount != 2 {
		t.Errorf("GlassCount = %d, want 2", res.GlassCount)
	}
	e, _ := store.GetElevation(ctx, id)
	if e.ParseStatus != models.ParseStatusPartial {
		t.Errorf("stored status = %s, want partial", e.ParseStatus)
	}
}

func TestParse_CommitFailure(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	store.FailSave = errors.New("connection reset")
	id, _ := seedArtifact(t, store, "e1", testutil.DefaultArtifact())

	res, err := artifact.NewPipeline(store).Parse(ctx, id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Status != models.ParseStatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if !strings.HasPrefix(res.Error, "commit: ParsingFailedError") {
		t.Errorf("unexpected error message %q", res.Error)
	}
	e, _ := store.GetElevation(ctx, id)
	if e.ParseRetryCount != 1 {
		t.Errorf("retry count = %d, want 1", e.ParseRetryCount)
	}
}

func TestParsePending(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	seedArtifact(t, store, "e1", testutil.DefaultArtifact())
	seedArtifact(t, store, "e2", testutil.DefaultArtifact())
	bad := filepath.Join(t.TempDir(), "e3.sqlite")
	if err := os.WriteFile(bad, []byte("not a database"), 0o644); err != nil {
		t.Fatal(err)
	}
	store.SeedElevation("e3", bad)
	store.SeedElevation("e4", "")
	p := artifact.NewPipeline(store)

	batch, err := p.ParsePending(ctx, artifact.DefaultMaxRetries, 10)
	if err != nil {
		t.Fatalf("ParsePending failed: %v", err)
	}
	if batch.Attempted != 3 || batch.Succeeded != 2 || batch.Failed != 1 {
		t.Errorf("unexpected batch %+v", batch)
	}
	if len(batch.Errors) != 1 || !strings.Contains(batch.Errors[0], "ValidationFailedError") {
		t.Errorf("expected one collected validation error, got %v", batch.Errors)
	}

	batch, err = p.ParsePending(ctx, artifact.DefaultMaxRetries, 10)
	if err != nil {
		t.Fatalf("second ParsePending failed: %v", err)
	}
	if batch.Attempted != 0 {
		t.Errorf("validation failures and successes are not candidates, got %+v", batch)
	}
}

func TestParse_ClaimHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := testutil.NewMemStore()
	store.Clock = func() time.Time { return now }
	id, _ := seedArtifact(t, store, "e1", testutil.DefaultArtifact())
	p := artifact.NewPipeline(store)

	// Another process claimed the elevation and is still parsing.
	if err := store.MarkParseInProgress(ctx, id); err != nil {
		t.Fatalf("MarkParseInProgress failed: %v", err)
	}

	res, err := p.Parse(ctx, id)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !res.Busy || res.Success || res.Status != models.ParseStatusInProgress {
		t.Fatalf("expected busy result, got %+v", res)
	}
	e, _ := store.GetElevation(ctx, id)
	if e.ParseRetryCount != 0 || len(e.Glass) != 0 {
		t.Errorf("busy parse must not touch the row, got retries=%d glass=%d", e.ParseRetryCount, len(e.Glass))
	}

	batch, err := p.ParsePending(ctx, artifact.DefaultMaxRetries, 10)
	if err != nil {
		t.Fatalf("ParsePending failed: %v", err)
	}
	if batch.Attempted != 0 {
		t.Errorf("a fresh claim is not a candidate, got %+v", batch)
	}

	// Past the claim timeout the parse counts as abandoned.
	now = now.Add(db.ParseClaimTimeout + time.Minute)
	batch, err = p.ParsePending(ctx, artifact.DefaultMaxRetries, 10)
	if err != nil {
		t.Fatalf("ParsePending failed: %v", err)
	}
	if batch.Attempted != 1 || batch.Succeeded != 1 {
		t.Errorf("abandoned claim should be taken over, got %+v", batch)
	}
}
