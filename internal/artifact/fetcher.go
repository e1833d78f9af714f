package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/session"
	"github.com/facadeworks/elevsync/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FetchStore records downloaded artifacts on elevations.
type FetchStore interface {
	GetElevation(ctx context.Context, id int64) (*models.Elevation, error)
	SetElevationArtifact(ctx context.Context, id int64, path, contentHash string, objectKey *string) error
	SetElevationThumbnail(ctx context.Context, id int64, key string) error
}

// ObjectStore archives artifacts and stores thumbnails.
type ObjectStore interface {
	PutArchive(ctx context.Context, key string, r io.Reader) (int64, error)
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Fetcher downloads the parts list of every new or changed elevation while
// the tree walk has its phase selected.
type Fetcher struct {
	store      FetchStore
	dir        string
	objects    ObjectStore
	thumbnails bool
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithObjectStore archives every downloaded artifact.
func WithObjectStore(o ObjectStore) FetcherOption {
	return func(f *Fetcher) {
		f.objects = o
	}
}

// WithThumbnails also downloads thumbnails. Requires an object store.
func WithThumbnails(enabled bool) FetcherOption {
	return func(f *Fetcher) {
		f.thumbnails = enabled
	}
}

// NewFetcher creates a Fetcher writing artifacts to dir.
func NewFetcher(store FetchStore, dir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{store: store, dir: dir}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the elevation's artifact unless it is unchanged and
// already on disk. The file is written to a temp file and renamed into
// place so a reader never sees a partial artifact.
func (f *Fetcher) Fetch(ctx context.Context, sess *session.Manager, node *models.HierarchyNode, status models.SyncStatus) error {
	ctx, span := tracer.Start(ctx, "artifact.fetch",
		trace.WithAttributes(
			attribute.Int64("elevation.id", node.ID),
			attribute.String("elevation.remote_id", node.RemoteID),
		))
	defer span.End()

	err := f.fetch(ctx, sess, node, status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (f *Fetcher) fetch(ctx context.Context, sess *session.Manager, node *models.HierarchyNode, status models.SyncStatus) error {
	if status == models.SyncStatusUnchanged {
		e, err := f.store.GetElevation(ctx, node.ID)
		if err != nil {
			return fmt.Errorf("failed to load elevation: %w", err)
		}
		if e.ArtifactPath != nil && fileExists(*e.ArtifactPath) {
			return nil
		}
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := sess.FetchPartsList(ctx, node.RemoteID, tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to download parts list: %w", err)
	}

	hash, err := hashFile(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to hash artifact: %w", err)
	}
	dest := filepath.Join(f.dir, ArtifactFileName(node.RemoteID))
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}

	var objectKey *string
	if f.objects != nil {
		key := storage.ArtifactKey(node.RemoteID)
		if err := f.archive(ctx, dest, key); err != nil {
			// The local copy is usable; the next download retries the archive.
			logger.Ctx(ctx).Warn("failed to archive artifact", "elevation", node.RemoteID, "error", err)
		} else {
			objectKey = &key
		}
	}

	if err := f.store.SetElevationArtifact(ctx, node.ID, dest, hash, objectKey); err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	logger.Ctx(ctx).Debug("artifact downloaded", "elevation", node.RemoteID, "bytes", n)

	if f.thumbnails && f.objects != nil {
		if err := f.thumbnail(ctx, sess, node); err != nil {
			logger.Ctx(ctx).Warn("failed to fetch thumbnail", "elevation", node.RemoteID, "error", err)
		}
	}
	return nil
}

func (f *Fetcher) archive(ctx context.Context, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = f.objects.PutArchive(ctx, key, file)
	return err
}

func (f *Fetcher) thumbnail(ctx context.Context, sess *session.Manager, node *models.HierarchyNode) error {
	data, contentType, err := sess.FetchThumbnail(ctx, node.RemoteID)
	if err != nil {
		return err
	}
	key := storage.ThumbnailKey(node.RemoteID, contentType)
	if err := f.objects.PutObject(ctx, key, data, contentType); err != nil {
		return err
	}
	return f.store.SetElevationThumbnail(ctx, node.ID, key)
}

// maxNameStem bounds the readable part of an artifact file name.
const maxNameStem = 64

// ArtifactFileName maps a remote elevation id onto a file name made only of
// [A-Za-z0-9_-], so it means the same thing on disk and inside a SQLite URI.
// The hash suffix keeps ids that collapse to the same stem apart.
func ArtifactFileName(remoteID string) string {
	stem := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, remoteID)
	if len(stem) > maxNameStem {
		stem = stem[:maxNameStem]
	}
	sum := sha256.Sum256([]byte(remoteID))
	return stem + "-" + hex.EncodeToString(sum[:6]) + ".sqlite"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
