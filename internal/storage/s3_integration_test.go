package storage_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/facadeworks/elevsync/internal/storage"
	"github.com/facadeworks/elevsync/internal/testutil"
)

func TestArchiveRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := testutil.SetupTestEnvironment(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("SQLite format 3\x00 parts "), 4096)
	key := storage.ArtifactKey("e-roundtrip")

	n, err := env.Storage.PutArchive(ctx, key, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutArchive failed: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("PutArchive size = %d, want %d", n, len(content))
	}

	var out bytes.Buffer
	if _, err := env.Storage.GetArchive(ctx, key, &out); err != nil {
		t.Fatalf("GetArchive failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Error("archive content mismatch after round trip")
	}

	compressed, err := env.Storage.Download(ctx, key)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if len(compressed) >= len(content) {
		t.Errorf("expected compressed object, got %d bytes for %d raw", len(compressed), len(content))
	}
}

func TestGetArchive_Missing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := testutil.SetupTestEnvironment(t)

	var out bytes.Buffer
	_, err := env.Storage.GetArchive(context.Background(), storage.ArtifactKey("does-not-exist"), &out)
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}
