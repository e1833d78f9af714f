package artifact_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/facadeworks/elevsync/internal/artifact"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/retry"
	"github.com/facadeworks/elevsync/internal/session"
	"github.com/facadeworks/elevsync/internal/testutil"
	"github.com/facadeworks/elevsync/internal/treesync"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) PutArchive(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *memObjects) GetArchive(ctx context.Context, key string, w io.Writer) (int64, error) {
	m.mu.Lock()
	data, ok := m.objects[key]
	m.mu.Unlock()
	if !ok {
		return 0, os.ErrNotExist
	}
	n, err := w.Write(data)
	return int64(n), err
}

func (m *memObjects) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type fetchHarness struct {
	fake    *testutil.FakeRemote
	store   *testutil.MemStore
	objects *memObjects
	syncer  *treesync.Syncer
	dir     string
	content []byte
}

func newFetchHarness(t *testing.T) *fetchHarness {
	t.Helper()
	return newFetchHarnessFor(t, t.TempDir(), "e1")
}

func newFetchHarnessFor(t *testing.T, dir, elevationID string) *fetchHarness {
	t.Helper()
	h := &fetchHarness{
		fake:    testutil.NewFakeRemote("svc", "secret"),
		store:   testutil.NewMemStore(),
		objects: newMemObjects(),
		dir:     dir,
		content: testutil.ArtifactBytes(t, testutil.DefaultArtifact()),
	}
	h.fake.AddFolder("/A", "A")
	h.fake.AddProject("/A", "p1", "Project")
	h.fake.AddPhase("p1", "ph1", "Phase")
	h.fake.AddElevation("ph1", elevationID, "Front", h.content)

	fetcher := artifact.NewFetcher(h.store, h.dir,
		artifact.WithObjectStore(h.objects),
		artifact.WithThumbnails(true))
	newSession := func(name string) *session.Manager {
		return session.New(h.fake, session.Config{Username: "svc", Password: "secret", Name: name, Retry: retry.None()})
	}
	h.syncer = treesync.New(h.store, newSession, treesync.Config{Fetcher: fetcher})
	return h
}

func (h *fetchHarness) sync(t *testing.T) {
	t.Helper()
	res, err := h.syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A", Name: "A"})
	if err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected sync errors: %+v", res.Errors)
	}
}

func (h *fetchHarness) elevation(t *testing.T) *models.Elevation {
	t.Helper()
	nodes := h.store.Nodes(models.LevelElevation)
	if len(nodes) != 1 {
		t.Fatalf("expected one elevation, got %d", len(nodes))
	}
	e, err := h.store.GetElevation(context.Background(), nodes[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestFetcher_DownloadsDuringSync(t *testing.T) {
	h := newFetchHarness(t)
	h.sync(t)

	e := h.elevation(t)
	if e.ArtifactPath == nil {
		t.Fatal("artifact path not recorded")
	}
	got, err := os.ReadFile(*e.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}
	if !bytes.Equal(got, h.content) {
		t.Error("downloaded artifact differs from remote content")
	}
	if e.ParseStatus != models.ParseStatusPending {
		t.Errorf("parse status = %s, want pending", e.ParseStatus)
	}
	if e.ArtifactObjectKey == nil || !h.objects.has(*e.ArtifactObjectKey) {
		t.Error("artifact must be archived")
	}
	if e.ThumbnailKey == nil || !h.objects.has(*e.ThumbnailKey) {
		t.Error("thumbnail must be stored")
	}

	entries, _ := os.ReadDir(h.dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestFetcher_SkipsUnchangedOnDisk(t *testing.T) {
	h := newFetchHarness(t)
	h.sync(t)
	h.sync(t)

	if n := h.fake.CountOp("parts-list", "e1"); n != 1 {
		t.Errorf("unchanged elevation downloaded %d times, want 1", n)
	}

	if err := os.Remove(*h.elevation(t).ArtifactPath); err != nil {
		t.Fatal(err)
	}
	h.sync(t)
	if n := h.fake.CountOp("parts-list", "e1"); n != 2 {
		t.Errorf("missing artifact must be downloaded again, got %d downloads", n)
	}
}

func TestFetcher_ThenParse(t *testing.T) {
	h := newFetchHarness(t)
	h.sync(t)

	p := artifact.NewPipeline(h.store)
	res, err := p.Parse(context.Background(), h.elevation(t).ID)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if res.Status != models.ParseStatusSuccess {
		t.Fatalf("expected success, got %+v", res)
	}

	// Same content downloaded again keeps the parse result.
	if err := os.Remove(*h.elevation(t).ArtifactPath); err != nil {
		t.Fatal(err)
	}
	h.sync(t)
	if got := h.elevation(t).ParseStatus; got != models.ParseStatusSuccess {
		t.Errorf("identical re-download reset parse status to %s", got)
	}
}

func TestFetcher_ThenParse_AwkwardNames(t *testing.T) {
	tests := []struct {
		name        string
		elevationID string
		dirName     string
	}{
		{name: "space", elevationID: "E 01"},
		{name: "slash", elevationID: "a/b"},
		{name: "hash", elevationID: "e#1"},
		{name: "question mark", elevationID: "e?1"},
		{name: "percent", elevationID: "e%201"},
		{name: "uri characters in dir", elevationID: "e1", dirName: "art#1?x %41"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.dirName != "" {
				dir = filepath.Join(dir, tt.dirName)
			}
			h := newFetchHarnessFor(t, dir, tt.elevationID)
			h.sync(t)

			e := h.elevation(t)
			if e.ArtifactPath == nil || filepath.Dir(*e.ArtifactPath) != dir {
				t.Fatalf("artifact must be written directly into %s, got %v", dir, e.ArtifactPath)
			}
			res, err := artifact.NewPipeline(h.store).Parse(context.Background(), e.ID)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if res.Status != models.ParseStatusSuccess {
				t.Fatalf("expected success for %q, got %s: %s", tt.elevationID, res.Status, res.Error)
			}
		})
	}
}

func TestArtifactFileName(t *testing.T) {
	ids := []string{"e1", "E 01", "E_01", "a/b", "a_b", "e#1", "e?1", "../../etc", strings.Repeat("x", 300)}
	seen := make(map[string]string)
	for _, id := range ids {
		name := artifact.ArtifactFileName(id)
		if strings.Trim(name, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-.") != "" {
			t.Errorf("ArtifactFileName(%q) = %q contains unsafe characters", id, name)
		}
		if !strings.HasSuffix(name, ".sqlite") || strings.HasPrefix(name, ".") {
			t.Errorf("ArtifactFileName(%q) = %q", id, name)
		}
		if other, dup := seen[name]; dup {
			t.Errorf("%q and %q share file name %q", id, other, name)
		}
		seen[name] = id
	}
	if artifact.ArtifactFileName("e1") != artifact.ArtifactFileName("e1") {
		t.Error("file name must be stable")
	}
}

func TestPipeline_RestoresFromArchive(t *testing.T) {
	h := newFetchHarness(t)
	h.sync(t)
	e := h.elevation(t)
	if err := os.Remove(*e.ArtifactPath); err != nil {
		t.Fatal(err)
	}

	p := artifact.NewPipeline(h.store, artifact.WithArchive(h.objects))
	res, err := p.Parse(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected restored artifact to parse, got %+v", res)
	}
	if _, err := os.Stat(*e.ArtifactPath); err != nil {
		t.Errorf("restored artifact not written back: %v", err)
	}
}
