package treesync_test

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/remote"
	"github.com/facadeworks/elevsync/internal/retry"
	"github.com/facadeworks/elevsync/internal/session"
	"github.com/facadeworks/elevsync/internal/testutil"
	"github.com/facadeworks/elevsync/internal/treesync"
)

func newFake() *testutil.FakeRemote {
	fake := testutil.NewFakeRemote("svc", "secret")
	fake.AddFolder("/A", "A")
	fake.AddFolder("/A/B", "B")
	fake.AddFolder("/A/C", "C")
	fake.AddProject("/A", "p1", "Project 1")
	fake.AddPhase("p1", "ph1", "Phase 1")
	fake.AddElevation("ph1", "e1", "Front", []byte("artifact"))
	return fake
}

func factory(transport session.Transport) treesync.SessionFactory {
	return func(name string) *session.Manager {
		return session.New(transport, session.Config{
			Username: "svc",
			Password: "secret",
			Name:     name,
			Retry:    retry.None(),
		})
	}
}

type recordingFetcher struct {
	mu    sync.Mutex
	calls map[string]models.SyncStatus
	err   error
}

func (f *recordingFetcher) Fetch(ctx context.Context, sess *session.Manager, node *models.HierarchyNode, status models.SyncStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]models.SyncStatus)
	}
	f.calls[node.RemoteID] = status
	if sess.Position().PhaseID == "" {
		return errors.New("fetch called without a phase selected")
	}
	return f.err
}

func TestSyncRootSubtree_MirrorsTree(t *testing.T) {
	fake := newFake()
	store := testutil.NewMemStore()
	fetcher := &recordingFetcher{}
	syncer := treesync.New(store, factory(fake), treesync.Config{Fetcher: fetcher})
	ctx := context.Background()

	res, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A", Name: "A"})
	if err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", res.Errors)
	}
	// root + 2 folders + project + phase + elevation
	if res.NodesProcessed != 6 || res.Created != 6 {
		t.Errorf("expected 6 created nodes, got processed=%d created=%d", res.NodesProcessed, res.Created)
	}

	counts := map[models.Level]int{
		models.LevelFolder:    3,
		models.LevelProject:   1,
		models.LevelPhase:     1,
		models.LevelElevation: 1,
	}
	for level, want := range counts {
		if got := len(store.Nodes(level)); got != want {
			t.Errorf("%s rows = %d, want %d", level, got, want)
		}
	}
	if fetcher.calls["e1"] != models.SyncStatusNew {
		t.Errorf("fetcher status for e1 = %q, want new", fetcher.calls["e1"])
	}
	if fake.OpenSessions() != 0 {
		t.Errorf("expected session logged out, %d still open", fake.OpenSessions())
	}

	t.Run("second pass is unchanged", func(t *testing.T) {
		res, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A", Name: "A"})
		if err != nil {
			t.Fatalf("SyncRootSubtree failed: %v", err)
		}
		if res.Created != 0 || res.Updated != 0 || res.Removed != 0 || res.Unchanged != 6 {
			t.Errorf("expected only unchanged transitions, got %+v", res)
		}
		if fetcher.calls["e1"] != models.SyncStatusUnchanged {
			t.Errorf("fetcher status for e1 = %q, want unchanged", fetcher.calls["e1"])
		}
	})

	t.Run("remote removal is swept", func(t *testing.T) {
		fake.RemoveFolder("/A/C")
		res, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A", Name: "A"})
		if err != nil {
			t.Fatalf("SyncRootSubtree failed: %v", err)
		}
		if res.Removed != 1 {
			t.Errorf("expected 1 removed, got %d", res.Removed)
		}
		for _, n := range store.Nodes(models.LevelFolder) {
			if n.RemoteID == "/A/C" {
				t.Error("/A/C should have been swept")
			}
		}
	})
}

func TestSyncRootSubtree_NavigationOrder(t *testing.T) {
	fake := newFake()
	syncer := treesync.New(testutil.NewMemStore(), factory(fake), treesync.Config{})

	if _, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"}); err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}

	want := []string{
		"select-folder(/A)",
		"list-folders",
		"list-projects",
		"select-project(p1)",
		"list-phases",
		"select-phase(ph1)",
		"list-elevations",
		"select-project(p1)",
		"select-folder(/A)",
		"select-folder(/A/B)",
		"list-folders",
		"list-projects",
		"select-folder(/A)",
		"select-folder(/A/C)",
		"list-folders",
		"list-projects",
		"select-folder(/A)",
		"logout",
	}
	got := fake.CallsFor("tok-1")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("call sequence mismatch\n got: %v\nwant: %v", got, want)
	}
}

func TestSyncRootSubtree_ChildFailureContinues(t *testing.T) {
	fake := newFake()
	fake.InjectFault("select-folder", "/A/B",
		&remote.APIError{Op: "select-folder", StatusCode: http.StatusNotFound, Message: "gone"}, 1)
	store := testutil.NewMemStore()
	syncer := treesync.New(store, factory(fake), treesync.Config{})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err != nil {
		t.Fatalf("child failure must not abort the walk: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Path != "/A/B" || res.Errors[0].Op != "select-folder" {
		t.Fatalf("expected one select-folder error for /A/B, got %+v", res.Errors)
	}
	if fake.CountOp("select-folder", "/A/C") != 1 {
		t.Error("sibling /A/C should still be visited")
	}

	calls := fake.CallsFor("tok-1")
	i := slices.Index(calls, "select-folder(/A/B)")
	if i < 0 || i+1 >= len(calls) || calls[i+1] != "select-folder(/A)" {
		t.Errorf("failed child must be followed by re-selecting the parent, got %v", calls)
	}
}

func TestSyncRootSubtree_FailedLastChildReselectsParent(t *testing.T) {
	fake := newFake()
	fake.InjectFault("select-folder", "/A/C",
		&remote.ConnectionError{Op: "select-folder", Err: errors.New("i/o timeout")}, 1)
	syncer := treesync.New(testutil.NewMemStore(), factory(fake), treesync.Config{})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err != nil {
		t.Fatalf("child failure must not abort the walk: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Path != "/A/C" {
		t.Fatalf("expected one error for /A/C, got %+v", res.Errors)
	}

	calls := fake.CallsFor("tok-1")
	want := []string{"select-folder(/A/C)", "select-folder(/A)", "logout"}
	if len(calls) < len(want) || !reflect.DeepEqual(calls[len(calls)-len(want):], want) {
		t.Errorf("walk must end by re-selecting the parent, got %v", calls)
	}
}

func TestSyncRootSubtree_RetriesOnlyInSession(t *testing.T) {
	fake := newFake()
	fake.InjectFault("select-folder", "/A/C",
		&remote.ConnectionError{Op: "select-folder", Err: errors.New("i/o timeout")}, 10)
	newSession := func(name string) *session.Manager {
		return session.New(fake, session.Config{
			Username: "svc",
			Password: "secret",
			Name:     name,
			Retry:    retry.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		})
	}
	syncer := treesync.New(testutil.NewMemStore(), newSession, treesync.Config{})

	if _, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"}); err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}

	attempts := 0
	for _, c := range fake.CallsFor("tok-1") {
		if c == "select-folder(/A/C)" {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("select-folder(/A/C) attempted %d times, want 2 from the session policy alone", attempts)
	}
}

// restoreFailing fails every re-selection of /A after the first one.
type restoreFailing struct {
	*testutil.FakeRemote
	mu      sync.Mutex
	selects int
}

func (r *restoreFailing) SelectFolder(ctx context.Context, token, folderPath string) error {
	if folderPath == "/A" {
		r.mu.Lock()
		r.selects++
		n := r.selects
		r.mu.Unlock()
		if n > 1 {
			return &remote.APIError{Op: "select-folder", StatusCode: http.StatusInternalServerError, Message: "boom"}
		}
	}
	return r.FakeRemote.SelectFolder(ctx, token, folderPath)
}

func TestSyncRootSubtree_ParentRestoreFailureIsFatal(t *testing.T) {
	fake := testutil.NewFakeRemote("svc", "secret")
	fake.AddFolder("/A", "A")
	fake.AddFolder("/A/B", "B")
	fake.AddFolder("/A/C", "C")
	transport := &restoreFailing{FakeRemote: fake}
	syncer := treesync.New(testutil.NewMemStore(), factory(transport), treesync.Config{})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err == nil {
		t.Fatal("expected restore failure to abort the walk")
	}
	if fake.CountOp("select-folder", "/A/C") != 0 {
		t.Error("walk must stop before visiting /A/C")
	}
	if fake.OpenSessions() != 0 {
		t.Error("expected logout after fatal error")
	}
	if len(res.Errors) == 0 {
		t.Error("expected the fatal error in the result")
	}
}

func TestSyncRootSubtree_Exclusion(t *testing.T) {
	fake := newFake()
	store := testutil.NewMemStore()
	ctx := context.Background()

	syncer := treesync.New(store, factory(fake), treesync.Config{})
	if _, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A"}); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	for _, n := range store.Nodes(models.LevelFolder) {
		if n.RemoteID == "/A/B" {
			if err := store.SetExcluded(ctx, n.ID, true); err != nil {
				t.Fatalf("SetExcluded failed: %v", err)
			}
		}
	}

	fake.AddFolder("/A/B/D", "D")
	fake.AddFolder("/A/C/E", "E")
	fake.ResetCalls()

	syncer = treesync.New(store, factory(fake), treesync.Config{ExcludePaths: []string{"/A/C/"}})
	if _, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A"}); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if fake.CountOp("select-folder", "/A/B") != 0 || fake.CountOp("select-folder", "/A/C") != 0 {
		t.Error("excluded folders must not be descended into")
	}
	paths := map[string]bool{}
	for _, n := range store.Nodes(models.LevelFolder) {
		paths[n.RemoteID] = true
	}
	if !paths["/A/B"] || !paths["/A/C"] {
		t.Error("excluded folders must still be reconciled")
	}
	if paths["/A/B/D"] || paths["/A/C/E"] {
		t.Error("descendants of excluded folders must not be synced")
	}
}

func TestSyncRootSubtree_DepthLimit(t *testing.T) {
	fake := testutil.NewFakeRemote("svc", "secret")
	fake.AddFolder("/A", "A")
	fake.AddFolder("/A/B", "B")
	fake.AddFolder("/A/B/C", "C")
	store := testutil.NewMemStore()
	syncer := treesync.New(store, factory(fake), treesync.Config{MaxDepth: 1})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Op != "depth-limit" || res.Errors[0].Path != "/A/B/C" {
		t.Fatalf("expected depth-limit error for /A/B/C, got %+v", res.Errors)
	}
	if fake.CountOp("select-folder", "/A/B/C") != 0 {
		t.Error("folder past the depth limit must not be selected")
	}
	if len(store.Nodes(models.LevelFolder)) != 3 {
		t.Error("folder past the depth limit is still reconciled as a child")
	}
}

// cyclic lists the root again beneath /A/B.
type cyclic struct {
	*testutil.FakeRemote
	mu       sync.Mutex
	position map[string]string
}

func (c *cyclic) SelectFolder(ctx context.Context, token, folderPath string) error {
	c.mu.Lock()
	c.position[token] = folderPath
	c.mu.Unlock()
	return c.FakeRemote.SelectFolder(ctx, token, folderPath)
}

func (c *cyclic) ListFolders(ctx context.Context, token string) ([]remote.FolderItem, error) {
	items, err := c.FakeRemote.ListFolders(ctx, token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.position[token] == "/A/B" {
		items = append(items, remote.FolderItem{Path: "/A", Name: "A"})
	}
	return items, err
}

func TestSyncRootSubtree_CycleDetection(t *testing.T) {
	fake := testutil.NewFakeRemote("svc", "secret")
	fake.AddFolder("/A", "A")
	fake.AddFolder("/A/B", "B")
	transport := &cyclic{FakeRemote: fake, position: make(map[string]string)}
	syncer := treesync.New(testutil.NewMemStore(), factory(transport), treesync.Config{})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}
	found := false
	for _, e := range res.Errors {
		if e.Op == "cycle" && e.Path == "/A" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected cycle error for /A, got %+v", res.Errors)
	}
	if n := fake.CountOp("select-folder", "/A"); n > 3 {
		t.Errorf("walk revisited the root %d times", n)
	}
}

// cancelling cancels the walk as soon as /A/B is selected.
type cancelling struct {
	*testutil.FakeRemote
	cancel context.CancelFunc
}

func (c *cancelling) SelectFolder(ctx context.Context, token, folderPath string) error {
	if folderPath == "/A/B" {
		c.cancel()
	}
	return c.FakeRemote.SelectFolder(ctx, token, folderPath)
}

func TestSyncRootSubtree_Cancellation(t *testing.T) {
	fake := newFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &cancelling{FakeRemote: fake, cancel: cancel}
	syncer := treesync.New(testutil.NewMemStore(), factory(transport), treesync.Config{})

	res, err := syncer.SyncRootSubtree(ctx, treesync.RootDescriptor{Path: "/A"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res == nil || res.NodesProcessed == 0 {
		t.Error("expected a partial result")
	}
	if fake.CountOp("select-folder", "/A/C") != 0 {
		t.Error("walk must stop after cancellation")
	}
	if fake.OpenSessions() != 0 || fake.CountOp("logout", "") != 1 {
		t.Error("cancellation must still log out")
	}
}

func TestSyncRootSubtree_SessionExpiryRecovers(t *testing.T) {
	fake := newFake()
	fake.InjectFault("list-phases", "", remote.ErrUnauthorized, 1)
	store := testutil.NewMemStore()
	syncer := treesync.New(store, factory(fake), treesync.Config{})

	res, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if err != nil {
		t.Fatalf("SyncRootSubtree failed: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("expected recovery without errors, got %+v", res.Errors)
	}
	if fake.CountOp("authenticate", "") != 2 {
		t.Errorf("expected one re-authentication, got %d authenticate calls", fake.CountOp("authenticate", ""))
	}
	if len(store.Nodes(models.LevelElevation)) != 1 {
		t.Error("elevation should be synced after recovery")
	}
}

func TestSyncRootSubtree_AuthenticationFailure(t *testing.T) {
	fake := newFake()
	syncer := treesync.New(testutil.NewMemStore(), func(name string) *session.Manager {
		return session.New(fake, session.Config{Username: "svc", Password: "wrong", Name: name})
	}, treesync.Config{})

	_, err := syncer.SyncRootSubtree(context.Background(), treesync.RootDescriptor{Path: "/A"})
	if !session.IsFatal(err) {
		t.Fatalf("expected fatal authentication error, got %v", err)
	}
}

func TestIsExcludedPath(t *testing.T) {
	tests := []struct {
		path     string
		excludes []string
		want     bool
	}{
		{"/A", []string{"/A"}, true},
		{"/A/B", []string{"/A"}, true},
		{"/AB", []string{"/A"}, false},
		{"/A/B", []string{"/A/B/"}, true},
		{"/A", nil, false},
		{"/A", []string{""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := treesync.IsExcludedPath(tt.path, tt.excludes); got != tt.want {
				t.Errorf("IsExcludedPath(%q, %v) = %v, want %v", tt.path, tt.excludes, got, tt.want)
			}
		})
	}
}
