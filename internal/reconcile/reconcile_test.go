package reconcile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/facadeworks/elevsync/internal/models"
	"github.com/facadeworks/elevsync/internal/reconcile"
	"github.com/facadeworks/elevsync/internal/testutil"
)

func folders(names ...string) []models.RemoteNode {
	var out []models.RemoteNode
	for _, n := range names {
		out = append(out, models.RemoteNode{RemoteID: "/" + n, DisplayName: n})
	}
	return out
}

func TestReconcile_CreatesThenUnchanged(t *testing.T) {
	store := testutil.NewMemStore()
	r := reconcile.New(store)
	ctx := context.Background()
	items := folders("A", "B", "C")

	first, err := r.Reconcile(ctx, models.RootScope(), items)
	if err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	if first.Created != 3 || first.Updated != 0 || first.Removed != 0 {
		t.Errorf("first pass = %+v, want 3 created", first)
	}

	before := store.Nodes(models.LevelFolder)

	second, err := r.Reconcile(ctx, models.RootScope(), items)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Removed != 0 || second.Unchanged != 3 {
		t.Errorf("second pass = %+v, want 3 unchanged only", second)
	}

	after := store.Nodes(models.LevelFolder)
	if len(after) != len(before) {
		t.Fatalf("row count changed: %d -> %d", len(before), len(after))
	}
	for i := range after {
		if after[i].ID != before[i].ID || after[i].RemoteID != before[i].RemoteID {
			t.Errorf("row %d changed identity: %+v -> %+v", i, before[i], after[i])
		}
		if after[i].SyncStatus != models.SyncStatusUnchanged {
			t.Errorf("row %s status = %s, want unchanged", after[i].RemoteID, after[i].SyncStatus)
		}
	}
}

func TestReconcile_DetectsUpdates(t *testing.T) {
	store := testutil.NewMemStore()
	r := reconcile.New(store)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, models.RootScope(), folders("A")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	renamed := []models.RemoteNode{{RemoteID: "/A", DisplayName: "A (archived)"}}
	result, err := r.Reconcile(ctx, models.RootScope(), renamed)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("Updated = %d, want 1", result.Updated)
	}
	nodes := store.Nodes(models.LevelFolder)
	if nodes[0].DisplayName != "A (archived)" || nodes[0].SyncStatus != models.SyncStatusUpdated {
		t.Errorf("unexpected row %+v", nodes[0])
	}
}

func TestReconcile_SweepRemovesEverythingNotListed(t *testing.T) {
	store := testutil.NewMemStore()
	r := reconcile.New(store)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, models.RootScope(), folders("A", "B", "C", "D")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	// A child of B must go with it.
	b, _ := store.FindByRemoteID(ctx, models.LevelFolder, "/B")
	store.Seed(models.LevelProject, "p-under-b", "Under B", &b.ID)

	result, err := r.Reconcile(ctx, models.RootScope(), folders("A", "C"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Removed != 2 {
		t.Errorf("Removed = %d, want 2", result.Removed)
	}

	nodes := store.Nodes(models.LevelFolder)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 folders, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.SyncStatus == models.SyncStatusToRemove {
			t.Errorf("row %s left in to_remove", n.RemoteID)
		}
	}
	if projects := store.Nodes(models.LevelProject); len(projects) != 0 {
		t.Errorf("expected cascade to remove projects, found %d", len(projects))
	}
}

func TestReconcile_ScopesAreIndependent(t *testing.T) {
	store := testutil.NewMemStore()
	r := reconcile.New(store)
	ctx := context.Background()

	root, err := r.Reconcile(ctx, models.RootScope(), folders("A", "B"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	aID := root.Entries[0].Node.ID
	bID := root.Entries[1].Node.ID

	if _, err := r.Reconcile(ctx, models.ChildScope(models.LevelProject, aID), []models.RemoteNode{{RemoteID: "p1", DisplayName: "One"}}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	// An empty listing for B must not touch A's projects.
	result, err := r.Reconcile(ctx, models.ChildScope(models.LevelProject, bID), nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Removed != 0 {
		t.Errorf("Removed = %d, want 0", result.Removed)
	}
	if got := len(store.Nodes(models.LevelProject)); got != 1 {
		t.Errorf("projects = %d, want 1", got)
	}
}

func TestReconcile_LegacyIdentifierMigration(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()
	folderID := store.Seed(models.LevelFolder, "/Acme", "Acme", nil)
	legacyID := store.Seed(models.LevelProject, "Tower", "Tower", &folderID)

	scope := models.ChildScope(models.LevelProject, folderID)
	items := []models.RemoteNode{{RemoteID: "p-42", DisplayName: "Tower"}}

	t.Run("disabled inserts a new row and sweeps the legacy one", func(t *testing.T) {
		s := testutil.NewMemStore()
		fid := s.Seed(models.LevelFolder, "/Acme", "Acme", nil)
		oldID := s.Seed(models.LevelProject, "Tower", "Tower", &fid)

		result, err := reconcile.New(s).Reconcile(ctx, models.ChildScope(models.LevelProject, fid), items)
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if result.Created != 1 || result.Removed != 1 {
			t.Errorf("result = %+v, want 1 created 1 removed", result)
		}
		nodes := s.Nodes(models.LevelProject)
		if len(nodes) != 1 || nodes[0].ID == oldID {
			t.Errorf("expected a fresh row, got %+v", nodes)
		}
	})

	t.Run("enabled rewrites the identifier in place", func(t *testing.T) {
		r := reconcile.New(store, reconcile.WithLegacyMatch(true))
		result, err := r.Reconcile(ctx, scope, items)
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if result.Created != 0 || result.Removed != 0 || result.Migrated != 1 {
			t.Errorf("result = %+v, want 1 migrated", result)
		}
		nodes := store.Nodes(models.LevelProject)
		if len(nodes) != 1 {
			t.Fatalf("expected 1 project, got %d", len(nodes))
		}
		if nodes[0].ID != legacyID || nodes[0].RemoteID != "p-42" {
			t.Errorf("row = %+v, want id %d with remote_id p-42", nodes[0], legacyID)
		}
		if nodes[0].SyncStatus != models.SyncStatusUpdated {
			t.Errorf("status = %s, want updated", nodes[0].SyncStatus)
		}

		again, err := r.Reconcile(ctx, scope, items)
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if again.Unchanged != 1 || again.Migrated != 0 {
			t.Errorf("second pass = %+v, want 1 unchanged", again)
		}
	})

	t.Run("rows keyed on a real identifier are not migrated", func(t *testing.T) {
		s := testutil.NewMemStore()
		fid := s.Seed(models.LevelFolder, "/Acme", "Acme", nil)
		s.Seed(models.LevelProject, "p-7", "Tower", &fid)

		result, err := reconcile.New(s, reconcile.WithLegacyMatch(true)).Reconcile(ctx, models.ChildScope(models.LevelProject, fid), items)
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if result.Migrated != 0 || result.Created != 1 || result.Removed != 1 {
			t.Errorf("result = %+v, want 1 created 1 removed", result)
		}
	})
}

func TestReconcile_DuplicateRemoteIDsProcessedOnce(t *testing.T) {
	store := testutil.NewMemStore()
	items := []models.RemoteNode{
		{RemoteID: "/A", DisplayName: "A"},
		{RemoteID: "/A", DisplayName: "A again"},
		{RemoteID: "/B", DisplayName: "B"},
	}

	result, err := reconcile.New(store).Reconcile(context.Background(), models.RootScope(), items)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if result.Created != 2 {
		t.Errorf("Created = %d, want 2", result.Created)
	}
	if len(result.Duplicates) != 1 || result.Duplicates[0] != "/A" {
		t.Errorf("Duplicates = %v, want [/A]", result.Duplicates)
	}
	a, _ := store.FindByRemoteID(context.Background(), models.LevelFolder, "/A")
	if a.DisplayName != "A" {
		t.Errorf("first occurrence must win, got %q", a.DisplayName)
	}
}

func TestReconcile_AbortLeavesNoTransientRows(t *testing.T) {
	store := testutil.NewMemStore()
	r := reconcile.New(store)
	ctx := context.Background()

	if _, err := r.Reconcile(ctx, models.RootScope(), folders("A", "B")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	boom := errors.New("disk full")
	store.FailInsert["/C"] = boom
	_, err := r.Reconcile(ctx, models.RootScope(), folders("C", "A", "B"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected insert error, got %v", err)
	}

	nodes := store.Nodes(models.LevelFolder)
	if len(nodes) != 2 {
		t.Fatalf("aborted pass must not delete rows, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.SyncStatus != models.SyncStatusError {
			t.Errorf("row %s status = %s, want error", n.RemoteID, n.SyncStatus)
		}
	}
}
