package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/models"
	"github.com/shopspring/decimal"
)

// MemStore is an in-memory stand-in for *db.DB covering the methods the
// sync and enrichment packages use. It applies the same cascade rules as the
// schema.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[models.Level]map[int64]*models.Elevation
	runs   []models.SyncRun

	syncLocked bool

	// FailInsert, when set, is returned by InsertNode for that remote id.
	FailInsert map[string]error
	// FailSave, when set, is returned by SaveParseResult.
	FailSave error
	// Clock, when set, replaces time.Now for parse claims.
	Clock func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	s := &MemStore{
		rows:       make(map[models.Level]map[int64]*models.Elevation),
		FailInsert: make(map[string]error),
	}
	for _, level := range models.Levels {
		s.rows[level] = make(map[int64]*models.Elevation)
	}
	return s
}

func (s *MemStore) MarkForRemoval(ctx context.Context, scope models.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.inScope(scope) {
		row.SyncStatus = models.SyncStatusToRemove
		n++
	}
	return n, nil
}

func (s *MemStore) FindByRemoteID(ctx context.Context, level models.Level, remoteID string) (*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows[level] {
		if row.RemoteID == remoteID {
			node := row.HierarchyNode
			return &node, nil
		}
	}
	return nil, db.ErrNodeNotFound
}

func (s *MemStore) FindLegacyMatch(ctx context.Context, scope models.Scope, displayName string) (*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.inScope(scope) {
		if row.SyncStatus == models.SyncStatusToRemove && row.IsLegacyIdentifier() && row.DisplayName == displayName {
			node := row.HierarchyNode
			return &node, nil
		}
	}
	return nil, db.ErrNodeNotFound
}

func (s *MemStore) InsertNode(ctx context.Context, level models.Level, w models.NodeWrite) (*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailInsert[w.RemoteID]; err != nil {
		return nil, err
	}
	for _, row := range s.rows[level] {
		if row.RemoteID == w.RemoteID {
			return nil, errors.New("duplicate remote_id")
		}
	}
	s.nextID++
	now := time.Now().UTC()
	row := &models.Elevation{
		HierarchyNode: models.HierarchyNode{
			ID:        s.nextID,
			Level:     level,
			CreatedAt: now,
		},
		ParseStatus: models.ParseStatusPending,
	}
	applyWrite(row, w, now)
	s.rows[level][row.ID] = row
	node := row.HierarchyNode
	return &node, nil
}

func (s *MemStore) UpdateNode(ctx context.Context, level models.Level, id int64, w models.NodeWrite) (*models.HierarchyNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[level][id]
	if !ok {
		return nil, db.ErrNodeNotFound
	}
	applyWrite(row, w, time.Now().UTC())
	node := row.HierarchyNode
	return &node, nil
}

func (s *MemStore) SweepMarked(ctx context.Context, scope models.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.inScope(scope) {
		if row.SyncStatus == models.SyncStatusToRemove {
			s.cascade(scope.Level, row.ID)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ResetMarked(ctx context.Context, scope models.Scope, status models.SyncStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.inScope(scope) {
		if row.SyncStatus == models.SyncStatusToRemove {
			row.SyncStatus = status
			n++
		}
	}
	return n, nil
}

// SetExcluded sets exclude_from_sync on a folder.
func (s *MemStore) SetExcluded(ctx context.Context, folderID int64, excluded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelFolder][folderID]
	if !ok {
		return db.ErrNodeNotFound
	}
	row.ExcludeFromSync = excluded
	return nil
}

// Nodes returns the rows of a level sorted by remote id.
func (s *MemStore) Nodes(level models.Level) []models.HierarchyNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.HierarchyNode
	for _, row := range s.rows[level] {
		out = append(out, row.HierarchyNode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

// Seed inserts a row directly, bypassing reconciliation.
func (s *MemStore) Seed(level models.Level, remoteID, displayName string, parentID *int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	row := &models.Elevation{
		HierarchyNode: models.HierarchyNode{
			ID:          s.nextID,
			Level:       level,
			RemoteID:    remoteID,
			DisplayName: displayName,
			ParentID:    parentID,
			SyncStatus:  models.SyncStatusUnchanged,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		ParseStatus: models.ParseStatusPending,
	}
	s.rows[level][row.ID] = row
	return row.ID
}

// SeedElevation inserts an elevation with an artifact path.
func (s *MemStore) SeedElevation(remoteID string, artifactPath string) int64 {
	id := s.Seed(models.LevelElevation, remoteID, remoteID, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	if artifactPath != "" {
		s.rows[models.LevelElevation][id].ArtifactPath = &artifactPath
	}
	return id
}

func (s *MemStore) GetElevation(ctx context.Context, id int64) (*models.Elevation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return nil, db.ErrElevationNotFound
	}
	cp := *row
	cp.Glass = append([]models.GlassSpecification(nil), row.Glass...)
	return &cp, nil
}

func (s *MemStore) SetElevationArtifact(ctx context.Context, id int64, path, contentHash string, objectKey *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return db.ErrElevationNotFound
	}
	row.ArtifactPath = &path
	if objectKey != nil {
		row.ArtifactObjectKey = objectKey
	}
	keep := row.ParseStatus == models.ParseStatusSuccess && row.ArtifactHash != nil && *row.ArtifactHash == contentHash
	if !keep {
		row.ParseStatus = models.ParseStatusPending
		row.ParseRetryCount = 0
	}
	return nil
}

func (s *MemStore) SetElevationThumbnail(ctx context.Context, id int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return db.ErrElevationNotFound
	}
	row.ThumbnailKey = &key
	return nil
}

func (s *MemStore) MarkParseInProgress(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return db.ErrElevationNotFound
	}
	now := s.now()
	if row.ParseStatus == models.ParseStatusInProgress {
		if !s.claimExpired(row, now) {
			return db.ErrParseInProgress
		}
		row.ParseRetryCount++
	}
	row.ParseStatus = models.ParseStatusInProgress
	row.UpdatedAt = now
	return nil
}

func (s *MemStore) SaveParseResult(ctx context.Context, id int64, rec models.ParseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return db.ErrElevationNotFound
	}
	now := s.now().UTC()
	hash := rec.Hash
	system := rec.Enrichment.SystemName
	color := rec.Enrichment.Color
	row.ArtifactHash = &hash
	row.ParseStatus = rec.Status
	row.ParseError = nil
	row.ParseRetryCount = 0
	row.ParsedAt = &now
	row.UpdatedAt = now
	row.SystemName = &system
	row.Color = &color
	row.GlassArea = decimal.NewNullDecimal(rec.Enrichment.GlassArea)
	row.GlassCount = rec.Enrichment.GlassCount
	row.PartsCount = rec.Enrichment.PartsCount
	row.Glass = nil
	for i, g := range rec.Glass {
		g.ID = int64(i + 1)
		g.ElevationID = id
		row.Glass = append(row.Glass, g)
	}
	return nil
}

func (s *MemStore) FailParse(ctx context.Context, id int64, status models.ParseStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[models.LevelElevation][id]
	if !ok {
		return db.ErrElevationNotFound
	}
	row.ParseStatus = status
	row.ParseError = &message
	row.ParseRetryCount++
	row.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ListParseCandidates(ctx context.Context, maxRetries, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, row := range s.rows[models.LevelElevation] {
		if row.ArtifactPath == nil {
			continue
		}
		switch row.ParseStatus {
		case models.ParseStatusPending:
			ids = append(ids, id)
		case models.ParseStatusFailed:
			if row.ParseRetryCount < maxRetries {
				ids = append(ids, id)
			}
		case models.ParseStatusInProgress:
			if row.ParseRetryCount < maxRetries && s.claimExpired(row, s.now()) {
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// TryAcquireSyncLock mirrors the database advisory lock within one store.
func (s *MemStore) TryAcquireSyncLock(ctx context.Context) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncLocked {
		return nil, false, nil
	}
	s.syncLocked = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.syncLocked = false
			s.mu.Unlock()
		})
	}, true, nil
}

func (s *MemStore) SyncLockHeld(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked, nil
}

func (s *MemStore) InsertSyncRun(ctx context.Context, run *models.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

func (s *MemStore) ListSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SyncRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		out = append(out, s.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) GetSyncRun(ctx context.Context, id string) (*models.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == id {
			run := s.runs[i]
			return &run, nil
		}
	}
	return nil, db.ErrSyncRunNotFound
}

// GetElevationWithGlass matches *db.DB; GetElevation already copies glass.
func (s *MemStore) GetElevationWithGlass(ctx context.Context, id int64) (*models.Elevation, error) {
	return s.GetElevation(ctx, id)
}

func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemStore) CountStale(ctx context.Context, level models.Level, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows[level] {
		if row.LastAPISync == nil || row.LastAPISync.Before(olderThan) {
			n++
		}
	}
	return n, nil
}

// inScope returns the rows of scope. Caller holds mu.
func (s *MemStore) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *MemStore) claimExpired(row *models.Elevation, now time.Time) bool {
	return row.UpdatedAt.Before(now.Add(-db.ParseClaimTimeout))
}

func (s *MemStore) inScope(scope models.Scope) []*models.Elevation {
	var out []*models.Elevation
	for _, row := range s.rows[scope.Level] {
		if sameParent(row.ParentID, scope.ParentID) {
			out = append(out, row)
		}
	}
	return out
}

// cascade deletes a row and everything beneath it. Caller holds mu.
func (s *MemStore) cascade(level models.Level, id int64) {
	delete(s.rows[level], id)
	var children []struct {
		level models.Level
		id    int64
	}
	for _, childLevel := range childLevels(level) {
		for cid, row := range s.rows[childLevel] {
			if row.ParentID != nil && *row.ParentID == id {
				children = append(children, struct {
					level models.Level
					id    int64
				}{childLevel, cid})
			}
		}
	}
	for _, c := range children {
		s.cascade(c.level, c.id)
	}
}

func childLevels(level models.Level) []models.Level {
	switch level {
	case models.LevelFolder:
		return []models.Level{models.LevelFolder, models.LevelProject}
	case models.LevelProject:
		return []models.Level{models.LevelPhase}
	case models.LevelPhase:
		return []models.Level{models.LevelElevation}
	}
	return nil
}

func applyWrite(row *models.Elevation, w models.NodeWrite, now time.Time) {
	row.RemoteID = w.RemoteID
	row.DisplayName = w.DisplayName
	row.ParentID = w.ParentID
	row.Fingerprint = w.Fingerprint
	row.RemoteChangedAt = w.RemoteChangedAt
	row.SyncStatus = w.SyncStatus
	row.Description = w.Description
	row.SyncedAt = &now
	row.LastAPISync = &now
	row.UpdatedAt = now
	if w.Dimensions != nil {
		row.Width = decimal.NewNullDecimal(w.Dimensions.Width)
		row.Height = decimal.NewNullDecimal(w.Dimensions.Height)
		row.Depth = decimal.NewNullDecimal(w.Dimensions.Depth)
	}
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
