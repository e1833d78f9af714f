// Package models holds the catalog types shared by the sync and enrichment
// subsystems.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Level identifies one table of the mirrored hierarchy.
type Level string

const (
	LevelFolder    Level = "folder"
	LevelProject   Level = "project"
	LevelPhase     Level = "phase"
	LevelElevation Level = "elevation"
)

// Levels lists the hierarchy top-down.
var Levels = []Level{LevelFolder, LevelProject, LevelPhase, LevelElevation}

// SyncStatus is the reconciliation state of a hierarchy row.
type SyncStatus string

const (
	SyncStatusNew       SyncStatus = "new"
	SyncStatusUpdated   SyncStatus = "updated"
	SyncStatusUnchanged SyncStatus = "unchanged"
	SyncStatusError     SyncStatus = "error"
	// SyncStatusToRemove is only valid while a reconciliation pass is running.
	SyncStatusToRemove SyncStatus = "to_remove"
)

// ParseStatus is the enrichment state of an elevation's artifact.
type ParseStatus string

const (
	ParseStatusPending          ParseStatus = "pending"
	ParseStatusInProgress       ParseStatus = "in_progress"
	ParseStatusSuccess          ParseStatus = "success"
	ParseStatusFailed           ParseStatus = "failed"
	ParseStatusPartial          ParseStatus = "partial"
	ParseStatusValidationFailed ParseStatus = "validation_failed"
)

// HierarchyNode is the shape shared by folders, projects, phases and elevations.
type HierarchyNode struct {
	ID              int64      `json:"id"`
	Level           Level      `json:"level"`
	RemoteID        string     `json:"remote_id"` // full path for folders
	DisplayName     string     `json:"display_name"`
	ParentID        *int64     `json:"parent_id,omitempty"`
	SyncStatus      SyncStatus `json:"sync_status"`
	Fingerprint     string     `json:"fingerprint"`
	ExcludeFromSync bool       `json:"exclude_from_sync,omitempty"` // folders only
	RemoteChangedAt *time.Time `json:"remote_changed_at,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
	LastAPISync     *time.Time `json:"last_api_sync,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsLegacyIdentifier reports whether the row still uses the old identifier
// scheme, which keyed rows on their display name.
func (n HierarchyNode) IsLegacyIdentifier() bool {
	return n.RemoteID == n.DisplayName
}

// Dimensions are the physical extents of an elevation in millimetres.
type Dimensions struct {
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`
	Depth  decimal.Decimal `json:"depth"`
}

// RemoteNode is one item of a remote listing, normalized across levels.
type RemoteNode struct {
	RemoteID    string
	DisplayName string
	Description string
	ChangedAt   *time.Time
	Dimensions  *Dimensions // elevations only
}

// Fingerprint hashes the attributes that decide between updated and unchanged.
func (n RemoteNode) Fingerprint() string {
	parts := []string{n.DisplayName, n.Description}
	if n.ChangedAt != nil {
		parts = append(parts, n.ChangedAt.UTC().Format(time.RFC3339Nano))
	} else {
		parts = append(parts, "")
	}
	if n.Dimensions != nil {
		parts = append(parts,
			n.Dimensions.Width.String(),
			n.Dimensions.Height.String(),
			n.Dimensions.Depth.String(),
		)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Elevation is a leaf node plus its artifact side-record and the fields the
// enrichment pipeline extracts.
type Elevation struct {
	HierarchyNode
	Description       string              `json:"description,omitempty"`
	Width             decimal.NullDecimal `json:"width"`
	Height            decimal.NullDecimal `json:"height"`
	Depth             decimal.NullDecimal `json:"depth"`
	ArtifactPath      *string             `json:"artifact_path,omitempty"`
	ArtifactHash      *string             `json:"artifact_hash,omitempty"`
	ArtifactObjectKey *string             `json:"artifact_object_key,omitempty"`
	ThumbnailKey      *string             `json:"thumbnail_key,omitempty"`
	ParseStatus       ParseStatus         `json:"parse_status"`
	ParseError        *string             `json:"parse_error,omitempty"`
	ParseRetryCount   int                 `json:"parse_retry_count"`
	ParsedAt          *time.Time          `json:"parsed_at,omitempty"`
	SystemName        *string             `json:"system_name,omitempty"`
	Color             *string             `json:"color,omitempty"`
	GlassArea         decimal.NullDecimal `json:"glass_area"`
	GlassCount        int                 `json:"glass_count"`
	PartsCount        int                 `json:"parts_count"`

	Glass []GlassSpecification `json:"glass,omitempty"`
}

// ElevationEnrichment is what a successful parse writes onto the elevation.
type ElevationEnrichment struct {
	SystemName string
	Color      string
	GlassArea  decimal.Decimal
	GlassCount int
	PartsCount int
}

// GlassSpecification is a glass row owned by an elevation. Rows are replaced
// wholesale on every successful parse and have no identity across parses.
type GlassSpecification struct {
	ID          int64           `json:"id"`
	ElevationID int64           `json:"elevation_id"`
	Position    string          `json:"position"`
	Name        string          `json:"name"`
	Width       decimal.Decimal `json:"width"`
	Height      decimal.Decimal `json:"height"`
	Thickness   decimal.Decimal `json:"thickness"`
	Area        decimal.Decimal `json:"area"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description,omitempty"`
}

// SyncOutcome classifies a finished sync run.
type SyncOutcome string

const (
	SyncOutcomeCompleted             SyncOutcome = "completed"
	SyncOutcomeCompletedWithWarnings SyncOutcome = "completed_with_warnings"
	SyncOutcomeFailed                SyncOutcome = "failed"
)

// SyncError is one collected, non-fatal failure of a sync run.
type SyncError struct {
	Root    string `json:"root"`
	Path    string `json:"path,omitempty"`
	Op      string `json:"op"`
	Message string `json:"message"`
}

// SyncRun is the persisted summary of one syncAll execution.
type SyncRun struct {
	ID         string      `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Roots      int         `json:"roots"`
	Processed  int         `json:"processed"`
	Created    int         `json:"created"`
	Updated    int         `json:"updated"`
	Unchanged  int         `json:"unchanged"`
	Removed    int         `json:"removed"`
	Errors     []SyncError `json:"errors"`
	Outcome    SyncOutcome `json:"outcome"`
}

// Scope is the set of rows one remote listing is reconciled against: the
// children of ParentID at Level. A nil ParentID at LevelFolder is the root.
type Scope struct {
	Level    Level
	ParentID *int64
}

// RootScope is the scope of top-level folders.
func RootScope() Scope {
	return Scope{Level: LevelFolder}
}

// ChildScope returns the scope of a node's children at level.
func ChildScope(level Level, parentID int64) Scope {
	return Scope{Level: level, ParentID: &parentID}
}

// NodeWrite carries the fields the reconciler writes onto a hierarchy row.
type NodeWrite struct {
	RemoteID        string
	DisplayName     string
	ParentID        *int64
	Description     string
	Fingerprint     string
	RemoteChangedAt *time.Time
	Dimensions      *Dimensions
	SyncStatus      SyncStatus
}

// ParseRecord is what a successful parse commits in one transaction.
type ParseRecord struct {
	Hash       string
	Status     ParseStatus // success or partial
	Enrichment ElevationEnrichment
	Glass      []GlassSpecification
}
