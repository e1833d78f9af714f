package remote

import (
	"time"

	"github.com/facadeworks/elevsync/internal/models"
	"github.com/shopspring/decimal"
)

// listResponse is the envelope every listing call returns.
type listResponse[T any] struct {
	Data []T `json:"data"`
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

type selectRequest struct {
	Identifier string `json:"identifier"`
}

// FolderItem is one entry of GET /directories. Folder names collide across
// siblings, so Path is the only stable identifier.
type FolderItem struct {
	Path      string     `json:"path"`
	Name      string     `json:"name"`
	ChangedAt *time.Time `json:"changedDate,omitempty"`
}

// Node converts the item to the level-neutral reconciliation shape.
func (f FolderItem) Node() models.RemoteNode {
	return models.RemoteNode{RemoteID: f.Path, DisplayName: f.Name, ChangedAt: f.ChangedAt}
}

// ProjectItem is one entry of GET /projects.
type ProjectItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ChangedAt   *time.Time `json:"changedDate,omitempty"`
}

func (p ProjectItem) Node() models.RemoteNode {
	return models.RemoteNode{RemoteID: p.ID, DisplayName: p.Name, Description: p.Description, ChangedAt: p.ChangedAt}
}

// PhaseItem is one entry of GET /phases.
type PhaseItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	ChangedAt   *time.Time `json:"changedDate,omitempty"`
}

func (p PhaseItem) Node() models.RemoteNode {
	return models.RemoteNode{RemoteID: p.ID, DisplayName: p.Name, Description: p.Description, ChangedAt: p.ChangedAt}
}

// ElevationItem is one entry of GET /elevations.
type ElevationItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Width       decimal.Decimal `json:"width"`
	Height      decimal.Decimal `json:"height"`
	Depth       decimal.Decimal `json:"depth"`
	ChangedAt   *time.Time      `json:"changedDate,omitempty"`
}

func (e ElevationItem) Node() models.RemoteNode {
	return models.RemoteNode{
		RemoteID:    e.ID,
		DisplayName: e.Name,
		Description: e.Description,
		ChangedAt:   e.ChangedAt,
		Dimensions:  &models.Dimensions{Width: e.Width, Height: e.Height, Depth: e.Depth},
	}
}
