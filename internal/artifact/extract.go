package artifact

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/facadeworks/elevsync/internal/models"
)

// mm² per m²
var squareMillimetres = decimal.NewFromInt(1_000_000)

type extraction struct {
	enrichment models.ElevationEnrichment
	glass      []models.GlassSpecification
	skipped    int
}

func extract(ctx context.Context, conn *sql.DB, cols columnSet) (*extraction, error) {
	ex := &extraction{}

	var system, color sql.NullString
	err := conn.QueryRowContext(ctx, `SELECT SystemName, Color FROM Elevations ORDER BY rowid LIMIT 1`).
		Scan(&system, &color)
	if err != nil {
		return nil, &ParsingFailedError{Stage: "extract", Err: fmt.Errorf("failed to read elevation summary: %w", err)}
	}
	ex.enrichment.SystemName = strings.TrimSpace(system.String)
	ex.enrichment.Color = strings.TrimSpace(color.String)

	if err := extractGlass(ctx, conn, cols, ex); err != nil {
		return nil, err
	}

	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM Parts`).Scan(&ex.enrichment.PartsCount); err != nil {
		return nil, &ParsingFailedError{Stage: "extract", Err: fmt.Errorf("failed to count parts: %w", err)}
	}
	return ex, nil
}

func extractGlass(ctx context.Context, conn *sql.DB, cols columnSet, ex *extraction) error {
	description := "''"
	if cols.has("Glass", "Description") {
		description = "Description"
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT Position, Name, Width, Height, Thickness, Quantity, `+description+`
		FROM Glass ORDER BY rowid`)
	if err != nil {
		return &ParsingFailedError{Stage: "extract", Err: fmt.Errorf("failed to read glass: %w", err)}
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var position, name, width, height, thickness, quantity, desc sql.NullString
		if err := rows.Scan(&position, &name, &width, &height, &thickness, &quantity, &desc); err != nil {
			return &ParsingFailedError{Stage: "extract", Err: fmt.Errorf("failed to scan glass row: %w", err)}
		}
		g, ok := glassRow(position, name, width, height, thickness, quantity, desc)
		if !ok {
			ex.skipped++
			continue
		}
		total = total.Add(g.Area.Mul(decimal.NewFromInt(int64(g.Quantity))))
		ex.glass = append(ex.glass, g)
	}
	if err := rows.Err(); err != nil {
		return &ParsingFailedError{Stage: "extract", Err: fmt.Errorf("failed to read glass: %w", err)}
	}

	ex.enrichment.GlassArea = total.Round(4)
	ex.enrichment.GlassCount = len(ex.glass)
	return nil
}

// glassRow converts one raw row. Rows without a position, with
// non-numeric or non-positive dimensions, or a non-integer quantity are
// malformed.
func glassRow(position, name, width, height, thickness, quantity, desc sql.NullString) (models.GlassSpecification, bool) {
	var g models.GlassSpecification
	g.Position = strings.TrimSpace(position.String)
	if g.Position == "" {
		return g, false
	}
	g.Name = strings.TrimSpace(name.String)
	g.Description = strings.TrimSpace(desc.String)

	var ok bool
	if g.Width, ok = positive(width); !ok {
		return g, false
	}
	if g.Height, ok = positive(height); !ok {
		return g, false
	}
	if g.Thickness, ok = positive(thickness); !ok {
		return g, false
	}
	q, ok := positive(quantity)
	if !ok || !q.IsInteger() {
		return g, false
	}
	g.Quantity = int(q.IntPart())
	g.Area = g.Width.Mul(g.Height).Div(squareMillimetres).Round(4)
	return g, true
}

func positive(s sql.NullString) (decimal.Decimal, bool) {
	if !s.Valid {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s.String))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}
