package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// GlassRow is one row of the Glass table of a fixture artifact. Values are
// written as given, so a non-numeric Width makes a malformed row.
type GlassRow struct {
	Position  string
	Name      string
	Width     any
	Height    any
	Thickness any
	Quantity  any
}

// ArtifactOptions shapes a fixture parts-list database.
type ArtifactOptions struct {
	SystemName string
	Color      string
	Glass      []GlassRow
	Parts      int

	// OmitColumn drops one required column, written as "Table.Column".
	OmitColumn string
	// NoElevations leaves the Elevations table empty.
	NoElevations bool
}

// DefaultArtifact is a well-formed artifact with two glass rows.
func DefaultArtifact() ArtifactOptions {
	return ArtifactOptions{
		SystemName: "FW 50+",
		Color:      "RAL 9016",
		Glass: []GlassRow{
			{Position: "G1", Name: "Triple 4-16-4", Width: 1000, Height: 2000, Thickness: 24, Quantity: 1},
			{Position: "G2", Name: "Triple 4-16-4", Width: 500, Height: 1000, Thickness: 24, Quantity: 2},
		},
		Parts: 3,
	}
}

var artifactTables = []struct {
	name    string
	columns []string
}{
	{"Elevations", []string{"Name TEXT", "Width REAL", "Height REAL", "Depth REAL", "SystemName TEXT", "Color TEXT"}},
	{"Glass", []string{"Position TEXT", "Name TEXT", "Width", "Height", "Thickness", "Quantity", "Description TEXT"}},
	{"Parts", []string{"ArticleNumber TEXT", "Quantity INTEGER"}},
}

// WriteArtifact creates a parts-list database at path.
func WriteArtifact(t *testing.T, path string, opts ArtifactOptions) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create artifact dir: %v", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open fixture artifact: %v", err)
	}
	defer conn.Close()

	for _, table := range artifactTables {
		var cols []string
		for _, col := range table.columns {
			name := strings.Fields(col)[0]
			if opts.OmitColumn == table.name+"."+name {
				continue
			}
			cols = append(cols, col)
		}
		stmt := fmt.Sprintf("CREATE TABLE %s (%s)", table.name, strings.Join(cols, ", "))
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Failed to create fixture table %s: %v", table.name, err)
		}
	}

	if !opts.NoElevations && !strings.HasPrefix(opts.OmitColumn, "Elevations.") {
		if _, err := conn.Exec(
			`INSERT INTO Elevations (Name, Width, Height, Depth, SystemName, Color) VALUES (?, ?, ?, ?, ?, ?)`,
			"Elevation", 1000, 2000, 60, opts.SystemName, opts.Color); err != nil {
			t.Fatalf("Failed to insert fixture elevation: %v", err)
		}
	}

	if !strings.HasPrefix(opts.OmitColumn, "Glass.") {
		for _, g := range opts.Glass {
			if _, err := conn.Exec(
				`INSERT INTO Glass (Position, Name, Width, Height, Thickness, Quantity) VALUES (?, ?, ?, ?, ?, ?)`,
				g.Position, g.Name, g.Width, g.Height, g.Thickness, g.Quantity); err != nil {
				t.Fatalf("Failed to insert fixture glass row: %v", err)
			}
		}
	}

	if !strings.HasPrefix(opts.OmitColumn, "Parts.") {
		for i := 0; i < opts.Parts; i++ {
			if _, err := conn.Exec(`INSERT INTO Parts (ArticleNumber, Quantity) VALUES (?, ?)`,
				fmt.Sprintf("ART-%03d", i+1), i+1); err != nil {
				t.Fatalf("Failed to insert fixture part: %v", err)
			}
		}
	}
}

// ArtifactBytes builds a fixture artifact and returns its content, for
// serving through FakeRemote.
func ArtifactBytes(t *testing.T, opts ArtifactOptions) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.sqlite")
	WriteArtifact(t, path, opts)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read fixture artifact: %v", err)
	}
	return data
}
