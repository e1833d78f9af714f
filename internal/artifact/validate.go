package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteHeader = "SQLite format 3\x00"

// requiredSchema lists the tables and columns extraction depends on.
var requiredSchema = []struct {
	table   string
	columns []string
}{
	{"Elevations", []string{"Name", "Width", "Height", "Depth", "SystemName", "Color"}},
	{"Glass", []string{"Position", "Name", "Width", "Height", "Thickness", "Quantity"}},
	{"Parts", []string{"ArticleNumber", "Quantity"}},
}

// columnSet maps lower-cased table names to their lower-cased columns.
type columnSet map[string]map[string]bool

func (c columnSet) has(table, column string) bool {
	return c[strings.ToLower(table)][strings.ToLower(column)]
}

// checkFile is the first layer: the file exists, is not empty and is
// within maxBytes.
func checkFile(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationFailedError{Stage: "file", Err: err}
	}
	if info.IsDir() {
		return &ValidationFailedError{Stage: "file", Err: fmt.Errorf("%s is a directory", path)}
	}
	if info.Size() == 0 {
		return &ValidationFailedError{Stage: "file", Err: ErrEmptyArtifact}
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return &ValidationFailedError{Stage: "file", Err: fmt.Errorf("%w: %d bytes, limit %d", ErrArtifactTooLarge, info.Size(), maxBytes)}
	}
	return nil
}

// checkHeader rejects anything that is not a SQLite database before the
// driver gets to see it.
func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &ValidationFailedError{Stage: "integrity", Err: err}
	}
	defer f.Close()

	header := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, header); err != nil {
		return &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("failed to read header: %w", err)}
	}
	if !bytes.Equal(header, []byte(sqliteHeader)) {
		return &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("not a SQLite database")}
	}
	return nil
}

// artifactURI builds a read-only SQLite URI for path. The path is made
// absolute and percent-encoded so '%', '?' and '#' in directory or file
// names are not read as URI syntax.
func artifactURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs), RawQuery: "mode=ro"}
	return u.String(), nil
}

// openArtifact opens the artifact read-only.
func openArtifact(path string) (*sql.DB, error) {
	uri, err := artifactURI(path)
	if err != nil {
		return nil, &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("failed to resolve artifact path: %w", err)}
	}
	conn, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("failed to open artifact: %w", err)}
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// checkIntegrity runs SQLite's own structural check.
func checkIntegrity(ctx context.Context, conn *sql.DB) error {
	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("quick_check failed: %w", err)}
	}
	if result != "ok" {
		return &ValidationFailedError{Stage: "integrity", Err: fmt.Errorf("quick_check: %s", result)}
	}
	return nil
}

// checkSchema verifies every required table and column exists and returns
// the columns found.
func checkSchema(ctx context.Context, conn *sql.DB) (columnSet, error) {
	cols := make(columnSet)
	var missing []string
	for _, want := range requiredSchema {
		found, err := tableColumns(ctx, conn, want.table)
		if err != nil {
			return nil, &ValidationFailedError{Stage: "schema", Err: err}
		}
		if len(found) == 0 {
			missing = append(missing, want.table)
			continue
		}
		cols[strings.ToLower(want.table)] = found
		for _, c := range want.columns {
			if !found[strings.ToLower(c)] {
				missing = append(missing, want.table+"."+c)
			}
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationFailedError{Stage: "schema", Err: fmt.Errorf("missing %s", strings.Join(missing, ", "))}
	}
	return cols, nil
}

func tableColumns(ctx context.Context, conn *sql.DB, table string) (map[string]bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		found[strings.ToLower(name)] = true
	}
	return found, rows.Err()
}

// checkContent is the last layer: the artifact describes at least one
// elevation.
func checkContent(ctx context.Context, conn *sql.DB) error {
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM Elevations").Scan(&n); err != nil {
		return &ValidationFailedError{Stage: "content", Err: err}
	}
	if n == 0 {
		return &ValidationFailedError{Stage: "content", Err: fmt.Errorf("Elevations table is empty")}
	}
	return nil
}

// hashFile returns the hex sha256 of the file content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
