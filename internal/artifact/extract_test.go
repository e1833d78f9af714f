package artifact

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func ns(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestGlassRow(t *testing.T) {
	null := sql.NullString{}
	tests := []struct {
		name     string
		position sql.NullString
		width    sql.NullString
		quantity sql.NullString
		ok       bool
		area     string
	}{
		{"valid", ns("G1"), ns("1000"), ns("2"), true, "2"},
		{"real number width", ns("G1"), ns("1250.5"), ns("1"), true, "2.501"},
		{"padded values", ns(" G1 "), ns(" 1000 "), ns("1"), true, "2"},
		{"missing position", ns(""), ns("1000"), ns("1"), false, ""},
		{"null width", ns("G1"), null, ns("1"), false, ""},
		{"text width", ns("G1"), ns("wide"), ns("1"), false, ""},
		{"zero width", ns("G1"), ns("0"), ns("1"), false, ""},
		{"negative quantity", ns("G1"), ns("1000"), ns("-1"), false, ""},
		{"fractional quantity", ns("G1"), ns("1000"), ns("1.5"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, ok := glassRow(tt.position, ns("Float"), tt.width, ns("2000"), ns("24"), tt.quantity, null)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if !g.Area.Equal(decimal.RequireFromString(tt.area)) {
				t.Errorf("area = %s, want %s", g.Area, tt.area)
			}
			if g.Position != "G1" {
				t.Errorf("position = %q", g.Position)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	v := &ValidationFailedError{Stage: "schema", Err: errors.New("missing Glass.Thickness")}
	if got := v.Error(); got != "schema: ValidationFailedError: missing Glass.Thickness" {
		t.Errorf("unexpected message %q", got)
	}
	p := &ParsingFailedError{Stage: "extract", Err: ErrEmptyArtifact}
	if !errors.Is(p, ErrEmptyArtifact) {
		t.Error("ParsingFailedError must unwrap")
	}
}

func TestStackExcerpt(t *testing.T) {
	stack := []byte(strings.Repeat("frame\n", 40))
	got := stackExcerpt(stack, 5)
	lines := strings.Split(got, "\n")
	if len(lines) != 6 || lines[5] != "..." {
		t.Errorf("expected 5 frames and an ellipsis, got %q", got)
	}
	if short := stackExcerpt([]byte("a\nb"), 5); short != "a\nb" {
		t.Errorf("short stacks are kept whole, got %q", short)
	}
}
