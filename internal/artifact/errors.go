package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for type-safe error checking
var (
	// ErrNoArtifact means the elevation has no downloaded artifact yet
	ErrNoArtifact = errors.New("no artifact downloaded")

	// ErrArtifactTooLarge means the file exceeds the configured size limit
	ErrArtifactTooLarge = errors.New("artifact too large")

	// ErrEmptyArtifact means the file exists but has no content
	ErrEmptyArtifact = errors.New("artifact is empty")
)

// ValidationFailedError is returned when an artifact fails one of the
// validation layers. The elevation ends up validation_failed and nothing is
// extracted.
type ValidationFailedError struct {
	Stage string
	Err   error
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s: ValidationFailedError: %v", e.Stage, e.Err)
}

func (e *ValidationFailedError) Unwrap() error {
	return e.Err
}

// ParsingFailedError is returned when a valid-looking artifact cannot be
// read or committed. Stack is set when the failure was a recovered panic.
type ParsingFailedError struct {
	Stage string
	Err   error
	Stack string
}

func (e *ParsingFailedError) Error() string {
	return fmt.Sprintf("%s: ParsingFailedError: %v", e.Stage, e.Err)
}

func (e *ParsingFailedError) Unwrap() error {
	return e.Err
}

// stackExcerpt keeps the first lines of a goroutine stack dump.
func stackExcerpt(stack []byte, maxLines int) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], "...")
	}
	return strings.Join(lines, "\n")
}
