package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired is returned when the remote rejected the token and
	// the single re-authenticate-and-retry did not recover the call.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated is returned by calls made before Authenticate.
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrNoFolderSelected is returned when a project is selected without a folder.
	ErrNoFolderSelected = errors.New("no folder selected")

	// ErrNoProjectSelected is returned when a phase is selected without a project.
	ErrNoProjectSelected = errors.New("no project selected")

	// ErrNoPhaseSelected is returned when a phase-scoped call runs without a phase.
	ErrNoPhaseSelected = errors.New("no phase selected")
)

// AuthenticationError means the remote refused the configured credentials or
// could not be reached to log in. It is fatal for the owning task.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// NavigationError means a select call failed. Callers recover by
// re-selecting the parent and moving to the next sibling.
type NavigationError struct {
	Op     string
	Target string
	Err    error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Target, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must abort the owning task rather than be
// counted and skipped.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}
