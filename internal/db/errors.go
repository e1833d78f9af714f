package db

import "errors"

// Sentinel errors for type-safe error checking
// Use errors.Is() instead of string comparison
var (
	// Hierarchy errors
	ErrNodeNotFound  = errors.New("node not found")
	ErrUnknownLevel  = errors.New("unknown hierarchy level")
	ErrInvalidParent = errors.New("parent does not exist")
	ErrDuplicateNode = errors.New("remote id already exists")

	// Elevation errors
	ErrElevationNotFound = errors.New("elevation not found")
	ErrNoArtifact        = errors.New("elevation has no artifact")
	ErrParseInProgress   = errors.New("elevation is already being parsed")

	// Sync run errors
	ErrSyncRunNotFound = errors.New("sync run not found")
)
