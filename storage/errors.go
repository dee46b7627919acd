package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a compare-and-swap write lost a race
	// with a concurrent writer. Callers should reload and retry or rescan.
	ErrConflict = errors.New("revision conflict")
)
