package storage

import "github.com/orbitfleet/orchestra/internal/model"

// ErrNotFound is returned when a requested key or record does not exist.
var ErrNotFound = model.ErrNotFound

// ErrStaleVersion is returned by SaveContinuous when the stored version has
// advanced past expected_version (spec.md §4.1's StaleVersion condition).
var ErrStaleVersion = model.ErrStaleVersion
