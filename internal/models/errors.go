package models

import "errors"

var (
	// ErrNotFound is returned by stores when a tenant-scoped row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a compare-and-swap update matched no row.
	ErrVersionConflict = errors.New("version conflict")
)
