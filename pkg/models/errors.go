package models

import "errors"

// Error taxonomy shared by every backend adapter. Adapters translate
// backend-specific failures into one of these at the boundary, wrapping
// with fmt.Errorf("...: %w", Err...) so callers can match with errors.Is.
var (
	// ErrNotFound marks an unknown graph, node, or database.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument marks bad input shape, e.g. an empty node list
	// on create or a malformed database name.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported marks an operation the backend family cannot perform,
	// e.g. multi-database admin on a single-database engine.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrUnavailable marks backend connection failure or pool exhaustion.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrPermissionDenied marks an attempt to delete a protected database.
	ErrPermissionDenied = errors.New("permission denied")
)
