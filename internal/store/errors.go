package store

import "errors"

// Error kinds for the decision store. Callers match with errors.Is; the
// wrapped message carries the offending id or field.
var (
	// ErrNotFound is returned for unknown ids, keys, and files.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an append-only invariant would be
	// violated, e.g. superseding an already-superseded decision.
	ErrConflict = errors.New("conflict")

	// ErrChainTooDeep is returned when an amendment chain traversal
	// exceeds the allowed depth.
	ErrChainTooDeep = errors.New("amendment chain too deep")

	// ErrValidation is returned for schema-violating writes, e.g. a
	// decision with an empty key.
	ErrValidation = errors.New("validation error")
)
