package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and the governance service translates them into coded domain errors.
//
//   - ErrNotFound: record does not exist in the store
//   - ErrAlreadyUsed: a create-once record (citizen) already exists
//   - ErrConflict: a concurrent transaction touched the same keys; safe to retry
//   - ErrUnavailable: backend temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
