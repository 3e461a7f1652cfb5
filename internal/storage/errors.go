package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when a uniqueness constraint rejects an insert,
// e.g. the same webhook external id delivered twice.
var ErrDuplicate = errors.New("storage: duplicate")

// ErrAlreadyClaimed is returned when a claim is refused because another
// worker holds the row or the item is already resolved.
var ErrAlreadyClaimed = errors.New("storage: already claimed")

// ErrTerminal is returned when a transition is attempted on a row that is
// already in a terminal state.
var ErrTerminal = errors.New("storage: row in terminal state")
