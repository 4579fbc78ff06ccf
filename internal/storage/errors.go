package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist
// (or is not visible to the requesting user).
var ErrNotFound = errors.New("storage: not found")
