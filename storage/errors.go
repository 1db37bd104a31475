package storage

import "errors"

// ErrNotFound is returned when no mirrored result exists for a key.
var ErrNotFound = errors.New("cache entry not found")
