package store

import "errors"

// ErrNotFound is returned by lookups that find no matching row. It is a
// storage-layer concern, distinct from the request-level §7 error
// taxonomy in package relay.
var ErrNotFound = errors.New("store: not found")
