// Package repository defines the persistence contract used by the booking
// services together with its MySQL implementation.  Sentinel errors are
// shared by every store implementation so higher layers can tell "missing"
// apart from "broken" without knowing which backend they run on.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row.  Handlers should
// translate it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write cannot be applied because the row
// is no longer in the expected state.
var ErrConflict = errors.New("conflict")
