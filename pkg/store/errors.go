package store

import "errors"

// ErrNotFound is returned by Get-style methods when the identity is absent.
var ErrNotFound = errors.New("store: not found")
