// Package errors defines the typed domain error categories of §7: the
// Orchestrator and its services never see raw transport errors, only these.
package errors

import (
	"github.com/go-faster/errors"
)

// Category is the error taxonomy of §7.
type Category string

const (
	CategoryTransient   Category = "transient_upstream"
	CategoryAuth        Category = "auth"
	CategoryMalformed   Category = "malformed_upstream"
	CategoryIntegrity   Category = "integrity"
	CategoryBlocked     Category = "expected_domain"
)

// Retryable categories get bounded exponential backoff; the rest do not.
func (c Category) Retryable() bool {
	return c == CategoryTransient
}

// DomainError is a categorized, wrapped error carrying a stable code and a
// human-readable reason, per §7's propagation policy.
type DomainError struct {
	Category Category
	Code     string
	Reason   string
	cause    error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Reason + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Reason
}

func (e *DomainError) Unwrap() error { return e.cause }

func New(category Category, code, reason string, cause error) *DomainError {
	wrapped := cause
	if cause != nil {
		wrapped = errors.Wrap(cause, reason)
	}
	return &DomainError{Category: category, Code: code, Reason: reason, cause: wrapped}
}

// Sentinel codes referenced directly by callers (§4.2 retryable set and
// §7's named categories).
var (
	ErrUpstreamTimeout  = &DomainError{Category: CategoryTransient, Code: "upstream_timeout", Reason: "upstream call timed out"}
	ErrUpstreamRejected = &DomainError{Category: CategoryAuth, Code: "upstream_rejected", Reason: "upstream rejected the request"}
	ErrParseMalformed   = &DomainError{Category: CategoryMalformed, Code: "parse_malformed", Reason: "response did not match the expected schema"}
	ErrRateLimited      = &DomainError{Category: CategoryTransient, Code: "rate_limited", Reason: "upstream signaled a rate limit"}
	ErrSnapshotMismatch = &DomainError{Category: CategoryIntegrity, Code: "snapshot_hash_mismatch", Reason: "captured hash does not match rollback target"}
	ErrIllegalTransition = &DomainError{Category: CategoryIntegrity, Code: "illegal_transition", Reason: "state machine transition is not permitted"}
)

// Is reports whether err is (or wraps) a *DomainError with the given code.
func Is(err error, sentinel *DomainError) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code == sentinel.Code
	}
	return false
}
