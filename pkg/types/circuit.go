package types

import (
	"fmt"
	"time"
)

// CircuitStateName is one of the three circuit breaker states.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "CLOSED"
	CircuitOpen     CircuitStateName = "OPEN"
	CircuitHalfOpen CircuitStateName = "HALF_OPEN"
)

func (s CircuitStateName) valid() bool {
	switch s {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// CircuitTransition is one entry in a CircuitState's history.
type CircuitTransition struct {
	From   CircuitStateName `json:"from"`
	To     CircuitStateName `json:"to"`
	Reason string           `json:"reason"`
	At     time.Time        `json:"at"`
	Actor  string           `json:"actor"`
}

// CircuitState is the persisted state of one failure-signature's circuit
// breaker; see §4.4.
type CircuitState struct {
	Signature     string               `json:"signature" db:"signature"`
	State         CircuitStateName     `json:"state" db:"state"`
	FailureCount  int                  `json:"failure_count" db:"failure_count"`
	LastFailureAt time.Time            `json:"last_failure_at" db:"last_failure_at"`
	OpenedAt      *time.Time           `json:"opened_at,omitempty" db:"opened_at"`
	AutoResetAt   *time.Time           `json:"auto_reset_at,omitempty" db:"auto_reset_at"`
	History       []CircuitTransition  `json:"history" db:"-"`
	TrialInFlight bool                 `json:"trial_in_flight" db:"trial_in_flight"`
}

func (c CircuitState) Validate() error {
	if c.Signature == "" {
		return fmt.Errorf("circuit state: signature is required")
	}
	if !c.State.valid() {
		return fmt.Errorf("circuit state: invalid state %q", c.State)
	}
	return nil
}
