// Package circuitbreaker implements the failure-signature-keyed state
// machine of §4.4: CLOSED -> OPEN on threshold consecutive failures,
// OPEN -> HALF_OPEN on auto_reset_at, HALF_OPEN -> CLOSED on the next
// success (clearing failure_count), HALF_OPEN -> OPEN on failure.
//
// The per-signature generation is tracked with sony/gobreaker so the
// trip/probe bookkeeping matches an idiom the rest of the ecosystem
// already relies on; CircuitState in Store is the durable mirror of that
// generation, not a replacement for it.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Breaker evaluates and mutates CircuitState for a failure signature.
type Breaker struct {
	store     store.Store
	clock     clock.Clock
	threshold int
	autoReset time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	gens    map[string]*gobreaker.TwoStepCircuitBreaker
	pending map[string]func(bool)
}

func New(s store.Store, clk clock.Clock, threshold int, autoReset time.Duration) *Breaker {
	return &Breaker{
		store:     s,
		clock:     clk,
		threshold: threshold,
		autoReset: autoReset,
		locks:     make(map[string]*sync.Mutex),
		gens:      make(map[string]*gobreaker.TwoStepCircuitBreaker),
		pending:   make(map[string]func(bool)),
	}
}

// perSignatureLock returns the exclusive lock for signature, creating it
// on first use. Held across both the decision and the persistence step
// per §5's shared-resource policy ("lock held across both the decision
// and the persistence step to prevent lost updates").
func (b *Breaker) perSignatureLock(signature string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[signature]
	if !ok {
		l = &sync.Mutex{}
		b.locks[signature] = l
	}
	return l
}

// generation returns the in-process gobreaker generation for signature,
// used as a secondary sanity check on consecutive-failure counting; the
// Store-backed CircuitState above remains the single source of truth for
// the documented transition table (gobreaker's own OPEN/HALF_OPEN timing
// model doesn't have a TrialInFlight concept and would double-count
// across replicas without the per-signature lock we already take).
func (b *Breaker) generation(signature string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gens[signature]
	if !ok {
		g = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        signature,
			MaxRequests: 1,
			Timeout:     b.autoReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(b.threshold)
			},
		})
		b.gens[signature] = g
	}
	return g
}

func (b *Breaker) current(ctx context.Context, signature string) (types.CircuitState, error) {
	cs, found, err := b.store.GetCircuitState(ctx, signature)
	if err != nil {
		return types.CircuitState{}, err
	}
	if !found {
		cs = types.CircuitState{Signature: signature, State: types.CircuitClosed}
	}
	return cs, nil
}

// IsAllowed reports whether a remediation attempt for signature may
// proceed, applying the OPEN -> HALF_OPEN auto-reset transition as a
// side effect when the clock has passed auto_reset_at (§4.4, property 3).
func (b *Breaker) IsAllowed(ctx context.Context, signature string) (bool, types.CircuitStateName, error) {
	lock := b.perSignatureLock(signature)
	lock.Lock()
	defer lock.Unlock()

	cs, err := b.current(ctx, signature)
	if err != nil {
		return false, "", err
	}

	if cs.State == types.CircuitOpen && cs.AutoResetAt != nil && !b.clock.Now().Before(*cs.AutoResetAt) {
		cs = b.transition(cs, types.CircuitHalfOpen, "auto_reset_at reached", "system")
		if err := b.store.UpsertCircuitState(ctx, cs); err != nil {
			return false, "", err
		}
	}

	switch cs.State {
	case types.CircuitClosed:
		if done, err := b.generation(signature).Allow(); err == nil {
			b.pending[signature] = done
		}
		return true, cs.State, nil
	case types.CircuitHalfOpen:
		// Exactly one trial attempt may be in flight at a time (Open
		// Question decision: concurrent half-open probes are serialized
		// by the per-signature lock, so TrialInFlight only guards against
		// a probe that is still awaiting its RecordSuccess/RecordFailure).
		if cs.TrialInFlight {
			return false, cs.State, nil
		}
		cs.TrialInFlight = true
		if err := b.store.UpsertCircuitState(ctx, cs); err != nil {
			return false, "", err
		}
		if done, err := b.generation(signature).Allow(); err == nil {
			b.pending[signature] = done
		}
		return true, cs.State, nil
	default: // OPEN
		return false, cs.State, nil
	}
}

// doneFor reports the pending gobreaker completion callback for signature,
// if IsAllowed recorded one, removing it from the pending set.
func (b *Breaker) doneFor(signature string) func(bool) {
	done, ok := b.pending[signature]
	if !ok {
		return nil
	}
	delete(b.pending, signature)
	return done
}

// RecordSuccess applies the CLOSED-stays-CLOSED-count-reset and the
// mandatory HALF_OPEN -> CLOSED-on-success edge of §4.4.
func (b *Breaker) RecordSuccess(ctx context.Context, signature string) error {
	lock := b.perSignatureLock(signature)
	lock.Lock()
	defer lock.Unlock()

	cs, err := b.current(ctx, signature)
	if err != nil {
		return err
	}

	switch cs.State {
	case types.CircuitHalfOpen:
		cs = b.transition(cs, types.CircuitClosed, "half-open trial succeeded", "system")
	case types.CircuitClosed:
		cs.FailureCount = 0
	default:
		// A success recorded against an OPEN circuit is a caller error
		// (no attempt should have been allowed); leave state untouched.
		return domainerrors.ErrIllegalTransition
	}
	cs.TrialInFlight = false
	if done := b.doneFor(signature); done != nil {
		done(true)
	}
	return b.store.UpsertCircuitState(ctx, cs)
}

// RecordFailure applies the CLOSED-increment, CLOSED->OPEN-at-threshold,
// and HALF_OPEN->OPEN edges of §4.4.
func (b *Breaker) RecordFailure(ctx context.Context, signature string) (types.CircuitState, error) {
	lock := b.perSignatureLock(signature)
	lock.Lock()
	defer lock.Unlock()

	cs, err := b.current(ctx, signature)
	if err != nil {
		return types.CircuitState{}, err
	}
	cs.LastFailureAt = b.clock.Now()
	if done := b.doneFor(signature); done != nil {
		done(false)
	}

	switch cs.State {
	case types.CircuitClosed:
		cs.FailureCount++
		if cs.FailureCount >= b.threshold {
			cs = b.openCircuit(cs, "consecutive failure threshold reached")
		}
	case types.CircuitHalfOpen:
		cs.TrialInFlight = false
		cs = b.openCircuit(cs, "half-open trial failed")
	case types.CircuitOpen:
		// already open; nothing further to do besides the timestamp update.
	}

	if err := b.store.UpsertCircuitState(ctx, cs); err != nil {
		return types.CircuitState{}, err
	}
	return cs, nil
}

// Reset performs the manual reset transitions (OPEN|HALF_OPEN -> CLOSED).
func (b *Breaker) Reset(ctx context.Context, signature, actor string) error {
	lock := b.perSignatureLock(signature)
	lock.Lock()
	defer lock.Unlock()

	cs, err := b.current(ctx, signature)
	if err != nil {
		return err
	}
	cs = b.transition(cs, types.CircuitClosed, "manual reset", actor)
	cs.TrialInFlight = false
	return b.store.UpsertCircuitState(ctx, cs)
}

func (b *Breaker) openCircuit(cs types.CircuitState, reason string) types.CircuitState {
	now := b.clock.Now()
	cs = b.transition(cs, types.CircuitOpen, reason, "system")
	cs.OpenedAt = &now
	resetAt := now.Add(b.autoReset)
	cs.AutoResetAt = &resetAt
	return cs
}

func (b *Breaker) transition(cs types.CircuitState, to types.CircuitStateName, reason, actor string) types.CircuitState {
	from := cs.State
	cs.State = to
	if to == types.CircuitClosed {
		cs.FailureCount = 0
		cs.OpenedAt = nil
		cs.AutoResetAt = nil
	}
	cs.History = append(cs.History, types.CircuitTransition{
		From:   from,
		To:     to,
		Reason: reason,
		At:     b.clock.Now(),
		Actor:  actor,
	})
	return cs
}
