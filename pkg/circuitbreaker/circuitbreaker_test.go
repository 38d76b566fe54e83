package circuitbreaker_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

func TestCircuitBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CircuitBreaker Suite")
}

var _ = Describe("CircuitBreaker state transitions (§4.4)", func() {
	const signature = "sig-main-build-timeout"

	var (
		ctx     context.Context
		mclock  *clock.Manual
		st      *memory.Store
		breaker *circuitbreaker.Breaker
	)

	BeforeEach(func() {
		ctx = context.Background()
		mclock = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		st = memory.New()
		breaker = circuitbreaker.New(st, mclock, 3, 24*time.Hour)
	})

	openCircuit := func() {
		for i := 0; i < 3; i++ {
			_, _, err := breaker.IsAllowed(ctx, signature)
			Expect(err).ToNot(HaveOccurred())
			_, err = breaker.RecordFailure(ctx, signature)
			Expect(err).ToNot(HaveOccurred())
		}
	}

	It("stays CLOSED and increments failure_count below threshold", func() {
		allowed, state, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(state).To(Equal(types.CircuitClosed))

		cs, err := breaker.RecordFailure(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.State).To(Equal(types.CircuitClosed))
		Expect(cs.FailureCount).To(Equal(1))
	})

	It("opens on the third consecutive failure (S4)", func() {
		openCircuit()

		cs, found, err := st.GetCircuitState(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(cs.State).To(Equal(types.CircuitOpen))
		Expect(cs.OpenedAt).ToNot(BeNil())
		Expect(*cs.OpenedAt).To(Equal(mclock.Now()))
		Expect(*cs.AutoResetAt).To(Equal(mclock.Now().Add(24 * time.Hour)))

		allowed, state, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeFalse())
		Expect(state).To(Equal(types.CircuitOpen))
	})

	It("transitions OPEN -> HALF_OPEN only once auto_reset_at has passed", func() {
		openCircuit()

		allowed, state, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeFalse())
		Expect(state).To(Equal(types.CircuitOpen))

		mclock.Advance(24*time.Hour + time.Second)

		allowed, state, err = breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(state).To(Equal(types.CircuitHalfOpen))
	})

	It("closes and clears failure_count on the first HALF_OPEN success (mandatory edge, S6)", func() {
		openCircuit()
		mclock.Advance(24 * time.Hour)
		_, _, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())

		Expect(breaker.RecordSuccess(ctx, signature)).To(Succeed())

		cs, found, err := st.GetCircuitState(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(cs.State).To(Equal(types.CircuitClosed))
		Expect(cs.FailureCount).To(Equal(0))
		// three failures (CLOSED->CLOSED x2, CLOSED->OPEN x1) plus the
		// auto-reset OPEN->HALF_OPEN plus this HALF_OPEN->CLOSED: three of
		// those five are recorded transitions (CLOSED->OPEN, OPEN->HALF_OPEN,
		// HALF_OPEN->CLOSED); CLOSED->CLOSED increments aren't transitions.
		Expect(cs.History).To(HaveLen(3))
	})

	It("re-opens and extends auto_reset_at on a HALF_OPEN failure", func() {
		openCircuit()
		mclock.Advance(24 * time.Hour)
		_, _, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())

		mclock.Advance(time.Hour)
		cs, err := breaker.RecordFailure(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(cs.State).To(Equal(types.CircuitOpen))
		Expect(*cs.AutoResetAt).To(Equal(mclock.Now().Add(24 * time.Hour)))
	})

	It("denies a second concurrent HALF_OPEN trial", func() {
		openCircuit()
		mclock.Advance(24 * time.Hour)

		allowed, state, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(state).To(Equal(types.CircuitHalfOpen))

		allowed, state, err = breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeFalse())
		Expect(state).To(Equal(types.CircuitHalfOpen))
	})

	It("supports manual reset from OPEN back to CLOSED", func() {
		openCircuit()
		Expect(breaker.Reset(ctx, signature, "oncall")).To(Succeed())

		allowed, state, err := breaker.IsAllowed(ctx, signature)
		Expect(err).ToNot(HaveOccurred())
		Expect(allowed).To(BeTrue())
		Expect(state).To(Equal(types.CircuitClosed))
	})
})
