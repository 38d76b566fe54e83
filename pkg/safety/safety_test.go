package safety_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/safety"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

func TestSafetyGate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SafetyGate Suite")
}

type fakePolicy struct {
	protected       map[string]bool
	threshold       int
	appGlobs        []string
	defaultBranch   string
	releaseBranches []string
}

func (p fakePolicy) IsProtected(repo string) bool             { return p.protected[repo] }
func (p fakePolicy) RiskThresholdFor(string) int               { return p.threshold }
func (p fakePolicy) ApplicationSourceGlobsFor(string) []string { return p.appGlobs }
func (p fakePolicy) DefaultBranchFor(string) string {
	if p.defaultBranch == "" {
		return "main"
	}
	return p.defaultBranch
}
func (p fakePolicy) ReleaseBranchesFor(string) []string { return p.releaseBranches }

var _ = Describe("SafetyGate gate chain (§4.3)", func() {
	var (
		ctx     context.Context
		breaker *circuitbreaker.Breaker
		failure types.Failure
	)

	BeforeEach(func() {
		ctx = context.Background()
		breaker = circuitbreaker.New(memory.New(), clock.NewManual(time.Now()), 3, 24*time.Hour)
		failure = types.Failure{
			Repository: "x/y",
			Branch:     "main",
			FailureReason: "npm install timeout after 30s",
		}
	})

	It("returns AutoApply when every gate passes (S2-style input)", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5, appGlobs: []string{"src/**"}}, false)
		analysis := types.Analysis{
			ErrorType:     types.ErrorTypeDevOps,
			RiskScore:     3,
			FilesToModify: []string{".github/workflows/build.yml"},
		}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictAutoApply))
	})

	It("escalates to RequireApproval for a protected repository regardless of risk", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5, protected: map[string]bool{"x/y": true}}, false)
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictRequireApproval))
	})

	It("escalates to RequireApproval when the edit set touches application source", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5, appGlobs: []string{"src/**"}}, false)
		analysis := types.Analysis{ErrorType: types.ErrorTypeDeveloper, RiskScore: 0, FilesToModify: []string{"src/main.go"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictRequireApproval))
	})

	It("is monotone in risk threshold: risk_score >= T requires approval", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5}, false)
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 5, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictRequireApproval))
	})

	It("blocks outright when the circuit is open and never reaches later gates", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5}, false)
		for i := 0; i < 3; i++ {
			breaker.IsAllowed(ctx, circuitbreaker.Signature(failure.Repository, failure.Branch, failure.FailureReason))
			breaker.RecordFailure(ctx, circuitbreaker.Signature(failure.Repository, failure.Branch, failure.FailureReason))
		}
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictBlock))
		Expect(decision.Outcomes).To(HaveLen(1))
		Expect(decision.Outcomes[0].Reason).To(Equal("circuit_open"))
	})

	It("overrides AutoApply to AutoApply-Simulated in dry-run mode", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5}, true)
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictAutoApplySimulated))
	})

	It("overrides RequireApproval to AutoApply-Simulated in dry-run mode, same as a clean AutoApply", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5, protected: map[string]bool{"x/y": true}}, true)
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictAutoApplySimulated))
	})

	It("never overrides Block: dry-run only ever simulates a verdict that would otherwise write", func() {
		gate := safety.New(breaker, fakePolicy{threshold: 5}, true)
		for i := 0; i < 3; i++ {
			breaker.IsAllowed(ctx, circuitbreaker.Signature(failure.Repository, failure.Branch, failure.FailureReason))
			breaker.RecordFailure(ctx, circuitbreaker.Signature(failure.Repository, failure.Branch, failure.FailureReason))
		}
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		decision, err := gate.Evaluate(ctx, failure, analysis)
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Verdict).To(Equal(types.VerdictBlock))
	})

	It("sources branch criticality from the policy instead of a hardcoded default branch", func() {
		analysis := types.Analysis{ErrorType: types.ErrorTypeDevOps, RiskScore: 0, FilesToModify: []string{"a.yml"}}
		onRelease := failure
		onRelease.Branch = "release/1.2"

		// "release/1.2" is neither "main" nor configured as a release
		// pattern here, so it falls into the lowest branch-criticality
		// tier.
		withoutReleasePattern := safety.New(breaker, fakePolicy{threshold: 5, defaultBranch: "develop"}, false)
		lowTier, err := withoutReleasePattern.Evaluate(ctx, onRelease, analysis)
		Expect(err).ToNot(HaveOccurred())

		// Once the policy reports "release/*" as a release branch pattern
		// for this repository, the same branch must score higher -
		// proving the gate consults the policy rather than a hardcoded
		// "main" that would never have matched "release/1.2" either way.
		withReleasePattern := safety.New(breaker, fakePolicy{threshold: 5, defaultBranch: "develop", releaseBranches: []string{"release/*"}}, false)
		highTier, err := withReleasePattern.Evaluate(ctx, onRelease, analysis)
		Expect(err).ToNot(HaveOccurred())

		Expect(highTier.BlastRadius.Score).To(BeNumerically(">", lowTier.BlastRadius.Score))
	})
})
