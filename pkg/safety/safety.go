// Package safety implements SafetyGate (§4.3): the ordered, short-circuit
// gate chain that turns a (Failure, Analysis) pair into a Verdict.
package safety

import (
	"context"
	"fmt"

	"github.com/ci-remediator/ci-remediator/pkg/blastradius"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// CircuitChecker is the subset of circuitbreaker.Breaker the gate needs.
type CircuitChecker interface {
	IsAllowed(ctx context.Context, signature string) (bool, types.CircuitStateName, error)
}

// RepoPolicy resolves per-repository configuration the gate needs.
type RepoPolicy interface {
	IsProtected(repo string) bool
	RiskThresholdFor(repo string) int
	ApplicationSourceGlobsFor(repo string) []string
	DefaultBranchFor(repo string) string
	ReleaseBranchesFor(repo string) []string
}

// Gate evaluates the §4.3 chain.
type Gate struct {
	circuits CircuitChecker
	policy   RepoPolicy
	dryRun   bool
}

func New(circuits CircuitChecker, policy RepoPolicy, dryRun bool) *Gate {
	return &Gate{circuits: circuits, policy: policy, dryRun: dryRun}
}

// Evaluate runs the ordered gate chain for failure f and its Analysis a,
// short-circuiting on the first Block.
func (g *Gate) Evaluate(ctx context.Context, f types.Failure, a types.Analysis) (types.SafetyDecision, error) {
	var outcomes []types.GateOutcome
	verdict := types.VerdictAutoApply

	signature := circuitbreaker.Signature(f.Repository, f.Branch, f.FailureReason)
	allowed, state, err := g.circuits.IsAllowed(ctx, signature)
	if err != nil {
		return types.SafetyDecision{}, err
	}
	if !allowed {
		outcomes = append(outcomes, types.GateOutcome{Gate: "circuit_check", Passed: false, Reason: "circuit_open"})
		return types.SafetyDecision{Verdict: types.VerdictBlock, Outcomes: outcomes}, nil
	}
	outcomes = append(outcomes, types.GateOutcome{Gate: "circuit_check", Passed: true, Reason: string(state)})

	protected := g.policy.IsProtected(f.Repository)
	outcomes = append(outcomes, types.GateOutcome{Gate: "protected_repository", Passed: !protected, Reason: boolReason(protected, "repository is protected")})
	if protected {
		verdict = escalate(verdict, types.VerdictRequireApproval)
	}

	touchesApplicationCode := intersectsGlobs(a.FilesToModify, g.policy.ApplicationSourceGlobsFor(f.Repository))
	outcomes = append(outcomes, types.GateOutcome{Gate: "application_code", Passed: !touchesApplicationCode, Reason: boolReason(touchesApplicationCode, "edit set touches application source")})
	if touchesApplicationCode {
		verdict = escalate(verdict, types.VerdictRequireApproval)
	}

	threshold := g.policy.RiskThresholdFor(f.Repository)
	overThreshold := a.RiskScore >= threshold
	outcomes = append(outcomes, types.GateOutcome{
		Gate:   "risk_threshold",
		Passed: !overThreshold,
		Reason: fmt.Sprintf("risk_score=%d threshold=%d", a.RiskScore, threshold),
	})
	if overThreshold {
		verdict = escalate(verdict, types.VerdictRequireApproval)
	}

	blast := blastradius.Score(blastradius.Input{
		Repository:      f.Repository,
		Branch:          f.Branch,
		DefaultBranch:   g.policy.DefaultBranchFor(f.Repository),
		ReleaseBranches: g.policy.ReleaseBranchesFor(f.Repository),
		FilesToModify:   a.FilesToModify,
		FailureCategory: a.ErrorType,
	})
	switch {
	case blast.Score >= 10:
		outcomes = append(outcomes, types.GateOutcome{Gate: "blast_radius", Passed: false, Reason: "blast radius score >= 10"})
		return types.SafetyDecision{Verdict: types.VerdictBlock, Outcomes: outcomes, BlastRadius: blast}, nil
	case blast.Score >= 8:
		outcomes = append(outcomes, types.GateOutcome{Gate: "blast_radius", Passed: false, Reason: fmt.Sprintf("blast radius score %.1f >= 8", blast.Score)})
		verdict = escalate(verdict, types.VerdictRequireApproval)
	default:
		outcomes = append(outcomes, types.GateOutcome{Gate: "blast_radius", Passed: true, Reason: fmt.Sprintf("blast radius score %.1f", blast.Score)})
	}

	if g.dryRun && verdict != types.VerdictBlock {
		verdict = types.VerdictAutoApplySimulated
	}
	outcomes = append(outcomes, types.GateOutcome{Gate: "dry_run", Passed: true, Reason: boolReason(g.dryRun, "dry-run mode is enabled")})

	return types.SafetyDecision{Verdict: verdict, Outcomes: outcomes, BlastRadius: blast}, nil
}

// escalate never downgrades an already-escalated verdict; RequireApproval
// only ever moves towards Block, never back towards AutoApply.
func escalate(current, candidate types.Verdict) types.Verdict {
	if current == types.VerdictBlock {
		return current
	}
	if candidate == types.VerdictRequireApproval && current == types.VerdictAutoApply {
		return candidate
	}
	return current
}

func boolReason(cond bool, reason string) string {
	if cond {
		return reason
	}
	return "ok"
}

func intersectsGlobs(files, globs []string) bool {
	for _, f := range files {
		for _, g := range globs {
			if blastradius.MatchGlob(g, f) {
				return true
			}
		}
	}
	return false
}
