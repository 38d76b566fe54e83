// Package explainability is a narrow ledger accessor over the Store's
// DecisionRecord surface (§4.11): every AI decision is written once and
// never mutated, and this is the only path callers use to read it back
// for post-mortem and dashboard rendering.
package explainability

import (
	"context"
	"fmt"
	"strings"

	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Ledger records and retrieves DecisionRecords for a Failure.
type Ledger struct {
	store store.Store
}

func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// Record appends d to the ledger. d is never mutated afterward.
func (l *Ledger) Record(ctx context.Context, d types.DecisionRecord) error {
	if d.FailureID == "" {
		return fmt.Errorf("explainability: failure_id is required")
	}
	return l.store.InsertDecisionRecord(ctx, d)
}

// ForFailure returns every DecisionRecord written for failureID, in
// insertion order.
func (l *Ledger) ForFailure(ctx context.Context, failureID string) ([]types.DecisionRecord, error) {
	return l.store.ListDecisionRecords(ctx, failureID)
}

// Narrate renders a human-readable walkthrough of every decision made for
// a Failure, in order, for the dashboard's audit-trail view.
func (l *Ledger) Narrate(ctx context.Context, failureID string) (string, error) {
	records, err := l.ForFailure(ctx, failureID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "no decisions recorded", nil
	}

	var b strings.Builder
	for i, d := range records {
		fmt.Fprintf(&b, "%d. [%s] chose %q (confidence %d%%)", i+1, d.Kind, d.Chosen, d.Confidence)
		for _, alt := range d.Alternatives {
			fmt.Fprintf(&b, "\n   - rejected %q (score %.2f): %s", alt.Option, alt.Score, alt.RejectionReason)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
