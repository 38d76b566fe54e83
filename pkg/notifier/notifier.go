// Package notifier defines the Notifier substrate interface for outbound
// chat messages (§6). It has no inbound approval-callback path.
package notifier

import "context"

// Kind enumerates the message kinds a Notifier can send (§6).
type Kind string

const (
	KindInitialAlert     Kind = "initial_alert"
	KindAnalysis         Kind = "analysis"
	KindApprovalRequest  Kind = "approval_request"
	KindRemediationResult Kind = "remediation_result"
	KindCritical         Kind = "critical"
	KindEscalation       Kind = "escalation"
	KindWeeklyReport     Kind = "weekly_report"
)

// Payload is a loosely-typed bag of rendering fields; each Notifier
// implementation renders it according to Kind.
type Payload map[string]interface{}

// Notifier is the substrate outbound-messaging dependency. Every call
// respects ctx's deadline; no default per-call deadline is applied, so a
// call is bounded only by the deadline the caller sets on ctx.
type Notifier interface {
	Send(ctx context.Context, channel string, kind Kind, payload Payload) error
}
