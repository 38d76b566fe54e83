package types

import (
	"fmt"
	"time"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is created when SafetyGate denies auto-apply and an
// escalation path via a review-gated environment is required.
type ApprovalRequest struct {
	RequestID         string         `json:"request_id" db:"request_id"`
	FailureID         string         `json:"failure_id" db:"failure_id"`
	Repository        string         `json:"repository" db:"repository"`
	PRNumber          int            `json:"pr_number" db:"pr_number"`
	RequiredReviewers []string       `json:"required_reviewers" db:"required_reviewers"`
	EnvironmentName   string         `json:"environment_name" db:"environment_name"`
	Status            ApprovalStatus `json:"status" db:"status"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at" db:"expires_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy        string         `json:"resolved_by,omitempty" db:"resolved_by"`
}

func (a ApprovalRequest) Validate() error {
	if a.RequestID == "" || a.FailureID == "" {
		return fmt.Errorf("approval request: request_id and failure_id are required")
	}
	return nil
}

// TimeRemaining reports how long until expiry relative to now, floored at
// zero once expired.
func (a ApprovalRequest) TimeRemaining(now time.Time) time.Duration {
	d := a.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (a ApprovalRequest) IsExpired(now time.Time) bool {
	return a.Status == ApprovalPending && now.After(a.ExpiresAt)
}
