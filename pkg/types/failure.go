// Package types holds the value types shared across the remediation
// control loop: Failure, Analysis, DecisionRecord, CircuitState, Snapshot,
// HealthCheck, ApprovalRequest, Pattern, PersonalityProfile, and AuditEntry.
package types

import (
	"fmt"
	"time"
)

// FailureStatus is the lifecycle state of a Failure record.
type FailureStatus string

const (
	FailureDetected           FailureStatus = "detected"
	FailureAnalyzed           FailureStatus = "analyzed"
	FailureGated              FailureStatus = "gated"
	FailurePROpen             FailureStatus = "pr_open"
	FailureRemediated         FailureStatus = "remediated"
	FailureRolledBack         FailureStatus = "rolled_back"
	FailureFailed             FailureStatus = "failed"
	FailureDeveloperNotified  FailureStatus = "developer_notified"
)

func (s FailureStatus) Terminal() bool {
	switch s {
	case FailureRemediated, FailureRolledBack, FailureFailed, FailureDeveloperNotified:
		return true
	default:
		return false
	}
}

func (s FailureStatus) valid() bool {
	switch s {
	case FailureDetected, FailureAnalyzed, FailureGated, FailurePROpen,
		FailureRemediated, FailureRolledBack, FailureFailed, FailureDeveloperNotified:
		return true
	default:
		return false
	}
}

// Failure is a detected failed workflow run, carried through the control
// loop state machine by the Orchestrator.
type Failure struct {
	FailureID      string        `json:"failure_id" db:"failure_id"`
	Repository     string        `json:"repository" db:"repository"`
	Branch         string        `json:"branch" db:"branch"`
	WorkflowName   string        `json:"workflow_name" db:"workflow_name"`
	WorkflowRunID  int64         `json:"workflow_run_id" db:"workflow_run_id"`
	CommitHash     string        `json:"commit_hash" db:"commit_hash"`
	Status         FailureStatus `json:"status" db:"status"`
	CapturedLogs   string        `json:"captured_logs" db:"captured_logs"`
	FailureReason  string        `json:"failure_reason" db:"failure_reason"`
	DetectedAt     time.Time     `json:"detected_at" db:"detected_at"`
	TerminalReason string        `json:"terminal_reason,omitempty" db:"terminal_reason"`
	PRNumber       int           `json:"pr_number,omitempty" db:"pr_number"`
}

func (f Failure) Validate() error {
	if f.FailureID == "" {
		return fmt.Errorf("failure: failure_id is required")
	}
	if f.Repository == "" || f.Branch == "" {
		return fmt.Errorf("failure: repository and branch are required")
	}
	if !f.Status.valid() {
		return fmt.Errorf("failure: invalid status %q", f.Status)
	}
	return nil
}

// DedupeKey is the Poller idempotency key: (repository, workflow_run_id).
func (f Failure) DedupeKey() string {
	return fmt.Sprintf("%s#%d", f.Repository, f.WorkflowRunID)
}

// ErrorType classifies a Failure's root cause per §4.2.
type ErrorType string

const (
	ErrorTypeDevOps     ErrorType = "devops"
	ErrorTypeDeveloper  ErrorType = "developer"
)

func (e ErrorType) valid() bool {
	return e == ErrorTypeDevOps || e == ErrorTypeDeveloper
}

// Effort is the estimated remediation effort band.
type Effort string

const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "med"
	EffortHigh   Effort = "high"
)

// FixOperation is one ordered edit the Classifier proposes for a file.
type FixOperation struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // create, update, delete
	Content   string `json:"content,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Analysis is the Classifier's structured judgment about a Failure.
type Analysis struct {
	FailureID          string         `json:"failure_id" db:"failure_id"`
	ErrorType          ErrorType      `json:"error_type" db:"error_type"`
	Category           string         `json:"category" db:"category"`
	RiskScore          int            `json:"risk_score" db:"risk_score"`
	Confidence         int            `json:"confidence" db:"confidence"`
	Effort             Effort         `json:"effort" db:"effort"`
	ProposedFix        string         `json:"proposed_fix" db:"proposed_fix"`
	FilesToModify      []string       `json:"files_to_modify" db:"files_to_modify"`
	FixOperations      []FixOperation `json:"fix_operations" db:"-"`
	Reasoning          string         `json:"reasoning" db:"reasoning"`
	AffectedComponents []string       `json:"affected_components" db:"affected_components"`
	ModelID            string         `json:"model_id" db:"model_id"`
	ResponseLatencyMS  int64          `json:"response_latency_ms" db:"response_latency_ms"`
}

func (a Analysis) Validate() error {
	if a.FailureID == "" {
		return fmt.Errorf("analysis: failure_id is required")
	}
	if !a.ErrorType.valid() {
		return fmt.Errorf("analysis: invalid error_type %q", a.ErrorType)
	}
	if a.RiskScore < 0 || a.RiskScore > 10 {
		return fmt.Errorf("analysis: risk_score %d out of [0,10]", a.RiskScore)
	}
	if a.Confidence < 0 || a.Confidence > 100 {
		return fmt.Errorf("analysis: confidence %d out of [0,100]", a.Confidence)
	}
	return nil
}

// DecisionKind enumerates the points at which the system records an AI or
// gate decision for post-mortem review.
type DecisionKind string

const (
	DecisionClassification DecisionKind = "classification"
	DecisionFixGeneration   DecisionKind = "fix_generation"
	DecisionRiskAssessment  DecisionKind = "risk_assessment"
	DecisionFileSelection   DecisionKind = "file_selection"
)

// Alternative is a rejected option recorded alongside a DecisionRecord.
type Alternative struct {
	Option           string  `json:"option"`
	Score            float64 `json:"score"`
	RejectionReason  string  `json:"rejection_reason"`
}

// DecisionRecord is an immutable ledger entry written at each AI or gate
// decision point; see Explainability (§4.11).
type DecisionRecord struct {
	ID             string        `json:"id" db:"id"`
	FailureID      string        `json:"failure_id" db:"failure_id"`
	Kind           DecisionKind  `json:"kind" db:"kind"`
	Chosen         string        `json:"chosen" db:"chosen"`
	Alternatives   []Alternative `json:"alternatives" db:"-"`
	ContextDigest  string        `json:"context_digest" db:"context_digest"`
	Confidence     int           `json:"confidence" db:"confidence"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
