package types

import (
	"fmt"
	"time"
)

// EmbeddingFamily records which embedding scheme produced a Pattern's
// vector, so similarity queries never mix families (§4.6, §9).
type EmbeddingFamily string

const (
	EmbeddingFamilyEndpoint EmbeddingFamily = "endpoint"
	EmbeddingFamilyHashed   EmbeddingFamily = "hashed-fallback"
)

// Pattern is a stored (failure -> fix) example retrieved by similarity to
// bias future classification.
type Pattern struct {
	PatternID        string          `json:"pattern_id" db:"pattern_id"`
	Repository       string          `json:"repository" db:"repository"`
	Branch           string          `json:"branch" db:"branch"`
	ErrorSignature   string          `json:"error_signature" db:"error_signature"`
	Category         string          `json:"category" db:"category"`
	ProposedFix      string          `json:"proposed_fix" db:"proposed_fix"`
	FilesModified    []string        `json:"files_modified" db:"files_modified"`
	FixCommands      []string        `json:"fix_commands" db:"fix_commands"`
	FixSuccessful    bool            `json:"fix_successful" db:"fix_successful"`
	ResolutionTimeMS int64           `json:"resolution_time_ms" db:"resolution_time_ms"`
	Embedding        []float32       `json:"embedding" db:"-"`
	EmbeddingFamily  EmbeddingFamily `json:"embedding_family" db:"embedding_family"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

func (p Pattern) Validate() error {
	if p.PatternID == "" || p.Repository == "" {
		return fmt.Errorf("pattern: pattern_id and repository are required")
	}
	if len(p.Embedding) == 0 {
		return fmt.Errorf("pattern: embedding is required")
	}
	return nil
}

// Match is one similarity search result.
type Match struct {
	Pattern    Pattern `json:"pattern"`
	Similarity float64 `json:"similarity"`
}

// DetectedPattern is a behavioral flag emitted by the PersonalityProfiler.
type DetectedPattern struct {
	Type             string  `json:"type"`
	Frequency        float64 `json:"frequency"`
	ConfidenceAdjust float64 `json:"confidence_adjust"`
	Recommendation   string  `json:"recommendation"`
}

// PersonalityProfile is per-repository behavioral statistics recomputed on
// demand over a trailing 30-day window.
type PersonalityProfile struct {
	Repository          string            `json:"repository" db:"repository"`
	TotalFailures        int               `json:"total_failures" db:"total_failures"`
	CategoryHistogram    map[string]int    `json:"category_histogram" db:"-"`
	DayOfWeekHistogram   map[string]int    `json:"day_of_week_histogram" db:"-"`
	HourHistogram        map[int]int       `json:"hour_histogram" db:"-"`
	FlakyRate            float64           `json:"flaky_rate" db:"flaky_rate"`
	AvgResolutionMinutes float64           `json:"avg_resolution_minutes" db:"avg_resolution_minutes"`
	SuccessRate          float64           `json:"success_rate" db:"success_rate"`
	DetectedPatterns     []DetectedPattern `json:"detected_patterns" db:"-"`
	ComputedAt           time.Time         `json:"computed_at" db:"computed_at"`
}

// DominantCategory returns the most frequent category and its share of
// total failures, or ("", 0) if there is no history.
func (p PersonalityProfile) DominantCategory() (string, float64) {
	if p.TotalFailures == 0 {
		return "", 0
	}
	var best string
	var bestCount int
	for cat, count := range p.CategoryHistogram {
		if count > bestCount {
			best, bestCount = cat, count
		}
	}
	return best, float64(bestCount) / float64(p.TotalFailures)
}

// AuditOutcome is the result recorded for an AuditEntry.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailure AuditOutcome = "failure"
	AuditPending AuditOutcome = "pending"
)

// AuditEntry is an append-only record of a system action.
type AuditEntry struct {
	ID         string                 `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Actor      string                 `json:"actor" db:"actor"`
	ActionKind string                 `json:"action_kind" db:"action_kind"`
	FailureID  string                 `json:"failure_id,omitempty" db:"failure_id"`
	Outcome    AuditOutcome           `json:"outcome" db:"outcome"`
	Details    map[string]interface{} `json:"details" db:"-"`
	Error      string                 `json:"error,omitempty" db:"error"`
}
