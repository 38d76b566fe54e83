package classifier

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// rawAnalysis mirrors the schema described in rolePreamble; json.Unmarshal
// targets this before conversion to types.Analysis so a missing or
// out-of-enum error_type can be rejected explicitly (§4.2).
type rawAnalysis struct {
	ErrorType          string               `json:"error_type"`
	Category           string               `json:"category"`
	RiskScore          int                  `json:"risk_score"`
	Confidence         int                  `json:"confidence"`
	Effort             string               `json:"effort"`
	ProposedFix        string               `json:"proposed_fix"`
	FilesToModify      []string             `json:"files_to_modify"`
	FixOperations      []types.FixOperation `json:"fix_operations"`
	Reasoning          string               `json:"reasoning"`
	AffectedComponents []string             `json:"affected_components"`
}

// ParseResponse runs the strict -> lenient -> regex decoder chain of §4.2.
// If every strategy fails, it returns an *errors.DomainError wrapping
// ErrParseMalformed; the caller must not fabricate defaults.
func ParseResponse(content string) (types.Analysis, error) {
	raw, err := parseStrict(content)
	if err != nil {
		raw, err = parseLenient(content)
	}
	if err != nil {
		raw, err = parseRegex(content)
	}
	if err != nil {
		return types.Analysis{}, domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed",
			"classifier response matched no parse strategy", err)
	}

	if raw.ErrorType != string(types.ErrorTypeDevOps) && raw.ErrorType != string(types.ErrorTypeDeveloper) {
		return types.Analysis{}, domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed",
			"error_type missing or outside {devops, developer}", nil)
	}

	return types.Analysis{
		ErrorType:          types.ErrorType(raw.ErrorType),
		Category:           raw.Category,
		RiskScore:          clampInt(raw.RiskScore, 0, 10),
		Confidence:         clampInt(raw.Confidence, 0, 100),
		Effort:             effortOrDefault(raw.Effort),
		ProposedFix:        raw.ProposedFix,
		FilesToModify:      raw.FilesToModify,
		FixOperations:      raw.FixOperations,
		Reasoning:          raw.Reasoning,
		AffectedComponents: raw.AffectedComponents,
	}, nil
}

func parseStrict(content string) (rawAnalysis, error) {
	var raw rawAnalysis
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	err := dec.Decode(&raw)
	return raw, err
}

var (
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// parseLenient strips markdown code fences and trailing commas before
// decoding, tolerating unknown fields.
func parseLenient(content string) (rawAnalysis, error) {
	cleaned := content
	if m := codeFenceRe.FindStringSubmatch(cleaned); len(m) == 2 {
		cleaned = m[1]
	}
	cleaned = trailingCommaRe.ReplaceAllString(cleaned, "$1")
	cleaned = strings.TrimSpace(cleaned)

	var raw rawAnalysis
	err := json.Unmarshal([]byte(cleaned), &raw)
	return raw, err
}

var fieldRe = map[string]*regexp.Regexp{
	"error_type":   regexp.MustCompile(`"error_type"\s*:\s*"(\w+)"`),
	"category":     regexp.MustCompile(`"category"\s*:\s*"([^"]*)"`),
	"risk_score":   regexp.MustCompile(`"risk_score"\s*:\s*(\d+)`),
	"confidence":   regexp.MustCompile(`"confidence"\s*:\s*(\d+)`),
	"effort":       regexp.MustCompile(`"effort"\s*:\s*"(\w+)"`),
	"proposed_fix": regexp.MustCompile(`"proposed_fix"\s*:\s*"([^"]*)"`),
	"reasoning":    regexp.MustCompile(`"reasoning"\s*:\s*"([^"]*)"`),
}

// parseRegex is the last-resort strategy: extract individual scalar fields
// by regex when the response isn't valid JSON at all (e.g. truncated or
// interleaved with prose). Array fields are not recoverable this way and
// are left empty.
func parseRegex(content string) (rawAnalysis, error) {
	var raw rawAnalysis
	found := false

	if m := fieldRe["error_type"].FindStringSubmatch(content); m != nil {
		raw.ErrorType = m[1]
		found = true
	}
	if m := fieldRe["category"].FindStringSubmatch(content); m != nil {
		raw.Category = m[1]
	}
	if m := fieldRe["risk_score"].FindStringSubmatch(content); m != nil {
		raw.RiskScore, _ = strconv.Atoi(m[1])
	}
	if m := fieldRe["confidence"].FindStringSubmatch(content); m != nil {
		raw.Confidence, _ = strconv.Atoi(m[1])
	}
	if m := fieldRe["effort"].FindStringSubmatch(content); m != nil {
		raw.Effort = m[1]
	}
	if m := fieldRe["proposed_fix"].FindStringSubmatch(content); m != nil {
		raw.ProposedFix = m[1]
	}
	if m := fieldRe["reasoning"].FindStringSubmatch(content); m != nil {
		raw.Reasoning = m[1]
	}

	if !found {
		return raw, domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed", "no recoverable error_type field", nil)
	}
	return raw, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func effortOrDefault(e string) types.Effort {
	switch types.Effort(e) {
	case types.EffortLow, types.EffortMedium, types.EffortHigh:
		return types.Effort(e)
	default:
		return types.EffortMedium
	}
}
