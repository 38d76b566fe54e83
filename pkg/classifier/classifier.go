// Package classifier implements the Classifier (§4.2): prompt assembly
// against PatternMemory and PersonalityProfiler context, a ModelClient
// round trip under bounded retry, and the multi-strategy response parser.
package classifier

import (
	"context"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/internal/retry"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
	"github.com/ci-remediator/ci-remediator/pkg/personality"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

const (
	similarK         = 3
	similarThreshold = 0.75
)

// PatternSource is the subset of PatternMemory.Memory the Classifier needs.
type PatternSource interface {
	Similar(ctx context.Context, failureReason, category, repository string, k int) ([]types.Match, error)
}

// PersonalitySource is the subset of personality.Profiler the Classifier
// needs.
type PersonalitySource interface {
	Profile(ctx context.Context, repo string) (types.PersonalityProfile, error)
}

// Classifier transforms a Failure into an Analysis.
type Classifier struct {
	model       modelclient.ModelClient
	patterns    PatternSource
	personality PersonalitySource
	modelName   string
	metrics     *metrics.Collectors
}

func New(model modelclient.ModelClient, patterns PatternSource, profiler PersonalitySource, modelName string) *Classifier {
	return &Classifier{model: model, patterns: patterns, personality: profiler, modelName: modelName}
}

// WithMetrics attaches a Collectors set; its methods are nil-safe, so this
// is optional.
func (c *Classifier) WithMetrics(m *metrics.Collectors) *Classifier {
	c.metrics = m
	return c
}

// Classify runs the full §4.2 pipeline for f, retrying the ModelClient call
// under DefaultClassifierPolicy.
func (c *Classifier) Classify(ctx context.Context, f types.Failure) (types.Analysis, error) {
	matches, err := c.patterns.Similar(ctx, f.FailureReason, "", f.Repository, similarK)
	if err != nil {
		return types.Analysis{}, err
	}
	matches = filterBySimilarity(matches, similarThreshold)

	profile, err := c.personality.Profile(ctx, f.Repository)
	if err != nil {
		return types.Analysis{}, err
	}

	prompt := AssembleRequest(f, matches, profile)

	var resp modelclient.ChatResponse
	err = retry.Do(ctx, retry.DefaultClassifierPolicy, func(ctx context.Context) error {
		var chatErr error
		resp, chatErr = c.model.Chat(ctx, modelclient.ChatRequest{
			Model: c.modelName,
			Messages: []modelclient.Message{
				{Role: "user", Content: prompt},
			},
			ResponseFormat: "json",
		})
		return chatErr
	})
	if err != nil {
		return types.Analysis{}, err
	}
	c.metrics.ObserveLLMLatency(resp.LatencyMS)

	analysis, err := ParseResponse(resp.Content)
	if err != nil {
		return types.Analysis{}, err
	}
	analysis.FailureID = f.FailureID
	analysis.ModelID = resp.ModelID
	analysis.ResponseLatencyMS = resp.LatencyMS

	adjustment := personality.ConfidenceAdjustment(profile)
	analysis.Confidence = clampInt(analysis.Confidence+int(adjustment*100), 0, 100)

	if err := analysis.Validate(); err != nil {
		return types.Analysis{}, domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed", "parsed analysis failed validation", err)
	}
	return analysis, nil
}

func filterBySimilarity(matches []types.Match, threshold float64) []types.Match {
	var out []types.Match
	for _, m := range matches {
		if m.Similarity >= threshold {
			out = append(out, m)
		}
	}
	return out
}
