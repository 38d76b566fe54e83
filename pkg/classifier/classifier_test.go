package classifier_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/classifier"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

type fakeModel struct {
	responses []modelclient.ChatResponse
	errs      []error
	calls     int
}

func (m *fakeModel) Chat(ctx context.Context, req modelclient.ChatRequest) (modelclient.ChatResponse, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return modelclient.ChatResponse{}, m.errs[i]
	}
	return m.responses[i], nil
}

func (m *fakeModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, modelclient.ErrEmbeddingUnavailable
}

type fakePatterns struct{}

func (fakePatterns) Similar(ctx context.Context, reason, category, repo string, k int) ([]types.Match, error) {
	return nil, nil
}

type fakePersonality struct {
	profile types.PersonalityProfile
}

func (f fakePersonality) Profile(ctx context.Context, repo string) (types.PersonalityProfile, error) {
	return f.profile, nil
}

const validJSON = `{
  "error_type": "devops",
  "category": "dependency_resolution",
  "risk_score": 4,
  "confidence": 70,
  "effort": "low",
  "proposed_fix": "pin the lockfile",
  "files_to_modify": ["go.sum"],
  "fix_operations": [],
  "reasoning": "version drift",
  "affected_components": ["ci"]
}`

func TestClassify_RetriesRetryableErrorsUpToThreeAttempts(t *testing.T) {
	model := &fakeModel{
		errs: []error{
			domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "timeout", nil),
			domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "timeout", nil),
			nil,
		},
		responses: []modelclient.ChatResponse{
			{}, {},
			{Content: validJSON, ModelID: "claude", LatencyMS: 120},
		},
	}

	c := classifier.New(model, fakePatterns{}, fakePersonality{}, "claude")
	f := types.Failure{FailureID: "f1", Repository: "x/y", Branch: "main", Status: types.FailureDetected, FailureReason: "go.sum checksum mismatch"}

	analysis, err := c.Classify(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, 3, model.calls)
	require.Equal(t, types.ErrorTypeDevOps, analysis.ErrorType)
	require.Equal(t, "f1", analysis.FailureID)
}

func TestClassify_GivesUpAfterThreeRetryableFailures(t *testing.T) {
	timeoutErr := domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "timeout", nil)
	model := &fakeModel{
		errs:      []error{timeoutErr, timeoutErr, timeoutErr, timeoutErr},
		responses: make([]modelclient.ChatResponse, 4),
	}

	c := classifier.New(model, fakePatterns{}, fakePersonality{}, "claude")
	f := types.Failure{FailureID: "f2", Repository: "x/y", Branch: "main", Status: types.FailureDetected}

	_, err := c.Classify(context.Background(), f)
	require.Error(t, err)
	require.LessOrEqual(t, model.calls, 4)
}

func TestClassify_AppliesBoundedConfidenceAdjustment(t *testing.T) {
	model := &fakeModel{
		responses: []modelclient.ChatResponse{{Content: validJSON, ModelID: "claude", LatencyMS: 50}},
	}
	profile := types.PersonalityProfile{
		DetectedPatterns: []types.DetectedPattern{
			{Type: "flaky_prone", ConfidenceAdjust: -0.1},
			{Type: "friday_spike", ConfidenceAdjust: -0.15},
		},
	}
	c := classifier.New(model, fakePatterns{}, fakePersonality{profile: profile}, "claude")
	f := types.Failure{FailureID: "f3", Repository: "x/y", Branch: "main", Status: types.FailureDetected}

	analysis, err := c.Classify(context.Background(), f)
	require.NoError(t, err)
	// base confidence 70, adjustment clamped to -0.20 -> -20pp -> 50
	require.Equal(t, 50, analysis.Confidence)
}

func TestClassify_ObservesModelLatencyWhenMetricsAreAttached(t *testing.T) {
	model := &fakeModel{responses: []modelclient.ChatResponse{{Content: validJSON, ModelID: "claude", LatencyMS: 340}}}
	collectors := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, collectors.Register(reg))
	c := classifier.New(model, fakePatterns{}, fakePersonality{}, "claude").WithMetrics(collectors)
	f := types.Failure{FailureID: "f4", Repository: "x/y", Branch: "main", Status: types.FailureDetected}

	_, err := c.Classify(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, 1, testutil.CollectAndCount(collectors.LLMLatencyMS), "the histogram must still expose exactly one series after an observation")
}

func TestClassify_PropagatesParseFailureWithoutFabricatingDefaults(t *testing.T) {
	model := &fakeModel{
		responses: []modelclient.ChatResponse{{Content: "not json at all, no fields here"}},
	}
	c := classifier.New(model, fakePatterns{}, fakePersonality{}, "claude")
	f := types.Failure{FailureID: "f4", Repository: "x/y", Branch: "main", Status: types.FailureDetected}

	_, err := c.Classify(context.Background(), f)
	require.Error(t, err)
	var de *domainerrors.DomainError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "parse_malformed", de.Code)
}
