// Package blastradius scores the pre-change impact of a proposed edit set
// (§4.5): a weighted combination of file criticality, service impact,
// downstream dependency impact, branch criticality, and category risk.
package blastradius

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Weights are the five component weights of §4.5; they sum to 1.0.
const (
	weightFileCriticality   = 0.30
	weightServiceImpact     = 0.25
	weightDownstream        = 0.20
	weightBranchCriticality = 0.15
	weightCategoryRisk      = 0.10
)

// globSeverity is evaluated in order; the first matching glob wins.
type globSeverity struct {
	glob     string
	severity float64
}

var fileSeverityTable = []globSeverity{
	{".github/workflows/**", 9},
	{"**/Dockerfile", 8},
	{"**/docker-compose*.yml", 8},
	{"**/*.tf", 9},
	{"**/*.tfvars", 8},
	{"k8s/**", 8},
	{"deploy/**", 8},
	{"helm/**", 8},
	{"**/go.mod", 7},
	{"**/go.sum", 6},
	{"**/package.json", 7},
	{"**/package-lock.json", 6},
	{"**/requirements*.txt", 7},
	{"**/*.env", 9},
	{"**/*.env.production", 10},
	{"**/Pipfile", 7},
}

const defaultFileSeverity = 3

var dependencyManifestGlobs = []string{
	"**/go.mod", "**/go.sum", "**/package.json", "**/package-lock.json",
	"**/requirements*.txt", "**/Pipfile", "**/*.gemspec", "**/Gemfile.lock",
}

var categoryRiskTable = map[types.ErrorType]float64{
	types.ErrorTypeDevOps:    6,
	types.ErrorTypeDeveloper: 3,
}

// Input is the proposed change set BlastRadius scores.
type Input struct {
	Repository      string
	Branch          string
	DefaultBranch   string
	ReleaseBranches []string
	FilesToModify   []string
	FailureCategory types.ErrorType
	// DependentCount is the number of repositories declaring a dependency
	// on Repository, used for the downstream-impact component. Zero if
	// unknown.
	DependentCount int
}

// Score computes the BlastRadiusResult for in. The result is monotone:
// adding files or moving to a more critical branch never decreases Score.
func Score(in Input) types.BlastRadiusResult {
	var rationale []string

	fileScore, fileRationale := fileCriticality(in.FilesToModify)
	rationale = append(rationale, fileRationale...)

	serviceScore, serviceCount := serviceImpact(in.FilesToModify)
	rationale = append(rationale, fmt.Sprintf("touches %d distinct service root(s)", serviceCount))

	downstreamScore := downstreamImpact(in.FilesToModify, in.DependentCount)
	if downstreamScore > 0 {
		rationale = append(rationale, fmt.Sprintf("dependency manifest change with %d declared dependent(s)", in.DependentCount))
	}

	branchScore, branchRationale := branchCriticality(in.Branch, in.DefaultBranch, in.ReleaseBranches)
	rationale = append(rationale, branchRationale)

	categoryScore := categoryRiskTable[in.FailureCategory]
	rationale = append(rationale, fmt.Sprintf("category %q risk weight %.1f/10", in.FailureCategory, categoryScore))

	total := fileScore*weightFileCriticality +
		serviceScore*weightServiceImpact +
		downstreamScore*weightDownstream +
		branchScore*weightBranchCriticality +
		categoryScore*weightCategoryRisk

	level := levelFor(total)
	return types.BlastRadiusResult{
		Score:           total,
		Level:           level,
		Rationale:       rationale,
		Recommendations: recommendationsFor(level, in),
	}
}

func fileCriticality(files []string) (float64, []string) {
	if len(files) == 0 {
		return 0, nil
	}
	max := 0.0
	var hits []string
	for _, f := range files {
		sev := defaultFileSeverity
		for _, entry := range fileSeverityTable {
			if MatchGlob(entry.glob, f) {
				sev = int(entry.severity)
				break
			}
		}
		if float64(sev) > max {
			max = float64(sev)
		}
		if sev >= 7 {
			hits = append(hits, fmt.Sprintf("%s matches a high-criticality pattern (severity %d)", f, sev))
		}
	}
	return max, hits
}

func serviceImpact(files []string) (float64, int) {
	roots := map[string]struct{}{}
	for _, f := range files {
		roots[serviceRoot(f)] = struct{}{}
	}
	n := len(roots)
	switch {
	case n <= 1:
		return 1, n
	case n == 2:
		return 4, n
	case n <= 4:
		return 7, n
	default:
		return 10, n
	}
}

func serviceRoot(file string) string {
	clean := path.Clean(filepath.ToSlash(file))
	parts := strings.SplitN(clean, "/", 2)
	return parts[0]
}

func downstreamImpact(files []string, dependents int) float64 {
	touchesManifest := false
	for _, f := range files {
		for _, g := range dependencyManifestGlobs {
			if MatchGlob(g, f) {
				touchesManifest = true
			}
		}
	}
	if !touchesManifest {
		return 0
	}
	switch {
	case dependents <= 0:
		return 3
	case dependents <= 3:
		return 5
	case dependents <= 10:
		return 8
	default:
		return 10
	}
}

func branchCriticality(branch, defaultBranch string, releaseBranches []string) (float64, string) {
	if branch == defaultBranch {
		return 10, fmt.Sprintf("branch %q is the default branch", branch)
	}
	for _, r := range releaseBranches {
		if branch == r || MatchGlob(r, branch) {
			return 7, fmt.Sprintf("branch %q matches a release branch pattern", branch)
		}
	}
	return 2, fmt.Sprintf("branch %q is neither default nor a release branch", branch)
}

func levelFor(score float64) types.BlastLevel {
	switch {
	case score >= 8:
		return types.BlastCritical
	case score >= 6:
		return types.BlastHigh
	case score >= 3:
		return types.BlastMedium
	default:
		return types.BlastLow
	}
}

func recommendationsFor(level types.BlastLevel, in Input) []string {
	switch level {
	case types.BlastCritical:
		return []string{"require two senior reviewers", "stage behind a canary deployment before full rollout"}
	case types.BlastHigh:
		return []string{"require at least one senior reviewer", "schedule a post-deploy health check before closing"}
	case types.BlastMedium:
		return []string{"run the standard health check window before marking remediated"}
	default:
		return nil
	}
}

// MatchGlob reports whether name matches glob, where glob may use "**" to
// span zero or more path segments (filepath.Match alone only matches
// within a single segment). Segment-by-segment recursive matching, the
// same shape doublestar-style matchers use internally.
func MatchGlob(glob, name string) bool {
	globSegs := strings.Split(strings.Trim(filepath.ToSlash(glob), "/"), "/")
	nameSegs := strings.Split(strings.Trim(filepath.ToSlash(name), "/"), "/")
	return matchSegments(globSegs, nameSegs)
}

func matchSegments(glob, name []string) bool {
	if len(glob) == 0 {
		return len(name) == 0
	}
	if glob[0] == "**" {
		if matchSegments(glob[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(glob, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, _ := filepath.Match(glob[0], name[0])
	if !ok {
		return false
	}
	return matchSegments(glob[1:], name[1:])
}
