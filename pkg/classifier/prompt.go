package classifier

import (
	"fmt"
	"strings"

	"github.com/ci-remediator/ci-remediator/pkg/types"
)

const maxLogTail = 4000

// rolePreamble describes the task and the required output schema; it is
// the first element of every assembled prompt (§4.2, step 1).
const rolePreamble = `You are the Classifier stage of a CI failure remediation system.
Given a failed CI run, decide whether it is a "devops" problem (dependency
resolution, workflow configuration, runner timeouts, environment) or a
"developer" problem (application source defects: failing assertions,
compile or lint errors naming in-repo files).

Respond with a single JSON object with exactly these fields:
{
  "error_type": "devops" | "developer",
  "category": string,
  "risk_score": integer 0-10,
  "confidence": integer 0-100,
  "effort": "low" | "med" | "high",
  "proposed_fix": string,
  "files_to_modify": [string],
  "fix_operations": [{"path": string, "operation": "create"|"update"|"delete", "content": string, "rationale": string}],
  "reasoning": string,
  "affected_components": [string]
}
Do not include any text outside the JSON object. error_type MUST be present
and MUST be one of the two listed values.`

// AssembleRequest builds the ordered §4.2 prompt from a Failure, its
// retrieved PatternMemory matches, and the repository's PersonalityProfile.
func AssembleRequest(f types.Failure, matches []types.Match, profile types.PersonalityProfile) string {
	var b strings.Builder

	b.WriteString(rolePreamble)
	b.WriteString("\n\n")

	b.WriteString("## Failure facts\n")
	fmt.Fprintf(&b, "repository: %s\nbranch: %s\nworkflow: %s\ncommit: %s\nreason: %s\n",
		f.Repository, f.Branch, f.WorkflowName, f.CommitHash, f.FailureReason)
	b.WriteString("log tail:\n```\n")
	b.WriteString(tail(f.CapturedLogs, maxLogTail))
	b.WriteString("\n```\n\n")

	if len(matches) > 0 {
		b.WriteString("## Similar past failures\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "- signature=%s similarity=%.2f fix=%q files=%v\n",
				m.Pattern.ErrorSignature, m.Similarity, m.Pattern.ProposedFix, m.Pattern.FilesModified)
		}
		b.WriteString("\n")
	}

	if profile.TotalFailures > 0 {
		dominant, share := profile.DominantCategory()
		b.WriteString("## Repository personality\n")
		fmt.Fprintf(&b, "dominant_category=%s (%.0f%%) flaky_rate=%.2f\n", dominant, share*100, profile.FlakyRate)
		for _, pat := range profile.DetectedPatterns {
			fmt.Fprintf(&b, "- %s: %s (confidence_adjust=%+.2f)\n", pat.Type, pat.Recommendation, pat.ConfidenceAdjust)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Output schema reminder\nRespond with ONLY the JSON object described above.\n")

	return b.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
