package circuitbreaker

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	isoDateTimeRe = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?\b`)
	isoDateRe     = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	timeRe        = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(\.\d+)?\b`)
	lineNumberRe  = regexp.MustCompile(`\bline[: ]+\d+\b`)
	posixPathRe   = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
	windowsPathRe = regexp.MustCompile(`[A-Za-z]:\\(?:[\w.\- ]+\\?)+`)
	memAddrRe     = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
	uuidRe        = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	portRe        = regexp.MustCompile(`:\d{2,5}\b`)
	tempPathRe    = regexp.MustCompile(`/tmp/[\w.\-/]+`)
)

// NormalizeReason strips variable tokens (dates, times, line numbers,
// paths, memory addresses, UUIDs, ports, temp paths) from a failure reason
// so that semantically identical failures collapse to the same signature
// (§4.4).
func NormalizeReason(reason string) string {
	s := reason
	s = isoDateTimeRe.ReplaceAllString(s, "<ts>")
	s = isoDateRe.ReplaceAllString(s, "<date>")
	s = timeRe.ReplaceAllString(s, "<time>")
	s = lineNumberRe.ReplaceAllString(s, "line <n>")
	s = tempPathRe.ReplaceAllString(s, "<tmppath>")
	s = windowsPathRe.ReplaceAllString(s, "<path>")
	s = posixPathRe.ReplaceAllString(s, "<path>")
	s = memAddrRe.ReplaceAllString(s, "<addr>")
	s = uuidRe.ReplaceAllString(s, "<uuid>")
	s = portRe.ReplaceAllString(s, ":<port>")
	return s
}

// Signature computes the FailureSignature of §3: a normalized-string hash
// of (repository, branch, error_pattern).
func Signature(repo, branch, reason string) string {
	normalized := repo + "\x00" + branch + "\x00" + NormalizeReason(reason)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
