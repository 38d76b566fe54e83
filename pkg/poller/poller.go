// Package poller implements the Poller of §4.1: a per-repository ticker
// that fetches recently failed workflow runs, dedupes against the Store,
// and emits new Failure records.
package poller

import (
	"bufio"
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

const (
	logTailBytes  = 256 * 1024
	reasonTailLines = 40
)

// reasonMarkers are scanned in order against each log line; the first line
// containing one of these (case-sensitive, as CI tool output usually is)
// becomes the extracted failure reason.
var reasonMarkers = []string{
	"FAIL:", "FAIL\t", "Error:", "error:", "panic:", "fatal:", "ERROR",
}

// Poller fetches new failed runs for one or more repositories.
type Poller struct {
	vcs     vcs.VcsClient
	store   store.Store
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collectors
}

func New(vc vcs.VcsClient, s store.Store, clk clock.Clock, logger *zap.Logger) *Poller {
	return &Poller{vcs: vc, store: s, clock: clk, logger: logger}
}

// WithMetrics attaches a Collectors set; its methods are nil-safe, so this
// is optional.
func (p *Poller) WithMetrics(m *metrics.Collectors) *Poller {
	p.metrics = m
	return p
}

// Poll fetches repo's failed runs since the given unix-ms watermark,
// skips any run already present in the Store, and inserts the rest as
// newly detected Failures. The returned slice holds only what this call
// inserted.
func (p *Poller) Poll(ctx context.Context, repo string, since int64) ([]types.Failure, error) {
	runs, err := p.vcs.ListFailedRuns(ctx, repo, since)
	if err != nil {
		return nil, err
	}

	var created []types.Failure
	for _, run := range runs {
		_, exists, err := p.store.FindFailureByRun(ctx, repo, run.RunID)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		logs, err := p.vcs.GetRunLogs(ctx, repo, run.RunID)
		if err != nil {
			// A log-fetch error is not fatal to the tick: the run is
			// recorded with empty logs and the rest of the batch still
			// completes. (The GitHub adapter already returns empty logs
			// and no error for expired logs, 410 Gone.)
			if p.logger != nil {
				p.logger.Warn("poller: run logs unavailable", zap.String("repository", repo), zap.Int64("run_id", run.RunID), zap.Error(err))
			}
			logs = ""
		}
		tail := truncateTail(logs, logTailBytes)

		f := types.Failure{
			FailureID:     uuid.NewString(),
			Repository:    repo,
			Branch:        run.Branch,
			WorkflowName:  run.WorkflowName,
			WorkflowRunID: run.RunID,
			CommitHash:    run.CommitHash,
			Status:        types.FailureDetected,
			CapturedLogs:  tail,
			FailureReason: extractReason(tail),
			DetectedAt:    p.clock.Now(),
		}
		if err := f.Validate(); err != nil {
			return created, err
		}
		if err := p.store.UpsertFailure(ctx, f); err != nil {
			return created, err
		}
		p.metrics.FailureDetected(repo)
		created = append(created, f)
	}
	return created, nil
}

// truncateTail returns the last maxBytes of s, aligned to a line boundary
// when possible so the extracted reason is never a half-line.
func truncateTail(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	tail := s[len(s)-maxBytes:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	return tail
}

// extractReason returns the first line matching a known error heuristic,
// or the last reasonTailLines lines joined if nothing matches.
func extractReason(logs string) string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(logs))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		for _, marker := range reasonMarkers {
			if strings.Contains(line, marker) {
				return line
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if len(lines) > reasonTailLines {
		lines = lines[len(lines)-reasonTailLines:]
	}
	return strings.Join(lines, "\n")
}

// jitter returns d scaled by a uniform random factor in [1-frac, 1+frac].
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := 1 + (rand.Float64()*2-1)*frac
	return time.Duration(float64(d) * delta)
}

// Run loops Poll for repo at interval (jittered +-10%) until ctx is
// canceled, pushing every newly detected Failure onto out. On a
// rate-limited upstream response it backs off for minBackoff (1s),
// doubling up to maxBackoff (60s), instead of a tight retry; any other
// error is logged and the next tick
// proceeds on schedule (§4.1).
func (p *Poller) Run(ctx context.Context, repo string, interval time.Duration, out chan<- types.Failure) error {
	since := p.clock.Now().Add(-interval).UnixMilli()
	backoff := minBackoff

	for {
		created, err := p.Poll(ctx, repo, since)
		if err != nil {
			if domainerrors.Is(err, domainerrors.ErrRateLimited) {
				if p.logger != nil {
					p.logger.Warn("poller: rate limited, backing off", zap.String("repository", repo), zap.Duration("backoff", backoff))
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-p.clock.After(backoff):
				}
				backoff = nextBackoff(backoff)
				continue
			}
			if p.logger != nil {
				p.logger.Error("poller: tick failed, will retry next interval", zap.String("repository", repo), zap.Error(err))
			}
		} else {
			backoff = minBackoff
			since = p.clock.Now().UnixMilli()
		}

		for _, f := range created {
			select {
			case out <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(jitter(interval, 0.1)):
		}
	}
}

const minBackoff = time.Second
const maxBackoff = 60 * time.Second

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
