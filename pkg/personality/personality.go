// Package personality implements PersonalityProfiler (§4.10): per-repository
// trailing-30-day behavioral statistics and the pattern-detection flags
// derived from them, cached with a short TTL to avoid recomputation.
package personality

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

const (
	window = 30 * 24 * time.Hour
	ttl    = 15 * time.Minute

	flakyCategory = "flaky_test"
)

// Profiler computes and caches PersonalityProfile per repository.
type Profiler struct {
	store store.Store
	clock clock.Clock

	mu    sync.Mutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	profile   types.PersonalityProfile
	expiresAt time.Time
}

func New(s store.Store, clk clock.Clock) *Profiler {
	return &Profiler{store: s, clock: clk, cache: make(map[string]cachedProfile)}
}

// Profile returns the cached PersonalityProfile for repo, recomputing it
// if absent or past its TTL.
func (p *Profiler) Profile(ctx context.Context, repo string) (types.PersonalityProfile, error) {
	p.mu.Lock()
	if cached, ok := p.cache[repo]; ok && p.clock.Now().Before(cached.expiresAt) {
		p.mu.Unlock()
		return cached.profile, nil
	}
	p.mu.Unlock()

	profile, err := p.compute(ctx, repo)
	if err != nil {
		return types.PersonalityProfile{}, err
	}

	p.mu.Lock()
	p.cache[repo] = cachedProfile{profile: profile, expiresAt: p.clock.Now().Add(ttl)}
	p.mu.Unlock()

	if err := p.store.UpsertPersonalityProfile(ctx, profile); err != nil {
		return types.PersonalityProfile{}, err
	}
	return profile, nil
}

func (p *Profiler) compute(ctx context.Context, repo string) (types.PersonalityProfile, error) {
	now := p.clock.Now()
	failures, err := p.store.ListFailures(ctx, store.Filter{Repository: repo, From: now.Add(-window), To: now})
	if err != nil {
		return types.PersonalityProfile{}, err
	}

	profile := types.PersonalityProfile{
		Repository:         repo,
		CategoryHistogram:  map[string]int{},
		DayOfWeekHistogram: map[string]int{},
		HourHistogram:      map[int]int{},
		ComputedAt:         now,
	}

	var (
		flakyCount     int
		terminalCount  int
		succeededCount int
		fridayCount    int
		fridayFlaky    int
	)

	for _, f := range failures {
		profile.TotalFailures++
		profile.DayOfWeekHistogram[f.DetectedAt.Weekday().String()]++
		profile.HourHistogram[f.DetectedAt.Hour()]++
		if f.DetectedAt.Weekday() == time.Friday {
			fridayCount++
		}

		analysis, err := p.store.GetAnalysis(ctx, f.FailureID)
		switch {
		case err == nil:
			profile.CategoryHistogram[analysis.Category]++
			if analysis.Category == flakyCategory {
				flakyCount++
				if f.DetectedAt.Weekday() == time.Friday {
					fridayFlaky++
				}
			}
		case errors.Is(err, store.ErrNotFound):
			// Not yet classified; excluded from the category histogram.
		default:
			return types.PersonalityProfile{}, err
		}

		if f.Status.Terminal() {
			terminalCount++
			if f.Status == types.FailureRemediated {
				succeededCount++
			}
		}
	}

	if profile.TotalFailures > 0 {
		profile.FlakyRate = float64(flakyCount) / float64(profile.TotalFailures)
	}
	if terminalCount > 0 {
		profile.SuccessRate = float64(succeededCount) / float64(terminalCount)
	}

	patterns, err := p.store.ListPatterns(ctx, repo)
	if err != nil {
		return types.PersonalityProfile{}, err
	}
	profile.AvgResolutionMinutes = avgResolutionMinutes(patterns)

	profile.DetectedPatterns = detectPatterns(profile, fridayCount, fridayFlaky)
	return profile, nil
}

func avgResolutionMinutes(patterns []types.Pattern) float64 {
	if len(patterns) == 0 {
		return 0
	}
	var total int64
	var n int
	for _, p := range patterns {
		if p.FixSuccessful && p.ResolutionTimeMS > 0 {
			total += p.ResolutionTimeMS
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n) / 60000
}

// detectPatterns emits the §4.10 flags: flaky_prone, friday_spike,
// category_specialist, time_of_day.
func detectPatterns(profile types.PersonalityProfile, fridayCount, fridayFlaky int) []types.DetectedPattern {
	var flags []types.DetectedPattern

	if profile.FlakyRate >= 0.3 {
		flags = append(flags, types.DetectedPattern{
			Type:             "flaky_prone",
			Frequency:        profile.FlakyRate,
			ConfidenceAdjust: -0.1,
			Recommendation:   "treat classifier confidence for this repo with extra skepticism",
		})
	}

	if fridayCount > 0 {
		fridayRate := float64(fridayFlaky) / float64(fridayCount)
		if fridayRate >= 0.4 {
			flags = append(flags, types.DetectedPattern{
				Type:             "friday_spike",
				Frequency:        fridayRate,
				ConfidenceAdjust: -0.05,
				Recommendation:   "expect elevated flakiness on Fridays",
			})
		}
	}

	if category, share := profile.DominantCategory(); category != "" && share >= 0.5 {
		flags = append(flags, types.DetectedPattern{
			Type:             "category_specialist",
			Frequency:        share,
			ConfidenceAdjust: 0.1,
			Recommendation:   "classifier prompts may lean on the dominant category " + category,
		})
	}

	for hour, count := range profile.HourHistogram {
		if profile.TotalFailures == 0 {
			break
		}
		if rate := float64(count) / float64(profile.TotalFailures); rate >= 0.3 {
			flags = append(flags, types.DetectedPattern{
				Type:             "time_of_day",
				Frequency:        rate,
				ConfidenceAdjust: 0,
				Recommendation:   hourBucketLabel(hour),
			})
		}
	}

	return flags
}

func hourBucketLabel(hour int) string {
	switch {
	case hour < 6:
		return "concentrated in the overnight hours (00:00-06:00)"
	case hour < 12:
		return "concentrated in the morning hours (06:00-12:00)"
	case hour < 18:
		return "concentrated in the afternoon hours (12:00-18:00)"
	default:
		return "concentrated in the evening hours (18:00-24:00)"
	}
}

// ConfidenceAdjustment sums the bounded ±20pp adjustment from every
// detected pattern for (repository), per §4.2's confidence-adjustment step.
func ConfidenceAdjustment(profile types.PersonalityProfile) float64 {
	var total float64
	for _, f := range profile.DetectedPatterns {
		total += f.ConfidenceAdjust
	}
	const bound = 0.20
	if total > bound {
		return bound
	}
	if total < -bound {
		return -bound
	}
	return total
}
