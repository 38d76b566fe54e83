// Package patternmemory implements PatternMemory (§4.6): similarity-based
// recall of past (failure -> fix) pairs, with an in-memory index warmed at
// startup, a Redis-backed candidate staging cache, and a deterministic
// hashed-token embedding fallback when no embedding endpoint is configured.
package patternmemory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/modelclient"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

const (
	sameCategoryThreshold  = 0.75
	crossCategoryThreshold = 0.85
	// perRepoCap is the Open Question decision recorded in DESIGN.md: the
	// oldest pattern is evicted once a repository exceeds this count.
	perRepoCap = 500
)

// Memory is the PatternMemory decision service.
type Memory struct {
	store store.Store
	model modelclient.ModelClient
	clock clock.Clock
	redis *redis.Client // optional; nil disables candidate staging

	mu    sync.RWMutex
	index map[string][]types.Pattern // keyed by repository
}

func New(s store.Store, model modelclient.ModelClient, clk clock.Clock, redisClient *redis.Client) *Memory {
	return &Memory{store: s, model: model, clock: clk, redis: redisClient, index: make(map[string][]types.Pattern)}
}

// Warm loads every repository's patterns into the in-memory index at
// startup, per §4.6 ("An in-memory index is warmed at startup").
func (m *Memory) Warm(ctx context.Context, repositories []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, repo := range repositories {
		patterns, err := m.store.ListPatterns(ctx, repo)
		if err != nil {
			return err
		}
		m.index[repo] = patterns
	}
	return nil
}

// Store inserts a Pattern, embedding it if the caller hasn't already, and
// evicts the oldest entry for the repository once the per-repo cap is
// exceeded. Per §4.6 this is only called after confirmed success (or to
// explicitly record a negative) -- the caller, not Memory, enforces that.
func (m *Memory) Store(ctx context.Context, p types.Pattern) error {
	if p.PatternID == "" {
		p.PatternID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.clock.Now()
	}
	if len(p.Embedding) == 0 {
		embedding, family, err := m.embed(ctx, p.ErrorSignature)
		if err != nil {
			return err
		}
		p.Embedding = embedding
		p.EmbeddingFamily = family
	}
	if err := p.Validate(); err != nil {
		return err
	}

	count, err := m.store.CountPatterns(ctx, p.Repository)
	if err != nil {
		return err
	}
	if count >= perRepoCap {
		if err := m.store.DeleteOldestPattern(ctx, p.Repository); err != nil {
			return err
		}
	}
	if err := m.store.InsertPattern(ctx, p); err != nil {
		return err
	}

	m.mu.Lock()
	m.index[p.Repository] = appendCapped(m.index[p.Repository], p)
	m.mu.Unlock()

	if m.redis != nil {
		m.stageCandidate(ctx, p)
	}
	return nil
}

func appendCapped(patterns []types.Pattern, p types.Pattern) []types.Pattern {
	patterns = append(patterns, p)
	if len(patterns) > perRepoCap {
		patterns = patterns[len(patterns)-perRepoCap:]
	}
	return patterns
}

// Similar returns the top-k Matches for a failure reason, normalized
// identically to CircuitBreaker's signature scheme to improve recall
// (§4.6), filtered by the same-category/cross-category similarity
// thresholds.
func (m *Memory) Similar(ctx context.Context, failureReason, category, repository string, k int) ([]types.Match, error) {
	normalized := circuitbreaker.NormalizeReason(failureReason)
	queryEmbedding, queryFamily, err := m.embed(ctx, normalized)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	candidates := append([]types.Pattern(nil), m.index[repository]...)
	m.mu.RUnlock()

	var matches []types.Match
	for _, p := range candidates {
		if p.EmbeddingFamily != queryFamily || len(p.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, p.Embedding)
		threshold := crossCategoryThreshold
		if p.Category == category {
			threshold = sameCategoryThreshold
		}
		if sim >= threshold {
			matches = append(matches, types.Match{Pattern: p, Similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// embed produces a fixed-dimension vector for text via the configured
// ModelClient, falling back to the deterministic hashed-token scheme when
// no embedding endpoint is available.
func (m *Memory) embed(ctx context.Context, text string) ([]float32, types.EmbeddingFamily, error) {
	if m.model != nil {
		vec, err := m.model.Embed(ctx, text)
		if err == nil {
			return vec, types.EmbeddingFamilyEndpoint, nil
		}
		if !isEmbeddingUnavailable(err) {
			return nil, "", err
		}
	}
	return hashedEmbedding(text), types.EmbeddingFamilyHashed, nil
}

func isEmbeddingUnavailable(err error) bool {
	return errors.Is(err, modelclient.ErrEmbeddingUnavailable)
}

// stageCandidate mirrors a freshly stored pattern into Redis with a short
// TTL (best-effort; failures here never fail the write). Nothing in this
// package reads the staged entries back: Similar searches only the
// in-memory index.
func (m *Memory) stageCandidate(ctx context.Context, p types.Pattern) {
	payload, err := json.Marshal(p)
	if err != nil {
		return
	}
	key := "patternmemory:candidate:" + p.Repository + ":" + p.PatternID
	_ = m.redis.Set(ctx, key, payload, 10*time.Minute).Err()
}
