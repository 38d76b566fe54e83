// Package dashboard implements the §6 read-only HTTP dashboard: current
// stats, a bounded failure feed, a risk distribution histogram, an audit
// trail slice, the monitored repository list, and per-repo personality
// snapshots. It owns no business logic -- every handler is a thin
// translation from a Store/Explainability query to JSON.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/explainability"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Config carries the server's listen address and timeouts, mirroring the
// teacher's server.Config shape.
type Config struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Repositories []string
}

func (c Config) withDefaults() Config {
	if c.Port == "" {
		c.Port = "8090"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server is the dashboard's HTTP entry point.
type Server struct {
	cfg    Config
	store  store.Store
	ledger *explainability.Ledger
	clock  clock.Clock
	logger *zap.Logger

	httpServer *http.Server
}

func New(cfg Config, st store.Store, ledger *explainability.Ledger, clk clock.Clock, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, store: st, ledger: ledger, clock: clk, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(api chi.Router) {
		api.Get("/stats", s.handleStats)
		api.Get("/failures", s.handleFailures)
		api.Get("/risk-histogram", s.handleRiskHistogram)
		api.Get("/audit/{failureID}", s.handleAudit)
		api.Get("/repositories", s.handleRepositories)
		api.Get("/personality/{repository}", s.handlePersonality)
	})

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the underlying router for tests and for embedding behind
// a shared listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully within a 5s budget.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("dashboard: shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	FailuresLast24h    int     `json:"failures_last_24h"`
	SuccessRate        float64 `json:"success_rate"`
	ActiveRemediations int     `json:"active_remediations"`
	OpenCircuits       int     `json:"open_circuits"`
	PatternsLearned    int     `json:"patterns_learned"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.clock.Now()

	failures, err := s.store.ListFailures(ctx, store.Filter{From: now.Add(-24 * time.Hour), To: now})
	if err != nil {
		writeError(w, err)
		return
	}

	var succeeded, resolved, active int
	for _, f := range failures {
		switch f.Status {
		case types.FailureRemediated:
			succeeded++
			resolved++
		case types.FailureRolledBack, types.FailureFailed:
			resolved++
		default:
			if !f.Status.Terminal() {
				active++
			}
		}
	}
	successRate := 0.0
	if resolved > 0 {
		successRate = float64(succeeded) / float64(resolved)
	}

	circuits, err := s.store.ListOpenCircuits(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	patterns := 0
	for _, repo := range s.cfg.Repositories {
		n, err := s.store.CountPatterns(ctx, repo)
		if err != nil {
			writeError(w, err)
			return
		}
		patterns += n
	}

	writeJSON(w, http.StatusOK, statsResponse{
		FailuresLast24h:    len(failures),
		SuccessRate:        successRate,
		ActiveRemediations: active,
		OpenCircuits:       len(circuits),
		PatternsLearned:    patterns,
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	repo := r.URL.Query().Get("repository")

	failures, err := s.store.ListFailures(r.Context(), store.Filter{Repository: repo, Limit: limit})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleRiskHistogram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	failures, err := s.store.ListFailures(ctx, store.Filter{Limit: 500})
	if err != nil {
		writeError(w, err)
		return
	}

	buckets := make(map[int]int)
	for _, f := range failures {
		a, err := s.store.GetAnalysis(ctx, f.FailureID)
		if err != nil {
			continue // no analysis yet (still detected) -- excluded from the histogram
		}
		buckets[a.RiskScore]++
	}

	scores := make([]int, 0, len(buckets))
	for score := range buckets {
		scores = append(scores, score)
	}
	sort.Ints(scores)

	type bucket struct {
		RiskScore int `json:"risk_score"`
		Count     int `json:"count"`
	}
	out := make([]bucket, 0, len(scores))
	for _, score := range scores {
		out = append(out, bucket{RiskScore: score, Count: buckets[score]})
	}
	writeJSON(w, http.StatusOK, out)
}

type auditResponse struct {
	Decisions []types.DecisionRecord `json:"decisions"`
	Narrative string                 `json:"narrative"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	failureID := chi.URLParam(r, "failureID")
	decisions, err := s.ledger.ForFailure(r.Context(), failureID)
	if err != nil {
		writeError(w, err)
		return
	}
	narrative, err := s.ledger.Narrate(r.Context(), failureID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{Decisions: decisions, Narrative: narrative})
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Repositories)
}

func (s *Server) handlePersonality(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repository")
	profile, found, err := s.store.GetPersonalityProfile(r.Context(), repo)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no personality profile for repository"})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
