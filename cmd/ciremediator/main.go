// Command ciremediator is the process entry point: it loads configuration,
// wires every package together, and runs the control loop until an
// interrupt signal arrives.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/internal/config"
	"github.com/ci-remediator/ci-remediator/pkg/approval"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/classifier"
	"github.com/ci-remediator/ci-remediator/pkg/dashboard"
	"github.com/ci-remediator/ci-remediator/pkg/executor"
	"github.com/ci-remediator/ci-remediator/pkg/explainability"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/modelclient/anthropic"
	"github.com/ci-remediator/ci-remediator/pkg/notifier/slack"
	"github.com/ci-remediator/ci-remediator/pkg/orchestrator"
	"github.com/ci-remediator/ci-remediator/pkg/patternmemory"
	"github.com/ci-remediator/ci-remediator/pkg/personality"
	"github.com/ci-remediator/ci-remediator/pkg/poller"
	"github.com/ci-remediator/ci-remediator/pkg/safety"
	"github.com/ci-remediator/ci-remediator/pkg/snapshot"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/store/postgres"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs/github"
)

const (
	exitOK             = 0
	exitInvalidConfig  = 1
	exitStartupFailure = 2
	exitInterrupted    = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ci-remediator: invalid config:", err)
		return exitInvalidConfig
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ci-remediator: logger setup failed:", err)
		return exitStartupFailure
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runWithConfig(ctx, cfg, logger); err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitStartupFailure
	}

	if ctx.Err() != nil {
		return exitInterrupted
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zcfg.Level = level
	}
	return zcfg.Build()
}

func runWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	clk := clock.Real{}

	st, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	vc := github.New(cfg.VCSToken)
	model := anthropic.New(cfg.LLMKey, "claude-sonnet-4-5", logger)
	note := slack.New(cfg.NotifierToken)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parsing REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
	}

	collectors := metrics.New()
	registry := prometheus.NewRegistry()
	if err := collectors.Register(registry); err != nil {
		return fmt.Errorf("metrics: registering collectors: %w", err)
	}

	circuits := circuitbreaker.New(st, clk, cfg.CircuitFailureThreshold, cfg.CircuitAutoReset())
	gate := safety.New(circuits, cfg, cfg.DryRun)
	cls := classifier.New(model, patternmemory.New(st, model, clk, redisClient), personality.New(st, clk), "claude-sonnet-4-5").WithMetrics(collectors)
	patterns := patternmemory.New(st, model, clk, redisClient)
	profiler := personality.New(st, clk)
	snapshots := snapshot.New(st, vc, clk, cfg.SnapshotRetention())
	healthChecks := snapshot.NewHealthChecker(st, vc, note, snapshots, clk)
	exec := executor.New(vc, st, snapshots, healthChecks, clk, cfg.DryRun, cfg.FixBranchPrefix, cfg.HealthCheckDelay())
	approvals := approval.New(vc, st, note, cfg, clk, cfg.ApprovalTimeout(), cfg.DryRun)

	orch := orchestrator.New(st, cls, gate, circuits, patterns, exec, approvals, healthChecks, note, clk, int64(cfg.WorkerPoolSize)).WithMetrics(collectors)

	ledger := explainability.New(st)
	dash := dashboard.New(dashboard.Config{
		Port:         cfg.Server.DashboardPort,
		Repositories: cfg.Repositories,
	}, st, ledger, clk, logger)

	p := poller.New(vc, st, clk, logger).WithMetrics(collectors)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dash.Start(ctx); err != nil {
			logger.Error("dashboard server stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveMetrics(ctx, cfg.Server.MetricsPort, registry, logger)
	}()

	for _, repo := range cfg.Repositories {
		repo := repo
		out := make(chan types.Failure, 16)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx, repo, cfg.PollingInterval(), out); err != nil && ctx.Err() == nil {
				logger.Error("poller stopped", zap.String("repository", repo), zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			for f := range out {
				if err := orch.Dispatch(ctx, f); err != nil {
					logger.Error("dispatch failed", zap.String("failure_id", f.FailureID), zap.Error(err))
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runBackgroundJobs(ctx, orch, st, snapshots, profiler, logger, cfg)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

func newStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreDSN == "" {
		return memory.New(), nil
	}
	pg, err := postgres.Open(cfg.StoreDSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: opening migration connection: %w", err)
	}
	defer db.Close()
	if err := postgres.Migrate(db); err != nil {
		return nil, fmt.Errorf("postgres: migrating: %w", err)
	}
	return pg, nil
}

func serveMetrics(ctx context.Context, port string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", zap.Error(err))
	}
}

// runBackgroundJobs drives the §5 scheduled jobs: approval and health-check
// resolution on short intervals, the metric-threshold evaluator and daily
// snapshot cleanup on longer intervals, and the weekly health report.
func runBackgroundJobs(ctx context.Context, orch *orchestrator.Orchestrator, st store.Store, snapshots *snapshot.Manager, profiler *personality.Profiler, logger *zap.Logger, cfg *config.Config) {
	approvalTicker := time.NewTicker(jitter(30 * time.Second))
	healthTicker := time.NewTicker(jitter(time.Minute))
	gaugeTicker := time.NewTicker(jitter(15 * time.Minute))
	cleanupTicker := time.NewTicker(24 * time.Hour)
	weeklyTicker := time.NewTicker(7 * 24 * time.Hour)
	defer approvalTicker.Stop()
	defer healthTicker.Stop()
	defer gaugeTicker.Stop()
	defer cleanupTicker.Stop()
	defer weeklyTicker.Stop()

	ruleInputs := func(hc types.HealthCheck) snapshot.RuleInput {
		f, err := st.GetFailure(ctx, hc.RemediationID)
		if err != nil {
			logger.Error("health check: loading failure failed", zap.String("remediation_id", hc.RemediationID), zap.Error(err))
			return snapshot.RuleInput{}
		}
		return snapshot.RuleInput{
			Repository:  f.Repository,
			Branch:      f.Branch,
			FixBranch:   fmt.Sprintf("%s/%s", cfg.FixBranchPrefix, hc.RemediationID),
			SinceUnixMS: hc.ScheduledAt.Add(-cfg.HealthCheckDelay()).UnixMilli(),
			PRNumber:    f.PRNumber,
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-approvalTicker.C:
			if err := orch.ResolveApprovals(ctx); err != nil {
				logger.Error("resolve approvals failed", zap.Error(err))
			}
		case <-healthTicker.C:
			if err := orch.RunHealthChecks(ctx, st.GetSnapshot, ruleInputs); err != nil {
				logger.Error("run health checks failed", zap.Error(err))
			}
		case <-gaugeTicker.C:
			if err := orch.RefreshGauges(ctx, cfg.Repositories); err != nil {
				logger.Error("refresh gauges failed", zap.Error(err))
			}
			for _, repo := range cfg.Repositories {
				if _, err := profiler.Profile(ctx, repo); err != nil {
					logger.Error("refresh personality profile failed", zap.String("repository", repo), zap.Error(err))
				}
			}
		case <-cleanupTicker.C:
			if _, err := orch.ExpireSnapshots(ctx, snapshots); err != nil {
				logger.Error("expire snapshots failed", zap.Error(err))
			}
		case <-weeklyTicker.C:
			if err := orch.WeeklyHealthReport(ctx, cfg.Repositories); err != nil {
				logger.Error("weekly health report failed", zap.Error(err))
			}
		}
	}
}

// jitter spreads ticker start phase by up to 10%, matching the Poller's
// per-tick jitter idiom, so every repository's background loop doesn't
// wake the Store on the same instant.
func jitter(d time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(d) / 5))
	return d + delta - d/10
}
