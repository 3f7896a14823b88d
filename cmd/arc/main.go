// Command arc runs the research workflow engine as an MCP stdio server.
// Logs go to stderr; stdout carries the MCP transport.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arclab-ai/arc/internal/cluster"
	"github.com/arclab-ai/arc/internal/engine"
	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/internal/logging"
	"github.com/arclab-ai/arc/internal/policy"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/scheduler"
	"github.com/arclab-ai/arc/internal/store"
	"github.com/arclab-ai/arc/internal/streaming"
	arcmcp "github.com/arclab-ai/arc/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "arc:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	hub := streaming.NewMemoryHub(cel)

	var llm *policy.LLMClient
	if cfg.LLMBaseURL != "" {
		llm = policy.NewLLMClient(policy.LLMConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
		})
	}
	decider := policy.NewAutonomousDecider(llm, expressions.NewExprEngine(), cfg.GuardRules, logger)

	clusters := cluster.NewRegistry(cfg.ClusterPriority)
	clusters.Register(cluster.NewLocalAdapter())

	eng, err := engine.New(engine.Options{
		Store:    st,
		Planner:  research.NewBuiltinPlanner(),
		Analyzer: research.NewBuiltinAnalyzer(),
		Decider:  decider,
		Gates:    policy.NewHumanGatekeeper(st),
		Clusters: clusters,
		Hub:      hub,
		Mirror:   research.NewStoreMirror(st, logger),
		JQ:       expressions.NewGoJQEngine(),
		Logger:   logger,
		Poller: engine.PollerConfig{
			Interval:      msDuration(cfg.PollIntervalMS),
			LeaseDuration: msDuration(cfg.LeaseMS),
			BatchSize:     cfg.BatchSize,
		},
		Handlers: engine.HandlerConfig{
			GatePollInterval: msDuration(cfg.GatePollMS),
			RunPollInterval:  msDuration(cfg.RunPollMS),
			SyntheticMetrics: cfg.SyntheticMetrics,
		},
		MaxAttempts: cfg.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("assemble engine: %w", err)
	}

	sched := scheduler.New(st, eng, nil, logger, msDuration(cfg.ScheduleCheckMS))

	eng.Start(ctx)
	defer eng.Stop()
	sched.Start(ctx)
	defer sched.Stop()

	srv := arcmcp.NewArcServer(arcmcp.ArcServerDeps{
		Engine:    eng,
		Scheduler: sched,
		Store:     st,
		Hub:       hub,
		Logger:    logger,
	})

	logger.InfoContext(ctx, "arc engine started",
		slog.String("db_path", cfg.DBPath),
		slog.String("log_level", cfg.LogLevel))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// msDuration converts a millisecond config value; zero or negative means
// "use the component default".
func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
