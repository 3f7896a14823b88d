package engine

import (
	"context"
	"log/slog"

	"github.com/arclab-ai/arc/internal/cluster"
	"github.com/arclab-ai/arc/internal/expressions"
	"github.com/arclab-ai/arc/internal/policy"
	"github.com/arclab-ai/arc/internal/research"
	"github.com/arclab-ai/arc/internal/streaming"
	"github.com/arclab-ai/arc/internal/store"
)

// Options bundles the collaborators the engine is assembled from. Store,
// Planner, Analyzer, Decider, Gates and Clusters are required; the rest
// default to working no-op or real implementations.
type Options struct {
	Store    store.Store
	Planner  research.Planner
	Analyzer research.Analyzer
	Decider  policy.Decider
	Gates    *policy.HumanGatekeeper
	Clusters *cluster.Registry

	Hub    streaming.EventHub
	Mirror research.Mirror
	JQ     *expressions.GoJQEngine
	Clock  Clock
	Logger *slog.Logger

	Poller      PollerConfig
	Handlers    HandlerConfig
	MaxAttempts int
}

// Engine is the assembled scheduler: the lifecycle service plus the queue
// poller that executes steps.
type Engine struct {
	*Service
	Poller   *Poller
	Executor *Executor
}

// New assembles the engine. It fails only on wiring errors (a step without
// a handler), never at runtime.
func New(opts Options) (*Engine, error) {
	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := NewHandlers(opts.Store, opts.Planner, opts.Analyzer, opts.Decider,
		opts.Gates, opts.Clusters, clock, logger, opts.Handlers)
	registry, err := NewRegistry(handlers)
	if err != nil {
		return nil, err
	}

	executor := NewExecutor(opts.Store, registry, opts.Hub, opts.Mirror, clock, logger)
	poller := NewPoller(opts.Store, executor, clock, logger, opts.Poller)
	service := NewService(opts.Store, opts.JQ, poller, clock, logger, opts.MaxAttempts)

	return &Engine{Service: service, Poller: poller, Executor: executor}, nil
}

// Start launches the background poll loop.
func (e *Engine) Start(ctx context.Context) {
	e.Poller.Start(ctx)
}

// Stop drains the poll loop.
func (e *Engine) Stop() {
	e.Poller.Stop()
}
