package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arclab-ai/arc/internal/store"
)

// Queue defaults. A task lease outlives several poll cycles so a healthy
// executor is never raced by its own poller.
const (
	DefaultPollInterval  = 3 * time.Second
	DefaultLeaseDuration = 20 * time.Second
	DefaultBatchSize     = 5
)

// PollerConfig tunes the queue poll loop.
type PollerConfig struct {
	Interval      time.Duration
	LeaseDuration time.Duration
	BatchSize     int
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Poller drives the task queue: reclaim expired leases, pick due tasks,
// lease each with a compare-and-swap, and execute sequentially. Multiple
// pollers can share a store; the lease CAS guarantees exclusivity.
type Poller struct {
	store    store.Store
	executor *Executor
	clock    Clock
	logger   *slog.Logger
	cfg      PollerConfig

	kick chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller.
func NewPoller(s store.Store, executor *Executor, clock Clock, logger *slog.Logger, cfg PollerConfig) *Poller {
	if clock == nil {
		clock = NewClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Poller{
		store:    s,
		executor: executor,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the poll loop and kicks an immediate first pass, so a
// restarted process picks up due tasks without waiting out an interval.
// Repeated calls while running are no-ops.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
	p.Kick()
	p.logger.InfoContext(ctx, "task poller started",
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("batch_size", p.cfg.BatchSize))
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Kick requests an immediate poll, coalescing with any pending request.
// Called after enqueues so new work does not wait out the interval.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.RunOnce(ctx)
	}
}

// RunOnce performs a single poll cycle and returns the number of tasks
// executed. Exported so tests and one-shot tools can drive the queue
// without the background loop.
func (p *Poller) RunOnce(ctx context.Context) int {
	now := p.clock.Now()

	reclaimed, err := p.store.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		p.logger.ErrorContext(ctx, "lease reclaim failed", slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		p.logger.WarnContext(ctx, "reclaimed expired leases", slog.Int("count", reclaimed))
	}

	tasks, err := p.store.DueTasks(ctx, now, p.cfg.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "due task query failed", slog.String("error", err.Error()))
		return 0
	}

	executed := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return executed
		}
		ok, err := p.store.LeaseTask(ctx, task.ID, now.Add(p.cfg.LeaseDuration))
		if err != nil {
			p.logger.ErrorContext(ctx, "lease attempt failed",
				slog.String("task_id", task.ID), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue // lost the race to another poller
		}
		p.executor.Execute(ctx, task)
		executed++
	}
	return executed
}
