// Package processor runs batch passes that advance every actionable off-ramp request by one
// settlement step, on a schedule and on demand.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/offramp-middleware/internal/metrics"
	"github.com/chainsafe/offramp-middleware/pkg/config"
	"github.com/chainsafe/offramp-middleware/pkg/offramp"
	"github.com/chainsafe/offramp-middleware/pkg/settlement"
)

// ErrPassInProgress is returned when this processor is already running a pass
var ErrPassInProgress = errors.New("processing pass already in progress")

// Pass triggers
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Lister selects the requests a pass works on
type Lister interface {
	ListReadyForProcessing(ctx context.Context, statuses []offramp.Status, limit int) ([]*offramp.Request, error)
}

// Advancer executes one settlement step for a request
type Advancer interface {
	Advance(ctx context.Context, requestID string) settlement.Result
}

// PassResult summarises one pass
type PassResult struct {
	Processed int                 `json:"processed"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Duration  time.Duration       `json:"duration"`
	Results   []settlement.Result `json:"-"`
}

// Processor runs passes over the request store
type Processor struct {
	cfg    *config.ProcessorConfig
	store  Lister
	engine Advancer
	logger *zap.Logger

	running atomic.Bool
	ready   atomic.Bool

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a processor. Passes on other replicas are not coordinated: the store's
// compare-and-set decides which pass owns each step.
func New(cfg *config.ProcessorConfig, store Lister, engine Advancer, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: logger.Named("processor"),
	}
}

// RunPass advances each ready request once, with at most cfg.Workers requests in flight.
// A failure on one request never stops the pass.
func (p *Processor) RunPass(ctx context.Context, trigger string) (*PassResult, error) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.PassesTotal.WithLabelValues(trigger, "busy").Inc()
		return nil, ErrPassInProgress
	}
	defer p.running.Store(false)

	start := time.Now()
	res, err := p.runPass(ctx)
	if err != nil {
		metrics.PassesTotal.WithLabelValues(trigger, "error").Inc()
		return nil, err
	}
	res.Duration = time.Since(start)

	metrics.PassDuration.Observe(res.Duration.Seconds())
	metrics.PassesTotal.WithLabelValues(trigger, "ok").Inc()
	p.ready.Store(true)

	if res.Processed > 0 {
		p.logger.Info("Pass finished",
			zap.String("trigger", trigger),
			zap.Int("processed", res.Processed),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Duration("duration", res.Duration))
	}
	return res, nil
}

func (p *Processor) runPass(ctx context.Context) (*PassResult, error) {
	requests, err := p.store.ListReadyForProcessing(ctx, offramp.ActiveStatuses, p.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	metrics.ActiveRequests.Set(float64(len(requests)))

	results := make([]settlement.Result, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Workers, 1))
	for i, r := range requests {
		g.Go(func() error {
			stepCtx := gctx
			if p.cfg.StepTimeout > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(gctx, p.cfg.StepTimeout)
				defer cancel()
			}
			results[i] = p.engine.Advance(stepCtx, r.RequestID)
			return nil
		})
	}
	_ = g.Wait()

	res := &PassResult{Processed: len(results), Results: results}
	for _, r := range results {
		switch {
		case r.Outcome == settlement.OutcomeSkipped:
			res.Skipped++
		case r.Err != nil || r.Outcome == settlement.OutcomeFailed || r.Outcome == settlement.OutcomeError:
			res.Failed++
		default:
			res.Succeeded++
		}
	}
	return res, nil
}

// Start schedules passes on cfg.Schedule, a cron spec with a seconds field
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return fmt.Errorf("processor already started")
	}

	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(p.cfg.Schedule, func() {
		if _, err := p.RunPass(ctx, TriggerSchedule); err != nil && !errors.Is(err, ErrPassInProgress) {
			p.logger.Error("Scheduled pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid processor schedule %q: %w", p.cfg.Schedule, err)
	}
	c.Start()
	p.cron = c

	p.logger.Info("Processor started", zap.String("schedule", p.cfg.Schedule), zap.Int("workers", p.cfg.Workers))
	return nil
}

// Stop stops scheduling and waits for a running pass to finish
func (p *Processor) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	p.logger.Info("Processor stopped")
}

// IsReady reports whether at least one pass has completed
func (p *Processor) IsReady() bool {
	return p.ready.Load()
}
