package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"opsdeck/internal/notifications/core"
	"opsdeck/internal/types"
	"opsdeck/internal/workflows"
)

// Driver is satisfied by *workflows.Driver.
type Driver interface {
	Key() string
	Run(ctx context.Context) (workflows.Outcome, error)
}

// RetrySweeper re-attempts notifications whose retry time has passed. It is
// satisfied by *core.Dispatcher.
type RetrySweeper interface {
	RetryDue(ctx context.Context, limit int) (core.RetryReport, error)
}

// Metrics records tick-level signals.
type Metrics interface {
	RecordTickSkipped(ctx context.Context)
	RecordTick(ctx context.Context, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordTickSkipped(context.Context)          {}
func (noopMetrics) RecordTick(context.Context, time.Duration) {}

// Config controls the timer and the per-driver deadline.
type Config struct {
	Interval        time.Duration
	WorkflowTimeout time.Duration
	RunOnStart      bool
}

// DriverResult is the outcome of one driver within a tick.
type DriverResult struct {
	WorkflowKey string
	Outcome     workflows.Outcome
	Err         error
	Duration    time.Duration
}

// TickReport summarises one tick. Skipped ticks carry no results.
type TickReport struct {
	TickID    string
	StartedAt time.Time
	Duration  time.Duration
	Skipped   bool
	Results   []DriverResult

	// Retries is the notification sweep that followed the drivers; nil when
	// no sweeper is configured or the tick was cancelled first.
	Retries  *core.RetryReport
	RetryErr error
}

// Failed counts drivers that returned an error.
func (r TickReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Supervisor owns the tick state: an overlap guard and the cron handle.
type Supervisor struct {
	drivers []Driver
	cfg     Config
	clock   types.Clock
	metrics Metrics
	logger  *slog.Logger

	sweeper    RetrySweeper
	retryBatch int

	running  atomic.Bool
	lastTick atomic.Int64

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(c types.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

// WithRetrySweep makes every tick end with a notification retry sweep of at
// most batch rows.
func WithRetrySweep(sw RetrySweeper, batch int) Option {
	return func(s *Supervisor) {
		s.sweeper = sw
		s.retryBatch = batch
	}
}

// NewSupervisor creates a Supervisor. Drivers run in the given order.
func NewSupervisor(drivers []Driver, cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		drivers: drivers,
		cfg:     cfg,
		clock:   types.RealClock{},
		metrics: noopMetrics{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs every driver once, sequentially. If a tick is already in flight
// the call returns immediately with Skipped set; ticks are never queued.
// Driver errors and panics are logged and reported, never propagated.
func (s *Supervisor) Tick(ctx context.Context) TickReport {
	started := s.clock.Now()
	report := TickReport{TickID: "tick_" + uuid.NewString(), StartedAt: started}

	if !s.running.CompareAndSwap(false, true) {
		s.logger.WarnContext(ctx, "previous tick still running, skipping", "tick_id", report.TickID)
		s.metrics.RecordTickSkipped(ctx)
		report.Skipped = true
		return report
	}
	defer s.running.Store(false)

	ctx = types.WithRequestID(ctx, report.TickID)
	log := s.logger.With("tick_id", report.TickID)

	report.Results = make([]DriverResult, 0, len(s.drivers))
	for _, d := range s.drivers {
		if ctx.Err() != nil {
			log.WarnContext(ctx, "tick cancelled, remaining drivers not run", "error", ctx.Err())
			break
		}
		res := s.runDriver(ctx, d)
		if res.Err != nil {
			log.ErrorContext(ctx, "workflow driver failed",
				"workflow_key", res.WorkflowKey,
				"status", string(res.Outcome.Status),
				"error", res.Err,
			)
		} else if res.Outcome.Status != types.OutcomeWaiting {
			log.InfoContext(ctx, "workflow driver finished",
				"workflow_key", res.WorkflowKey,
				"status", string(res.Outcome.Status),
				"run_key", res.Outcome.RunKey,
				"reason", res.Outcome.Reason,
			)
		}
		report.Results = append(report.Results, res)
	}

	if s.sweeper != nil && ctx.Err() == nil {
		report.Retries, report.RetryErr = s.sweep(ctx)
		if report.RetryErr != nil {
			log.ErrorContext(ctx, "notification retry sweep failed", "error", report.RetryErr)
		}
	}

	report.Duration = s.clock.Now().Sub(started)
	s.lastTick.Store(started.UnixNano())
	s.metrics.RecordTick(ctx, report.Duration)
	return report
}

// runDriver bounds a driver by WorkflowTimeout and converts a panic that
// escaped the driver into an error.
func (s *Supervisor) runDriver(ctx context.Context, d Driver) (res DriverResult) {
	res.WorkflowKey = d.Key()
	started := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "workflow driver panicked",
				"workflow_key", res.WorkflowKey, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res.Err = types.NewAppError(types.ErrCodeInternalPanic, fmt.Sprintf("driver %s panicked: %v", res.WorkflowKey, r), nil)
			res.Outcome.Status = types.OutcomeFailed
		}
		res.Duration = s.clock.Now().Sub(started)
	}()

	dctx := ctx
	if s.cfg.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.WorkflowTimeout)
		defer cancel()
	}
	res.Outcome, res.Err = d.Run(dctx)
	return res
}

// sweep runs the retry sweeper under the same deadline and panic guard as a
// driver.
func (s *Supervisor) sweep(ctx context.Context) (report *core.RetryReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "notification retry sweep panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = types.NewAppError(types.ErrCodeInternalPanic, fmt.Sprintf("retry sweep panicked: %v", r), nil)
		}
	}()

	if s.cfg.WorkflowTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WorkflowTimeout)
		defer cancel()
	}
	res, err := s.sweeper.RetryDue(ctx, s.retryBatch)
	return &res, err
}

// ErrAlreadyStarted is returned by Start on a running Supervisor.
var ErrAlreadyStarted = errors.New("scheduler: already started")

// Start arms the interval timer. Ticks run with a context derived from ctx
// that Stop cancels. With RunOnStart a first tick fires immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(time.UTC))
	spec := "@every " + s.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() { s.spawnTick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduler: invalid interval %q: %w", spec, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.logger.InfoContext(ctx, "scheduler started",
		"interval", s.cfg.Interval.String(),
		"workflow_timeout", s.cfg.WorkflowTimeout.String(),
		"drivers", len(s.drivers),
	)

	if s.cfg.RunOnStart {
		s.spawnTick(runCtx)
	}
	return nil
}

func (s *Supervisor) spawnTick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Stop disarms the timer, cancels the in-flight tick and waits for it to
// return or for ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	<-c.Stop().Done()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.InfoContext(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

// LastTick returns when the most recent completed tick started, or the zero
// time before the first one.
func (s *Supervisor) LastTick() time.Time {
	n := s.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Interval returns the configured tick interval.
func (s *Supervisor) Interval() time.Duration { return s.cfg.Interval }

// Running reports whether a tick is in flight.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}
