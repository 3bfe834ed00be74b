// Package poller drives the ingestion cycle: fetch, parse, normalize,
// reconcile into the cache, then archive and announce. It owns the lifecycle
// (startup, fixed-interval loop with backoff, degraded mode, fatal stop and
// graceful shutdown) and reports a health snapshot.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/breaker"
	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/normalizer"
	"github.com/JakeFAU/realtime-911/internal/sink"
	"github.com/JakeFAU/realtime-911/internal/storage/memory"
)

// State is the lifecycle position of the poller.
type State string

// Lifecycle states.
const (
	StateStopped      State = "stopped"
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateDegraded     State = "degraded"
	StateShuttingDown State = "shutting_down"
)

// Lifecycle errors.
var (
	ErrAlreadyRunning  = errors.New("poller already running")
	ErrStartupFailed   = errors.New("poller startup failed")
	ErrStartupTimeout  = errors.New("poller startup timed out")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

var errStartupDeadline = errors.New("startup deadline exceeded")

// Config holds loop timing. Zero values take the defaults from DefaultConfig.
type Config struct {
	Interval       time.Duration
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
	// MaxFailures consecutive failed cycles stop the poller. Zero disables.
	MaxFailures int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// SideOutputTimeout bounds archiving and event publishing after a cycle
	// has been recorded.
	SideOutputTimeout time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		StartupTimeout: 30 * time.Second,
		ShutdownGrace:  10 * time.Second,
		MaxFailures:    10,
		BackoffBase:    time.Second,
		BackoffMax:     5 * time.Minute,

		SideOutputTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.MaxFailures < 0 {
		c.MaxFailures = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.SideOutputTimeout <= 0 {
		c.SideOutputTimeout = d.SideOutputTimeout
	}
	return c
}

// Normalizer converts parsed rows, splitting out the rejects.
type Normalizer interface {
	NormalizeAll(raws []incident.RawRecord) normalizer.Result
}

// Dependencies are the collaborators one cycle runs through. Archiver,
// Emitter and IDs are optional.
type Dependencies struct {
	Fetcher      incident.Fetcher
	Parser       incident.Parser
	Normalizer   Normalizer
	Cache        *memory.IncidentCache
	HTTPBreaker  *breaker.Breaker
	ParseBreaker *breaker.Breaker
	Archiver     *sink.Archiver
	Emitter      *sink.Emitter
	IDs          incident.IDGenerator
}

// ShutdownFunc runs once per shutdown, in registration order.
type ShutdownFunc func(ctx context.Context) error

// Option customizes a Poller.
type Option func(*Poller)

// WithClock swaps the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Poller) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	finished chan struct{}
}

// Poller is safe for concurrent use. Cycles never overlap.
type Poller struct {
	cfg    Config
	deps   Dependencies
	clock  clockwork.Clock
	logger *zap.Logger

	cycleMu sync.Mutex

	mu                  sync.Mutex
	state               State
	interval            time.Duration
	degraded            bool
	lastCycleOK         bool
	consecutiveFailures int
	totalCycles         int64
	successfulCycles    int64
	failedCycles        int64
	lastSuccess         time.Time
	callbacks           []ShutdownFunc
	run                 *run
}

// New validates dependencies and returns a stopped Poller.
func New(cfg Config, deps Dependencies, opts ...Option) (*Poller, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Parser == nil:
		return nil, fmt.Errorf("parser is required")
	case deps.Normalizer == nil:
		return nil, fmt.Errorf("normalizer is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("cache is required")
	}
	if deps.HTTPBreaker == nil {
		deps.HTTPBreaker = breaker.New(breaker.Config{Name: "http", FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})
	}
	if deps.ParseBreaker == nil {
		deps.ParseBreaker = breaker.New(breaker.Config{Name: "parsing", FailureThreshold: 5, RecoveryTimeout: time.Minute})
	}
	cfg = cfg.withDefaults()
	p := &Poller{
		cfg:         cfg,
		deps:        deps,
		clock:       clockwork.NewRealClock(),
		logger:      zap.NewNop(),
		state:       StateStopped,
		interval:    cfg.Interval,
		lastCycleOK: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start runs the first cycle and, once it succeeds (normally or degraded),
// launches the background loop. The loop outlives ctx; stop it with Shutdown.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateStarting
	p.mu.Unlock()
	p.logger.Info("poller starting", zap.Duration("startup_timeout", p.cfg.StartupTimeout))

	if err := p.startupCycle(ctx); err != nil {
		p.setState(StateStopped)
		p.logger.Error("poller startup failed", zap.Error(err))
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{}), finished: make(chan struct{})}
	p.mu.Lock()
	p.run = r
	p.state = StateRunning
	p.mu.Unlock()

	go p.loop(loopCtx, r)
	p.logger.Info("poller started", zap.Duration("interval", p.Interval()))
	return nil
}

func (p *Poller) startupCycle(ctx context.Context) error {
	startCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := p.clock.AfterFunc(p.cfg.StartupTimeout, func() { cancel(errStartupDeadline) })
	defer timer.Stop()

	// Startup resolves once the cycle outcome is recorded. Side outputs keep
	// running afterwards on a context the startup deadline does not cancel.
	result := make(chan bool, 1)
	go p.pollOnce(startCtx, context.WithoutCancel(ctx), func(ok bool) { result <- ok })

	select {
	case ok := <-result:
		if ok {
			return nil
		}
		if errors.Is(context.Cause(startCtx), errStartupDeadline) {
			return ErrStartupTimeout
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStartupFailed, err)
		}
		return ErrStartupFailed
	case <-startCtx.Done():
		if errors.Is(context.Cause(startCtx), errStartupDeadline) {
			return ErrStartupTimeout
		}
		return fmt.Errorf("%w: %w", ErrStartupFailed, ctx.Err())
	}
}

// Run starts the poller and blocks until ctx is done or the poller stops on
// its own, then shuts it down.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	return p.Shutdown(shutdownCtx)
}

// Done is closed once the current run has fully stopped. It is already
// closed when the poller is not running.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.run.finished
}

// Shutdown cancels the in-flight cycle, waits up to the shutdown grace for
// the loop to exit, then runs the shutdown callbacks. Calling it again, or
// on a stopped poller, is a no-op.
func (p *Poller) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	r := p.run
	if r == nil {
		p.mu.Unlock()
		return nil
	}
	if p.state == StateShuttingDown {
		p.mu.Unlock()
		select {
		case <-r.finished:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.state = StateShuttingDown
	callbacks := append([]ShutdownFunc(nil), p.callbacks...)
	p.mu.Unlock()
	p.logger.Info("poller shutting down")

	r.cancel()
	grace := p.clock.NewTimer(p.cfg.ShutdownGrace)
	select {
	case <-r.done:
	case <-grace.Chan():
		p.logger.Warn("poll cycle did not stop within grace period, abandoning it",
			zap.Duration("grace", p.cfg.ShutdownGrace))
	case <-ctx.Done():
		p.logger.Warn("shutdown context ended before poll loop exited", zap.Error(ctx.Err()))
	}
	grace.Stop()

	for i, cb := range callbacks {
		if err := safeCallback(ctx, cb); err != nil {
			p.logger.Error("shutdown callback failed", zap.Int("callback", i), zap.Error(err))
		}
	}

	p.mu.Lock()
	p.state = StateStopped
	p.run = nil
	p.mu.Unlock()
	close(r.finished)
	p.logger.Info("poller stopped")
	return nil
}

// AddShutdownCallback registers fn to run during Shutdown.
func (p *Poller) AddShutdownCallback(fn ShutdownFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
}

// SetInterval changes the nominal wait between cycles. It applies from the
// next wait onwards.
func (p *Poller) SetInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidInterval
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	p.logger.Info("poll interval updated", zap.Duration("interval", d))
	return nil
}

// Interval returns the nominal wait between cycles.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// State returns the lifecycle state. A running poller serving cached data
// reports StateDegraded.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Poller) stateLocked() State {
	if p.state == StateRunning && p.degraded {
		return StateDegraded
	}
	return p.state
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) loop(ctx context.Context, r *run) {
	defer close(r.done)
	for {
		timer := p.clock.NewTimer(p.nextWait())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return
		}
		p.PollOnce(ctx)
		if p.exhausted() {
			p.logger.Error("too many consecutive failures, stopping poller",
				zap.Int("max_failures", p.cfg.MaxFailures))
			go func() {
				if err := p.Shutdown(context.WithoutCancel(ctx)); err != nil {
					p.logger.Error("fatal shutdown failed", zap.Error(err))
				}
			}()
			return
		}
	}
}

// nextWait is the nominal interval after a good cycle and
// min(base*2^failures, max) after a failed one.
func (p *Poller) nextWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastCycleOK {
		return p.interval
	}
	return backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, p.consecutiveFailures)
}

func backoff(base, maxDelay time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func (p *Poller) exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxFailures > 0 && p.consecutiveFailures >= p.cfg.MaxFailures
}

func safeCallback(ctx context.Context, cb ShutdownFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return cb(ctx)
}
