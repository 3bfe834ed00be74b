// Package breaker implements a generic circuit breaker used to guard the
// fetch and parse stages of an ingestion cycle.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// State is the circuit position.
type State string

// Circuit states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when a call is rejected without running.
var ErrCircuitOpen = errors.New("circuit breaker open")

// OpenError carries the rejection context for a blocked call.
type OpenError struct {
	Name        string
	Failures    int
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open (%d failures), next attempt at %s",
		e.Name, e.Failures, e.NextAttempt.Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrCircuitOpen.
func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// PanicError reports a wrapped operation that panicked. Panics always count
// as failures, whatever IsFailure says.
type PanicError struct {
	Name  string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("circuit breaker %q: operation panicked: %v", e.Name, e.Value)
}

// Config tunes a breaker instance.
type Config struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure selects which errors trip the breaker. Errors it rejects pass
	// through without touching state. Nil counts every error.
	IsFailure func(error) bool
}

// StateChangeFunc observes transitions.
type StateChangeFunc func(name string, from, to State)

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock swaps the time source (tests use a fake clock).
func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateChangeHook registers a transition observer. The hook runs with the
// breaker lock held and must not call back into the breaker.
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg      Config
	clock    clockwork.Clock
	logger   *zap.Logger
	onChange StateChangeFunc

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	nextAttempt   time.Time
	trialInFlight bool

	total     int64
	succeeded int64
	failed    int64
	rejected  int64
}

// New builds a closed Breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	b := &Breaker{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("breaker", cfg.Name))
	return b
}

// Execute runs op through the breaker. Rejected calls return an *OpenError
// without invoking op. A panic in op is recovered and returned as a
// *PanicError.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (result T, err error) {
	if openErr := b.acquire(); openErr != nil {
		return result, openErr
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Name: b.cfg.Name, Value: rec}
		}
		b.release(ctx, err)
		if err != nil {
			var zero T
			result = zero
		}
	}()
	return op(ctx)
}

// Name returns the configured name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the circuit and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.nextAttempt = time.Time{}
	b.transition(StateClosed)
	b.logger.Info("circuit breaker reset")
}

// ForceOpen opens the circuit for one recovery timeout.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
	b.nextAttempt = b.clock.Now().Add(b.cfg.RecoveryTimeout)
	b.transition(StateOpen)
	b.logger.Warn("circuit breaker forced open", zap.Time("next_attempt", b.nextAttempt))
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++

	switch b.state {
	case StateOpen:
		if b.clock.Now().Before(b.nextAttempt) {
			return b.reject()
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		b.logger.Info("circuit breaker probing recovery")
	case StateHalfOpen:
		if b.trialInFlight {
			return b.reject()
		}
		b.trialInFlight = true
	case StateClosed:
	}
	return nil
}

func (b *Breaker) reject() error {
	b.rejected++
	return &OpenError{Name: b.cfg.Name, Failures: b.failures, NextAttempt: b.nextAttempt}
}

func (b *Breaker) release(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == StateHalfOpen && b.trialInFlight
	if wasTrial {
		b.trialInFlight = false
	}

	switch {
	case err == nil:
		b.succeeded++
		if wasTrial {
			b.failures = 0
			b.transition(StateClosed)
			b.logger.Info("circuit breaker closed after successful trial")
			return
		}
		if b.state == StateClosed {
			b.failures = 0
		}
	case ctx.Err() != nil || !b.matches(err):
		// Caller cancellation and unmatched errors leave the circuit alone.
	default:
		b.failed++
		b.failures++
		now := b.clock.Now()
		b.lastFailure = now
		if wasTrial {
			b.nextAttempt = now.Add(b.cfg.RecoveryTimeout)
			b.transition(StateOpen)
			b.logger.Warn("circuit breaker reopened after failed trial",
				zap.Error(err), zap.Time("next_attempt", b.nextAttempt))
			return
		}
		if b.state == StateClosed && b.failures >= b.cfg.FailureThreshold {
			b.nextAttempt = now.Add(b.cfg.RecoveryTimeout)
			b.transition(StateOpen)
			b.logger.Warn("circuit breaker opened",
				zap.Int("failures", b.failures), zap.Error(err), zap.Time("next_attempt", b.nextAttempt))
		}
	}
}

func (b *Breaker) matches(err error) bool {
	var pe *PanicError
	if b.cfg.IsFailure == nil || errors.As(err, &pe) {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.cfg.Name, from, to)
	}
}
