package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// CleanupCallback observes the number of incidents removed by a sweep.
type CleanupCallback func(removed int)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Expired int
	Evicted int
}

// Removed is the total number of incidents dropped.
func (r SweepResult) Removed() int {
	return r.Expired + r.Evicted
}

// Sweeper runs retention cleanup and size enforcement on its own ticker,
// independent of the poll loop.
type Sweeper struct {
	cache    *IncidentCache
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []CleanupCallback
}

// NewSweeper builds a Sweeper. Interval defaults to 15 minutes.
func NewSweeper(cache *IncidentCache, interval time.Duration, clock clockwork.Clock, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{cache: cache, interval: interval, clock: clock, logger: logger}
}

// AddCallback registers fn to run after every sweep that removed something.
func (s *Sweeper) AddCallback(fn CleanupCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Sweep expires old closed incidents and then enforces the size limit.
func (s *Sweeper) Sweep() SweepResult {
	res := SweepResult{
		Expired: s.cache.CleanupExpired(),
		Evicted: s.cache.EnforceSizeLimit(s.cache.MaxSize()),
	}
	stats := s.cache.Stats()
	metrics.SetCacheSize(stats.Active, stats.Closed)
	s.logger.Debug("cache sweep complete",
		zap.Int("expired", res.Expired),
		zap.Int("evicted", res.Evicted),
		zap.Int("size", stats.Total),
	)
	if res.Removed() > 0 {
		s.notify(res.Removed())
	}
	return res
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("cache sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cache sweeper stopped")
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

func (s *Sweeper) notify(removed int) {
	s.mu.Lock()
	callbacks := append([]CleanupCallback(nil), s.callbacks...)
	s.mu.Unlock()
	for i, cb := range callbacks {
		if err := safeCall(cb, removed); err != nil {
			s.logger.Error("cleanup callback failed", zap.Int("callback", i), zap.Error(err))
		}
	}
}

func safeCall(cb CleanupCallback, removed int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	cb(removed)
	return nil
}
