package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/breaker"
	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// Cycle outcomes recorded in metrics and logs.
const (
	outcomeSuccess  = "success"
	outcomeDegraded = "degraded"
	outcomeFailure  = "failure"
	outcomeCanceled = "canceled"
)

var errCyclePanic = errors.New("poll cycle panicked")

// PollOnce runs one ingestion cycle and reports whether it succeeded,
// including success in degraded mode. Errors and panics are logged and
// absorbed.
func (p *Poller) PollOnce(ctx context.Context) bool {
	return p.pollOnce(ctx, ctx, nil)
}

// pollOnce runs a cycle on ctx. Archiving and event publishing run on outCtx
// after the outcome is recorded; notify, when set, receives that outcome
// before they start.
func (p *Poller) pollOnce(ctx, outCtx context.Context, notify func(bool)) (ok bool) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.clock.Now()
	logger := p.logger.With(zap.String("cycle_id", p.cycleID()))

	recorded := false
	finish := func(res bool) bool {
		recorded = true
		if notify != nil {
			notify(res)
		}
		return res
	}
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		if recorded {
			logger.Error("poll cycle panicked after completion", zap.Any("panic", rec))
			return
		}
		ok = finish(p.fallback(ctx, logger, "cycle", fmt.Errorf("%w: %v", errCyclePanic, rec), start))
	}()

	body, err := breaker.Execute(ctx, p.deps.HTTPBreaker, p.deps.Fetcher.Fetch)
	if err != nil {
		return finish(p.fallback(ctx, logger, "fetch", err, start))
	}
	raws, err := breaker.Execute(ctx, p.deps.ParseBreaker, func(context.Context) ([]incident.RawRecord, error) {
		return p.deps.Parser.Parse(body)
	})
	if err != nil {
		return finish(p.fallback(ctx, logger, "parse", err, start))
	}

	res := p.deps.Normalizer.NormalizeAll(raws)
	metrics.ObserveRecords("parsed", len(raws))
	metrics.ObserveRecords("normalized", len(res.Incidents))
	metrics.ObserveRecords("rejected", len(res.Failures))
	for _, f := range res.Failures {
		logger.Debug("row rejected", zap.String("incident_id", f.Record.ID), zap.String("reason", f.Reason))
	}
	if len(res.Failures) > 0 {
		logger.Warn("rows failed normalization", zap.Int("failed", len(res.Failures)), zap.Int("parsed", len(raws)))
	}

	opened, closed, err := p.apply(res.Incidents)
	if err != nil {
		logger.Error("cache update failed", zap.Error(err))
	}

	p.mu.Lock()
	p.totalCycles++
	p.successfulCycles++
	p.consecutiveFailures = 0
	p.lastSuccess = p.clock.Now()
	p.lastCycleOK = true
	wasDegraded := p.degraded
	p.degraded = false
	p.mu.Unlock()
	if wasDegraded {
		logger.Info("left degraded mode")
	}
	finish(true)

	p.sideOutputs(outCtx, logger, body, opened, closed)

	elapsed := p.clock.Since(start)
	metrics.ObservePollCycle(outcomeSuccess, elapsed)
	logger.Info("poll cycle complete",
		zap.Int("incidents", len(res.Incidents)),
		zap.Int("opened", len(opened)),
		zap.Int("closed", len(closed)),
		zap.Duration("duration", elapsed),
	)
	return true
}

// apply reconciles the cache against the normalized set, then upserts it.
// It returns incidents that were new to the cache and those it closed.
func (p *Poller) apply(incs []incident.Incident) (opened, closed []incident.Incident, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", incident.ErrCache, rec)
		}
	}()
	cache := p.deps.Cache
	current := make(map[string]struct{}, len(incs))
	for _, inc := range incs {
		current[inc.ID] = struct{}{}
	}
	rec := cache.Reconcile(current)
	for _, id := range rec.Closed {
		if inc, ok := cache.Get(id); ok {
			closed = append(closed, inc)
		}
	}
	for _, inc := range incs {
		if cache.Upsert(inc) {
			opened = append(opened, inc)
		}
	}
	stats := cache.Stats()
	metrics.SetCacheSize(stats.Active, stats.Closed)
	return opened, closed, nil
}

// fallback handles a failed fetch or parse. With active incidents cached the
// cycle degrades: they are kept fresh and the cycle reports success. A
// circuit-open rejection is not a new failure of the upstream and does not
// count toward the consecutive failure limit.
func (p *Poller) fallback(ctx context.Context, logger *zap.Logger, stage string, cause error, start time.Time) bool {
	if ctx.Err() != nil {
		metrics.ObservePollCycle(outcomeCanceled, p.clock.Since(start))
		logger.Info("poll cycle canceled", zap.String("stage", stage))
		return false
	}
	circuitOpen := errors.Is(cause, breaker.ErrCircuitOpen)

	p.mu.Lock()
	p.totalCycles++
	p.failedCycles++
	if !circuitOpen {
		p.consecutiveFailures++
	}
	failures := p.consecutiveFailures
	p.mu.Unlock()

	fields := []zap.Field{
		zap.String("stage", stage),
		zap.Error(cause),
		zap.Bool("circuit_open", circuitOpen),
		zap.Int("consecutive_failures", failures),
	}

	active := p.deps.Cache.ListActive()
	if len(active) > 0 {
		ids := make([]string, len(active))
		for i, inc := range active {
			ids[i] = inc.ID
		}
		p.deps.Cache.Touch(ids...)
		p.mu.Lock()
		p.degraded = true
		p.lastCycleOK = true
		p.mu.Unlock()
		metrics.ObservePollCycle(outcomeDegraded, p.clock.Since(start))
		logger.Warn("serving cached incidents in degraded mode", append(fields, zap.Int("cached_active", len(active)))...)
		return true
	}

	p.mu.Lock()
	p.lastCycleOK = false
	p.mu.Unlock()
	metrics.ObservePollCycle(outcomeFailure, p.clock.Since(start))
	logger.Error("poll cycle failed", fields...)
	return false
}

// sideOutputs is best-effort: errors and panics are logged, never returned.
func (p *Poller) sideOutputs(ctx context.Context, logger *zap.Logger, body []byte, opened, closed []incident.Incident) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SideOutputTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("side output panicked", zap.Any("panic", rec))
		}
	}()

	if p.deps.Archiver != nil {
		snap, err := p.deps.Archiver.Archive(ctx, body)
		switch {
		case err != nil:
			logger.Warn("snapshot archive failed", zap.Error(err))
		case !snap.Skipped:
			logger.Debug("snapshot archived", zap.String("uri", snap.URI))
		}
	}
	if p.deps.Emitter != nil && len(opened)+len(closed) > 0 {
		if _, err := p.deps.Emitter.Emit(ctx, opened, closed); err != nil {
			logger.Warn("event publish failed", zap.Error(err))
		}
	}
}

func (p *Poller) cycleID() string {
	if p.deps.IDs == nil {
		return ""
	}
	id, err := p.deps.IDs.NewID()
	if err != nil {
		return ""
	}
	return id
}
