package poller

import (
	"time"

	"github.com/JakeFAU/realtime-911/internal/breaker"
)

// Status summarizes health for probes and dashboards.
type Status string

// Health statuses, highest precedence first.
const (
	StatusStopped     Status = "stopped"
	StatusCircuitOpen Status = "circuit_open"
	StatusDegraded    Status = "degraded"
	StatusStale       Status = "stale"
	StatusHealthy     Status = "healthy"
)

// BreakerHealth reports both breakers.
type BreakerHealth struct {
	HTTP    breaker.Stats `json:"http"`
	Parsing breaker.Stats `json:"parsing"`
}

// Health is a point-in-time snapshot of the poller.
type Health struct {
	Status              Status        `json:"status"`
	State               State         `json:"state"`
	IsRunning           bool          `json:"is_running"`
	Degraded            bool          `json:"degraded"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCycles         int64         `json:"total_cycles"`
	SuccessfulCycles    int64         `json:"successful_cycles"`
	FailedCycles        int64         `json:"failed_cycles"`
	LastSuccessfulCycle *time.Time    `json:"last_successful_cycle,omitempty"`
	SecondsSinceSuccess *float64      `json:"seconds_since_success,omitempty"`
	Interval            string        `json:"interval"`
	Breakers            BreakerHealth `json:"breakers"`
}

// Health builds a snapshot. Status precedence is stopped, circuit_open,
// degraded, stale (no success for more than two intervals), healthy.
func (p *Poller) Health() Health {
	httpStats := p.deps.HTTPBreaker.Stats()
	parseStats := p.deps.ParseBreaker.Stats()
	now := p.clock.Now()

	p.mu.Lock()
	h := Health{
		State:               p.stateLocked(),
		IsRunning:           p.state == StateRunning,
		Degraded:            p.degraded,
		ConsecutiveFailures: p.consecutiveFailures,
		TotalCycles:         p.totalCycles,
		SuccessfulCycles:    p.successfulCycles,
		FailedCycles:        p.failedCycles,
		Interval:            p.interval.String(),
		Breakers:            BreakerHealth{HTTP: httpStats, Parsing: parseStats},
	}
	interval := p.interval
	lastSuccess := p.lastSuccess
	p.mu.Unlock()

	var since time.Duration
	if !lastSuccess.IsZero() {
		last := lastSuccess
		since = now.Sub(last)
		secs := since.Seconds()
		h.LastSuccessfulCycle = &last
		h.SecondsSinceSuccess = &secs
	}

	switch {
	case !h.IsRunning:
		h.Status = StatusStopped
	case httpStats.State == breaker.StateOpen || parseStats.State == breaker.StateOpen:
		h.Status = StatusCircuitOpen
	case h.Degraded:
		h.Status = StatusDegraded
	case lastSuccess.IsZero() || since > 2*interval:
		h.Status = StatusStale
	default:
		h.Status = StatusHealthy
	}
	return h
}

// Ready reports whether the poller is running and has completed at least one
// successful cycle.
func (p *Poller) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning && (!p.lastSuccess.IsZero() || p.degraded)
}
