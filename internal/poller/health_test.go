package poller

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestHealthStatusPrecedence(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(t0)
	h := newHarness(t, Config{Interval: time.Minute}, clock)
	p := h.poller

	require.Equal(t, StatusStopped, p.Health().Status)

	h.fetcher.serve(feedHTML(goodRow("F1")))
	require.True(t, p.PollOnce(context.Background()))
	p.setState(StateRunning)
	require.Equal(t, StatusHealthy, p.Health().Status)

	clock.Advance(2*time.Minute + time.Second)
	health := p.Health()
	require.Equal(t, StatusStale, health.Status)
	require.InDelta(t, 121, *health.SecondsSinceSuccess, 0.001)

	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
	require.Equal(t, StatusDegraded, p.Health().Status)
	require.Equal(t, StateDegraded, p.Health().State)

	h.parsing.ForceOpen()
	require.Equal(t, StatusCircuitOpen, p.Health().Status)

	p.setState(StateShuttingDown)
	require.Equal(t, StatusStopped, p.Health().Status)
	require.False(t, p.Health().IsRunning)
}

func TestHealthBeforeFirstCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, clockwork.NewFakeClockAt(t0))
	h.poller.setState(StateRunning)
	health := h.poller.Health()
	require.Equal(t, StatusStale, health.Status)
	require.Nil(t, health.LastSuccessfulCycle)
	require.Nil(t, health.SecondsSinceSuccess)
	require.False(t, h.poller.Ready())
	require.Equal(t, "closed", string(health.Breakers.HTTP.State))
}
