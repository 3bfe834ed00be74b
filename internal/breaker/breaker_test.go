package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var (
	errTrip   = errors.New("trip")
	errIgnore = errors.New("ignored")
)

func newTestBreaker(t *testing.T, threshold int, recovery time.Duration) (*Breaker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b := New(Config{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		IsFailure:        func(err error) bool { return errors.Is(err, errTrip) },
	}, WithClock(clock))
	return b, clock
}

func call(b *Breaker, err error) (int, error) {
	return Execute(context.Background(), b, func(context.Context) (int, error) {
		if err != nil {
			return 0, err
		}
		return 42, nil
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 3, 30*time.Second)
	for i := 0; i < 2; i++ {
		_, err := call(b, errTrip)
		require.ErrorIs(t, err, errTrip)
		require.Equal(t, StateClosed, b.State())
	}
	_, err := call(b, errTrip)
	require.ErrorIs(t, err, errTrip)
	require.Equal(t, StateOpen, b.State())

	invoked := false
	_, err = Execute(context.Background(), b, func(context.Context) (int, error) {
		invoked = true
		return 1, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, invoked)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "test", openErr.Name)
	require.Equal(t, 3, openErr.Failures)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 2, time.Second)
	_, _ = call(b, errTrip)
	require.Equal(t, 1, b.Stats().FailureCount)

	got, err := call(b, nil)
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, 0, b.Stats().FailureCount)

	_, _ = call(b, errTrip)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresUnmatchedErrors(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 1, time.Second)
	for i := 0; i < 5; i++ {
		_, err := call(b, errIgnore)
		require.ErrorIs(t, err, errIgnore)
	}
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Stats().FailureCount)
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, 1, 30*time.Second)
	_, _ = call(b, errTrip)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(29 * time.Second)
	_, err := call(b, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Second)
	_, err = call(b, nil)
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
	require.Zero(t, b.Stats().FailureCount)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, 1, 10*time.Second)
	_, _ = call(b, errTrip)
	clock.Advance(10 * time.Second)

	_, err := call(b, errTrip)
	require.ErrorIs(t, err, errTrip)
	require.Equal(t, StateOpen, b.State())

	stats := b.Stats()
	require.NotNil(t, stats.NextAttempt)
	require.True(t, clock.Now().Add(10*time.Second).Equal(*stats.NextAttempt))

	clock.Advance(5 * time.Second)
	_, err = call(b, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func panicking(b *Breaker) (int, error) {
	return Execute(context.Background(), b, func(context.Context) (int, error) {
		panic("boom")
	})
}

func TestBreakerRecoversPanicAsFailure(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 2, 30*time.Second)
	got, err := panicking(b)
	require.Zero(t, got)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "test", pe.Name)
	require.Equal(t, "boom", pe.Value)
	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 1, b.Stats().FailureCount)

	_, _ = panicking(b)
	require.Equal(t, StateOpen, b.State())
}

func TestBreakerPanicDuringTrialReleasesSlot(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, 1, 10*time.Second)
	_, _ = call(b, errTrip)
	clock.Advance(10 * time.Second)

	_, err := panicking(b)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, StateOpen, b.State())

	clock.Advance(10 * time.Second)
	got, err := call(b, nil)
	require.NoError(t, err)
	require.Equal(t, 42, got)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenAllowsSingleTrial(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, 1, time.Second)
	_, _ = call(b, errTrip)
	clock.Advance(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = Execute(context.Background(), b, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	require.Equal(t, StateHalfOpen, b.State())
	_, err := call(b, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	wg.Wait()
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenUnmatchedErrorReleasesTrial(t *testing.T) {
	t.Parallel()

	b, clock := newTestBreaker(t, 1, time.Second)
	_, _ = call(b, errTrip)
	clock.Advance(time.Second)

	_, err := call(b, errIgnore)
	require.ErrorIs(t, err, errIgnore)
	require.Equal(t, StateHalfOpen, b.State())

	_, err = call(b, nil)
	require.NoError(t, err)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerCanceledContextDoesNotCount(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Execute(ctx, b, func(context.Context) (int, error) {
		return 0, errTrip
	})
	require.ErrorIs(t, err, errTrip)
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerResetAndForceOpen(t *testing.T) {
	t.Parallel()

	var transitions []State
	clock := clockwork.NewFakeClock()
	b := New(Config{Name: "ops", FailureThreshold: 2, RecoveryTimeout: time.Minute},
		WithClock(clock),
		WithStateChangeHook(func(_ string, _, to State) { transitions = append(transitions, to) }),
	)

	b.ForceOpen()
	require.Equal(t, StateOpen, b.State())
	_, err := call(b, nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	b.Reset()
	require.Equal(t, StateClosed, b.State())
	_, err = call(b, nil)
	require.NoError(t, err)

	require.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestBreakerStats(t *testing.T) {
	t.Parallel()

	b, _ := newTestBreaker(t, 2, time.Minute)
	_, _ = call(b, nil)
	_, _ = call(b, errTrip)
	_, _ = call(b, errTrip)
	_, _ = call(b, nil)

	stats := b.Stats()
	require.Equal(t, "test", stats.Name)
	require.Equal(t, StateOpen, stats.State)
	require.EqualValues(t, 4, stats.TotalCalls)
	require.EqualValues(t, 1, stats.SuccessfulCalls)
	require.EqualValues(t, 2, stats.FailedCalls)
	require.EqualValues(t, 1, stats.RejectedCalls)
	require.InDelta(t, 0.25, stats.SuccessRate, 1e-9)
	require.NotNil(t, stats.LastFailure)
}
