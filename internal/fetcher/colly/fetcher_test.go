package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-911/internal/detector"
	"github.com/JakeFAU/realtime-911/internal/incident"
)

const page = "<html><body><table><tr><td>8/15/2024 2:30:00 PM</td></tr></table></body></html>"

func newTestFetcher(t *testing.T, url string, retries int, opts ...Option) (*Fetcher, *[]time.Duration) {
	t.Helper()
	opts = append([]Option{WithBodyChecker(detector.NewHeuristic(0))}, opts...)
	f := New(Config{
		URL:         url,
		Timeout:     2 * time.Second,
		MaxRetries:  retries,
		BackoffBase: time.Second,
		BackoffMax:  3 * time.Second,
	}, opts...)
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	f.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return f, &delays
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	var (
		mu               sync.Mutex
		gotUA, gotAccept string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotUA = r.UserAgent()
		gotAccept = r.Header.Get("Accept")
		mu.Unlock()
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f, delays := newTestFetcher(t, srv.URL, 3)
	body, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, page, string(body))
	mu.Lock()
	require.Equal(t, DefaultUserAgent, gotUA)
	require.Contains(t, gotAccept, "text/html")
	mu.Unlock()
	require.Empty(t, *delays)

	// Revisiting the same URL must hit the server again.
	_, err = f.Fetch(context.Background())
	require.NoError(t, err)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f, delays := newTestFetcher(t, srv.URL, 3)
	body, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, page, string(body))
	require.EqualValues(t, 3, calls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, delays := newTestFetcher(t, srv.URL, 3)
	_, err := f.Fetch(context.Background())
	require.ErrorIs(t, err, incident.ErrServer)

	var fetchErr *incident.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.Equal(t, 4, fetchErr.Attempts)
	require.EqualValues(t, 4, calls.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *delays)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, 3)
	_, err := f.Fetch(context.Background())
	require.ErrorIs(t, err, incident.ErrClient)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchRejectsImplausibleBody(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"maintenance":true}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL, 3)
	_, err := f.Fetch(context.Background())
	require.ErrorIs(t, err, incident.ErrValidation)
	require.EqualValues(t, 1, calls.Load())
}

func TestFetchNetworkErrorIsRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, delays := newTestFetcher(t, url, 1)
	_, err := f.Fetch(context.Background())
	require.ErrorIs(t, err, incident.ErrNetwork)
	require.Len(t, *delays, 1)
}

func TestFetchHonorsCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()
	defer close(release)

	f, delays := newTestFetcher(t, srv.URL, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx)
	require.ErrorIs(t, err, incident.ErrNetwork)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, *delays)
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	limiter := &countingLimiter{}
	f, _ := newTestFetcher(t, srv.URL, 0, WithLimiter(limiter))
	_, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL}, limiter.urls)

	limiter.err = errors.New("closed")
	_, err = f.Fetch(context.Background())
	require.ErrorIs(t, err, incident.ErrNetwork)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{URL: "https://example.com"})
	var res attemptResult
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, &res)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "no-cache", collyReq.Headers.Get("Cache-Control"))

	body := []byte("body")
	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK, Body: body})
	body[0] = 'B'
	require.Equal(t, "body", string(res.body))
	require.Equal(t, http.StatusOK, res.status)

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, res.err, "boom")
	hooks.onError(&colly.Response{StatusCode: http.StatusTeapot}, errors.New("teapot"))
	require.Equal(t, http.StatusTeapot, res.status)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(3, time.Second, 60*time.Second)
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, 2*time.Second, p.Backoff(1))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 60*time.Second, p.Backoff(10))

	server := &incident.FetchError{Kind: incident.ErrServer}
	require.True(t, p.ShouldRetry(server, 0))
	require.True(t, p.ShouldRetry(server, 2))
	require.False(t, p.ShouldRetry(server, 3))
	require.False(t, p.ShouldRetry(&incident.FetchError{Kind: incident.ErrClient}, 0))
	require.False(t, p.ShouldRetry(&incident.FetchError{Kind: incident.ErrValidation}, 0))
	require.False(t, p.ShouldRetry(errors.New("plain"), 0))
	require.False(t, p.ShouldRetry(nil, 0))
}

type countingLimiter struct {
	urls []string
	err  error
}

func (l *countingLimiter) Wait(_ context.Context, url string) error {
	l.urls = append(l.urls, url)
	return l.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
