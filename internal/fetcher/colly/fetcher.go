// Package collyfetcher implements the feed Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
)

// DefaultUserAgent identifies the poller to the upstream feed.
const DefaultUserAgent = "realtime-911-poller/1.0 (+https://github.com/JakeFAU/realtime-911)"

// Config controls collector and retry behavior.
type Config struct {
	URL           string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Limiter paces requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// BodyChecker rejects bodies that are not plausibly the feed page.
type BodyChecker interface {
	Check(body []byte) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter paces every attempt through l.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithBodyChecker validates successful responses.
func WithBodyChecker(c BodyChecker) Option {
	return func(f *Fetcher) { f.checker = c }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fetcher implements incident.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	retry         *RetryPolicy
	limiter       Limiter
	checker       BodyChecker
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type attemptResult struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	// The same URL is fetched every cycle.
	c.AllowURLRevisit = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		retry:         NewRetryPolicy(cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax),
		logger:        zap.NewNop(),
		sleep:         sleepWithContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the feed page, retrying network and 5xx failures.
// Errors are *incident.FetchError.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, f.cfg.URL); err != nil {
				return nil, &incident.FetchError{Kind: incident.ErrNetwork, Attempts: attempt, Err: err}
			}
		}

		body, err := f.attempt(ctx)
		if err == nil {
			metrics.ObserveFetchAttempt("ok")
			return body, nil
		}

		var fetchErr *incident.FetchError
		if !errors.As(err, &fetchErr) {
			fetchErr = &incident.FetchError{Kind: incident.ErrNetwork, Err: err}
		}
		fetchErr.Attempts = attempt + 1
		metrics.ObserveFetchAttempt(outcomeLabel(ctx, fetchErr))

		if ctx.Err() != nil || !f.retry.ShouldRetry(fetchErr, attempt) {
			return nil, fetchErr
		}
		delay := f.retry.Backoff(attempt)
		f.logger.Warn("feed fetch failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("status", fetchErr.StatusCode),
			zap.Duration("backoff", delay),
			zap.Error(fetchErr),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, &incident.FetchError{Kind: incident.ErrNetwork, Attempts: attempt + 1, Err: err}
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context) ([]byte, error) {
	var res attemptResult
	collector := f.buildCollector(ctx, &res)
	if err := f.runCollector(ctx, collector, &res); err != nil {
		return nil, err
	}
	if f.checker != nil {
		if err := f.checker.Check(res.body); err != nil {
			return nil, &incident.FetchError{Kind: incident.ErrValidation, StatusCode: res.status, Err: err}
		}
	}
	return res.body, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, res *attemptResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.Context = ctx
	collector.SetRequestTimeout(f.cfg.Timeout)

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, res)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *attemptResult) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
		r.Headers.Set("Cache-Control", "no-cache")
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, res *attemptResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(f.cfg.URL)
	}()

	select {
	case <-ctx.Done():
		return &incident.FetchError{Kind: incident.ErrNetwork, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err == nil {
			err = res.err
		}
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &incident.FetchError{Kind: incident.ErrNetwork, Err: fmt.Errorf("colly fetch canceled: %w", ctxErr)}
		}
		return classify(res.status, err)
	}
}

func classify(status int, err error) *incident.FetchError {
	kind := incident.ErrNetwork
	switch {
	case status >= 500:
		kind = incident.ErrServer
	case status >= 400:
		kind = incident.ErrClient
	}
	return &incident.FetchError{Kind: kind, StatusCode: status, Err: fmt.Errorf("colly visit failed: %w", err)}
}

func outcomeLabel(ctx context.Context, err *incident.FetchError) string {
	switch {
	case ctx.Err() != nil:
		return "canceled"
	case errors.Is(err, incident.ErrServer):
		return "server_error"
	case errors.Is(err, incident.ErrClient):
		return "client_error"
	case errors.Is(err, incident.ErrValidation):
		return "invalid_body"
	default:
		return "network_error"
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
