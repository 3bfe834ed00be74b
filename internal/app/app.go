// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/api"
	"github.com/JakeFAU/realtime-911/internal/breaker"
	"github.com/JakeFAU/realtime-911/internal/config"
	"github.com/JakeFAU/realtime-911/internal/detector"
	collyfetcher "github.com/JakeFAU/realtime-911/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-911/internal/hash/sha256"
	"github.com/JakeFAU/realtime-911/internal/id/uuid"
	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
	"github.com/JakeFAU/realtime-911/internal/normalizer"
	"github.com/JakeFAU/realtime-911/internal/parser"
	"github.com/JakeFAU/realtime-911/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-911/internal/poller"
	kafkapublisher "github.com/JakeFAU/realtime-911/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/realtime-911/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/realtime-911/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-911/internal/sink"
	gcsstore "github.com/JakeFAU/realtime-911/internal/storage/gcs"
	localstore "github.com/JakeFAU/realtime-911/internal/storage/local"
	"github.com/JakeFAU/realtime-911/internal/storage/memory"
)

// minFeedBytes is the smallest body the detector accepts as a feed page.
const minFeedBytes = 64

// App holds all the shared, long-lived services for the application.
// It is built once at startup and handed to the command that runs it.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Cache   *memory.IncidentCache
	Sweeper *memory.Sweeper
	Poller  *poller.Poller
	Server  *api.Server

	// Blobs and Publisher are nil when the provider is "none".
	Blobs     incident.BlobStore
	Publisher incident.Publisher

	mu      sync.Mutex
	closers []io.Closer
}

// Option customizes New.
type Option func(*options)

type options struct {
	clock     clockwork.Clock
	blobs     incident.BlobStore
	publisher incident.Publisher
}

// WithClock swaps the time source for every component.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithBlobStore overrides the configured archive provider.
func WithBlobStore(store incident.BlobStore) Option {
	return func(o *options) { o.blobs = store }
}

// WithPublisher overrides the configured events provider.
func WithPublisher(pub incident.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// New builds every service from cfg. It fails fast when a configured
// provider cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()
	logger.Info("initializing application services")

	a := &App{Config: cfg, Logger: logger}

	blobs, err := a.blobStore(ctx, o)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init archive: %w", err), a.Close())
	}
	a.Blobs = blobs

	pub, err := a.publisher(ctx, o)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init events: %w", err), a.Close())
	}
	a.Publisher = pub

	norm, err := normalizer.New(normalizer.Options{
		Timezone:               cfg.Feed.Timezone,
		AllowTimestampFallback: cfg.Normalizer.AllowTimestampFallback,
		Clock:                  o.clock,
		Logger:                 logger.Named("normalizer"),
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init normalizer: %w", err), a.Close())
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		URL:         cfg.Feed.EndpointURL,
		UserAgent:   cfg.Feed.UserAgent,
		Timeout:     cfg.HTTP.Timeout,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		BackoffMax:  cfg.HTTP.BackoffMax,
	},
		collyfetcher.WithLimiter(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
			Burst:             cfg.HTTP.Burst,
		})),
		collyfetcher.WithBodyChecker(detector.NewHeuristic(minFeedBytes)),
		collyfetcher.WithLogger(logger.Named("fetcher")),
	)

	a.Cache = memory.NewIncidentCache(memory.CacheConfig{
		Retention: cfg.Cache.Retention,
		MaxSize:   cfg.Cache.MaxSize,
	}, memory.WithCacheClock(o.clock), memory.WithCacheLogger(logger.Named("cache")))
	a.Sweeper = memory.NewSweeper(a.Cache, cfg.Cache.CleanupInterval, o.clock, logger.Named("sweeper"))

	httpBreaker := newBreaker("http", cfg.Breakers.HTTP, isFetchFailure, o.clock, logger)
	parseBreaker := newBreaker("parsing", cfg.Breakers.Parsing, isParseFailure, o.clock, logger)

	deps := poller.Dependencies{
		Fetcher:      fetcher,
		Parser:       parser.New(logger.Named("parser")),
		Normalizer:   norm,
		Cache:        a.Cache,
		HTTPBreaker:  httpBreaker,
		ParseBreaker: parseBreaker,
		IDs:          uuid.New(),
	}
	if blobs != nil {
		deps.Archiver = sink.NewArchiver(blobs, sha256.New(), sink.ArchiverConfig{Prefix: cfg.Archive.Prefix}, o.clock, logger.Named("archiver"))
	}
	if pub != nil {
		deps.Emitter = sink.NewEmitter(pub, cfg.Events.Topic, o.clock, logger.Named("emitter"))
	}

	a.Poller, err = poller.New(poller.Config{
		Interval:       cfg.Poller.Interval,
		StartupTimeout: cfg.Poller.StartupTimeout,
		ShutdownGrace:  cfg.Poller.ShutdownGrace,
		MaxFailures:    cfg.Poller.MaxFailures,
		BackoffBase:    cfg.Poller.BackoffBase,
		BackoffMax:     cfg.Poller.BackoffMax,

		SideOutputTimeout: cfg.Poller.SideOutputTimeout,
	}, deps, poller.WithClock(o.clock), poller.WithLogger(logger.Named("poller")))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init poller: %w", err), a.Close())
	}
	a.Poller.AddShutdownCallback(func(context.Context) error {
		return a.Close()
	})

	a.Server = api.NewServer(a.Cache, a.Poller, api.Config{RequestTimeout: cfg.Server.RequestTimeout}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("archive", cfg.Archive.Provider),
		zap.String("events", cfg.Events.Provider),
	)
	return a, nil
}

func (a *App) blobStore(ctx context.Context, o options) (incident.BlobStore, error) {
	if o.blobs != nil {
		return o.blobs, nil
	}
	cfg := a.Config.Archive
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return memory.NewBlobStore(), nil
	case "local":
		return localstore.New(localstore.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		a.Logger.Info("using GCS archive", zap.String("bucket", cfg.GCSBucket))
		store, err := gcsstore.Dial(ctx, gcsstore.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Provider)
	}
}

func (a *App) publisher(ctx context.Context, o options) (incident.Publisher, error) {
	if o.publisher != nil {
		return o.publisher, nil
	}
	cfg := a.Config.Events
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		a.Logger.Info("connecting to Pub/Sub", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
		pub, err := pubsubpublisher.Dial(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub)
		if err := pub.EnsureTopic(ctx, cfg.Topic); err != nil {
			return nil, err
		}
		return pub, nil
	case "kafka":
		a.Logger.Info("using Kafka events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.Topic))
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: cfg.KafkaBrokers})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub)
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Provider)
	}
}

// Close releases provider clients. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newBreaker(name string, cfg config.BreakerConfig, isFailure func(error) bool, clock clockwork.Clock, logger *zap.Logger) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		IsFailure:        isFailure,
	},
		breaker.WithClock(clock),
		breaker.WithLogger(logger.Named("breaker."+name)),
		breaker.WithStateChangeHook(func(name string, _, to breaker.State) {
			metrics.SetBreakerState(name, string(to))
		}),
	)
}

// isFetchFailure counts only classified fetch errors; cancellation passes through.
func isFetchFailure(err error) bool {
	var fe *incident.FetchError
	return errors.As(err, &fe)
}

func isParseFailure(err error) bool {
	return errors.Is(err, incident.ErrParse)
}
