// Package container wires the application's services with samber/do.
package container

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/postviews/internal/events"
	"github.com/serroba/postviews/internal/handlers"
	"github.com/serroba/postviews/internal/health"
	"github.com/serroba/postviews/internal/messaging"
	"github.com/serroba/postviews/internal/metrics"
	"github.com/serroba/postviews/internal/middleware"
	"github.com/serroba/postviews/internal/ratelimit"
	"github.com/serroba/postviews/internal/scheduler"
	"github.com/serroba/postviews/internal/store"
	"github.com/serroba/postviews/internal/views"
	"go.uber.org/zap"
)

const deadLetterConsumerGroup = "postviews-dead-letters"

// Closer collects client cleanups. It is closed explicitly after the
// injector shut down every service that may still use the clients.
type Closer struct {
	mu  sync.Mutex
	fns []func()
}

// Add registers a cleanup.
func (c *Closer) Add(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fns = append(c.fns, fn)
}

// Close runs every cleanup in reverse registration order.
func (c *Closer) Close() {
	c.mu.Lock()
	fns := slices.Clone(c.fns)
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// ConfigPackage registers the options, their parsed form and the closer.
func ConfigPackage(i *do.Injector, options *Options) {
	do.ProvideValue(i, options)
	do.ProvideValue(i, &Closer{})

	do.Provide(i, func(i *do.Injector) (*Config, error) {
		return do.MustInvoke[*Options](i).Config()
	})
}

// LoggerPackage registers the zap logger.
func LoggerPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		return NewLogger(opts.LogFormat, opts.LogLevel)
	})
}

// NewLogger builds a JSON or console logger at the given level.
func NewLogger(format, level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level: %w", ErrInvalidOptions, err)
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = lvl

	return cfg.Build()
}

// RedisPackage registers the Redis client.
func RedisPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*redis.Client, error) {
		opts := do.MustInvoke[*Options](i)

		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		do.MustInvoke[*Closer](i).Add(func() { _ = client.Close() })

		return client, nil
	})
}

// PostgresPackage registers the PostgreSQL pool.
func PostgresPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*pgxpool.Pool, error) {
		opts := do.MustInvoke[*Options](i)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}

		do.MustInvoke[*Closer](i).Add(pool.Close)

		return pool, nil
	})
}

// MetricsPackage registers the Prometheus registry and the pipeline collectors.
func MetricsPackage(i *do.Injector) {
	do.Provide(i, func(_ *do.Injector) (*prometheus.Registry, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		return reg, nil
	})

	do.Provide(i, func(i *do.Injector) (*metrics.Metrics, error) {
		return metrics.New(do.MustInvoke[*prometheus.Registry](i)), nil
	})
}

// StorePackage registers the cache and durable stores.
func StorePackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (views.Keys, error) {
		return views.NewKeys(do.MustInvoke[*Options](i).KeyPrefix), nil
	})

	do.Provide(i, func(i *do.Injector) (views.CounterStore, error) {
		return store.NewRedisCounterStore(do.MustInvoke[*redis.Client](i)), nil
	})

	do.Provide(i, func(i *do.Injector) (*store.PostgresPostStore, error) {
		return store.NewPostgresPostStore(do.MustInvoke[*pgxpool.Pool](i)), nil
	})
}

// PublisherGroupPackage registers the Redis stream publisher and the dead
// letter publish function.
func PublisherGroupPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*messaging.PublisherGroup, error) {
		publisher, err := redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client:     do.MustInvoke[*redis.Client](i),
				Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
				Maxlens:    map[string]int64{events.TopicDeadLettered: 10000},
			},
			messaging.NewZapLogger(do.MustInvoke[*zap.Logger](i)),
		)
		if err != nil {
			return nil, fmt.Errorf("create publisher: %w", err)
		}

		return messaging.NewPublisherGroup(publisher), nil
	})

	do.Provide(i, func(i *do.Injector) (messaging.Publish[events.DeadLettered], error) {
		group := do.MustInvoke[*messaging.PublisherGroup](i)

		return messaging.NewPublishFunc[events.DeadLettered](group.Publisher(), events.TopicDeadLettered), nil
	})
}

// ViewsPackage registers the recorder and the sync pipeline.
func ViewsPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*views.Recorder, error) {
		cfg := do.MustInvoke[*Config](i)

		return views.NewRecorder(
			do.MustInvoke[views.CounterStore](i),
			do.MustInvoke[views.Keys](i),
			cfg.Window,
			do.MustInvoke[*metrics.Metrics](i),
			do.MustInvoke[*zap.Logger](i),
			views.WithCacheTimeout(cfg.CacheTimeout),
		), nil
	})

	do.Provide(i, func(i *do.Injector) (*views.CountReader, error) {
		return views.NewCountReader(
			do.MustInvoke[views.CounterStore](i),
			do.MustInvoke[*store.PostgresPostStore](i),
			do.MustInvoke[views.Keys](i),
		), nil
	})

	do.Provide(i, func(i *do.Injector) (*views.DeadLetterHandler, error) {
		return views.NewDeadLetterHandler(
			do.MustInvoke[views.CounterStore](i),
			do.MustInvoke[views.Keys](i),
			events.DeadLetterNotifier(do.MustInvoke[messaging.Publish[events.DeadLettered]](i)),
			do.MustInvoke[*metrics.Metrics](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})

	do.Provide(i, func(i *do.Injector) (*views.Worker, error) {
		cfg := do.MustInvoke[*Config](i)

		return views.NewWorker(
			do.MustInvoke[views.CounterStore](i),
			do.MustInvoke[*store.PostgresPostStore](i),
			do.MustInvoke[views.Keys](i),
			cfg.Retry,
			cfg.WriteTimeout,
			do.MustInvoke[*views.DeadLetterHandler](i),
			do.MustInvoke[*metrics.Metrics](i),
			do.MustInvoke[*zap.Logger](i),
		), nil
	})

	do.Provide(i, func(i *do.Injector) (*views.Orchestrator, error) {
		opts := do.MustInvoke[*Options](i)

		return views.NewOrchestrator(
			do.MustInvoke[views.CounterStore](i),
			do.MustInvoke[views.Keys](i),
			do.MustInvoke[*views.Worker](i),
			do.MustInvoke[*metrics.Metrics](i),
			do.MustInvoke[*zap.Logger](i),
			views.WithChunkSize(opts.ChunkSize),
			views.WithConcurrency(opts.SyncConcurrency),
		), nil
	})
}

// SchedulerPackage registers the sync scheduler guarded by a Redis lease.
func SchedulerPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*scheduler.Scheduler, error) {
		opts := do.MustInvoke[*Options](i)
		cfg := do.MustInvoke[*Config](i)
		orchestrator := do.MustInvoke[*views.Orchestrator](i)
		lease := store.NewRedisLease(do.MustInvoke[*redis.Client](i), do.MustInvoke[views.Keys](i).SyncLock())

		return scheduler.New(opts.SyncSchedule, func(ctx context.Context) error {
			_, err := orchestrator.RunSyncCycle(ctx)

			return err
		},
			do.MustInvoke[*metrics.Metrics](i),
			do.MustInvoke[*zap.Logger](i),
			scheduler.WithLease(lease, cfg.LeaseTTL),
		)
	})
}

// RateLimitPackage registers the Redis-backed view rate limiter.
func RateLimitPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (ratelimit.Limiter, error) {
		opts := do.MustInvoke[*Options](i)
		s := store.NewRateLimitRedisStore(do.MustInvoke[*redis.Client](i))

		return ratelimit.NewSlidingWindowLimiter(s, int64(opts.ViewRateLimit), time.Minute), nil
	})
}

// HTTPPackage registers the router and the huma API with every route.
func HTTPPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*chi.Mux, error) {
		router := chi.NewMux()
		router.Use(chimiddleware.Recoverer)
		router.Handle("/metrics", promhttp.HandlerFor(
			do.MustInvoke[*prometheus.Registry](i),
			promhttp.HandlerOpts{},
		))

		return router, nil
	})

	do.Provide(i, func(i *do.Injector) (huma.API, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		router := do.MustInvoke[*chi.Mux](i)

		api := humachi.New(router, huma.DefaultConfig("Post Views", "1.0.0"))
		api.UseMiddleware(middleware.RequestMeta(api))

		var viewLimit func(huma.Context, func(huma.Context))
		if opts.ViewRateLimit > 0 {
			viewLimit = middleware.RateLimiter(api, do.MustInvoke[ratelimit.Limiter](i), logger)
		}

		orchestrator := do.MustInvoke[*views.Orchestrator](i)

		handlers.RegisterRoutes(api,
			handlers.NewViewHandler(do.MustInvoke[*views.Recorder](i), do.MustInvoke[*views.CountReader](i), logger),
			handlers.NewAdminHandler(
				do.MustInvoke[*scheduler.Scheduler](i),
				orchestrator,
				do.MustInvoke[*views.DeadLetterHandler](i),
				logger,
			),
			viewLimit,
		)

		health.RegisterRoutes(api, health.NewHandler(
			health.NewRedisChecker(do.MustInvoke[*redis.Client](i)),
			do.MustInvoke[*store.PostgresPostStore](i),
		))

		return api, nil
	})
}

// ConsumerGroupPackage registers the dead letter consumers.
func ConsumerGroupPackage(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*messaging.ConsumerGroup, error) {
		logger := do.MustInvoke[*zap.Logger](i)

		subscriber, err := redisstream.NewSubscriber(
			redisstream.SubscriberConfig{
				Client:        do.MustInvoke[*redis.Client](i),
				Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
				ConsumerGroup: deadLetterConsumerGroup,
			},
			messaging.NewZapLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("create subscriber: %w", err)
		}

		group := messaging.NewConsumerGroup(subscriber, logger)
		group.Add(messaging.NewConsumer(
			subscriber,
			events.TopicDeadLettered,
			events.LogDeadLettered(logger),
			logger,
		))

		return group, nil
	})
}
