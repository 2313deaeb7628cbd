// Package app wires the scheduling core from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling-core/internal/api"
	"github.com/hackgods/clinic-scheduling-core/internal/booking"
	"github.com/hackgods/clinic-scheduling-core/internal/config"
	"github.com/hackgods/clinic-scheduling-core/internal/db"
	"github.com/hackgods/clinic-scheduling-core/internal/notify"
	"github.com/hackgods/clinic-scheduling-core/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-core/internal/recommend"
	redisclient "github.com/hackgods/clinic-scheduling-core/internal/redis"
	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
	"github.com/hackgods/clinic-scheduling-core/internal/slots"
	"github.com/hackgods/clinic-scheduling-core/internal/waitlist"
	"github.com/hackgods/clinic-scheduling-core/pkg/logging"
)

const Version = "0.1.0"

// Store is what the wired services need from a backend.
type Store interface {
	schedule.Repository
	schedule.DirectoryWriter
}

type App struct {
	Config config.Config
	Logger *logging.Logger

	Store       Store
	Engine      *slots.Engine
	Bookings    *booking.Service
	Recommender *recommend.Recommender
	Waitlist    *waitlist.Matcher
	Notifier    *notify.Service

	Registry    *prometheus.Registry
	HTTPMetrics *metrics.HTTPMetrics

	pool       *pgxpool.Pool
	redis      *redis.Client
	memCache   *recommend.MemoryCache
	healthDeps []api.Dependency
	closeOnce  sync.Once
}

// New connects the configured backends and builds every service.
func New(ctx context.Context, cfg config.Config, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.connectStore(ctx); err != nil {
		return nil, err
	}
	if err := a.connectRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	loc := cfg.Location()
	sm := metrics.NewSchedulingMetrics(a.Registry)
	a.HTTPMetrics = metrics.NewHTTPMetrics(a.Registry)

	var sender notify.Sender = notify.NewStubSender(logger)
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		sender = sg
	}
	a.Notifier = notify.NewService(a.Store, sender, loc, logger)

	a.Engine = slots.NewEngine(a.Store, slots.Options{
		Location: loc,
		Limit:    cfg.SlotResultLimit,
		Metrics:  sm,
		Logger:   logger.With("component", "slots"),
	})

	a.Waitlist = waitlist.NewMatcher(a.Store, a.Notifier, waitlist.Options{
		Location:      loc,
		NotifyTimeout: cfg.NotifyTimeout,
		SlotDuration:  recommend.DefaultDuration,
		Metrics:       sm,
		Logger:        logger.With("component", "waitlist"),
	})

	var locker redisclient.Locker = redisclient.NewLocalLocker()
	var cache recommend.Cache
	if a.redis != nil {
		locker = redisclient.NewRedisLocker(a.redis, cfg.LockTTL)
		cache = recommend.NewRedisCache(redisclient.NewJSONCache(a.redis, "recommend:"))
	} else {
		a.memCache = recommend.NewMemoryCache()
		cache = a.memCache
	}

	a.Bookings = booking.NewService(a.Store, locker, cfg, booking.Deps{
		Notifier: a.Notifier,
		Waitlist: a.Waitlist,
		Metrics:  sm,
		Logger:   logger.With("component", "booking"),
	})

	a.Recommender = recommend.NewRecommender(a.Engine, a.Store, recommend.Options{
		Cache:    cache,
		CacheTTL: cfg.RecommendCacheTTL,
		Metrics:  sm,
		Logger:   logger.With("component", "recommend"),
	})

	return a, nil
}

func (a *App) connectStore(ctx context.Context) error {
	switch a.Config.StoreBackend {
	case config.BackendMemory:
		a.Store = schedule.NewMemoryStore()
		a.Logger.Warn("using in-memory store, data is lost on restart")
		return nil
	case config.BackendPostgres:
		pool, err := db.ConnectPostgres(ctx, a.Config.PostgresDSN, db.PoolOptions{})
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		a.pool = pool
		a.Store = schedule.NewPgRepository(pool)
		a.healthDeps = append(a.healthDeps, api.Dependency{Name: "postgres", Critical: true, Ping: pool.Ping})
		a.Logger.Info("connected to postgres")
		return nil
	}
	return fmt.Errorf("unknown store backend %q", a.Config.StoreBackend)
}

func (a *App) connectRedis(ctx context.Context) error {
	if a.Config.CacheBackend != config.BackendRedis {
		return nil
	}
	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     a.Config.RedisAddr,
		Username: a.Config.RedisUsername,
		Password: a.Config.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	a.redis = rdb
	a.healthDeps = append(a.healthDeps, api.Dependency{
		Name: "redis",
		Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	a.Logger.Info("connected to redis", "addr", a.Config.RedisAddr)
	return nil
}

// Router builds the HTTP surface over the wired services.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Bookings:       a.Bookings,
		Slots:          a.Engine,
		Recommender:    a.Recommender,
		Waitlist:       a.Waitlist,
		Availability:   a.Store,
		Health:         api.NewHealthHandler(a.Config.Env, Version, a.healthDeps...),
		Logger:         a.Logger.With("component", "http"),
		HTTPMetrics:    a.HTTPMetrics,
		Gatherer:       a.Registry,
		AllowedOrigins: a.Config.CORSAllowedOrigins,
	})
}

// Maintain releases expired holds and purges the in-process cache. It runs
// once immediately and then every interval until ctx is done.
func (a *App) Maintain(ctx context.Context, interval time.Duration) {
	a.maintainOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maintainOnce(ctx)
		}
	}
}

func (a *App) maintainOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := a.Bookings.ExpirePending(runCtx)
	if err != nil {
		a.Logger.Error("expiry run failed", "error", err)
		return
	}
	purged := 0
	if a.memCache != nil {
		purged = a.memCache.Purge(time.Now())
	}
	a.Logger.Info("expiry run complete", "expired", n, "cache_purged", purged, "elapsed_ms", time.Since(start).Milliseconds())
}

// Close waits for background notifications and releases connections.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.Bookings != nil {
			a.Bookings.Wait()
		}
		if a.Waitlist != nil {
			a.Waitlist.Wait()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.Logger.Error("error closing redis", "error", err)
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
	})
}
