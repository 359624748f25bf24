// Package app constructs every deal-automation dependency from config and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/deal-automation/internal/api"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/circuitbreaker"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/config"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/coordination"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/database"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/dedup"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/history"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/jobqueue"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/keys"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/limiter"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/logger"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/metrics"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/provider"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/publisher"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/redis"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/retry"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/server"
	"github.com/jonesrussell/north-cloud/deal-automation/internal/worker"
)

// connectRetry covers a Postgres or Redis container that starts after us.
var connectRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2,
}

// App is the wired application.
type App struct {
	Config   *config.Config
	Logger   logger.Logger
	Service  *worker.Service
	Limiter  *limiter.TokenBucket
	Queue    *jobqueue.Queue
	Registry *prometheus.Registry

	db      *sqlx.DB
	redis   *goredis.Client
	history *history.Indexer
}

// New connects to Postgres and Redis and builds the pipeline. The caller
// must Close the returned App.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Registry: prometheus.NewRegistry()}

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	err := a.withRetry(ctx, connectRetry, "postgres", func() error {
		db, connErr := database.NewPostgresConnection(ctx, a.Config.Database.DSN())
		if connErr != nil {
			return connErr
		}
		a.db = db
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	err = a.withRetry(ctx, connectRetry, "redis", func() error {
		client, connErr := redis.NewClient(ctx, redis.Config{
			Address:  a.Config.Redis.Address,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		if connErr != nil {
			return connErr
		}
		a.redis = client
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	if a.Config.History.Enabled {
		indexer, indexErr := history.NewIndexer(history.Config{
			URL:      a.Config.History.URL,
			Username: a.Config.History.Username,
			Password: a.Config.History.Password,
			Index:    a.Config.History.Index,
		}, a.Logger)
		if indexErr != nil {
			return fmt.Errorf("create history indexer: %w", indexErr)
		}
		a.history = indexer
	}
	return nil
}

// withRetry retries a startup connection while the backing service is
// still coming up.
func (a *App) withRetry(ctx context.Context, cfg retry.Config, name string, connect func() error) error {
	attempt := 0
	return retry.Retry(ctx, cfg, func() error {
		attempt++
		err := connect()
		if err != nil {
			a.Logger.Warn("Connection attempt failed",
				logger.String("target", name),
				logger.Int("attempt", attempt),
				logger.Error(err),
			)
		}
		return err
	})
}

func (a *App) build() error {
	cfg := a.Config
	k := keys.New(cfg.Redis.KeyPrefix)

	prom := metrics.NewMetrics(a.Registry)
	tracker := metrics.NewTracker(a.redis, k, a.Logger).WithPrometheus(prom)

	client, err := provider.NewClient(provider.Config{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Domain:            cfg.Provider.Domain,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Burst:             cfg.Provider.Burst,
		BreakerFailures:   cfg.Provider.BreakerFailures,
		BreakerTimeout:    cfg.Provider.BreakerTimeout,
		MaxResponseBytes:  cfg.Provider.MaxResponseBytes,
		OnBreakerStateChange: func(_, to circuitbreaker.State) {
			prom.CircuitState.Set(float64(to))
		},
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	var clock func() time.Time
	if cfg.Limiter.LocalClock {
		clock = time.Now
	}
	bucket, err := limiter.New(a.redis, k, limiter.Config{
		Capacity:        cfg.Limiter.Capacity,
		RefillPerMinute: cfg.Limiter.RefillPerMinute,
		Clock:           clock,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("create token bucket: %w", err)
	}
	a.Limiter = bucket

	a.Queue = jobqueue.New(a.redis, k, jobqueue.Config{
		LeaseTimeout: cfg.Queue.LeaseTimeout,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff: retry.Config{
			InitialDelay: cfg.Queue.BackoffInitial,
			MaxDelay:     cfg.Queue.BackoffMax,
			Multiplier:   2,
		},
	}, a.Logger)

	deps := worker.Deps{
		Rules:     database.NewRuleRepository(a.db),
		Queue:     a.Queue,
		Limiter:   bucket,
		Dedup:     dedup.NewTracker(a.redis, k, cfg.Dedup.TTL, a.Logger),
		Metrics:   tracker,
		Provider:  client,
		Publisher: publisher.NewStreamPublisher(a.redis, k.PublishStream(), publisher.DefaultMaxLen, a.Logger),
		Cache:     provider.NewCache(a.redis, k, cfg.Cache.TTL, a.Logger),
		Logger:    a.Logger,
	}
	if a.history != nil {
		deps.History = a.history
	}
	if cfg.Scheduler.LeaderElection {
		leader, leaderErr := coordination.NewLeaderElection(a.redis, coordination.LeaderConfig{
			Key: k.SchedulerLeader(),
			TTL: cfg.Scheduler.LeaderTTL,
		}, a.Logger)
		if leaderErr != nil {
			return fmt.Errorf("create leader election: %w", leaderErr)
		}
		deps.Leader = leader
	}

	svc, err := worker.New(worker.Config{
		SchedulerInterval: cfg.Scheduler.Interval,
		WorkerInterval:    cfg.Worker.Interval,
		MaxJobsPerTick:    cfg.Worker.MaxJobsPerTick,
		MaxDealsPerRule:   cfg.Worker.MaxDealsPerRule,
		JobTimeout:        cfg.Worker.JobTimeout,
		EstimatedJobCost:  cfg.Provider.EstimatedJobCost,
		BatchSize:         cfg.Scheduler.BatchSize,
		PrefetchSchedule:  cfg.Prefetch.Schedule,
		PrefetchTop:       cfg.Prefetch.TopCategories,
		PrefetchMinTokens: cfg.Prefetch.MinTokens,
	}, deps)
	if err != nil {
		return fmt.Errorf("create worker service: %w", err)
	}
	a.Service = svc
	return nil
}

// HTTPServer builds the API server with dependency health checks.
func (a *App) HTTPServer() *server.Server {
	router := api.NewRouter(a.Service, api.Config{
		JWTSecret: a.Config.Auth.JWTSecret,
		Gatherer:  a.Registry,
	}, a.Logger)

	checks := map[string]server.HealthChecker{
		"database": server.PingChecker("Database", true, func(ctx context.Context) error {
			return a.db.PingContext(ctx)
		}),
		"redis": server.PingChecker("Redis", true, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
	}
	if a.history != nil {
		checks["elasticsearch"] = server.PingChecker("Elasticsearch", false, a.history.Ping)
	}

	return router.NewServer(api.ServerOptions{
		Name:    a.Config.Service.Name,
		Version: a.Config.Service.Version,
		Port:    a.Config.Service.Port,
		Debug:   a.Config.Service.Debug,
		Checks:  checks,
	})
}

// Close releases every client. It is safe on a partially built App.
func (a *App) Close() {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, database.Close(a.db))
	}
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("Error closing clients", logger.Error(err))
	}
}
