package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"jobpilot/internal/bridge"
	"jobpilot/internal/claim"
	"jobpilot/internal/config"
	"jobpilot/internal/db"
	"jobpilot/internal/dispatch"
	"jobpilot/internal/events"
	"jobpilot/internal/lock"
	"jobpilot/internal/message_broaker"
	"jobpilot/internal/proxy"
	"jobpilot/internal/queue"
	"jobpilot/internal/quota"
	"jobpilot/internal/recovery"
	"jobpilot/internal/store"
	"jobpilot/internal/store/postgres"
)

// Container holds every long-lived component of the orchestrator. It is the
// single source of truth for dependency injection and ensures connections and
// services are created once.
type Container struct {
	Config *config.Config

	// Storage connections (created once, shared by all stores)
	DB    *sql.DB
	Redis *redis.Client

	// Stores (implement interfaces for testability)
	Jobs   store.JobStore
	Quotas store.QuotaStore

	// Infrastructure
	Locks  lock.DistributedLockManager
	Bus    *events.Bus
	Broker message_broaker.MessageBroker

	// Domain services
	Live       queue.LiveQueue
	Proxies    *proxy.Pool
	Prober     *proxy.Prober
	Quota      *quota.Controller
	Dispatcher *dispatch.Dispatcher
	Claims     *claim.Service
	Recovery   *recovery.Sweeper
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
// Pass optional WithDB, WithRedis to inject connections for testing.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	sqlDB := opt.db
	if sqlDB == nil {
		var err error
		sqlDB, err = openPostgresDB(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
	}
	locks := lock.NewPostgresDistributedLockManager(sqlDB)

	// An injected database means the caller owns the schema.
	if opt.db == nil {
		if err := db.Init(cfg.PostgresURL, locks); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	redisClient := opt.redis
	if redisClient == nil && cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	// All instances must share one queue namespace, so the default prefix
	// is used rather than anything instance scoped.
	var live queue.LiveQueue
	if redisClient != nil {
		live = queue.NewRedisLiveQueue(redisClient, "")
	} else {
		live = queue.NewMemoryLiveQueue()
	}

	bus := events.NewBus()

	var broker message_broaker.MessageBroker
	if cfg.AmqpURL != "" {
		b, err := message_broaker.NewRabbitMQ(cfg.AmqpURL, cfg.AmqpExchange, cfg.AmqpQueue)
		if err != nil {
			bus.Close()
			sqlDB.Close()
			return nil, fmt.Errorf("init rabbitmq: %w", err)
		}
		broker = b
	}

	jobStore := postgres.NewPostgresJobStore(sqlDB)
	quotaStore := postgres.NewPostgresQuotaStore(sqlDB)

	pool := proxy.NewPool(bus)
	pool.LoadFromProviders(
		proxy.NewStaticProvider(cfg.Proxy.Endpoints),
		proxy.NewEnvProvider(""),
	)

	var prober *proxy.Prober
	if cfg.Proxy.ProbeURL != "" {
		prober = proxy.NewProber(pool, cfg.Proxy.ProbeURL, cfg.Proxy.ProbeInterval())
	}

	quotaCtrl := quota.NewController(quotaStore, bus)

	dispatcher := dispatch.New(cfg.Dispatch, dispatch.Deps{
		Jobs:     jobStore,
		Live:     live,
		Quota:    quotaCtrl,
		Proxies:  pool,
		Executor: bridge.NewProcessRunner(cfg.Worker),
		Bus:      bus,
	})

	return &Container{
		Config:     cfg,
		DB:         sqlDB,
		Redis:      redisClient,
		Jobs:       jobStore,
		Quotas:     quotaStore,
		Locks:      locks,
		Bus:        bus,
		Broker:     broker,
		Live:       live,
		Proxies:    pool,
		Prober:     prober,
		Quota:      quotaCtrl,
		Dispatcher: dispatcher,
		Claims:     claim.NewService(cfg.Claim, jobStore, quotaCtrl, bus),
		Recovery:   recovery.NewSweeper(cfg.Recovery, jobStore, live, locks),
	}, nil
}

// Close releases connections in reverse dependency order. Safe to call once
// the dispatch loop has returned.
func (c *Container) Close() {
	c.Bus.Close()
	if c.Broker != nil {
		_ = c.Broker.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}

func openPostgresDB(connectionURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}
