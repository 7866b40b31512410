// Package app builds the shared collaborators both binaries run on: storage, Redis, the
// dispatch queue, the lock service, the browser manager client and the task and account
// services.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"upload-dispatcher/internal/accounts"
	"upload-dispatcher/internal/browser"
	"upload-dispatcher/internal/config"
	"upload-dispatcher/internal/lock"
	"upload-dispatcher/internal/memstore"
	"upload-dispatcher/internal/pool"
	"upload-dispatcher/internal/queue"
	"upload-dispatcher/internal/store"
	"upload-dispatcher/internal/tasks"
)

// Repository is everything the services persist.
type Repository interface {
	tasks.Repository
	accounts.Repository
	pool.InstanceStore
}

type App struct {
	Cfg      config.Config
	Log      *zap.Logger
	Redis    *redis.Client
	Locker   *lock.RedisLocker
	Queue    *queue.RedisQueue
	Repo     Repository
	Browser  *browser.Manager
	Tasks    *tasks.Manager
	Accounts *accounts.Registry

	pg *store.Store
}

// New connects to Redis and the configured store and wires the services on top.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		_ = a.Redis.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using the in-memory store, state is lost on exit")
		a.Repo = memstore.New()
	default:
		pg, err := store.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			_ = a.Redis.Close()
			return nil, err
		}
		a.pg = pg
		a.Repo = pg
	}

	a.Locker = lock.NewRedisLocker(a.Redis, "lock:")
	a.Queue = queue.NewRedisQueue(a.Redis, cfg.Queue)
	a.Browser = browser.NewManager(cfg.Browser, log)
	a.Tasks = tasks.NewManager(a.Repo, a.Queue, a.Locker, log, cfg.Tasks, cfg.Pool.LockTTL)
	a.Accounts = accounts.NewRegistry(a.Repo, a.Browser, log, cfg.Accounts)
	return a, nil
}

// Migrate applies the embedded schema. It is a no-op for the in-memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pg == nil {
		return nil
	}
	if err := a.pg.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	return nil
}

// Ping checks the backing services for readiness probes.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if err := a.Browser.Close(); err != nil {
		a.Log.Warn("close browser manager client", zap.Error(err))
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("close redis", zap.Error(err))
	}
}

// NodeID names this process for pool ownership and worker slots. Without app.node_id it is
// hostname-pid, unique per process but not stable across restarts: set app.node_id for
// Pool.Recover to find the rows of a previous run.
func NodeID(cfg config.Config) string {
	if cfg.App.NodeID != "" {
		return cfg.App.NodeID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
