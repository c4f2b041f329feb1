package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"sortition/internal/governance/balance"
	"sortition/internal/governance/ports"
	"sortition/internal/governance/service"
	badgerstore "sortition/internal/governance/store/badger"
	"sortition/internal/governance/store/memory"
	pgstore "sortition/internal/governance/store/postgres"
	redisstore "sortition/internal/governance/store/redis"
	platformbadger "sortition/internal/platform/badger"
	"sortition/internal/platform/config"
	"sortition/internal/platform/httpserver"
	"sortition/internal/platform/logger"
	"sortition/internal/platform/metrics"
	"sortition/internal/platform/postgres"
	platformredis "sortition/internal/platform/redis"
	"sortition/internal/platform/tracing"
)

// registryStore is what every backend provides.
type registryStore interface {
	ports.Store
	ports.StoreTx
	ports.Outbox
}

// app holds the process-wide dependencies for one command invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    registryStore
	balances ports.BalanceReader
	service  *service.Service
	badgerDB *badger.DB
	sqlDB    *sql.DB
	redis    *platformredis.Client
	checks   map[string]httpserver.Check

	closers []func(context.Context) error
}

// openApp connects the configured backend. Callers must Close the result.
func openApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger.New(cfg.Log),
		registry: prometheus.NewRegistry(),
		checks:   map[string]httpserver.Check{},
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.NewWithRegistry(a.registry)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.service = service.New(a.store, a.store, a.balances,
		service.WithLogger(a.logger),
		service.WithMetrics(a.metrics),
		service.WithNotifier(service.NewLogNotifier(a.logger)),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	a.balances = balance.NewInMemory()

	switch a.cfg.Store {
	case config.StoreMemory:
		a.store = memory.New(memory.WithTxTimeout(a.cfg.TxTimeout))

	case config.StorePostgres:
		db, err := postgres.Open(ctx, a.cfg.Postgres)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.checks["postgres"] = db.PingContext
		a.sqlDB = db
		a.store = pgstore.New(db)

	case config.StoreRedis:
		client, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.store = redisstore.New(client.Client,
			redisstore.WithKeyPrefix(client.Namespace()),
			redisstore.WithMetrics(a.metrics),
		)

	case config.StoreBadger:
		db, err := platformbadger.Open(a.cfg.Badger, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		a.badgerDB = db
		a.store = badgerstore.New(db, badgerstore.WithMetrics(a.metrics))

	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store)
	}

	// Balances live in redis whenever one is configured, whatever the store.
	if a.cfg.Redis.URL != "" {
		client, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.balances = balance.NewRedis(client.Client, client.Namespace())
	}
	return nil
}

func (a *app) openRedis(ctx context.Context) (*platformredis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := platformredis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	a.checks["redis"] = client.Health
	a.redis = client
	return client, nil
}

func (a *app) migrate(ctx context.Context) error {
	if a.sqlDB == nil {
		return errors.New("no postgres connection")
	}
	return postgres.Migrate(ctx, a.sqlDB)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
