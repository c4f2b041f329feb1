package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sortition/internal/governance/events"
	platformbadger "sortition/internal/platform/badger"
	"sortition/internal/platform/httpserver"
	"sortition/internal/platform/kafka"
	"sortition/pkg/platform/circuit"
)

func newRelayCmd(current func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish committed registry events to Kafka",
		Long: `Relay polls the store outbox and publishes CitizenAdded events to the
configured Kafka topic, keyed by governance pool. It serves /healthz, /readyz
and /metrics on SORTITION_METRICS_ADDR until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), current())
		},
	}
}

func runRelay(ctx context.Context, a *app) error {
	producer, err := kafka.NewProducer(a.cfg.Kafka, a.logger)
	if err != nil {
		return err
	}
	defer producer.Close()

	if err := producer.EnsureTopic(ctx, a.cfg.Kafka.Partitions); err != nil {
		return err
	}
	a.checks["kafka"] = producer.Ping

	relay := events.NewRelay(a.store, producer,
		events.WithInterval(a.cfg.Relay.Interval),
		events.WithBatchSize(a.cfg.Relay.BatchSize),
		events.WithBreaker(circuit.New("kafka", circuit.WithCooldown(a.cfg.Relay.BreakerCooldown))),
		events.WithLogger(a.logger),
		events.WithMetrics(a.metrics),
	)
	srv := httpserver.New(a.cfg.MetricsAddr, httpserver.NewOpsRouter(a.registry, a.checks))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		a.logger.InfoContext(ctx, "ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.badgerDB != nil {
		g.Go(func() error {
			return platformbadger.RunGC(ctx, a.badgerDB, a.cfg.Badger.GCInterval, a.cfg.Badger.GCDiscardRatio, a.logger)
		})
	}

	a.logger.InfoContext(ctx, "outbox relay started", "store", a.cfg.Store, "topic", a.cfg.Kafka.Topic)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("outbox relay stopped")
		return nil
	}
	return err
}
