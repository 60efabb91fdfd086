package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/config"
	"github.com/splits-network/splits-sub027/db"
	"github.com/splits-network/splits-sub027/notify"
	"github.com/splits-network/splits-sub027/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if cfg.StoreDriver != config.StoreDriverPostgres {
		logger.Info("relay only drains the postgres outbox; the api relays the in-memory store itself")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "assignment-relay", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var notifier assignment.Notifier = notify.NewLogNotifier(logger)
	if cfg.RedisAddr != "" {
		client, err := notify.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		notifier = notify.NewRedisNotifier(client, cfg.NotifyPrefix)
	}

	relay := assignment.NewRelay(assignment.NewRepository(pool), notifier).
		WithLogger(logger).
		WithLimits(cfg.RelayBatchSize, cfg.RelayMaxAttempts, cfg.RelayInterval)

	logger.Info("relay started", "batch_size", cfg.RelayBatchSize, "interval", cfg.RelayInterval)
	return relay.Run(ctx)
}
