package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splits-network/splits-sub027/assignment"
	"github.com/splits-network/splits-sub027/auth"
	"github.com/splits-network/splits-sub027/config"
	"github.com/splits-network/splits-sub027/db"
	"github.com/splits-network/splits-sub027/documents"
	"github.com/splits-network/splits-sub027/memstore"
	"github.com/splits-network/splits-sub027/notify"
	"github.com/splits-network/splits-sub027/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "assignment-api", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	verifier, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	stager, err := newStager(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var store assignment.Store
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := memstore.New()
		store = mem

		// Nothing outside this process can see the in-memory outbox, so the
		// relay runs here.
		notifier, closeNotifier, err := newNotifier(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeNotifier()
		relay := assignment.NewRelay(mem, notifier).
			WithLogger(logger).
			WithLimits(cfg.RelayBatchSize, cfg.RelayMaxAttempts, cfg.RelayInterval)
		g.Go(func() error { return relay.Run(gctx) })
		logger.Warn("using in-memory store; state is lost on exit")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := db.RunMigrations(ctx, pool); err != nil {
			return err
		}
		store = assignment.NewRepository(pool)
	}

	engine := assignment.NewEngine(store, stager).WithLogger(logger)
	server := NewServer(engine, verifier, logger, cfg.RequestTimeout)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("api listening", "addr", httpServer.Addr, "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newStager(ctx context.Context, cfg config.Config, logger *slog.Logger) (assignment.DocumentStager, error) {
	if cfg.S3Bucket == "" {
		logger.Warn("S3_BUCKET not set; documents are staged in memory")
		return documents.NewMemoryStager(), nil
	}
	client, err := documents.NewS3Client(ctx, documents.S3Options{
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		return nil, err
	}
	return documents.NewS3Stager(client, cfg.S3Bucket), nil
}

func newNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (assignment.Notifier, func(), error) {
	if cfg.RedisAddr == "" {
		return notify.NewLogNotifier(logger), func() {}, nil
	}
	client, err := notify.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return notify.NewRedisNotifier(client, cfg.NotifyPrefix), func() { _ = client.Close() }, nil
}
