package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/share-ledger/internal/adapter/handler"
	"github.com/rl1809/share-ledger/internal/adapter/queue"
	"github.com/rl1809/share-ledger/internal/adapter/storage"
	"github.com/rl1809/share-ledger/internal/config"
	"github.com/rl1809/share-ledger/internal/core/service"
	"github.com/rl1809/share-ledger/internal/metrics"
)

const (
	healthRefreshInterval = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := log.Logger.Level(level).With().Str("app", cfg.AppName).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	// Initialize MySQL
	db, err := sqlx.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open mysql: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping mysql: %w", err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info().Msg("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Msg("connected to redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	// Initialize adapters
	store := storage.NewMySQLAdapter(db)
	cache := storage.NewRedisAdapter(rdb)
	locker := storage.NewRedisLocker(rdb, cfg.ReconcileInterval)

	// Initialize services
	ledger := service.NewLedger(store, store,
		service.WithLedgerLogger(logger),
		service.WithLedgerMetrics(rec))
	guard := service.NewConservationGuard(store, store,
		service.WithGuardLogger(logger),
		service.WithGuardMetrics(rec),
		service.WithGuardAudit(store),
		service.WithGuardLocker(locker))
	engine := service.NewAllocationEngine(store, guard, ledger,
		service.WithEngineLogger(logger),
		service.WithEngineMetrics(rec),
		service.WithEngineAudit(store),
		service.WithLowStockSignal(cache, cfg.Threshold()))
	idempotency := service.NewIdempotencyGuard(store,
		service.WithIdempotencyLogger(logger),
		service.WithIdempotencyMetrics(rec),
		service.WithResultCache(cache, cfg.IdempotencyCacheTTL),
		service.WithStaleAfter(cfg.JobStaleAfter))
	processor := service.NewPaymentProcessor(engine, idempotency, store, store,
		service.WithProcessorLogger(logger),
		service.WithMaxAttempts(cfg.MaxJobAttempts))

	// Initialize RabbitMQ
	bus, err := queue.DialRabbitMQ(queue.RabbitMQConfig{
		URL:         cfg.RabbitMQURL,
		Exchange:    cfg.PaymentExchange,
		Queue:       cfg.PaymentQueue,
		ConsumerTag: cfg.ConsumerTag,
		Prefetch:    cfg.WorkerCount,
		RetryDelay:  cfg.RetryDelay,
	}, logger)
	if err != nil {
		return err
	}
	defer bus.Close()
	deliveries, err := bus.Consume()
	if err != nil {
		return err
	}
	publisher := queue.NewBreakerPublisher(bus, logger)
	dispatcher := queue.NewDispatcher(queue.NewPaymentHandler(processor, store, publisher, logger), cfg.WorkerCount, logger,
		queue.WithDeferrer(bus))

	// Initialize HTTP and gRPC servers
	reporter := handler.NewHealthReporter(guard, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.NewHTTPHandler(reporter, guard, ledger, logger).Routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dispatcher.Run(gctx, deliveries)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr := <-bus.Closed():
			return fmt.Errorf("rabbitmq connection closed: %v", amqpErr)
		}
	})
	g.Go(func() error {
		reconcileLoop(gctx, guard, cfg.ReconcileInterval, logger)
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx, healthRefreshInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		reporter.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})

	return g.Wait()
}

// reconcileLoop sweeps every product on each tick. Only the worker holding
// the reconcile lock sweeps; the others skip the tick.
func reconcileLoop(ctx context.Context, guard *service.ConservationGuard, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := guard.Reconcile(ctx)
		switch {
		case errors.Is(err, storage.ErrLockHeld):
			logger.Debug().Msg("reconciliation running elsewhere, skipping")
		case err != nil:
			logger.Error().Err(err).Msg("reconciliation failed")
		case len(report.Violations) > 0:
			for _, v := range report.Violations {
				logger.Error().
					Str("severity", "critical").
					Str("product_id", v.Report.ProductRef).
					Str("direction", string(v.Direction)).
					Str("recommendation", v.Recommendation).
					Msg("conservation violation awaiting remediation")
			}
		}
	}
}

// setupTracing installs the W3C propagator and, when an OTLP endpoint is
// configured, a batching tracer provider exporting to it.
func setupTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.OTelExporterEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTelExporterEndpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
