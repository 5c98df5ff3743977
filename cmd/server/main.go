// Package main provides the entry point for the PRISMA review service.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/helixir/prisma-review-service/internal/archive"
	"github.com/helixir/prisma-review-service/internal/config"
	"github.com/helixir/prisma-review-service/internal/database"
	"github.com/helixir/prisma-review-service/internal/dedup"
	"github.com/helixir/prisma-review-service/internal/events"
	"github.com/helixir/prisma-review-service/internal/export"
	"github.com/helixir/prisma-review-service/internal/importer"
	"github.com/helixir/prisma-review-service/internal/observability"
	"github.com/helixir/prisma-review-service/internal/papersources/pubmed"
	"github.com/helixir/prisma-review-service/internal/prisma"
	"github.com/helixir/prisma-review-service/internal/repository"
	"github.com/helixir/prisma-review-service/internal/resource"
	httpserver "github.com/helixir/prisma-review-service/internal/server/http"
	"github.com/helixir/prisma-review-service/internal/tracker"
	"github.com/helixir/prisma-review-service/migrations"
)

// healthService is the name reported by the gRPC health service.
const healthService = "prisma.v1.ReviewService"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("prisma-review-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Apply the embedded migrations if configured.
	if cfg.Database.MigrationAutoRun {
		if err := migrateUp(db, logger); err != nil {
			return err
		}
	}

	metrics := observability.NewMetrics("prisma")

	// Storage and workflow components.
	txRunner := repository.NewPgTxRunner(db, logger)
	monitor := resource.NewMonitor(resource.HostSampler{}, cfg.Resource, metrics, logger)
	imp := importer.New(txRunner, monitor, cfg.Importer, metrics, logger)

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("create archive client: %w", err)
		}
		arch = archive.New(s3Client, cfg.Archive, logger)
		logger.Info().Str("bucket", cfg.Archive.Bucket).Msg("export archive enabled")
	}

	publisher := events.New(cfg.Kafka, logger)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close event publisher")
		}
	}()

	svc := prisma.NewService(prisma.Deps{
		Tx:           txRunner,
		Importer:     imp,
		Deduplicator: dedup.New(txRunner, metrics, logger),
		Tracker:      tracker.New(txRunner, cfg.Tracker, metrics, logger),
		Exporter:     export.New(txRunner, metrics, logger),
		Archive:      arch,
		Source:       pubmed.New(cfg.PubMed, metrics),
		Publisher:    publisher,
		Metrics:      metrics,
		Logger:       logger,
	})

	// gRPC server carrying the health service for orchestrators.
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              5 * time.Minute,
			Timeout:           1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Minute,
			PermitWithoutStream: true,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging.
	reflection.Register(grpcServer)

	grpcAddr := cfg.Server.GRPCAddress()
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on gRPC port: %w", err)
	}

	httpCfg := httpserver.Config{
		Address:      cfg.Server.HTTPAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	}
	httpSrv := httpserver.NewServer(httpCfg, svc, db, logger)

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: 30 * time.Second,
		}
	}

	// Channel to collect server errors.
	errCh := make(chan error, 3)

	go func() {
		logger.Info().Str("address", grpcAddr).Msg("gRPC health server starting")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().
		Str("grpc_address", grpcAddr).
		Str("http_address", httpCfg.Address).
		Bool("pubmed_enabled", cfg.PubMed.Enabled).
		Bool("kafka_enabled", cfg.Kafka.Enabled).
		Str("tracker_mode", cfg.Tracker.Mode)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("prisma-review-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down prisma-review-service")
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// In-flight imports see their request context cancelled and return partial results.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		logger.Info().Msg("gRPC server stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("gRPC server forced shutdown due to timeout")
		grpcServer.Stop()
	}

	logger.Info().Msg("prisma-review-service shutdown complete")
	return nil
}

// migrateUp applies the migrations embedded in the binary.
func migrateUp(db *database.DB, logger zerolog.Logger) error {
	migrator, err := database.NewEmbeddedMigrator(db, migrations.FS, ".", logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close migrator")
		}
	}()

	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
