package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asakaida/permgate/internal/handlers"
	infracache "github.com/asakaida/permgate/internal/infrastructure/cache"
	"github.com/asakaida/permgate/internal/infrastructure/config"
	"github.com/asakaida/permgate/internal/infrastructure/database"
	"github.com/asakaida/permgate/internal/infrastructure/metrics"
	"github.com/asakaida/permgate/internal/services/permissions"
	"github.com/asakaida/permgate/pkg/cache"
	"github.com/asakaida/permgate/pkg/cache/memorycache"
	"github.com/asakaida/permgate/pkg/cache/pgcache"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	defaultEnv = "dev"

	metricsUpdateInterval = 10 * time.Second
	purgeInterval         = time.Minute
	healthCheckInterval   = 15 * time.Second
)

func main() {
	// Get environment from ENV variable or use default
	env := os.Getenv("ENV")
	if env == "" {
		env = defaultEnv
	}

	// Initialize configuration
	if err := config.InitConfig(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "permgate",
		Level: hclog.LevelFromString(cfg.Log.Level),
	})

	if cfg.Permissions.ServiceURL == "" {
		logger.Warn("PERMISSIONS_SERVICE_URL is not set, every evaluation will fail until it is configured")
	}
	if cfg.Permissions.Timeout == 0 {
		logger.Warn("PERMISSIONS_TIMEOUT_MS is 0, shared upstream requests have no deadline")
	}

	// Connect to database only when a feature needs it
	var pg *database.Postgres
	if cfg.NeedsDatabase() {
		pg, err = database.NewPostgres(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()

		logger.Info("connected to database",
			"user", cfg.Database.User,
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database)

		if cfg.Database.AutoMigrate {
			if err := pg.RunMigrations(migrationsPath()); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			logger.Info("migrations applied")
		}
	}

	store, err := newSharedStore(cfg, pg)
	if err != nil {
		log.Fatalf("Failed to create shared cache: %v", err)
	}
	if store != nil {
		defer store.Close()
		logger.Info("shared permissions cache enabled",
			"backend", cfg.Cache.Backend,
			"ttl", cfg.Cache.TTL)
	}

	// Invalidation sync keeps per-instance memory stores consistent
	var publisher handlers.InvalidationPublisher
	if store != nil && cfg.Cache.SyncEnabled {
		if cfg.Cache.Backend == config.CacheBackendMemory {
			listener := infracache.NewInvalidationListener(store, cfg.Database.ConnectionString(), logger.Named("invalidation"))
			if err := listener.Start(); err != nil {
				log.Fatalf("Failed to start invalidation listener: %v", err)
			}
			defer listener.Stop()
			publisher = infracache.NewNotifier(pg.DB)
			logger.Info("invalidation sync enabled", "channel", infracache.InvalidationChannel)
		} else {
			logger.Info("invalidation sync skipped, the postgres backend is already shared")
		}
	}

	// Metrics
	collector := metrics.NewCollector()
	if store != nil && cfg.Cache.Metrics {
		collector.SetCache(store)
	}
	exporter := metrics.NewPrometheusExporter(collector, prometheus.DefaultRegisterer)

	client := permissions.NewHTTPClient(permissions.HTTPClientConfig{
		Timeout:  cfg.Permissions.Timeout,
		RetryMax: cfg.Permissions.RetryMax,
		Logger:   logger.Named("upstream"),
	})

	handler := handlers.NewPermissionHandler(handlers.PermissionHandlerConfig{
		ServiceURL:   cfg.Permissions.ServiceURL,
		Client:       client,
		Store:        store,
		TTL:          cfg.Cache.TTL,
		StrictSchema: cfg.Permissions.StrictSchema,
		Logger:       logger.Named("permissions"),
		Observer:     metrics.NewUpstreamObserver(collector, exporter),
		Publisher:    publisher,
	})

	// Create gRPC server
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(metrics.UnaryServerInterceptor(collector, exporter)),
	)
	handlers.RegisterPermissionServiceServer(grpcServer, handler)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handlers.PermissionServiceName, healthpb.HealthCheckResponse_SERVING)

	// Register reflection service (for grpcurl, etc.)
	reflection.Register(grpcServer)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	logger.Info("gRPC server listening", "addr", addr)

	serverErrors := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			serverErrors <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	// Prometheus metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go runPeriodic(bgCtx, metricsUpdateInterval, exporter.Update)
	if pg != nil {
		go runPeriodic(bgCtx, healthCheckInterval, func() {
			serving := healthpb.HealthCheckResponse_SERVING
			if err := pg.HealthCheck(bgCtx); err != nil {
				logger.Warn("database health check failed", "error", err)
				serving = healthpb.HealthCheckResponse_NOT_SERVING
			}
			healthServer.SetServingStatus(handlers.PermissionServiceName, serving)
		})
	}
	if pgStore, ok := store.(*pgcache.Cache); ok {
		go runPeriodic(bgCtx, purgeInterval, func() {
			n, err := pgStore.Purge(bgCtx)
			if err != nil {
				logger.Warn("failed to purge expired permissions", "error", err)
				return
			}
			if n > 0 {
				logger.Debug("purged expired permissions", "rows", n)
			}
		})
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigChan:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())

		healthServer.Shutdown()
		stopBackground()

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Channel to notify when graceful stop completes
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()

		// Wait for graceful stop or timeout
		select {
		case <-stopped:
			logger.Info("gRPC server stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded, forcing stop")
			grpcServer.Stop()
		}

		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down metrics server", "error", err)
		}

		logger.Info("shutdown complete")
	}
}

// newSharedStore builds the cross-request permissions store, or returns nil
// when caching is disabled.
func newSharedStore(cfg *config.Config, pg *database.Postgres) (cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}

	switch cfg.Cache.Backend {
	case config.CacheBackendPostgres:
		return pgcache.New(pg.DB, cfg.Cache.TTL), nil
	default:
		return memorycache.New(&memorycache.Config{
			MaxSizeBytes:  cfg.Cache.MaxMemoryBytes,
			DefaultTTL:    cfg.Cache.TTL,
			EnableMetrics: cfg.Cache.Metrics,
		})
	}
}

func migrationsPath() string {
	if root, err := config.ProjectRoot(); err == nil {
		return filepath.Join(root, database.MigrationsPath)
	}
	return database.MigrationsPath
}

func runPeriodic(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
