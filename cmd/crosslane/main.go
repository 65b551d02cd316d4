package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/crosslane/crosslane/pkg/broker"
	"github.com/crosslane/crosslane/pkg/cache"
	"github.com/crosslane/crosslane/pkg/certs"
	"github.com/crosslane/crosslane/pkg/config"
	"github.com/crosslane/crosslane/pkg/configstore"
	"github.com/crosslane/crosslane/pkg/discovery"
	"github.com/crosslane/crosslane/pkg/httpapi"
	"github.com/crosslane/crosslane/pkg/metadata"
	"github.com/crosslane/crosslane/pkg/middleware"
	"github.com/crosslane/crosslane/pkg/observability"
	"github.com/crosslane/crosslane/pkg/provider"
	"github.com/crosslane/crosslane/pkg/provision"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if err := observability.SetupLogging(cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat); err != nil {
		logrus.WithError(err).Fatal("invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Telemetry.OTelEnabled,
		Endpoint:    cfg.Telemetry.OTelEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    true,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize tracing")
	}

	db, err := openDatabase(cfg.Storage)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()
	if err := migrate(ctx, db); err != nil {
		logrus.WithError(err).Fatal("failed to run migrations")
	}

	// A dead Redis endpoint falls back to the in-process cache; the
	// broker stays correct either way.
	sharedCache := openCache(cfg.Storage)
	defer sharedCache.Close()

	store := configstore.NewStore(db)
	cachedStore := configstore.NewCachedStore(store, sharedCache, cfg.Broker.ConfigCacheTTL)
	certManager := certs.NewManager(store)
	discoveryService := discovery.NewService(sharedCache, discovery.WithTTL(cfg.Broker.DiscoveryTTL))
	provisionService := provision.NewService(db)
	handlerFactory := provider.NewFactory(cfg.Broker.BaseURL, discoveryService, store)

	authBroker := broker.New(
		cachedStore,
		handlerFactory,
		provisionService,
		broker.NewProvisionSessionIssuer(provisionService, cfg.Broker.SessionTTL),
	)

	handlers := httpapi.NewHandlers(cachedStore, authBroker, metadata.NewManager(certManager), handlerFactory.SAML())

	if cfg.Broker.SeedFile != "" {
		seeder := configstore.NewSeeder(cfg.Broker.SeedFile, cachedStore)
		if err := seeder.Apply(ctx); err != nil {
			logrus.WithError(err).Fatal("failed to apply provider seed file")
		}
		go func() {
			if err := seeder.Watch(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("seed file watcher stopped")
			}
		}()
	}

	scheduler := startJobs(ctx, cfg.Broker, certManager, provisionService)
	defer scheduler.Stop()

	loginLimiter := middleware.NewRateLimiter(nil)

	router := mux.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Logging,
		middleware.Recover,
		loginLimiter.MiddlewareFor("/auth/"),
	)
	handlers.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	var redisClient *redis.Client
	if redisCache, ok := sharedCache.(*cache.RedisCache); ok {
		redisClient = redisCache.Client()
	}
	health := observability.NewHealthChecker(db, redisClient)
	router.HandleFunc("/healthz", health.Liveness)
	router.HandleFunc("/readyz", health.Readiness)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(router, "crosslane"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logrus.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logrus.WithError(err).Error("tracing shutdown failed")
	}
}

func openDatabase(cfg config.StorageConfig) (*sql.DB, error) {
	driver := "sqlite3"
	if cfg.UsesPostgres() {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := configstore.Migrate(ctx, db); err != nil {
		return err
	}
	return provision.Migrate(ctx, db)
}

func openCache(cfg config.StorageConfig) cache.Cache {
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err == nil {
			logrus.Info("using redis cache backend")
			return redisCache
		}
		logrus.WithError(err).Warn("redis unavailable, using in-process cache")
	}
	return cache.NewMemoryCache(cfg.CacheMaxEntries)
}

func startJobs(ctx context.Context, cfg config.BrokerConfig, certManager *certs.Manager, provisionService *provision.Service) *cron.Cron {
	scheduler := cron.New()

	_, err := scheduler.AddFunc(cfg.CertSweepSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := certManager.SweepExpiring(jobCtx, cfg.CertExpiryHorizon); err != nil {
			logrus.WithError(err).Error("certificate sweep failed")
		}
	})
	if err != nil {
		logrus.WithError(err).Fatal("invalid certificate sweep schedule")
	}

	_, err = scheduler.AddFunc(cfg.SessionCleanupSchedule, func() {
		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := provisionService.CleanupExpiredSessions(jobCtx); err != nil {
			logrus.WithError(err).Error("session cleanup failed")
		}
	})
	if err != nil {
		logrus.WithError(err).Fatal("invalid session cleanup schedule")
	}

	scheduler.Start()
	return scheduler
}
