package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/auth"
	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/httputil"
	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage/kv"
	"github.com/sisiago/sisiago/pkg/storage/postgres"
	"github.com/sisiago/sisiago/pkg/users"
)

// maxRequestBody bounds JSON request bodies
const maxRequestBody = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.InfoLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("SISIAGO audit service stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	conns, err := postgres.NewConnectionManager(postgres.ConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		return err
	}
	if conns.ReplicaCount() > 0 {
		conns.StartHealthCheckRoutine(ctx, 30*time.Second)
	}

	var (
		redisClient  *kv.RedisClient
		failedLogins *kv.FailedLoginTracker
	)
	if cfg.Storage.RedisURL != "" {
		rc, err := kv.NewRedisClient(cfg.Storage)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, failed-login tracking disabled")
		} else {
			redisClient = rc
			failedLogins = kv.NewFailedLoginTracker(rc.Client())
		}
	}

	directory := users.NewDirectory(conns, users.DirectoryConfig{
		CacheSize: cfg.Storage.UserCacheSize,
		CacheTTL:  cfg.Storage.UserCacheTTL,
	}, metrics)
	if err := directory.EnsureSchema(ctx); err != nil {
		return err
	}

	store, err := audit.NewPostgresStore(ctx, conns)
	if err != nil {
		return err
	}

	auditLog := audit.NewLogger(store,
		audit.WithLoggerLogger(logger.WithField("component", "audit-logger")),
		audit.WithMetrics(metrics),
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithRetry(cfg.Audit.RetryAttempts, cfg.Audit.RetryBackoff),
		audit.WithCircuitBreaker(cfg.Audit.BreakerThreshold, cfg.Audit.BreakerCooldown),
		audit.WithAsync(cfg.Audit.Async),
	)

	aggOpts := []audit.AggregatorOption{
		audit.WithRiskPolicy(audit.RiskPolicy{
			BusinessHourStart: cfg.Audit.BusinessHourStart,
			BusinessHourEnd:   cfg.Audit.BusinessHourEnd,
			UnusualMinVolume:  cfg.Audit.UnusualMinVolume,
			UnusualFactor:     cfg.Audit.UnusualFactor,
		}),
		audit.WithAggregatorMetrics(metrics),
		audit.WithAggregatorLogger(logger.WithField("component", "audit-stats")),
	}
	if failedLogins != nil {
		aggOpts = append(aggOpts, audit.WithFailedLogins(failedLogins))
	}
	aggregator := audit.NewAggregator(store, aggOpts...)

	tokens, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}
	mwOpts := []auth.MiddlewareOption{
		auth.WithCookieName(cfg.Auth.CookieName),
		auth.WithMiddlewareMetrics(metrics),
		auth.WithMiddlewareLogger(logger.WithField("component", "auth")),
	}
	if failedLogins != nil {
		mwOpts = append(mwOpts, auth.WithFailureRecorder(failedLogins))
	}
	authMW := auth.NewMiddleware(tokens, mwOpts...)

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	audit.NewHandlers(audit.NewQuery(store, metrics), aggregator, authMW,
		audit.WithExportRateLimit(cfg.Audit.ExportRateLimit, time.Minute),
		audit.WithHandlersLogger(logger.WithField("component", "audit-api")),
	).RegisterRoutes(router)
	users.NewHandlers(directory, auditLog, authMW, logger.WithField("component", "users-api")).RegisterRoutes(router)

	chain := httputil.Chain(
		observability.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.MaxBytesMiddleware(maxRequestBody),
		audit.RequestContext,
	)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(chain(router), "sisiago"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	checker := observability.NewHealthChecker(conns.Primary(), nil)
	if redisClient != nil {
		checker = observability.NewHealthChecker(conns.Primary(), redisClient.Client())
	}
	observability.RegisterHealthRoutes(healthMux, checker.WithVersion(cfg.Observability.OTelServiceVersion))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("audit-logger", auditLog.Close)
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.RegisterShutdownFunc("postgres", func(context.Context) error { return conns.Close() })
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
				stopWait()
			}
		}(srv)
	}

	logger.WithFields(map[string]interface{}{
		"replicas":     conns.ReplicaCount(),
		"redis":        redisClient != nil,
		"async_writes": cfg.Audit.Async,
	}).Info("SISIAGO audit service started")

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}
