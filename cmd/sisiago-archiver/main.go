package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/sisiago/sisiago/pkg/archive"
	"github.com/sisiago/sisiago/pkg/audit"
	"github.com/sisiago/sisiago/pkg/config"
	"github.com/sisiago/sisiago/pkg/observability"
	"github.com/sisiago/sisiago/pkg/storage/blob"
	"github.com/sisiago/sisiago/pkg/storage/postgres"
)

var (
	schedule  = flag.String("schedule", "", "Cron schedule for the daily archive (default from SISIAGO_ARCHIVE_SCHEDULE, 00:15 UTC)")
	runOnce   = flag.Bool("run-once", false, "Archive one day and exit (for backfills)")
	date      = flag.String("date", "", "Day to archive (YYYY-MM-DD). If empty, archives yesterday. Only used with --run-once")
	overwrite = flag.Bool("overwrite", false, "Replace archives that already exist")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fatal(observability.NewLogger(observability.InfoLevel, os.Stderr), err, "Failed to load configuration")
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "sisiago-archiver")

	if cfg.Storage.PostgresURL == "" {
		fatal(logger, errors.New("postgres URL is required"), "Invalid configuration")
	}
	if *schedule != "" {
		cfg.Archive.Schedule = *schedule
	}

	ctx := context.Background()

	conns, err := postgres.NewConnectionManager(postgres.ConfigFromStorage(cfg.Storage), logger)
	if err != nil {
		fatal(logger, err, "Failed to connect to database")
	}
	defer conns.Close()

	store, err := audit.NewPostgresStore(ctx, conns)
	if err != nil {
		fatal(logger, err, "Failed to prepare audit store")
	}

	uploader, err := blob.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		fatal(logger, err, "Failed to create S3 client")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	archiver, err := archive.New(audit.NewQuery(store, metrics), uploader, archive.Config{
		Prefix:    cfg.Archive.Prefix,
		Format:    audit.ExportFormat(cfg.Archive.Format),
		Overwrite: *overwrite,
	}, archive.WithMetrics(metrics), archive.WithLogger(logger))
	if err != nil {
		fatal(logger, err, "Invalid archive configuration")
	}

	if *runOnce {
		day := time.Now().UTC().AddDate(0, 0, -1)
		if *date != "" {
			day, err = time.Parse("2006-01-02", *date)
			if err != nil {
				fatal(logger, err, "Invalid date format")
			}
		}

		res, err := archiver.RunDay(ctx, day)
		if err != nil {
			fatal(logger, err, "Archive failed")
		}
		logResult(logger, res)
		return
	}

	if err := uploader.HealthCheck(ctx); err != nil {
		logger.WithError(err).Warn("Archive bucket not reachable yet")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	_, err = c.AddFunc(cfg.Archive.Schedule, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()

		res, err := archiver.RunYesterday(jobCtx)
		if err != nil {
			logger.WithError(err).Error("Daily archive failed")
			return
		}
		logResult(logger, res)
	})
	if err != nil {
		fatal(logger, err, "Failed to schedule daily archive")
	}

	metricsSrv := newMetricsServer(cfg, registry)
	if metricsSrv != nil {
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	c.Start()
	logger.WithField("schedule", cfg.Archive.Schedule).Info("SISIAGO archiver started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("Archiver stopped")
}

func newMetricsServer(cfg *config.Config, registry *prometheus.Registry) *http.Server {
	if !cfg.Observability.MetricsEnabled || cfg.Server.HealthPort == "" {
		return nil
	}
	mux := http.NewServeMux()
	observability.RegisterMetricsEndpoint(mux, registry)
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func logResult(logger *observability.Logger, res *archive.Result) {
	l := logger.WithFields(map[string]interface{}{
		"day":     res.Day,
		"key":     res.Key,
		"records": res.Records,
	})
	if res.Skipped {
		l.Info("Archive already exists, skipped")
		return
	}
	l.Info("Archive uploaded")
}

func fatal(logger *observability.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}
