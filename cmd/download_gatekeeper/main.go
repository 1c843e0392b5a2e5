package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_gatekeeper/internal/classify"
	"github.com/italolelis/download_gatekeeper/internal/config"
	"github.com/italolelis/download_gatekeeper/internal/delegate"
	"github.com/italolelis/download_gatekeeper/internal/download"
	"github.com/italolelis/download_gatekeeper/internal/gate"
	"github.com/italolelis/download_gatekeeper/internal/http/rest"
	"github.com/italolelis/download_gatekeeper/internal/logctx"
	"github.com/italolelis/download_gatekeeper/internal/policy"
	"github.com/italolelis/download_gatekeeper/internal/report"
	"github.com/italolelis/download_gatekeeper/internal/storage"
	"github.com/italolelis/download_gatekeeper/internal/storage/sqlite"
	"github.com/italolelis/download_gatekeeper/internal/telemetry"
	"github.com/italolelis/download_gatekeeper/internal/warning"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "download_gatekeeper"

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("download gatekeeper starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	journal := sqlite.NewInstrumentedJournalRepository(sqlite.NewJournalRepository(database), tel)

	// =========================================================================
	// Start Pipeline
	restriction, err := policy.ParseRestriction(cfg.DownloadRestriction)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reporter := buildReporter(cfg, journal)
	registry := download.NewRegistry()

	var scanner classify.Service
	if cfg.Scanner.BaseURL != "" {
		scanner = classify.NewScanner(cfg.Scanner.BaseURL, cfg.Scanner.Token, cfg.Scanner.Timeout)
	} else {
		logger.Warn("no scanner configured, downloads resolve through the local fallback")
	}

	policies := policy.StaticSource(restriction)
	coordinator := classify.NewCoordinator(
		registry,
		gate.New(),
		scanner,
		policies,
		reporter,
		tel,
		cfg.ScanTrustedSources,
		cfg.AllowInsecureDownloads,
	)

	scheduler := warning.NewScheduler(ctx, registry, reporter, tel, cfg.WarningLifetime)
	defer scheduler.Stop()

	gatekeeper := delegate.New(
		registry,
		coordinator,
		scheduler,
		reporter,
		tel,
		policies,
		delegate.WithAllowInsecureDownloads(cfg.AllowInsecureDownloads),
	)

	gatekeeper.OnManagerInitialized(ctx)

	logger.Info("admission pipeline ready",
		"download_restriction", restriction.String(),
		"warning_lifetime", cfg.WarningLifetime.String(),
		"scanner_enabled", scanner != nil,
	)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, gatekeeper, registry, journal, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Main Loop
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func buildReporter(cfg *config.Config, journal storage.JournalRepository) report.Reporter {
	reporters := []report.Reporter{report.NewJournalReporter(journal)}

	if cfg.ReportWebhookURL != "" {
		reporters = append(reporters, &report.WebhookReporter{WebhookURL: cfg.ReportWebhookURL})
	}

	return report.NewMulti(reporters...)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	gatekeeper *delegate.Delegate,
	registry *download.Registry,
	journal storage.JournalReadRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewAdminHandler(cfg.Web.Username, cfg.Web.Password, gatekeeper, registry, journal, tel)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.MetricsHandler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "admin_api"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
