package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/downloadhub/internal/config"
	"github.com/italolelis/downloadhub/internal/download"
	"github.com/italolelis/downloadhub/internal/http/rest"
	"github.com/italolelis/downloadhub/internal/logctx"
	"github.com/italolelis/downloadhub/internal/notifier"
	"github.com/italolelis/downloadhub/internal/postprocess"
	"github.com/italolelis/downloadhub/internal/provider"
	"github.com/italolelis/downloadhub/internal/provider/httpdl"
	"github.com/italolelis/downloadhub/internal/provider/putio"
	"github.com/italolelis/downloadhub/internal/provider/torrent"
	"github.com/italolelis/downloadhub/internal/storage/sqlite"
	"github.com/italolelis/downloadhub/internal/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("downloadhub starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Notification
	watchers := notifier.Multi{notifier.NewLogWatcher()}

	var discord *notifier.Watcher
	if cfg.DiscordWebhookURL != "" {
		discord = notifier.NewWatcher(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
		watchers = append(watchers, discord)
	}

	// =========================================================================
	// Start Post-processing
	mover := postprocess.NewMover(cfg.MoveTo, cfg.IncomingDir, cfg.Torrent.DataDir)
	defer mover.Close()

	// =========================================================================
	// Start Providers
	registry := provider.NewRegistry(
		provider.WithWatcher(watchers),
		provider.WithPostProcessor(mover),
		provider.WithTelemetry(tel),
	)

	if err := registerProviders(ctx, registry, cfg, repo, tel); err != nil {
		return err
	}

	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("failed to close providers", "err", err)
		}
	}()

	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start providers: %w", err)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, registry, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	if discord != nil {
		g.Go(func() error {
			discord.Run(gctx)

			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"providers", registry.Names(),
		"incoming_dir", cfg.IncomingDir,
		"move_to", cfg.MoveTo,
	)

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}

// registerProviders registers the configured providers in dispatch order.
func registerProviders(
	ctx context.Context,
	registry *provider.Registry,
	cfg *config.Config,
	repo *sqlite.InstrumentedDownloadRepository,
	tel *telemetry.Telemetry,
) error {
	logger := logctx.LoggerFromContext(ctx)

	for _, name := range cfg.Providers {
		var p provider.Provider

		switch name {
		case httpdl.Name:
			p = httpdl.New(repo, download.Options{
				IncomingDir:           cfg.IncomingDir,
				ConnectTimeout:        cfg.HTTP.ConnectTimeout,
				ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
				MaxRedirects:          cfg.MaxRedirects,
				MaxScratchRestarts:    cfg.MaxScratchRestarts,
				Telemetry:             tel,
			})
		case torrent.Name:
			p = torrent.New(torrent.Config{
				DataDir:      cfg.Torrent.DataDir,
				ListenPort:   cfg.Torrent.ListenPort,
				UploadLimit:  cfg.Torrent.UploadLimit,
				Seed:         cfg.Torrent.Seed,
				DisableDHT:   cfg.Torrent.DisableDHT,
				PollInterval: cfg.Torrent.PollInterval,
				Telemetry:    tel,
			})
		case putio.Name:
			if cfg.Putio.Token == "" {
				logger.Info("put.io provider disabled, no token configured")

				continue
			}

			p = putio.New(putio.Config{
				Token:        cfg.Putio.Token,
				Folder:       cfg.Putio.Folder,
				IncomingDir:  cfg.IncomingDir,
				PollInterval: cfg.Putio.PollInterval,
				Telemetry:    tel,
			})
		default:
			return fmt.Errorf("unknown provider: %s", name)
		}

		if err := registry.Register(name, provider.NewInstrumentedProvider(p, tel, name)); err != nil {
			return fmt.Errorf("failed to register provider: %w", err)
		}
	}

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, registry *provider.Registry, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	downloads := rest.NewDownloadsHandler(registry, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/", downloads.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "downloadhub"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
