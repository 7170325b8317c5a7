package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surfacecoaster/Aventura-custom/internal/api"
	"github.com/surfacecoaster/Aventura-custom/internal/config"
	"github.com/surfacecoaster/Aventura-custom/internal/health"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
)

const shutdownTimeout = 15 * time.Second

var listenAddr string

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the story HTTP API",
		Long:  "Serve the story HTTP API with /healthz, /readyz and /metrics. The config file is watched and log_level changes apply without a restart.",
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&listenAddr, "addr", "", "Override server.listen_addr")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aventura"})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Application ───────────────────────────────────────────────────────────
	application, cfg, log, err := bootstrap(ctx, cmd, metrics)
	if err != nil {
		return err
	}
	defer closeApp(application)

	eng, err := application.Engine()
	if err != nil {
		return err
	}

	srv, err := api.New(api.Config{
		Engine:         eng,
		Health:         health.New(application.HealthCheckers()...),
		MetricsHandler: tel.Handler,
		Metrics:        metrics,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watcher, err := config.NewWatcher(configPath, config.WithWatcherLogger(log)); err != nil {
		log.Warn("config watcher disabled", "path", configPath, "err", err)
	} else {
		go func() {
			_ = watcher.Run(ctx, func(diff config.ConfigDiff, _ *config.Config) {
				if diff.LogLevelChanged {
					logLevel.Set(slogLevel(diff.NewLogLevel))
					log.Info("log level changed", "level", diff.NewLogLevel)
				}
				if len(diff.RestartRequired) > 0 {
					log.Warn("config change needs a restart to apply", "sections", diff.RestartRequired)
				}
			})
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	addr := cfg.Server.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", addr, "tls", cfg.Server.TLS != nil)
		if tls := cfg.Server.TLS; tls != nil {
			errCh <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown error", "err", err)
	}
	return nil
}
