// Package cli implements the aventura command line: an interactive play loop,
// the HTTP server and a few offline story maintenance commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/surfacecoaster/Aventura-custom/internal/app"
	"github.com/surfacecoaster/Aventura-custom/internal/config"
	"github.com/surfacecoaster/Aventura-custom/internal/observe"
)

const defaultConfigPath = "aventura.yaml"

var (
	configPath    string
	logLevelFlag  string
	storageDriver string
	storageDSN    string
)

// logLevel is shared by every logger the CLI creates so a config reload can
// change verbosity in place.
var logLevel = new(slog.LevelVar)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "aventura",
	Short: "Interactive fiction with long-term narrative memory",
	Long: "Aventura narrates a story turn by turn while tracking characters, locations, " +
		"items and story beats, compressing old turns into chapters and retrieving them when relevant.",
	SilenceUsage: true,
}

func init() {
	pf := RootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	pf.StringVar(&logLevelFlag, "log-level", "", "Override server.log_level (debug, info, warn, error)")
	pf.StringVar(&storageDriver, "storage", "", "Override storage.driver (sqlite, postgres, memory)")
	pf.StringVar(&storageDSN, "dsn", "", "Override storage.dsn")
}

// loadConfig reads the config file and applies flag overrides. A missing file
// at the default path falls back to the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = config.Default()
	}

	if logLevelFlag != "" {
		cfg.Server.LogLevel = config.LogLevel(strings.ToLower(logLevelFlag))
	}
	if storageDriver != "" {
		cfg.Storage.Driver = config.StorageDriver(storageDriver)
	}
	if storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns a text logger on w whose level follows [logLevel].
func newLogger(w io.Writer, level config.LogLevel) *slog.Logger {
	logLevel.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// bootstrap loads the config, builds the providers and wires an [app.App].
func bootstrap(ctx context.Context, cmd *cobra.Command, metrics *observe.Metrics) (*app.App, *config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel)
	slog.SetDefault(log)

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, log, metrics)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := app.New(ctx, cfg, providers, app.WithLogger(log), app.WithMetrics(metrics))
	if err != nil {
		return nil, nil, nil, err
	}
	return a, cfg, log, nil
}

// closeApp drains background work with a bounded deadline.
func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
}

func requireArgs(n int, names string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s %s", cmd.CommandPath(), names)
		}
		return nil
	}
}
