// Command polylive runs the live pricing and position engine. It loads
// configuration, validates it, sets up signal handling, and starts the
// application in the configured mode. "polylive seal" encrypts a secrets file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"

	"github.com/alanyoungcy/polylive/internal/app"
	"github.com/alanyoungcy/polylive/internal/config"
	"github.com/alanyoungcy/polylive/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal" {
		if err := seal(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to TOML configuration file (empty for defaults and env only)")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("polylive starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.AppName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"mode": cfg.Mode},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			logger.Warn("profiler start failed", slog.String("error", err.Error()))
		} else {
			defer func() { _ = profiler.Stop() }()
		}
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}

	logger.Info("polylive stopped")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// seal encrypts a plain JSON object of POLYLIVE_* overrides with the password
// in POLYLIVE_SECRETS_PASSWORD.
func seal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	in := fs.String("in", "secrets.json", "plain JSON object of POLYLIVE_* overrides")
	out := fs.String("out", "secrets.sealed.json", "sealed output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("POLYLIVE_SECRETS_PASSWORD")
	if password == "" {
		return errors.New("POLYLIVE_SECRETS_PASSWORD must be set")
	}

	raw, err := os.ReadFile(*in)
	if err != nil {
		return err
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return fmt.Errorf("parse %s: %w", *in, err)
	}

	blob, err := crypto.SealSecrets(secrets, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return err
	}
	fmt.Printf("sealed %d secrets into %s\n", len(secrets), *out)
	return nil
}
