package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-relay/pkg/relay/config"
)

func newRootCommand(ctx context.Context, stderr io.Writer, deps relayDeps) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "vai-relay",
		Short:         "Real-time voice and text relay to the Gemini Live API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading VAI_RELAY_* settings")
	root.SetErr(stderr)
	root.SetOut(stderr)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the relay websocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(ctx, stderr, deps)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply session summary migrations to VAI_RELAY_DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(ctx, stderr, deps)
		},
	})
	return root
}

// loadEnvFile keeps variables already present in the environment.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat env file %q", path)
	}
	if err := godotenv.Load(path); err != nil {
		return errors.Wrapf(err, "load env file %q", path)
	}
	return nil
}

func newLogger(cfg config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == config.LogFormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "vai-relay").Logger()
}

func runMigrate(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	cfg, err := deps.loadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("VAI_RELAY_DATABASE_URL must be set to run migrations")
	}
	if deps.migrate == nil {
		return errors.New("missing migrate dependency")
	}
	logger := newLogger(cfg, stderr)
	if err := deps.migrate(ctx, cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "migrate")
	}
	logger.Info().Msg("session summary migrations applied")
	return nil
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCommand(ctx, stderr, deps)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stderr, defaultRelayDeps())
	stop()
	os.Exit(code)
}
