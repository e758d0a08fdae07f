package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/transaction-ingest/internal/config"
	"github.com/dvloznov/transaction-ingest/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const envPrefix = "TXINGEST"

var Version = "dev"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "ingestor",
		Short:         "Poll CSV transaction files, publish events and quarantine bad rows",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(envPrefix+"_CONFIG"),
		"YAML config file (environment variables "+envPrefix+"_* override it)")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(onceCmd(opts))
	rootCmd.AddCommand(ingestFileCmd(opts))
	rootCmd.AddCommand(consumeCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))

	return rootCmd
}

// provider layers the config file, when given, under the environment.
func (o *options) provider() config.Provider {
	chain := config.ChainProvider{}
	if o.configPath != "" {
		chain = append(chain, config.FileProvider{Path: o.configPath})
	}
	return append(chain, config.EnvProvider{Prefix: envPrefix})
}

// setup loads config and builds the logger and a signal-aware context.
func (o *options) setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *app, error) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	provider := o.provider()
	cfg, err := config.Load(ctx, provider)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log := logger.NewForService(cfg.Log.Level, cfg.Log.Console)
	ctx = logger.WithContext(ctx, log)
	logStartup(log, cmd.Name(), cfg)

	return ctx, cancel, newApp(cfg, provider, log), nil
}

func logStartup(log zerolog.Logger, command string, cfg *config.Config) {
	log.Info().
		Str("command", command).
		Str("version", Version).
		Str("source", cfg.Source.Kind).
		Str("ledger", cfg.Ledger.Kind).
		Str("queue", cfg.Queue.Kind).
		Str("quarantine", cfg.Quarantine.Kind).
		Msg("Starting ingestor")
}
