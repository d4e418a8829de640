// Package cmd provides the alertfeed command-line interface.
package cmd

import (
	"fmt"
	"time"

	"alertfeed/bootstrap"
	"alertfeed/config"
	"alertfeed/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile string
	logLevel   string
	noColor    bool
)

const defaultTimeout = 5 * time.Minute

// NewRootCmd creates the alertfeed command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "alertfeed",
		Short: "Live alert feed with stable indexing",
		Long: `alertfeed watches an alert store for newly ingested alerts, pushes them to
websocket subscribers and serves a browse/search API whose row numbers stay
stable while new alerts arrive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newStatsCmd())

	return rootCmd
}

// Execute runs the root command and prints any error in red.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		errorColor.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	return nil
}

// cliLogger logs to stderr so that command output on stdout stays clean.
func cliLogger() (*zap.SugaredLogger, error) {
	lvl := zapcore.WarnLevel
	if logLevel != "" {
		parsed, err := zapcore.ParseLevel(logLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		lvl = parsed
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// storeEnv is the config, logger and open store shared by offline commands.
type storeEnv struct {
	cfg   *config.Config
	sugar *zap.SugaredLogger
	store storage.EventStore
}

func openStore() (*storeEnv, error) {
	sugar, err := cliLogger()
	if err != nil {
		return nil, err
	}
	cfg, err := bootstrap.InitConfig(configFile, sugar)
	if err != nil {
		return nil, err
	}
	store, err := bootstrap.InitStore(cfg, sugar)
	if err != nil {
		return nil, err
	}
	return &storeEnv{cfg: cfg, sugar: sugar, store: store}, nil
}

func (e *storeEnv) close() {
	if err := e.store.Close(); err != nil {
		e.sugar.Warnw("Failed to close store", "error", err)
	}
	_ = e.sugar.Sync()
}
