package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/cmdq/internal/config"
	"github.com/harun/cmdq/internal/logger"
	"github.com/harun/cmdq/internal/observability"
	"github.com/harun/cmdq/internal/tracing"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cmdq",
	Short: "cmdq - serialized command dispatcher",
	Long: `cmdq pushes commands through a FIFO queue that runs exactly one at a
time against a signaling peer. It ships a peer emulator to run against and
an optional SQLite journal of every command.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cmdq/cmdq.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// runtime is the ambient setup shared by every command
type runtime struct {
	cfg *config.Config
	log *logger.Logger
}

// setup loads and validates the config, then installs logging, audit and
// tracing. The returned runtime must be closed.
func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			_ = log.Close()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	observability.RecordConfigAudit(cmd.Context(), "load", cmd.Name(), map[string]interface{}{
		"path": config.NewLoader(cfgFile).GetConfigPath(),
	})

	return &runtime{cfg: cfg, log: log}, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Failed to flush traces")
	}
	_ = observability.GetAuditLogger().Close()
	_ = r.log.Close()
}
