package commands

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cimillas/ultimate-ticket/services/tickets/internal/config"
	"github.com/cimillas/ultimate-ticket/services/tickets/internal/observability"
)

// version is set at build time with -ldflags "-X .../commands.version=...".
var version = "dev"

var (
	cfg      config.Config
	logger   *zap.Logger
	logLevel string
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tickets",
		Short:         "Ticket listing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			bootstrap := zap.NewExample()
			path, err := config.LoadDotEnv()
			switch {
			case err != nil:
				bootstrap.Warn("failed to load .env", zap.Error(err))
			case path == "":
				bootstrap.Debug(".env not found in current or parent directories")
			default:
				bootstrap.Info("loaded env file", zap.String("path", path))
			}

			loaded, err := config.Load(os.Getenv, bootstrap)
			if err != nil {
				bootstrap.Error("invalid configuration", zap.Error(err))
				return err
			}
			if logLevel != "" {
				loaded.LogLevel = logLevel
			}
			cfg = loaded

			logger, err = observability.NewLogger(cfg.LogLevel)
			if err != nil {
				bootstrap.Error("logger setup failed", zap.Error(err))
				return err
			}
			logger = logger.With(zap.String("service", cfg.ServiceName))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(serveCmd(), migrateCmd(), redeliverCmd())
	if err := root.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.String("command", root.Name()), zap.Error(err))
		}
		return err
	}
	return nil
}
