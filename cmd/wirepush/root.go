package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirepush/internal/config"
	"github.com/vovakirdan/wirepush/internal/log"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "wirepush",
		Short:         "Realtime pub/sub client and channel authorization server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path (default ./config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(
		newListenCmd(&flags),
		newHistoryCmd(&flags),
		newAuthServerCmd(&flags),
		newTokenCmd(&flags),
	)
	return root
}

// load resolves configuration and builds the logger.
func (f *globalFlags) load(overrides config.Config) (config.Config, *zerolog.Logger, error) {
	bootstrap := log.New("warn", "console")
	cfg, path, err := config.Load(bootstrap, f.configPath)
	if err != nil {
		return cfg, bootstrap, err
	}
	overrides.LogLevel = f.logLevel
	overrides.LogFormat = f.logFormat
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel, cfg.LogFormat)
	logger.Debug().Str("config", path).Msg("configuration loaded")
	return cfg, logger, nil
}
