package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirepush/internal/app"
	"github.com/vovakirdan/wirepush/internal/auth"
	"github.com/vovakirdan/wirepush/internal/config"
)

func newListenCmd(flags *globalFlags) *cobra.Command {
	var (
		overrides config.Config
		useTLS    bool
	)

	cmd := &cobra.Command{
		Use:   "listen [channel...]",
		Short: "Connect, subscribe to channels and print their events",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides.Channels = args
			cfg, logger, err := flags.load(overrides)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("tls") {
				cfg.UseTLS = useTLS
			}
			if len(cfg.Channels) == 0 {
				return fmt.Errorf("no channels to subscribe to")
			}

			listener, err := app.NewListener(&cfg, cmd.OutOrStdout(), logger)
			if err != nil {
				return err
			}
			logger.Info().Strs("channels", cfg.Channels).Msg("starting listener")
			return listener.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&overrides.Key, "key", "", "app key")
	cmd.Flags().StringVar(&overrides.Cluster, "cluster", "", "cluster name")
	cmd.Flags().StringVar(&overrides.Host, "host", "", "server host, overrides cluster")
	cmd.Flags().IntVar(&overrides.Port, "port", 0, "server port")
	cmd.Flags().StringVar(&overrides.Path, "path", "", "path prefix in front of /app/{key}")
	cmd.Flags().BoolVar(&useTLS, "tls", true, "dial wss instead of ws")
	cmd.Flags().StringVar(&overrides.AuthEndpoint, "auth-endpoint", "", "channel authorization endpoint")
	cmd.Flags().StringVar(&overrides.AuthToken, "auth-token", "", "bearer token sent to the auth endpoint")
	cmd.Flags().StringVar(&overrides.JournalPath, "journal", "", "SQLite journal path")
	return cmd
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		journalPath string
		opts        app.HistoryOptions
		since       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print journaled events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(config.Config{JournalPath: journalPath})
			if err != nil {
				return err
			}
			if since > 0 {
				opts.Filter.Since = time.Now().Add(-since)
			}
			return app.History(cmd.Context(), cfg.JournalPath, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&journalPath, "journal", "", "SQLite journal path")
	cmd.Flags().StringVar(&opts.Filter.Channel, "channel", "", "only events of this channel")
	cmd.Flags().StringVar(&opts.Filter.Event, "event", "", "only events with this name")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&opts.Filter.Limit, "limit", 100, "maximum number of records")
	cmd.Flags().BoolVar(&opts.States, "states", false, "print connection state changes instead")
	return cmd
}

func newAuthServerCmd(flags *globalFlags) *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "auth-server",
		Short: "Run the channel authorization endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(overrides)
			if err != nil {
				return err
			}
			srv, err := app.NewAuthServer(&cfg, logger)
			if err != nil {
				return err
			}
			if err := srv.Run(cmd.Context()); err != nil {
				return fmt.Errorf("auth server exited with error: %w", err)
			}
			logger.Info().Msg("auth server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&overrides.AuthServer.Addr, "addr", "", "HTTP listen address")
	return cmd
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token accepted by the auth server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(config.Config{})
			if err != nil {
				return err
			}
			if cfg.AuthServer.JWTSecret == "" {
				return fmt.Errorf("auth_server.jwt_secret is not configured")
			}
			jwtCfg := app.JWTConfig(&cfg)
			if ttl > 0 {
				jwtCfg.TTL = ttl
			}
			token, err := auth.GenerateToken(jwtCfg, userID, name, nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
