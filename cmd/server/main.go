package main

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tunnelrpc/internal/config"
	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
	"tunnelrpc/internal/server"
	"tunnelrpc/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", constants.ColorRed, err, constants.ColorReset)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var envFile string
	cfg := config.Server{}

	cmd := &cobra.Command{
		Use:           constants.AppName + "-server",
		Short:         "RPC tunnel server for SOCKS clients",
		Version:       constants.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(envFile); err != nil {
				return err
			}
			loaded := config.LoadServer()
			overrideServer(cmd, &loaded, cfg)
			cfg = loaded
			return logger.Setup(cfg.LogLevel, cfg.LogJSON)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := config.LoadUsers(cfg.UsersFile)
			if err != nil {
				logger.Log.WithError(err).Error("cannot start without users")
				return err
			}
			logger.Log.WithFields(logrus.Fields{
				"listen": cfg.ListenAddr,
				"mux":    cfg.MuxListenAddr,
				"users":  len(accounts),
				"tls":    cfg.EnableTLS,
			}).Infof("%s v%s starting", constants.AppName, constants.Version)

			s, err := server.NewServer(cmd.Context(), cfg, accounts)
			if err != nil {
				logger.Log.WithError(err).Error("failed to initialize server")
				return err
			}
			if err := s.Run(); err != nil {
				logger.Log.WithError(err).Error("server stopped")
				return err
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&envFile, "env-file", ".env", "environment file loaded before reading settings")
	f.StringVar(&cfg.ListenAddr, "listen", "", "HTTP listen address (overrides "+config.EnvListenAddr+")")
	f.StringVar(&cfg.MuxListenAddr, "mux-listen", "", "raw mux listen address, empty disables (overrides "+config.EnvMuxListenAddr+")")
	f.StringVar(&cfg.UsersFile, "users", "", "YAML users file (overrides "+config.EnvUsersFile+")")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "idle time before a session is reaped (overrides "+config.EnvIdleTimeout+")")
	f.StringVar(&cfg.LogLevel, "log-level", "", "log level (overrides "+config.EnvLogLevel+")")
	f.BoolVar(&cfg.LogJSON, "log-json", false, "log as JSON (overrides "+config.EnvLogJSON+")")

	cmd.AddCommand(newHashCommand(), newUsersCommand(&cfg))
	return cmd
}

// overrideServer copies every flag the user set from flags onto cfg.
func overrideServer(cmd *cobra.Command, cfg *config.Server, flags config.Server) {
	changed := cmd.Flags().Changed
	if changed("listen") {
		cfg.ListenAddr = flags.ListenAddr
	}
	if changed("mux-listen") {
		cfg.MuxListenAddr = flags.MuxListenAddr
	}
	if changed("users") {
		cfg.UsersFile = flags.UsersFile
	}
	if changed("idle-timeout") {
		cfg.IdleTimeout = flags.IdleTimeout
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-json") {
		cfg.LogJSON = flags.LogJSON
	}
}

func newHashCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for the users file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := session.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}

func newUsersCommand(cfg *config.Server) *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage the users file",
	}

	var disabled bool
	add := &cobra.Command{
		Use:   "add <name> <password>",
		Short: "Add or replace a user, storing a bcrypt hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := config.LoadUsers(cfg.UsersFile)
			if errors.Is(err, fs.ErrNotExist) {
				accounts, err = session.Accounts{}, nil
			}
			if err != nil {
				return err
			}
			h, err := session.HashPassword(args[1])
			if err != nil {
				return err
			}
			accounts[args[0]] = session.Account{Enabled: !disabled, Password: h}
			if err := config.WriteUsers(cfg.UsersFile, accounts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s to %s\n", args[0], cfg.UsersFile)
			return nil
		},
	}
	add.Flags().BoolVar(&disabled, "disabled", false, "add the user with access denied")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := config.LoadUsers(cfg.UsersFile)
			if err != nil {
				return err
			}
			for _, name := range slices.Sorted(maps.Keys(accounts)) {
				acc := accounts[name]
				state := "enabled"
				if !acc.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, state)
			}
			return nil
		},
	}

	users.AddCommand(add, list)
	return users
}
