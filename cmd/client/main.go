package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tunnelrpc/internal/client"
	"tunnelrpc/internal/config"
	"tunnelrpc/internal/constants"
	"tunnelrpc/internal/logger"
)

func main() {
	p := client.NewPrinter(os.Stdout)
	if err := newRootCommand(p).Execute(); err != nil {
		p.Error(err)
		os.Exit(1)
	}
}

func newRootCommand(p *client.Printer) *cobra.Command {
	var (
		envFile string
		setup   bool
		flags   config.Client
	)

	cmd := &cobra.Command{
		Use:   constants.AppName + " [listen]",
		Short: "Local SOCKS proxy that tunnels through an RPC server",
		Long: "Listens for SOCKS v4, v4a and v5 clients on [listen] (a port, :port or host:port)\n" +
			"and relays every connection through the tunnel server.",
		Example: "  " + constants.AppName + " 1080\n" +
			"  " + constants.AppName + " --server https://tunnel.example.com --transport ws 127.0.0.1:1080\n" +
			"  " + constants.AppName + " --setup",
		Version:       constants.Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(envFile); err != nil {
				return err
			}
			cfg := config.LoadClient()
			overrideClient(cmd, &cfg, flags)
			if len(args) == 1 {
				cfg.ListenAddr = args[0]
			}
			if err := logger.Setup(cfg.LogLevel, cfg.LogJSON); err != nil {
				return err
			}

			if setup {
				var err error
				cfg, err = client.RunConfigWizard(os.Stdin, p, cfg, envFile)
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return client.Start(ctx, cfg, p)
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "environment file loaded before reading settings")
	f.BoolVar(&setup, "setup", false, "run the interactive configuration wizard first")
	f.StringVarP(&flags.ServerURL, "server", "s", "", "tunnel server URL (overrides "+config.EnvServerURL+")")
	f.StringVarP(&flags.Transport, "transport", "t", "", "http, h2c, ws or mux (overrides "+config.EnvTransport+")")
	f.StringVar(&flags.MuxAddr, "mux-addr", "", "raw mux address, dialed instead of /mux (overrides "+config.EnvMuxAddr+")")
	f.BoolVar(&flags.Seal, "seal", true, "encrypt mux streams end to end (overrides "+config.EnvSealMux+")")
	f.StringVarP(&flags.Username, "user", "u", "", "user name (overrides "+config.EnvUsername+")")
	f.StringVarP(&flags.Password, "password", "p", "", "password (overrides "+config.EnvPassword+")")
	f.DurationVar(&flags.CallTimeout, "call-timeout", 0, "timeout for one tunnel call (overrides "+config.EnvCallTimeout+")")
	f.StringVar(&flags.LogLevel, "log-level", "", "log level (overrides "+config.EnvLogLevel+")")
	f.BoolVar(&flags.LogJSON, "log-json", false, "log as JSON (overrides "+config.EnvLogJSON+")")

	cmd.SetVersionTemplate(constants.AppName + " v{{.Version}}\n")
	return cmd
}

// overrideClient copies every flag the user set from flags onto cfg.
func overrideClient(cmd *cobra.Command, cfg *config.Client, flags config.Client) {
	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.ServerURL = flags.ServerURL
	}
	if changed("transport") {
		cfg.Transport = flags.Transport
	}
	if changed("mux-addr") {
		cfg.MuxAddr = flags.MuxAddr
	}
	if changed("seal") {
		cfg.Seal = flags.Seal
	}
	if changed("user") {
		cfg.Username = flags.Username
	}
	if changed("password") {
		cfg.Password = flags.Password
	}
	if changed("call-timeout") {
		cfg.CallTimeout = flags.CallTimeout
	}
	if changed("log-level") {
		cfg.LogLevel = flags.LogLevel
	}
	if changed("log-json") {
		cfg.LogJSON = flags.LogJSON
	}
}
