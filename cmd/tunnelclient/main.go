package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mephistofox/devtunnel/internal/config"
	"github.com/mephistofox/devtunnel/internal/management"
	"github.com/mephistofox/devtunnel/internal/tunnel"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string
	logFormat  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tunnelclient",
		Short: "devtunnel client - connect to forwarded ports through a relay",
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnelclient %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging(logLevel, logFormat)

	log.Info().Str("version", Version).Msg("starting devtunnel client")

	cfg, err := config.LoadClientConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
		log = setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	}

	descriptor := &tunnel.TunnelDescriptor{
		TunnelID:  cfg.Tunnel.TunnelID,
		ClusterID: cfg.Tunnel.ClusterID,
		AccessTokens: map[tunnel.AccessTokenScope]string{
			tunnel.ScopeConnect: cfg.Tunnel.AccessToken,
		},
	}
	mgmt := management.NewStaticClient(log, descriptor)

	client := tunnel.NewTunnelRelayTunnelClient(log, mgmt, descriptor, tunnel.ClientOptions{
		HostID:     cfg.Tunnel.HostID,
		ForBrowser: cfg.Tunnel.ForBrowser,
	})
	tunnel.InstrumentConnection(&client.Events)

	client.OnConnectionStatusChanged(func(previous, current tunnel.ConnectionStatus, err error) {
		ev := log.Info()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("from", previous.String()).Str("to", current.String()).Msg("connection status changed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to tunnel")
	}

	for _, fwd := range cfg.Forwards {
		l, ferr := client.ListenForwardedPort(ctx, fwd.LocalAddress, fwd.Port, fwd.CanChangePort)
		if ferr != nil {
			log.Error().Err(ferr).Int("port", fwd.Port).Msg("failed to listen for forwarded port")
			continue
		}
		log.Info().Str("addr", l.Addr().String()).Int("port", fwd.Port).Msg("forwarding local listener")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	return client.Close()
}

func setupLogging(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log = zerolog.New(output).With().Timestamp().Logger()
	}
	return log
}
