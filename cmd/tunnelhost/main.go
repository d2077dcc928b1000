package main

import (
	"context"
	"fmt"
	"net/http"
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
		Use:   "tunnelhost",
		Short: "devtunnel host - advertise local ports through a relay",
		RunE:  run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tunnelhost %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging(logLevel, logFormat)

	log.Info().Str("version", Version).Msg("starting devtunnel host")

	cfg, err := config.LoadHostConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
		log = setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	}

	ports := make([]tunnel.TunnelPort, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		ports = append(ports, tunnel.TunnelPort{PortNumber: p.PortNumber, Protocol: p.Protocol})
	}

	descriptor := &tunnel.TunnelDescriptor{
		TunnelID:  cfg.Tunnel.TunnelID,
		ClusterID: cfg.Tunnel.ClusterID,
		Ports:     ports,
		AccessTokens: map[tunnel.AccessTokenScope]string{
			tunnel.ScopeHost: cfg.Tunnel.AccessToken,
		},
	}
	mgmt := management.NewStaticClient(log, descriptor)

	localAddress := "127.0.0.1"
	if len(cfg.Ports) > 0 && cfg.Ports[0].LocalAddress != "" {
		localAddress = cfg.Ports[0].LocalAddress
	}

	host, err := tunnel.NewTunnelRelayTunnelHost(log, mgmt, descriptor, tunnel.HostOptions{
		HostID:       cfg.Tunnel.HostID,
		LocalAddress: localAddress,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate host key pair")
	}
	tunnel.InstrumentConnection(&host.Events)

	host.OnConnectionStatusChanged(func(previous, current tunnel.ConnectionStatus, cerr error) {
		ev := log.Info()
		if cerr != nil {
			ev = log.Warn().Err(cerr)
		}
		ev.Str("from", previous.String()).Str("to", current.String()).Msg("connection status changed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", tunnel.MetricsHandler())
			if serr := http.ListenAndServe(cfg.Metrics.Address, mux); serr != nil {
				log.Error().Err(serr).Msg("metrics server stopped")
			}
		}()
	}

	if err := host.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start host")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	return host.Close(closeCtx)
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
