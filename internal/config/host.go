package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// HostConfig holds all configuration for a devtunnel host process.
type HostConfig struct {
	Tunnel  TunnelRefSettings `mapstructure:"tunnel"`
	Ports   []PortConfig      `mapstructure:"ports"`
	Logging LoggingSettings   `mapstructure:"logging"`
	Metrics MetricsSettings   `mapstructure:"metrics"`
}

// PortConfig describes one local service the host forwards through the
// tunnel.
type PortConfig struct {
	PortNumber   int    `mapstructure:"port_number"`
	Protocol     string `mapstructure:"protocol"`
	LocalAddress string `mapstructure:"local_address"`
}

// MetricsSettings configures the host's Prometheus exposition endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoadHostConfig loads host configuration.
func LoadHostConfig(configPath string) (*HostConfig, error) {
	v := viper.New()

	v.SetDefault("tunnel.for_browser", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("host")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".devtunnel"))
		}
	}

	v.SetEnvPrefix("DEVTUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *HostConfig) Validate() error {
	if c.Tunnel.TunnelID == "" {
		return fmt.Errorf("tunnel.tunnel_id is required")
	}
	if c.Tunnel.AccessToken == "" {
		return fmt.Errorf("tunnel.access_token is required")
	}

	for i, p := range c.Ports {
		if p.PortNumber < 1 || p.PortNumber > 65535 {
			return fmt.Errorf("ports[%d]: invalid port_number: %d", i, p.PortNumber)
		}
	}

	return nil
}
