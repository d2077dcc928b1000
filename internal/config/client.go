package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig holds all configuration for a devtunnel client process.
type ClientConfig struct {
	Tunnel    TunnelRefSettings `mapstructure:"tunnel"`
	Forwards  []ForwardConfig   `mapstructure:"forwards"`
	Reconnect ReconnectSettings `mapstructure:"reconnect"`
	Logging   LoggingSettings   `mapstructure:"logging"`
}

// TunnelRefSettings identifies which tunnel and host this client connects
// to and carries the initial access token used to fetch the rest of the
// tunnel descriptor from the management service.
type TunnelRefSettings struct {
	TunnelID    string `mapstructure:"tunnel_id"`
	ClusterID   string `mapstructure:"cluster_id"`
	HostID      string `mapstructure:"host_id"`
	AccessToken string `mapstructure:"access_token"`
	ForBrowser  bool   `mapstructure:"for_browser"`
}

// ForwardConfig configures one local listener bound to a forwarded port.
type ForwardConfig struct {
	Port          int    `mapstructure:"port"`
	LocalAddress  string `mapstructure:"local_address"`
	CanChangePort bool   `mapstructure:"can_change_port"`
}

// ReconnectSettings contains reconnection pacing.
type ReconnectSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	MinInterval  time.Duration `mapstructure:"min_interval"`
}

// LoggingSettings contains zerolog configuration.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadClientConfig loads client configuration the way the broader example
// pack loads theirs: viper with layered defaults, an explicit config file
// or standard search paths, and a DEVTUNNEL_-prefixed environment
// override.
func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("tunnel.for_browser", false)
	v.SetDefault("reconnect.enabled", true)
	v.SetDefault("reconnect.min_interval", "2s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("client")
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

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *ClientConfig) Validate() error {
	if c.Tunnel.TunnelID == "" {
		return fmt.Errorf("tunnel.tunnel_id is required")
	}
	if c.Tunnel.AccessToken == "" {
		return fmt.Errorf("tunnel.access_token is required")
	}

	for i, f := range c.Forwards {
		if f.Port < 1 || f.Port > 65535 {
			return fmt.Errorf("forwards[%d]: invalid port: %d", i, f.Port)
		}
	}

	return nil
}
