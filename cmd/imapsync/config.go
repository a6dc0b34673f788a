package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the command configuration.
type Config struct {
	// Server is the "host:port" of the IMAP server.
	Server string `mapstructure:"server"`
	// TLS enables implicit TLS.
	TLS      bool   `mapstructure:"tls"`
	Username string `mapstructure:"username"`
	// Password is looked up in the system keyring when empty.
	Password string `mapstructure:"password"`

	// Cache is the path of the SQLite cache.
	Cache      string        `mapstructure:"cache"`
	NoopPeriod time.Duration `mapstructure:"noop_period"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Offline    bool          `mapstructure:"offline"`

	// MetricsListen is the address of the Prometheus endpoint. Disabled if
	// empty.
	MetricsListen string `mapstructure:"metrics_listen"`
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "imapsync")
}

func defaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "imapsync.db"
	}
	return filepath.Join(dir, "imapsync", "cache.db")
}

// loadConfig reads the YAML configuration at path. A missing file is not an
// error. Every key can be overridden with an IMAPSYNC_ environment variable.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("imapsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", "")
	v.SetDefault("tls", true)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("cache", defaultCachePath())
	v.SetDefault("noop_period", 2*time.Minute)
	v.SetDefault("timeout", 30*time.Second)
	v.SetDefault("offline", false)
	v.SetDefault("metrics_listen", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.Offline {
		return nil
	}
	if cfg.Server == "" {
		return fmt.Errorf("no server configured")
	}
	if cfg.Username == "" {
		return fmt.Errorf("no username configured")
	}
	return nil
}
