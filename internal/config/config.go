// Package config loads the daemon's configuration file with viper,
// decoding it through mapstructure into a fixed record that rejects
// unknown keys rather than silently accepting them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/provisr/internal/logger"
	"github.com/loykin/provisr/internal/supervisor"
)

// Config is the daemon's top-level configuration document.
type Config struct {
	Home      string            `mapstructure:"home"`
	UseOSEnv  bool              `mapstructure:"use_os_env"`
	Env       []string          `mapstructure:"env"`
	Processes []supervisor.Config `mapstructure:"processes"`
	Groups    []GroupConfig     `mapstructure:"groups"`
	Store     *StoreConfig      `mapstructure:"store"`
	History   *HistoryConfig    `mapstructure:"history"`
	Metrics   *MetricsConfig    `mapstructure:"metrics"`
	Log       *logger.Config    `mapstructure:"log"`
	Server    *ServerConfig     `mapstructure:"server"`
}

type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Members []string `mapstructure:"members"`
}

// StoreConfig configures an optional history/audit sink backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres, clickhouse
	DSN    string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Store   string `mapstructure:"store"` // references StoreConfig.Driver
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`

	// PerProcess enables the periodic gopsutil-backed CPU/RSS/FD gauges
	// per running replica, independent of the lifecycle-event gauges the
	// bus forwarder always produces when Enabled is set.
	PerProcess ProcessMetricsConfig `mapstructure:"per_process"`
}

type ProcessMetricsConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxHistory  int           `mapstructure:"max_history"`
	HistorySize int           `mapstructure:"history_size"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`      // optional HTTP control surface, 127.0.0.1 only
	AuthSecret string `mapstructure:"auth_secret"` // single shared-secret basic challenge
}

// Load reads path (any format viper supports: yaml, json, toml) and decodes
// it into a Config, rejecting unrecognized top-level or nested keys.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for i := range cfg.Processes {
		if err := validateProcessConfig(cfg.Processes[i]); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func validateProcessConfig(c supervisor.Config) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config: process entry missing name")
	}
	if strings.TrimSpace(c.Script) == "" {
		return fmt.Errorf("config: process %q missing script", c.Name)
	}
	return nil
}

// GroupMembers resolves named groups to their member ManagedProcess names.
func (c *Config) GroupMembers(name string) ([]string, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g.Members, true
		}
	}
	return nil, false
}
