// Package config loads and persists driftline configuration.
//
// Configuration lives in a YAML file under the data directory
// (~/.driftline by default), with every key overridable through
// DRIFTLINE_* environment variables. A missing file is not an error;
// the device then runs local-only until setup writes one.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the device's sync settings.
type Config struct {
	Remote struct {
		// URL is the libSQL connection string for the shared store.
		URL string

		// AuthToken authenticates against a hosted remote.
		AuthToken string

		// NotifyURL is the optional websocket change feed.
		NotifyURL string
	}

	// Principal is the user identity owning this device's data.
	Principal string

	Sync struct {
		// Interval between scheduled sync cycles.
		Interval time.Duration

		// RetryCeiling bounds push attempts per outbox entry.
		RetryCeiling int

		// OutboxRetention is how long synced outbox entries are kept.
		OutboxRetention time.Duration
	}

	Dashboard struct {
		// Port for the websocket feed server.
		Port int
	}

	Log struct {
		// File receives daemon logs; empty means stderr.
		File string
	}

	dir string
	v   *viper.Viper
}

// DefaultDir returns the default data directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".driftline"), nil
}

// Load reads configuration from dir, falling back to the default data
// directory when dir is empty. Environment variables of the form
// DRIFTLINE_REMOTE_URL override file values.
func Load(dir string) (*Config, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("DRIFTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.retry_ceiling", 5)
	v.SetDefault("sync.outbox_retention", 7*24*time.Hour)
	v.SetDefault("dashboard.port", 8484)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{dir: dir, v: v}
	cfg.Remote.URL = v.GetString("remote.url")
	cfg.Remote.AuthToken = v.GetString("remote.auth_token")
	cfg.Remote.NotifyURL = v.GetString("remote.notify_url")
	cfg.Principal = v.GetString("principal")
	cfg.Sync.Interval = v.GetDuration("sync.interval")
	cfg.Sync.RetryCeiling = v.GetInt("sync.retry_ceiling")
	cfg.Sync.OutboxRetention = v.GetDuration("sync.outbox_retention")
	cfg.Dashboard.Port = v.GetInt("dashboard.port")
	cfg.Log.File = v.GetString("log.file")

	return cfg, nil
}

// Dir returns the data directory this configuration was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// DBPath returns the local database path under the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.dir, "local.db")
}

// Configured reports whether the device can sync: a remote URL and a
// principal are both set.
func (c *Config) Configured() bool {
	return c.Remote.URL != "" && c.Principal != ""
}

// ConnectionString returns the remote URL with the auth token attached.
func (c *Config) ConnectionString() string {
	if c.Remote.AuthToken == "" {
		return c.Remote.URL
	}
	sep := "?"
	if strings.Contains(c.Remote.URL, "?") {
		sep = "&"
	}
	return c.Remote.URL + sep + "authToken=" + c.Remote.AuthToken
}

// Watch invokes onChange whenever the config file is rewritten. Used by
// the daemon to pick up new settings without a restart.
func (c *Config) Watch(onChange func()) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if onChange != nil {
			onChange()
		}
	})
	c.v.WatchConfig()
}

// fileConfig mirrors Config for serialization, with durations as
// strings ("5m0s") so the file stays hand-editable.
type fileConfig struct {
	Remote struct {
		URL       string `yaml:"url"`
		AuthToken string `yaml:"auth_token,omitempty"`
		NotifyURL string `yaml:"notify_url,omitempty"`
	} `yaml:"remote"`
	Principal string `yaml:"principal"`
	Sync      struct {
		Interval        string `yaml:"interval"`
		RetryCeiling    int    `yaml:"retry_ceiling"`
		OutboxRetention string `yaml:"outbox_retention"`
	} `yaml:"sync"`
	Dashboard struct {
		Port int `yaml:"port"`
	} `yaml:"dashboard"`
	Log struct {
		File string `yaml:"file,omitempty"`
	} `yaml:"log,omitempty"`
}

// Save writes the configuration to dir/config.yaml, creating the data
// directory if needed. Written atomically via a temp file.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	var out fileConfig
	out.Remote.URL = c.Remote.URL
	out.Remote.AuthToken = c.Remote.AuthToken
	out.Remote.NotifyURL = c.Remote.NotifyURL
	out.Principal = c.Principal
	out.Sync.Interval = c.Sync.Interval.String()
	out.Sync.RetryCeiling = c.Sync.RetryCeiling
	out.Sync.OutboxRetention = c.Sync.OutboxRetention.String()
	out.Dashboard.Port = c.Dashboard.Port
	out.Log.File = c.Log.File

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(c.dir, "config.yaml")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}
