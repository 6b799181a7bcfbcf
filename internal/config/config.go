// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncmesh/syncmesh/internal/core"
)

// StorageTarget describes the remote side of a storage-category provider.
type StorageTarget struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	KeyPath   string `yaml:"key_path"`
	LocalDir  string `yaml:"local_dir"`
	RemoteDir string `yaml:"remote_dir"`
}

// Provider is one provider entry. Category selects the built-in adapter;
// the connection fields below it are category-specific.
type Provider struct {
	ID                 string `yaml:"id"`
	Category           string `yaml:"category"`
	IntervalSeconds    int    `yaml:"interval_seconds"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	RetryMax           int    `yaml:"retry_max"`
	BackoffBaseSeconds int    `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int    `yaml:"backoff_max_seconds"`
	Enabled            *bool  `yaml:"enabled"`

	// HTTP-family categories (cloud, cache, queue, search, ml, graphql).
	Endpoint   string `yaml:"endpoint"`
	SyncPath   string `yaml:"sync_path"`
	HealthPath string `yaml:"health_path"`
	TokenEnv   string `yaml:"token_env"`

	// database category.
	SourceDSN string `yaml:"source_dsn"`
	TargetDSN string `yaml:"target_dsn"`
	Table     string `yaml:"table"`

	// storage category.
	Storage StorageTarget `yaml:"storage"`
}

// IsEnabled treats a missing enabled flag as true.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Config is the full configuration file.
type Config struct {
	Server struct {
		Listen        string `yaml:"listen"`
		WebhookSecret string `yaml:"webhook_secret"`
	} `yaml:"server"`
	Orchestrator struct {
		HistoryCapacity        int    `yaml:"history_capacity"`
		HealthIntervalSeconds  int    `yaml:"health_interval_seconds"`
		GracePeriodSeconds     int    `yaml:"grace_period_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
		EventQueueSize         int    `yaml:"event_queue_size"`
		ArchivePath            string `yaml:"archive_path"`
	} `yaml:"orchestrator"`
	Providers []Provider `yaml:"providers"`
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/syncmesh/config.yaml or ~/.config/syncmesh/config.yaml.
// Environment variables SYNCMESH_LISTEN and SYNCMESH_WEBHOOK_SECRET override
// their file counterparts so secrets can stay out of the YAML.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "syncmesh", "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("SYNCMESH_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SYNCMESH_WEBHOOK_SECRET"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Orchestrator.HistoryCapacity == 0 {
		c.Orchestrator.HistoryCapacity = 50
	}
	if c.Orchestrator.HealthIntervalSeconds == 0 {
		c.Orchestrator.HealthIntervalSeconds = 10
	}
	if c.Orchestrator.GracePeriodSeconds == 0 {
		c.Orchestrator.GracePeriodSeconds = 120
	}
	if c.Orchestrator.ShutdownTimeoutSeconds == 0 {
		c.Orchestrator.ShutdownTimeoutSeconds = 30
	}
	if c.Orchestrator.EventQueueSize == 0 {
		c.Orchestrator.EventQueueSize = 64
	}
}

// Validate applies the fail-fast rules that abort startup. Duplicate ids are
// also caught by the supervisor; checking here gives a better error before
// any adapter is built.
func (c Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Category == "" {
			return fmt.Errorf("provider %s: category required", p.ID)
		}
		if !p.IsEnabled() {
			continue
		}
		if p.IntervalSeconds <= 0 {
			return fmt.Errorf("provider %s: interval_seconds must be positive", p.ID)
		}
		if p.RetryMax < 0 {
			return fmt.Errorf("provider %s: retry_max must not be negative", p.ID)
		}
	}
	return nil
}

// Runtime converts the provider entries into the supervisor's immutable
// per-provider configuration.
func (c Config) Runtime() []core.ProviderConfig {
	out := make([]core.ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, core.ProviderConfig{
			ID:          p.ID,
			Category:    p.Category,
			Interval:    time.Duration(p.IntervalSeconds) * time.Second,
			Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
			RetryMax:    p.RetryMax,
			BackoffBase: time.Duration(p.BackoffBaseSeconds) * time.Second,
			BackoffMax:  time.Duration(p.BackoffMaxSeconds) * time.Second,
			Enabled:     p.IsEnabled(),
		})
	}
	return out
}

// Options converts the orchestrator section into supervisor options.
func (c Config) Options() core.Options {
	return core.Options{
		HistoryCapacity: c.Orchestrator.HistoryCapacity,
		HealthInterval:  time.Duration(c.Orchestrator.HealthIntervalSeconds) * time.Second,
		GracePeriod:     time.Duration(c.Orchestrator.GracePeriodSeconds) * time.Second,
		ShutdownTimeout: time.Duration(c.Orchestrator.ShutdownTimeoutSeconds) * time.Second,
		EventQueueSize:  c.Orchestrator.EventQueueSize,
	}
}

// ProviderByID returns the raw entry for one provider, used by adapter
// factories to reach the category-specific connection settings.
func (c Config) ProviderByID(id string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}
