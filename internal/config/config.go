// Package config handles configuration loading and validation for replimesh.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/replimesh/replimesh/pkg/proto"
)

// InstanceConfig describes the local instance as peers see it.
type InstanceConfig struct {
	URI        string            `yaml:"uri" toml:"uri"`   // Canonical identity, e.g. https://wiki.example.com
	Name       string            `yaml:"name" toml:"name"` // Display name sent with link requests
	Properties map[string]string `yaml:"properties" toml:"properties"`
}

// TLSConfig holds HTTPS settings for both the endpoint and the transport client.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file" toml:"cert_file"`
	KeyFile            string `yaml:"key_file" toml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// QueueConfig holds queue capacities.
type QueueConfig struct {
	DispatchCapacity    int `yaml:"dispatch_capacity" toml:"dispatch_capacity"`
	DestinationCapacity int `yaml:"destination_capacity" toml:"destination_capacity"`
	ReceiverCapacity    int `yaml:"receiver_capacity" toml:"receiver_capacity"`
}

// BackoffConfig holds the retry delay policy for failed deliveries.
type BackoffConfig struct {
	Base string `yaml:"base" toml:"base"` // Duration string, first retry delay (default: "1m")
	Max  string `yaml:"max" toml:"max"`   // Duration string, delay cap (default: "120m")
}

// ReceiverConfig controls inbound message handling.
type ReceiverConfig struct {
	RedriveAttempts int    `yaml:"redrive_attempts" toml:"redrive_attempts"` // Handler attempts before leaving a message to the operator
	RedriveDelay    string `yaml:"redrive_delay" toml:"redrive_delay"`
	DedupeCache     int    `yaml:"dedupe_cache" toml:"dedupe_cache"` // Recently handled ids remembered
}

// RateLimitConfig bounds inbound message calls.
type RateLimitConfig struct {
	MessagesPerSecond int `yaml:"messages_per_second" toml:"messages_per_second"` // 0 disables the limiter
	Burst             int `yaml:"burst" toml:"burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" toml:"enabled"` // Default: true
	Path    string `yaml:"path" toml:"path"`
}

// ContentTarget is one peer an entity prefix replicates to.
type ContentTarget struct {
	URI   string `yaml:"uri" toml:"uri"`
	Level string `yaml:"level" toml:"level"` // "full" or "reference"
}

// ContentRoute maps entities under Prefix to their replication targets.
type ContentRoute struct {
	Prefix  string          `yaml:"prefix" toml:"prefix"`
	Owner   string          `yaml:"owner" toml:"owner"` // Owning instance URI, defaults to the local instance
	Targets []ContentTarget `yaml:"targets" toml:"targets"`
}

// ContentConfig configures the reference content store.
type ContentConfig struct {
	Dir    string         `yaml:"dir" toml:"dir"` // Defaults to <data_dir>/content
	Routes []ContentRoute `yaml:"routes" toml:"routes"`
}

// Config is the complete instance configuration.
type Config struct {
	Instance        InstanceConfig  `yaml:"instance" toml:"instance"`
	Listen          string          `yaml:"listen" toml:"listen"`
	EndpointRoot    string          `yaml:"endpoint_root" toml:"endpoint_root"`
	DataDir         string          `yaml:"data_dir" toml:"data_dir"` // Default: /var/lib/replimesh
	LogLevel        string          `yaml:"log_level" toml:"log_level"`
	HTTPTimeout     string          `yaml:"http_timeout" toml:"http_timeout"`
	ShutdownTimeout string          `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	TLS             TLSConfig       `yaml:"tls" toml:"tls"`
	Queues          QueueConfig     `yaml:"queues" toml:"queues"`
	Backoff         BackoffConfig   `yaml:"backoff" toml:"backoff"`
	Receiver        ReceiverConfig  `yaml:"receiver" toml:"receiver"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Metrics         MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Content         ContentConfig   `yaml:"content" toml:"content"`
}

// Load reads a configuration file. Files ending in .toml are parsed as TOML,
// anything else as YAML. Defaults are applied but the result is not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8443"
	}
	if c.EndpointRoot == "" {
		c.EndpointRoot = proto.DefaultEndpointRoot
	}
	c.EndpointRoot = "/" + strings.Trim(c.EndpointRoot, "/")
	if c.DataDir == "" {
		c.DataDir = "/var/lib/replimesh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTPTimeout == "" {
		c.HTTPTimeout = "30s"
	}
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "60s"
	}
	c.Instance.URI = NormalizeURI(c.Instance.URI)
	if c.Instance.Name == "" {
		c.Instance.Name = c.Instance.URI
	}
	if c.Queues.DispatchCapacity == 0 {
		c.Queues.DispatchCapacity = 1000
	}
	if c.Queues.DestinationCapacity == 0 {
		c.Queues.DestinationCapacity = 10000
	}
	if c.Queues.ReceiverCapacity == 0 {
		c.Queues.ReceiverCapacity = 10000
	}
	if c.Backoff.Base == "" {
		c.Backoff.Base = "1m"
	}
	if c.Backoff.Max == "" {
		c.Backoff.Max = "120m"
	}
	if c.Receiver.RedriveAttempts == 0 {
		c.Receiver.RedriveAttempts = 3
	}
	if c.Receiver.RedriveDelay == "" {
		c.Receiver.RedriveDelay = "30s"
	}
	if c.Receiver.DedupeCache == 0 {
		c.Receiver.DedupeCache = 4096
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 100
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 50
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Content.Dir == "" {
		c.Content.Dir = filepath.Join(c.DataDir, "content")
	}
	c.Content.Dir = expandHome(c.Content.Dir)
	for i := range c.Content.Routes {
		if c.Content.Routes[i].Owner == "" {
			c.Content.Routes[i].Owner = c.Instance.URI
		}
		for j := range c.Content.Routes[i].Targets {
			t := &c.Content.Routes[i].Targets[j]
			t.URI = NormalizeURI(t.URI)
			if t.Level == "" {
				t.Level = "full"
			}
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Instance.URI == "" {
		return fmt.Errorf("instance.uri is required")
	}
	u, err := url.Parse(c.Instance.URI)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("instance.uri must be an absolute http(s) URL")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	durations := map[string]string{
		"http_timeout":           c.HTTPTimeout,
		"shutdown_timeout":       c.ShutdownTimeout,
		"backoff.base":           c.Backoff.Base,
		"backoff.max":            c.Backoff.Max,
		"receiver.redrive_delay": c.Receiver.RedriveDelay,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.BackoffMax() < c.BackoffBase() {
		return fmt.Errorf("backoff.max must not be lower than backoff.base")
	}
	if c.Queues.DispatchCapacity < 0 || c.Queues.DestinationCapacity < 0 || c.Queues.ReceiverCapacity < 0 {
		return fmt.Errorf("queue capacities must be positive")
	}
	for _, route := range c.Content.Routes {
		if route.Prefix == "" {
			return fmt.Errorf("content route prefix is required")
		}
		for _, t := range route.Targets {
			if t.URI == "" {
				return fmt.Errorf("content route %q: target uri is required", route.Prefix)
			}
			if t.Level != "full" && t.Level != "reference" {
				return fmt.Errorf("content route %q: invalid level %q", route.Prefix, t.Level)
			}
		}
	}
	return nil
}

// ReplicationDir is the root of the stores, key files and database.
func (c *Config) ReplicationDir() string {
	return filepath.Join(c.DataDir, "replication")
}

// DatabasePath is the SQLite file holding the registry and the message log.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ReplicationDir(), "replication.db")
}

// BackoffBase returns the first retry delay.
func (c *Config) BackoffBase() time.Duration { return mustDuration(c.Backoff.Base, time.Minute) }

// BackoffMax returns the retry delay cap.
func (c *Config) BackoffMax() time.Duration { return mustDuration(c.Backoff.Max, 120*time.Minute) }

// HTTPTimeoutDuration returns the transport client timeout.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return mustDuration(c.HTTPTimeout, 30*time.Second)
}

// ShutdownTimeoutDuration returns how long the dispatch queue may drain on stop.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return mustDuration(c.ShutdownTimeout, 60*time.Second)
}

// RedriveDelayDuration returns the delay before a failed inbound message is retried.
func (c *Config) RedriveDelayDuration() time.Duration {
	return mustDuration(c.Receiver.RedriveDelay, 30*time.Second)
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// NormalizeURI is proto.NormalizeURI, kept here for config consumers.
func NormalizeURI(uri string) string {
	return proto.NormalizeURI(uri)
}

// ApplyLogLevel sets the global zerolog level. It returns false for empty or unknown
// levels, leaving the current level untouched.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
