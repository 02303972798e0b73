// Package config provides configuration management for the replicator.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for a replicator node.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Databases   []DatabaseConfig  `mapstructure:"databases"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Resolver    ResolverConfig    `mapstructure:"resolver"`
	Topology    TopologyConfig    `mapstructure:"topology"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes one database hosted by the node.
type DatabaseConfig struct {
	Name               string              `mapstructure:"name"`
	ID                 string              `mapstructure:"id"`
	Destinations       []DestinationConfig `mapstructure:"destinations"`
	ConflictSolverFile string              `mapstructure:"conflict_solver_file"`
}

// DestinationConfig is an outgoing replication target.
type DestinationConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// ReplicationConfig tunes outgoing replication channels.
type ReplicationConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RejectionHistory  int           `mapstructure:"rejection_history"`
}

// ResolverConfig tunes background conflict resolution.
type ResolverConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	ScriptTimeout time.Duration `mapstructure:"script_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TopologyConfig holds topology cache configuration.
type TopologyConfig struct {
	CacheDir        string        `mapstructure:"cache_dir"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	SeedURLs        []string      `mapstructure:"seed_urls"`
	ClusterTag      string        `mapstructure:"cluster_tag"`
}

// GossipConfig holds memberlist configuration.
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.PublicURL != "" {
		if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
			return fmt.Errorf("invalid server.public_url: %w", err)
		}
	}

	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database is required")
	}
	seen := make(map[string]bool)
	for i, db := range c.Databases {
		if db.Name == "" {
			return fmt.Errorf("databases[%d].name is required", i)
		}
		if seen[db.Name] {
			return fmt.Errorf("duplicate database %q", db.Name)
		}
		seen[db.Name] = true
		if db.ID != "" {
			if _, err := uuid.Parse(db.ID); err != nil {
				return fmt.Errorf("databases[%d].id: %w", i, err)
			}
		}
		for j, dest := range db.Destinations {
			if _, err := url.ParseRequestURI(dest.URL); err != nil {
				return fmt.Errorf("databases[%d].destinations[%d].url: %w", i, j, err)
			}
		}
	}

	if c.Replication.BatchSize <= 0 {
		return fmt.Errorf("replication.batch_size must be positive")
	}
	if c.Replication.InitialBackoff <= 0 || c.Replication.MaxBackoff < c.Replication.InitialBackoff {
		return fmt.Errorf("replication backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Resolver.Workers <= 0 {
		return fmt.Errorf("resolver.workers must be positive")
	}
	if c.Resolver.ScriptTimeout <= 0 {
		return fmt.Errorf("resolver.script_timeout must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	if c.Gossip.Enabled && (c.Gossip.BindPort <= 0 || c.Gossip.BindPort > 65535) {
		return fmt.Errorf("invalid gossip bind port: %d", c.Gossip.BindPort)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// AdvertisedURL returns the URL other nodes use to reach this node.
func (c *Config) AdvertisedURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// DatabaseID returns the configured identity of db, or one derived from the node and name.
// Derived ids are stable across restarts.
func (c *Config) DatabaseID(db DatabaseConfig) uuid.UUID {
	if db.ID != "" {
		if id, err := uuid.Parse(db.ID); err == nil {
			return id
		}
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.AdvertisedURL()+"/databases/"+db.Name+"#"+c.Server.NodeID))
}
