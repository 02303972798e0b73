package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/devrev/pairdb/replicator/internal/model"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from file, .env and environment variables.
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("replicator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/replicator/")
	}

	v.SetEnvPrefix("REPLICATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("replication.batch_size", 256)
	v.SetDefault("replication.poll_interval", "1s")
	v.SetDefault("replication.initial_backoff", "200ms")
	v.SetDefault("replication.max_backoff", "30s")
	v.SetDefault("replication.backoff_multiplier", 2.0)
	v.SetDefault("replication.request_timeout", "10s")
	v.SetDefault("replication.rejection_history", 25)

	v.SetDefault("resolver.workers", 4)
	v.SetDefault("resolver.queue_size", 1024)
	v.SetDefault("resolver.script_timeout", "1s")
	v.SetDefault("resolver.max_retries", 5)
	v.SetDefault("resolver.sweep_interval", "30s")

	v.SetDefault("topology.cache_dir", "./topology-cache")
	v.SetDefault("topology.refresh_interval", "60s")

	v.SetDefault("gossip.enabled", false)
	v.SetDefault("gossip.bind_port", 7946)
	v.SetDefault("gossip.gossip_interval", "200ms")
	v.SetDefault("gossip.probe_interval", "1s")
	v.SetDefault("gossip.probe_timeout", "500ms")

	v.SetDefault("rate_limiter.enabled", false)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// conflictSolverFile is the YAML form of a conflict solver seed file
type conflictSolverFile struct {
	ResolveByCollection map[string]struct {
		Script string `yaml:"script"`
	} `yaml:"resolve_by_collection"`
	DatabaseResolverID string `yaml:"database_resolver_id"`
	ResolveToLatest    bool   `yaml:"resolve_to_latest"`
}

// LoadConflictSolver reads a YAML conflict solver seed file.
func LoadConflictSolver(path string) (*model.ConflictSolverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read conflict solver file: %w", err)
	}

	var file conflictSolverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse conflict solver file: %w", err)
	}

	cfg := &model.ConflictSolverConfig{
		ResolveByCollection: make(map[string]model.ScriptResolver, len(file.ResolveByCollection)),
		ResolveToLatest:     file.ResolveToLatest,
	}
	for collection, resolver := range file.ResolveByCollection {
		if strings.TrimSpace(resolver.Script) == "" {
			return nil, fmt.Errorf("resolve_by_collection.%s.script is empty", collection)
		}
		cfg.ResolveByCollection[collection] = model.ScriptResolver{Script: resolver.Script}
	}
	if file.DatabaseResolverID != "" {
		id, err := uuid.Parse(file.DatabaseResolverID)
		if err != nil {
			return nil, fmt.Errorf("invalid database_resolver_id: %w", err)
		}
		cfg.DatabaseResolverID = &id
	}

	return cfg, nil
}
