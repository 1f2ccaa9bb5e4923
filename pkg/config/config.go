// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/admission"
	"github.com/illmade-knight/go-socialgraph/pkg/cache"
	"github.com/illmade-knight/go-socialgraph/pkg/microservice"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SOCIALGRAPH_"

// Substrate backends and broadcasters.
const (
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BroadcastRedis  = "redis"
	BroadcastPubsub = "pubsub"
)

// CacheConfig configures the profile caches.
type CacheConfig struct {
	Profile  cache.SWRConfig         `yaml:"profile"`
	Shared   cache.SharedCacheConfig `yaml:"shared"`
	Fallback cache.FallbackConfig    `yaml:"fallback"`
}

// SubstrateConfig selects and configures the shared substrate.
type SubstrateConfig struct {
	// Backend is the key/value and set store: "redis" or "memory".
	Backend string `yaml:"backend"`
	// Broadcast is the publish/subscribe transport: "redis" or "pubsub".
	Broadcast string                       `yaml:"broadcast"`
	Redis     substrate.RedisConfig        `yaml:"redis"`
	Pubsub    substrate.GooglePubsubConfig `yaml:"pubsub"`
}

// FirestoreConfig names the Firestore collections.
type FirestoreConfig struct {
	ProfilesCollection string `yaml:"profiles_collection"`
	ActionsCollection  string `yaml:"actions_collection"`
}

// Config is the full service configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Cache     CacheConfig      `yaml:"cache"`
	Admission admission.Config `yaml:"admission"`
	Substrate SubstrateConfig  `yaml:"substrate"`
	Registry  registry.Config  `yaml:"registry"`
	Firestore FirestoreConfig  `yaml:"firestore"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			ServiceName: "socialgraph",
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPPort:    ":8080",
			GRPCPort:    ":9090",
		},
		Cache: CacheConfig{
			Profile: cache.SWRConfig{
				FreshDuration:          time.Minute,
				StaleDuration:          6 * time.Minute,
				MaxEntries:             10000,
				MaxBackgroundRefreshes: 64,
			},
			Shared:   cache.SharedCacheConfig{Prefix: "profile:", TTL: 10 * time.Minute},
			Fallback: cache.FallbackConfig{CacheWriteTimeout: 5 * time.Second},
		},
		Admission: admission.Config{MaxConnections: 1000},
		Substrate: SubstrateConfig{
			Backend:   BackendRedis,
			Broadcast: BroadcastRedis,
			Redis:     substrate.RedisConfig{Addr: "localhost:6379"},
		},
		Registry: registry.Config{
			Channel:                "socialgraph:events",
			PresenceKey:            "socialgraph:presence",
			DuplicateSessionPolicy: registry.PolicyFanout,
		},
		Firestore: FirestoreConfig{
			ProfilesCollection: "profiles",
			ActionsCollection:  "friendship_actions",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LOG_LEVEL":         &c.LogLevel,
		"LOG_FORMAT":        &c.LogFormat,
		"HTTP_PORT":         &c.HTTPPort,
		"GRPC_PORT":         &c.GRPCPort,
		"PROJECT_ID":        &c.ProjectID,
		"CREDENTIALS_FILE":  &c.CredentialsFile,
		"INSTANCE_ID":       &c.Registry.InstanceID,
		"SUBSTRATE_BACKEND": &c.Substrate.Backend,
		"BROADCAST":         &c.Substrate.Broadcast,
		"REDIS_ADDR":        &c.Substrate.Redis.Addr,
		"REDIS_PASSWORD":    &c.Substrate.Redis.Password,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_CONNECTIONS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_CONNECTIONS %q: %w", EnvPrefix, v, err)
		}
		c.Admission.MaxConnections = n
	}
	durations := map[string]*time.Duration{
		"CACHE_FRESH_DURATION": &c.Cache.Profile.FreshDuration,
		"CACHE_STALE_DURATION": &c.Cache.Profile.StaleDuration,
		"ACQUIRE_TIMEOUT":      &c.Admission.AcquireTimeout,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks the values the core components depend on.
func (c *Config) Validate() error {
	var errs []error
	p := c.Cache.Profile
	if p.FreshDuration <= 0 {
		errs = append(errs, fmt.Errorf("cache.profile.fresh_duration must be greater than 0, got %v", p.FreshDuration))
	}
	if p.StaleDuration != 0 && p.StaleDuration < p.FreshDuration {
		errs = append(errs, fmt.Errorf("cache.profile.stale_duration (%v) must not be shorter than fresh_duration (%v)", p.StaleDuration, p.FreshDuration))
	}
	if p.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache.profile.max_entries must be greater than 0, got %d", p.MaxEntries))
	}
	if c.Admission.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("admission.max_connections must be greater than 0, got %d", c.Admission.MaxConnections))
	}
	switch c.Substrate.Backend {
	case BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown substrate.backend %q", c.Substrate.Backend))
	}
	switch c.Substrate.Broadcast {
	case BroadcastRedis:
		if c.Substrate.Backend != BackendRedis {
			errs = append(errs, errors.New("substrate.broadcast redis requires substrate.backend redis"))
		}
	case BroadcastPubsub:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the pubsub broadcaster"))
		}
	case "":
	default:
		errs = append(errs, fmt.Errorf("unknown substrate.broadcast %q", c.Substrate.Broadcast))
	}
	switch c.Registry.DuplicateSessionPolicy {
	case "", registry.PolicyFanout, registry.PolicyEvict:
	default:
		errs = append(errs, fmt.Errorf("unknown registry.duplicate_session_policy %q", c.Registry.DuplicateSessionPolicy))
	}
	return errors.Join(errs...)
}
