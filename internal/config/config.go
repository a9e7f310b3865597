package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for the configuration.
const DefaultPath = "demandhub.yml"

// Environment overrides, applied after the file is parsed.
const (
	EnvInstanceName = "DEMANDHUB_INSTANCE_NAME"
	EnvRedisURL     = "REDIS_URL"
)

// Defaults applied by Validate.
const (
	DefaultFreshFor      = 5 * time.Second
	DefaultIdleTimeout   = 2 * time.Second
	DefaultSweepInterval = 5 * time.Second
	DefaultPresenceLease = 30 * time.Second
	DefaultLocalStore    = ".demandhub/local.db"
	DefaultRedisImage    = "redis:7-alpine"
)

// DemandhubConfig represents the top-level demandhub.yml configuration
type DemandhubConfig struct {
	Version    string            `yaml:"version"`
	Instance   string            `yaml:"instance,omitempty"`  // Instance to connect to; discovered when empty
	RedisURL   string            `yaml:"redis_url,omitempty"` // Overrides instance discovery
	User       UserConfig        `yaml:"user"`
	Team       string            `yaml:"team"` // Team whose timers this user drives
	Cache      *CacheConfig      `yaml:"cache,omitempty"`
	Typing     *TypingConfig     `yaml:"typing,omitempty"`
	Presence   *PresenceConfig   `yaml:"presence,omitempty"`
	LocalStore *LocalStoreConfig `yaml:"local_store,omitempty"`
	Services   *ServicesConfig   `yaml:"services,omitempty"`
}

// UserConfig identifies the local user on presence and typing channels
type UserConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name,omitempty"`
	AvatarRef   string `yaml:"avatar_ref,omitempty"`
}

// CacheConfig tunes the read cache
type CacheConfig struct {
	FreshFor *time.Duration `yaml:"fresh_for,omitempty"` // 0 revalidates on every read
}

// TypingConfig tunes typing indicators
type TypingConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout,omitempty"`
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// PresenceConfig tunes presence tracking
type PresenceConfig struct {
	Lease     time.Duration `yaml:"lease,omitempty"`     // How long a silent session stays listed
	Heartbeat time.Duration `yaml:"heartbeat,omitempty"` // Default: lease / 3
}

// LocalStoreConfig locates the local drafts/preferences database
type LocalStoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// ServicesConfig specifies service-level overrides for the dev stack
type ServicesConfig struct {
	Redis *ServiceOverride `yaml:"redis,omitempty"`
}

// ServiceOverride allows overriding default service images
type ServiceOverride struct {
	Image string `yaml:"image,omitempty"`
}

// Validate performs strict validation on the configuration and fills in
// defaults for every optional section.
func (c *DemandhubConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.User.DisplayName == "" {
		c.User.DisplayName = c.User.ID
	}

	if c.Team == "" {
		return fmt.Errorf("team is required")
	}

	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.FreshFor == nil {
		freshFor := DefaultFreshFor
		c.Cache.FreshFor = &freshFor
	}
	if *c.Cache.FreshFor < 0 {
		return fmt.Errorf("cache.fresh_for must be >= 0, got %s", *c.Cache.FreshFor)
	}

	if c.Typing == nil {
		c.Typing = &TypingConfig{}
	}
	if c.Typing.IdleTimeout == 0 {
		c.Typing.IdleTimeout = DefaultIdleTimeout
	}
	if c.Typing.SweepInterval == 0 {
		c.Typing.SweepInterval = DefaultSweepInterval
	}
	if c.Typing.IdleTimeout < 0 || c.Typing.SweepInterval < 0 {
		return fmt.Errorf("typing durations must be positive")
	}

	if c.Presence == nil {
		c.Presence = &PresenceConfig{}
	}
	if c.Presence.Lease == 0 {
		c.Presence.Lease = DefaultPresenceLease
	}
	if c.Presence.Lease < 0 {
		return fmt.Errorf("presence.lease must be positive, got %s", c.Presence.Lease)
	}
	if c.Presence.Heartbeat == 0 {
		c.Presence.Heartbeat = c.Presence.Lease / 3
	}
	if c.Presence.Heartbeat < 0 || c.Presence.Heartbeat >= c.Presence.Lease {
		return fmt.Errorf("presence.heartbeat must be positive and shorter than presence.lease (%s), got %s",
			c.Presence.Lease, c.Presence.Heartbeat)
	}

	if c.LocalStore == nil {
		c.LocalStore = &LocalStoreConfig{}
	}
	if c.LocalStore.Path == "" {
		c.LocalStore.Path = DefaultLocalStore
	}

	if c.Services == nil {
		c.Services = &ServicesConfig{}
	}
	if c.Services.Redis == nil {
		c.Services.Redis = &ServiceOverride{}
	}
	if c.Services.Redis.Image == "" {
		c.Services.Redis.Image = DefaultRedisImage
	}

	return nil
}

// Load reads demandhub.yml from the specified path, applies environment
// overrides and validates the result.
func Load(path string) (*DemandhubConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config DemandhubConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *DemandhubConfig) applyEnv() {
	if v := os.Getenv(EnvInstanceName); v != "" {
		c.Instance = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
}
