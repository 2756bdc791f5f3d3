// Package config loads rescache CLI configuration from a YAML file,
// RESCACHE_* environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. RESCACHE_FETCH_WORKERS.
const EnvPrefix = "RESCACHE"

// Config is the complete CLI configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Manifests ManifestsConfig `mapstructure:"manifests" yaml:"manifests"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ManifestsConfig locates the manifest files.
type ManifestsConfig struct {
	// Dir holds one YAML manifest per resource.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// Watch reloads manifests when files in Dir change.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// CacheConfig controls the local content cache.
type CacheConfig struct {
	// Dir is the cache root; the index lives in Dir/index.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// StagingDir receives downloads. Defaults to Dir.
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`

	// MaxBytes limits indexed content. 0 disables the limit.
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=0" yaml:"max_bytes"`

	// Algorithm keys registered files. Lookups read bare hex manifest
	// hashes as SHA-256, so any other algorithm would never hit.
	Algorithm string `mapstructure:"algorithm" validate:"required,eq=sha256" yaml:"algorithm"`
}

// FetchConfig controls downloads from the origin.
type FetchConfig struct {
	Workers     int           `mapstructure:"workers" validate:"min=1" yaml:"workers"`
	UserAgent   string        `mapstructure:"user_agent" yaml:"user_agent"`
	Compression bool          `mapstructure:"compression" yaml:"compression"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0" yaml:"timeout"`
	TokenHeader string        `mapstructure:"token_header" validate:"required" yaml:"token_header"`
}

// DeviceConfig controls the cache devices.
type DeviceConfig struct {
	// Handles is the handle table capacity of each device.
	Handles int `mapstructure:"handles" validate:"min=1" yaml:"handles"`

	// VerifyDigest checks downloads against their manifest hash.
	VerifyDigest bool `mapstructure:"verify_digest" yaml:"verify_digest"`

	// ConnectionToken is sent to the origin in the token header.
	ConnectionToken string `mapstructure:"connection_token" yaml:"connection_token"`
}

// ServerConfig controls `rescache serve`.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port" yaml:"addr"`
}

// Load reads configuration from path (optional), RESCACHE_* environment
// variables, and defaults, in decreasing order of precedence, and validates
// the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Cache.StagingDir == "" {
		cfg.Cache.StagingDir = cfg.Cache.Dir
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(cfg)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("manifests.dir", "manifests")
	v.SetDefault("manifests.watch", false)

	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.staging_dir", "")
	v.SetDefault("cache.max_bytes", int64(10<<30))
	v.SetDefault("cache.algorithm", "sha256")

	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.user_agent", "rescache")
	v.SetDefault("fetch.compression", true)
	v.SetDefault("fetch.timeout", 5*time.Minute)
	v.SetDefault("fetch.token_header", "X-Connection-Token")

	v.SetDefault("device.handles", 1024)
	v.SetDefault("device.verify_digest", false)
	v.SetDefault("device.connection_token", "")

	v.SetDefault("server.addr", "127.0.0.1:8086")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "rescache")
	}
	return filepath.Join(os.TempDir(), "rescache")
}
