// Package config loads the kiln configuration file.
//
// The file lives at $KILN_CONFIG or <UserConfigDir>/kiln/config.yaml.
// Scalar settings are pointers so an unset value can be told apart from a
// zero, and command line flags win over the file only when given
// explicitly.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/backend"
	"github.com/samcharles93/kiln/internal/kvcache"
	"github.com/samcharles93/kiln/internal/pool"
	"github.com/samcharles93/kiln/internal/rules"
	"github.com/samcharles93/kiln/internal/runtime"
)

// EnvPath names the environment variable overriding the config location.
const EnvPath = "KILN_CONFIG"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Device    string `yaml:"device"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Pool     Pool     `yaml:"pool"`
	Uniforms Uniforms `yaml:"uniforms"`
	Prewarm  *bool    `yaml:"prewarm"`
	Server   Server   `yaml:"server"`

	// KVCache sizes the tiered cache used by `kiln attention --tiered`.
	KVCache *kvcache.Config `yaml:"kvcache"`

	// Rules overlay the built-in variant tables, keyed by table name.
	Rules rules.Set `yaml:"rules"`
}

type Pool struct {
	MinSize          *uint64 `yaml:"min_size"`
	MaxPerBucket     *int    `yaml:"max_per_bucket"`
	MaxRetainedBytes *uint64 `yaml:"max_retained_bytes"`
}

type Uniforms struct {
	MaxEntries *int `yaml:"max_entries"`
}

type Server struct {
	Address     string         `yaml:"address"`
	ReadTimeout *time.Duration `yaml:"read_timeout"`
	// RateLimit is the sustained POST rate per second; Burst its bucket.
	RateLimit *float64 `yaml:"rate_limit"`
	Burst     *int     `yaml:"burst"`
}

// Path returns the config file location, or "" when no user config
// directory is known.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// Load reads and validates path. A missing file is an empty config.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate rejects unknown devices, negative limits and malformed rules.
func (c Config) Validate() error {
	if c.Device != "" {
		if _, err := backend.Normalize(c.Device); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	switch c.LogFormat {
	case "", "pretty", "json", "text":
	default:
		return invalid("log_format %q (expected pretty, json, or text)", c.LogFormat)
	}
	if p := c.Pool.MaxPerBucket; p != nil && *p < 0 {
		return invalid("pool.max_per_bucket %d is negative", *p)
	}
	if u := c.Uniforms.MaxEntries; u != nil && *u < 0 {
		return invalid("uniforms.max_entries %d is negative", *u)
	}
	if t := c.Server.ReadTimeout; t != nil && *t < 0 {
		return invalid("server.read_timeout %s is negative", *t)
	}
	if r := c.Server.RateLimit; r != nil && *r < 0 {
		return invalid("server.rate_limit %g is negative", *r)
	}
	if b := c.Server.Burst; b != nil && *b < 0 {
		return invalid("server.burst %d is negative", *b)
	}
	if c.KVCache != nil {
		if err := c.KVCache.Validate(); err != nil {
			return fmt.Errorf("%w: kvcache: %w", ErrInvalid, err)
		}
	}
	for name, rs := range c.Rules {
		if err := rules.Validate(rs); err != nil {
			return fmt.Errorf("%w: rules.%s: %w", ErrInvalid, name, err)
		}
	}
	return nil
}

// PoolConfig fills the pool settings that are set.
func (c Config) PoolConfig() pool.Config {
	var pc pool.Config
	if c.Pool.MinSize != nil {
		pc.MinSize = *c.Pool.MinSize
	}
	if c.Pool.MaxPerBucket != nil {
		pc.MaxPerBucket = *c.Pool.MaxPerBucket
	}
	if c.Pool.MaxRetainedBytes != nil {
		pc.MaxRetainedBytes = *c.Pool.MaxRetainedBytes
	}
	return pc
}

// RuntimeOptions maps the file onto runtime options. Logger and metrics
// are left to the caller.
func (c Config) RuntimeOptions() runtime.Options {
	opts := runtime.Options{Pool: c.PoolConfig(), Rules: c.Rules}
	if c.Uniforms.MaxEntries != nil {
		opts.Uniforms.MaxEntries = *c.Uniforms.MaxEntries
	}
	return opts
}

// PrewarmEnabled reports whether serve should compile every variant at
// startup. Defaults to true.
func (c Config) PrewarmEnabled() bool {
	return c.Prewarm == nil || *c.Prewarm
}
