// Package config loads the shardd configuration from a YAML file and
// SHARDD_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/huykn/shard-coordinator/cache"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SHARDD_"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Redis holds the backing store connection settings.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// Supervisor holds restart and heartbeat tuning.
type Supervisor struct {
	RestartIncrement    Duration `yaml:"restartIncrement"`
	MaxRestartDelay     Duration `yaml:"maxRestartDelay"`
	StabilityWindow     Duration `yaml:"stabilityWindow"`
	HeartbeatInterval   Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout    Duration `yaml:"heartbeatTimeout"`
	SlowHeartbeat       Duration `yaml:"slowHeartbeat"`
	MaxMissedHeartbeats int      `yaml:"maxMissedHeartbeats"`
	RequestTimeout      Duration `yaml:"requestTimeout"`
	ShutdownTimeout     Duration `yaml:"shutdownTimeout"`
}

// LocalCache selects the in-process cache tier.
type LocalCache struct {
	Kind    string `yaml:"kind"`
	MaxSize int    `yaml:"maxSize"`
}

// Config is the shardd configuration.
type Config struct {
	Shards      int        `yaml:"shards"`
	LogLevel    string     `yaml:"logLevel"`
	Debug       bool       `yaml:"debug"`
	MetricsAddr string     `yaml:"metricsAddr"`
	SessionTTL  Duration   `yaml:"sessionTTL"`
	Redis       Redis      `yaml:"redis"`
	Supervisor  Supervisor `yaml:"supervisor"`
	LocalCache  LocalCache `yaml:"localCache"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Shards:      1,
		LogLevel:    "info",
		MetricsAddr: ":9090",
		SessionTTL:  Duration(24 * time.Hour),
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Supervisor: Supervisor{
			RestartIncrement:    Duration(5 * time.Second),
			MaxRestartDelay:     Duration(30 * time.Second),
			StabilityWindow:     Duration(5 * time.Minute),
			HeartbeatInterval:   Duration(30 * time.Second),
			HeartbeatTimeout:    Duration(10 * time.Second),
			SlowHeartbeat:       Duration(5 * time.Second),
			MaxMissedHeartbeats: 3,
			RequestTimeout:      Duration(30 * time.Second),
			ShutdownTimeout:     Duration(10 * time.Second),
		},
		LocalCache: LocalCache{
			Kind:    cache.KindLFU,
			MaxSize: 10000,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from SHARDD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*dst = Duration(d)
		return nil
	}

	str("LOG_LEVEL", &c.LogLevel)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("REDIS_KEY_PREFIX", &c.Redis.KeyPrefix)
	str("LOCAL_CACHE_KIND", &c.LocalCache.Kind)
	if v, ok := lookup(EnvPrefix + "DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sDEBUG", EnvPrefix)
		}
		c.Debug = b
	}

	for name, dst := range map[string]*int{
		"SHARDS":                &c.Shards,
		"REDIS_DB":              &c.Redis.DB,
		"MAX_MISSED_HEARTBEATS": &c.Supervisor.MaxMissedHeartbeats,
		"LOCAL_CACHE_MAX_SIZE":  &c.LocalCache.MaxSize,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*Duration{
		"SESSION_TTL":        &c.SessionTTL,
		"HEARTBEAT_INTERVAL": &c.Supervisor.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  &c.Supervisor.HeartbeatTimeout,
		"RESTART_INCREMENT":  &c.Supervisor.RestartIncrement,
		"MAX_RESTART_DELAY":  &c.Supervisor.MaxRestartDelay,
		"STABILITY_WINDOW":   &c.Supervisor.StabilityWindow,
		"REQUEST_TIMEOUT":    &c.Supervisor.RequestTimeout,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Environ returns the store settings as SHARDD_* variables so that
// workers started without the config file connect the same way.
func (c Config) Environ() []string {
	return []string{
		EnvPrefix + "REDIS_ADDR=" + c.Redis.Addr,
		EnvPrefix + "REDIS_PASSWORD=" + c.Redis.Password,
		EnvPrefix + "REDIS_DB=" + strconv.Itoa(c.Redis.DB),
		EnvPrefix + "REDIS_KEY_PREFIX=" + c.Redis.KeyPrefix,
		EnvPrefix + "SESSION_TTL=" + c.SessionTTL.Std().String(),
		EnvPrefix + "LOCAL_CACHE_KIND=" + c.LocalCache.Kind,
		EnvPrefix + "LOCAL_CACHE_MAX_SIZE=" + strconv.Itoa(c.LocalCache.MaxSize),
		EnvPrefix + "LOG_LEVEL=" + c.LogLevel,
		EnvPrefix + "DEBUG=" + strconv.FormatBool(c.Debug),
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Shards <= 0:
		return errors.Wrapf(ErrInvalid, "shards must be positive, got %d", c.Shards)
	case c.Redis.Addr == "":
		return errors.Wrap(ErrInvalid, "redis.addr is required")
	case c.Supervisor.HeartbeatTimeout > c.Supervisor.HeartbeatInterval:
		return errors.Wrap(ErrInvalid, "heartbeat timeout exceeds interval")
	case c.Supervisor.MaxRestartDelay < c.Supervisor.RestartIncrement:
		return errors.Wrap(ErrInvalid, "max restart delay is below the restart increment")
	}
	local := cache.DefaultLocalCacheConfig()
	local.Kind = c.LocalCache.Kind
	local.MaxSize = c.LocalCache.MaxSize
	if err := local.Validate(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	return nil
}
