package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Write config failed: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
shards: 4
metricsAddr: ":9100"
redis:
  addr: redis:6379
  db: 2
supervisor:
  heartbeatInterval: 15s
  heartbeatTimeout: 5s
localCache:
  kind: lru
  maxSize: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Shards != 4 || cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.Supervisor.HeartbeatInterval.Std() != 15*time.Second {
		t.Errorf("Expected 15s heartbeat interval, got %s", cfg.Supervisor.HeartbeatInterval.Std())
	}
	if cfg.Supervisor.RestartIncrement.Std() != 5*time.Second {
		t.Errorf("Unset fields should keep defaults, got %s", cfg.Supervisor.RestartIncrement.Std())
	}
	if cfg.LocalCache.Kind != "lru" || cfg.LocalCache.MaxSize != 500 {
		t.Errorf("Unexpected local cache %+v", cfg.LocalCache)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := writeFile(t, "sessionTTL: forever\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected parse error for bad duration")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"SHARDD_SHARDS":             "8",
		"SHARDD_REDIS_ADDR":         "10.0.0.1:6379",
		"SHARDD_HEARTBEAT_INTERVAL": "1m",
		"SHARDD_DEBUG":              "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Shards != 8 || cfg.Redis.Addr != "10.0.0.1:6379" || !cfg.Debug {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if cfg.Supervisor.HeartbeatInterval.Std() != time.Minute {
		t.Errorf("Expected 1m interval, got %s", cfg.Supervisor.HeartbeatInterval.Std())
	}

	env["SHARDD_SHARDS"] = "many"
	if err := cfg.ApplyEnv(lookup); err == nil {
		t.Fatal("Expected error for non-numeric shards")
	}
}

func TestEnvironRoundTrip(t *testing.T) {
	src := Default()
	src.Redis.Addr = "redis:6380"
	src.Redis.DB = 3
	src.LocalCache.Kind = "lru"

	env := make(map[string]string)
	for _, kv := range src.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}

	dst := Default()
	if err := dst.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if dst.Redis != src.Redis || dst.LocalCache != src.LocalCache {
		t.Fatalf("Expected %+v, got %+v", src, dst)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no shards":        func(c *Config) { c.Shards = 0 },
		"no redis":         func(c *Config) { c.Redis.Addr = "" },
		"slow heartbeat":   func(c *Config) { c.Supervisor.HeartbeatTimeout = Duration(time.Hour) },
		"unknown cache":    func(c *Config) { c.LocalCache.Kind = "arc" },
		"inverted backoff": func(c *Config) { c.Supervisor.MaxRestartDelay = Duration(time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}
