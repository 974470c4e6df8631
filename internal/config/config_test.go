package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Zero(t, cfg.Server.SubmitRPS)
	require.Equal(t, 20, cfg.Server.SubmitBurst)
	require.Equal(t, 3, cfg.Pool.MaxAttempts)
	require.Equal(t, 15*time.Second, cfg.Pool.TimePerAttempt)
	require.Equal(t, 100*time.Millisecond, cfg.Pool.DispatchInterval)
	require.Equal(t, 10000, cfg.Pool.BaseSOCKSPort)
	require.Equal(t, "curl", cfg.Pool.CurlPath)
	require.Equal(t, time.Minute, cfg.Tunnel.BackoffBase)
	require.Equal(t, 12*time.Hour, cfg.Tunnel.BackoffMax)
	require.Equal(t, 500*time.Millisecond, cfg.Tunnel.CloseGrace)
	require.Equal(t, 4096, cfg.Progress.BufferSize)
	require.Equal(t, 1024, cfg.Progress.OverflowSize)
	require.Empty(t, cfg.WorkerSpecs())
	require.Empty(t, cfg.DB.DSN)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
pool:
  user_agent: test-agent
  max_attempts: 5
  time_per_attempt: 30s
  base_socks_port: 20000
tunnel:
  backoff_base: 2s
  backoff_max: 1m
worker_groups:
  - user: crawler
    identity: /keys/id_ed25519
    hosts: ["10.0.0.1", "10.0.0.2"]
  - user: other
    port: 2222
    hosts: ["edge.example.net"]
repository:
  url: https://repo.example.com/sites.json
sites:
  - domain: Example.com
    min_download_interval: 1.5
pubsub:
  project_id: proj
  topic_name: completions
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "test-agent", cfg.Pool.UserAgent)
	require.Equal(t, 5, cfg.Pool.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Pool.TimePerAttempt)
	require.Equal(t, 2*time.Second, cfg.Tunnel.BackoffBase)
	require.Equal(t, "https://repo.example.com/sites.json", cfg.Repository.URL)
	require.Equal(t, "completions", cfg.PubSub.TopicName)

	require.Equal(t, []worker.Spec{
		{Host: "10.0.0.1", User: "crawler", Identity: "/keys/id_ed25519"},
		{Host: "10.0.0.2", User: "crawler", Identity: "/keys/id_ed25519"},
		{Host: "edge.example.net", Port: 2222, User: "other"},
	}, cfg.WorkerSpecs())
	require.Equal(t, []throttle.Interval{{Domain: "example.com", Min: 1500 * time.Millisecond}}, cfg.SiteIntervals())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DLPOOL_SERVER_PORT", "7070")
	t.Setenv("DLPOOL_POOL_MAX_ATTEMPTS", "9")
	t.Setenv("DLPOOL_DB_DSN", "postgres://localhost/dlpool")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 9, cfg.Pool.MaxAttempts)
	require.Equal(t, "postgres://localhost/dlpool", cfg.DB.DSN)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Pool:   PoolConfig{MaxAttempts: 1, TimePerAttempt: time.Second, BaseSOCKSPort: 10000},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative submit rate", func(c *Config) { c.Server.SubmitRPS = -1 }, "server.submit_rps"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no attempts", func(c *Config) { c.Pool.MaxAttempts = 0 }, "pool.max_attempts"},
		{"no timeout", func(c *Config) { c.Pool.TimePerAttempt = 0 }, "pool.time_per_attempt"},
		{"ports exhausted", func(c *Config) {
			c.Pool.BaseSOCKSPort = 65535
			c.WorkerGroups = []WorkerGroupConfig{{User: "u", Hosts: []string{"a"}}}
		}, "pool.base_socks_port"},
		{"backoff inverted", func(c *Config) {
			c.Tunnel.BackoffBase = time.Hour
			c.Tunnel.BackoffMax = time.Minute
		}, "tunnel.backoff_max"},
		{"group without user", func(c *Config) {
			c.WorkerGroups = []WorkerGroupConfig{{Hosts: []string{"a"}}}
		}, "worker_groups[0].user"},
		{"group without hosts", func(c *Config) {
			c.WorkerGroups = []WorkerGroupConfig{{User: "u"}}
		}, "worker_groups[0].hosts"},
		{"site without domain", func(c *Config) {
			c.Sites = []SiteConfig{{MinDownloadInterval: 1}}
		}, "sites[0].domain"},
		{"negative interval", func(c *Config) {
			c.Sites = []SiteConfig{{Domain: "a.com", MinDownloadInterval: -1}}
		}, "sites[0].min_download_interval"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
