// Package config loads and validates downloader pool configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
	"github.com/JakeFAU/downloader-pool/internal/worker"
)

// EnvPrefix is prepended to every environment override, e.g. DLPOOL_SERVER_PORT.
const EnvPrefix = "DLPOOL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Pool         PoolConfig          `mapstructure:"pool"`
	Tunnel       TunnelConfig        `mapstructure:"tunnel"`
	WorkerGroups []WorkerGroupConfig `mapstructure:"worker_groups"`
	Repository   RepositoryConfig    `mapstructure:"repository"`
	Sites        []SiteConfig        `mapstructure:"sites"`
	Progress     ProgressConfig      `mapstructure:"progress"`
	DB           DBConfig            `mapstructure:"db"`
	PubSub       PubSubConfig        `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// SubmitRPS limits task submissions per client address; 0 disables the limit.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig holds task defaults and dispatcher settings.
type PoolConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	TimePerAttempt     time.Duration `mapstructure:"time_per_attempt"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`
	CompletedCacheSize int           `mapstructure:"completed_cache_size"`
	BaseSOCKSPort      int           `mapstructure:"base_socks_port"`
	CurlPath           string        `mapstructure:"curl_path"`
}

// TunnelConfig controls the ssh SOCKS tunnels.
type TunnelConfig struct {
	SSHPath        string        `mapstructure:"ssh_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CloseGrace     time.Duration `mapstructure:"close_grace"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// WorkerGroupConfig lists hosts sharing a login.
type WorkerGroupConfig struct {
	User     string   `mapstructure:"user"`
	Identity string   `mapstructure:"identity"`
	Port     int      `mapstructure:"port"`
	Hosts    []string `mapstructure:"hosts"`
}

// RepositoryConfig points at the site repository document.
type RepositoryConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SiteConfig is a static politeness interval. Repository entries override it.
type SiteConfig struct {
	Domain string `mapstructure:"domain"`
	// MinDownloadInterval is in seconds.
	MinDownloadInterval float64 `mapstructure:"min_download_interval"`
}

// ProgressConfig controls the progress hub and its optional log sink.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	OverflowSize   int           `mapstructure:"overflow_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// DBConfig controls the task archive. An empty DSN disables it.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds the completion notification topic. An empty topic disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.submit_rps", 0)
	v.SetDefault("server.submit_burst", 20)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pool.user_agent", "Mozilla/5.0 (compatible; downloader-pool/1.0)")
	v.SetDefault("pool.max_attempts", 3)
	v.SetDefault("pool.time_per_attempt", "15s")
	v.SetDefault("pool.dispatch_interval", "100ms")
	v.SetDefault("pool.completed_cache_size", 1000)
	v.SetDefault("pool.base_socks_port", 10000)
	v.SetDefault("pool.curl_path", "curl")
	v.SetDefault("tunnel.ssh_path", "ssh")
	v.SetDefault("tunnel.connect_timeout", "15s")
	v.SetDefault("tunnel.close_grace", "500ms")
	v.SetDefault("tunnel.backoff_base", "1m")
	v.SetDefault("tunnel.backoff_max", "12h")
	v.SetDefault("repository.timeout", "30s")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.overflow_size", 1024)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", false)
	v.SetDefault("db.max_conns", 4)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.SubmitRPS < 0 {
		return fmt.Errorf("server.submit_rps must be >= 0")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Pool.MaxAttempts <= 0 {
		return fmt.Errorf("pool.max_attempts must be > 0")
	}
	if c.Pool.TimePerAttempt <= 0 {
		return fmt.Errorf("pool.time_per_attempt must be > 0")
	}
	if c.Pool.BaseSOCKSPort <= 0 || c.Pool.BaseSOCKSPort+c.workerCount() > 65535 {
		return fmt.Errorf("pool.base_socks_port must leave room for every worker below 65536")
	}
	if c.Tunnel.BackoffMax > 0 && c.Tunnel.BackoffMax < c.Tunnel.BackoffBase {
		return fmt.Errorf("tunnel.backoff_max must be >= tunnel.backoff_base")
	}
	for i, g := range c.WorkerGroups {
		if g.User == "" {
			return fmt.Errorf("worker_groups[%d].user is required", i)
		}
		if len(g.Hosts) == 0 {
			return fmt.Errorf("worker_groups[%d].hosts must not be empty", i)
		}
		if g.Port < 0 || g.Port > 65535 {
			return fmt.Errorf("worker_groups[%d].port is out of range", i)
		}
	}
	for i, s := range c.Sites {
		if strings.TrimSpace(s.Domain) == "" {
			return fmt.Errorf("sites[%d].domain is required", i)
		}
		if s.MinDownloadInterval < 0 {
			return fmt.Errorf("sites[%d].min_download_interval must be >= 0", i)
		}
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

func (c Config) workerCount() int {
	n := 0
	for _, g := range c.WorkerGroups {
		n += len(g.Hosts)
	}
	return n
}

// WorkerSpecs expands the worker groups in declaration order.
func (c Config) WorkerSpecs() []worker.Spec {
	specs := make([]worker.Spec, 0, c.workerCount())
	for _, g := range c.WorkerGroups {
		for _, host := range g.Hosts {
			specs = append(specs, worker.Spec{
				Host:     strings.TrimSpace(host),
				Port:     g.Port,
				User:     g.User,
				Identity: g.Identity,
			})
		}
	}
	return specs
}

// SiteIntervals converts the static sites to throttle intervals.
func (c Config) SiteIntervals() []throttle.Interval {
	out := make([]throttle.Interval, 0, len(c.Sites))
	for _, s := range c.Sites {
		out = append(out, throttle.Interval{
			Domain: strings.ToLower(strings.TrimSpace(s.Domain)),
			Min:    time.Duration(s.MinDownloadInterval * float64(time.Second)),
		})
	}
	return out
}
