package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Instance names this orchestrator in logs and events.
	Instance string `yaml:"instance"`

	PostgresURL string `yaml:"postgres_url"`
	// RedisURL is optional. When set, the live ready-queue is backed
	// by Redis instead of process memory.
	RedisURL string `yaml:"redis_url"`
	// AmqpURL is optional. When set, lifecycle events are forwarded to
	// the broker.
	AmqpURL      string `yaml:"amqp_url"`
	AmqpExchange string `yaml:"amqp_exchange"`
	AmqpQueue    string `yaml:"amqp_queue"`

	Dispatch DispatchConfig  `yaml:"dispatch"`
	Worker   WorkerConfig    `yaml:"worker"`
	Proxy    ProxyPoolConfig `yaml:"proxy"`
	Recovery RecoveryConfig  `yaml:"recovery"`
	Claim    ClaimConfig     `yaml:"claim"`
	Log      LogConfig       `yaml:"log"`
}

type DispatchConfig struct {
	MaxConcurrent           int `yaml:"max_concurrent"`
	IntervalSeconds         int `yaml:"interval_seconds"`
	ExecutionTimeoutMinutes int `yaml:"execution_timeout_minutes"`
}

func (d DispatchConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSeconds) * time.Second
}

func (d DispatchConfig) ExecutionTimeout() time.Duration {
	return time.Duration(d.ExecutionTimeoutMinutes) * time.Minute
}

// WorkerConfig describes how to spawn the browser-automation worker.
type WorkerConfig struct {
	// Command is the argv of the worker process, one element per arg.
	Command []string `yaml:"command"`
	WorkDir string   `yaml:"work_dir"`
	// GraceSeconds is the window between SIGTERM and SIGKILL.
	GraceSeconds int `yaml:"grace_seconds"`
}

func (w WorkerConfig) Grace() time.Duration {
	return time.Duration(w.GraceSeconds) * time.Second
}

type ProxyPoolConfig struct {
	ProbeURL             string                `yaml:"probe_url"`
	ProbeIntervalMinutes int                   `yaml:"probe_interval_minutes"`
	Endpoints            []ProxyEndpointConfig `yaml:"endpoints"`
}

func (p ProxyPoolConfig) ProbeInterval() time.Duration {
	return time.Duration(p.ProbeIntervalMinutes) * time.Minute
}

type ProxyEndpointConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Type            string `yaml:"type"`
	Provider        string `yaml:"provider"`
	Country         string `yaml:"country"`
	Region          string `yaml:"region"`
	RequestsPerHour int    `yaml:"requests_per_hour"`
	DailyLimit      int    `yaml:"daily_limit"`
}

type RecoveryConfig struct {
	SweepMinutes       int `yaml:"sweep_minutes"`
	ServerStaleMinutes int `yaml:"server_stale_minutes"`
	RemoteStaleMinutes int `yaml:"remote_stale_minutes"`
}

func (r RecoveryConfig) ServerStale() time.Duration {
	return time.Duration(r.ServerStaleMinutes) * time.Minute
}

func (r RecoveryConfig) RemoteStale() time.Duration {
	return time.Duration(r.RemoteStaleMinutes) * time.Minute
}

type ClaimConfig struct {
	// StaleMinutes is how long a remote claim may go without a
	// heartbeat before another remote worker may take it over.
	StaleMinutes int `yaml:"stale_minutes"`
}

func (c ClaimConfig) Stale() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the optional YAML file at path, applies environment
// overrides and fills defaults. A missing file is fine; a broken one
// is not.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("postgres_url is required (set JOBPILOT_POSTGRES_URL or %s)", path)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JOBPILOT_INSTANCE"); v != "" {
		cfg.Instance = v
	}
	if v := os.Getenv("JOBPILOT_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("JOBPILOT_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("JOBPILOT_AMQP_URL"); v != "" {
		cfg.AmqpURL = v
	}
	if v := os.Getenv("JOBPILOT_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("JOBPILOT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("JOBPILOT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.MaxConcurrent = n
		}
	}
	if v := os.Getenv("JOBPILOT_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = strings.Fields(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Instance == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "orchestrator"
		}
		cfg.Instance = host
	}
	if cfg.AmqpExchange == "" {
		cfg.AmqpExchange = "jobpilot.events"
	}
	if cfg.AmqpQueue == "" {
		cfg.AmqpQueue = "jobpilot.events.queue"
	}
	if cfg.Dispatch.MaxConcurrent <= 0 {
		cfg.Dispatch.MaxConcurrent = 3
	}
	if cfg.Dispatch.IntervalSeconds <= 0 {
		cfg.Dispatch.IntervalSeconds = 5
	}
	if cfg.Dispatch.ExecutionTimeoutMinutes <= 0 {
		cfg.Dispatch.ExecutionTimeoutMinutes = 10
	}
	if len(cfg.Worker.Command) == 0 {
		cfg.Worker.Command = []string{"python3", "scripts/run_server_automation.py"}
	}
	if cfg.Worker.GraceSeconds <= 0 {
		cfg.Worker.GraceSeconds = 10
	}
	if cfg.Proxy.ProbeURL == "" {
		cfg.Proxy.ProbeURL = "https://httpbin.org/ip"
	}
	if cfg.Proxy.ProbeIntervalMinutes <= 0 {
		cfg.Proxy.ProbeIntervalMinutes = 5
	}
	if cfg.Recovery.SweepMinutes <= 0 {
		cfg.Recovery.SweepMinutes = 10
	}
	if cfg.Recovery.ServerStaleMinutes <= 0 {
		cfg.Recovery.ServerStaleMinutes = 30
	}
	if cfg.Recovery.RemoteStaleMinutes <= 0 {
		cfg.Recovery.RemoteStaleMinutes = 60
	}
	if cfg.Claim.StaleMinutes <= 0 {
		cfg.Claim.StaleMinutes = 10
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "jobpilot.log"
	}
}
