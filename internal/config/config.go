// Package config loads and validates binlens's layered configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Server controls the REST listener.
type Server struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	DevMode        bool          `mapstructure:"dev_mode"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	// AuditLogPath is where admin-sensitive actions (API key issuance/
	// revocation, job cancellation) are appended; empty disables auditing.
	AuditLogPath       string `mapstructure:"audit_log_path"`
	AuditLogMaxBytes   int64  `mapstructure:"audit_log_max_bytes"`
	AuditLogMaxBackups int    `mapstructure:"audit_log_max_backups"`
}

type Worker struct {
	Count         int           `mapstructure:"count"`
	HeartbeatTTL  time.Duration `mapstructure:"heartbeat_ttl"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Backoff       Backoff       `mapstructure:"backoff"`
	Priorities    []string      `mapstructure:"priorities"`
	QueueCeiling  int           `mapstructure:"queue_ceiling"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	DefaultJobTTL time.Duration `mapstructure:"default_job_ttl"`
	// MaxTimeout is the global ceiling on a job's processing deadline; the
	// worker clamps each job's requested timeout to this value.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
}

// Decompiler controls how jobs invoke the external disassembler process.
type Decompiler struct {
	BinaryPath       string                   `mapstructure:"binary_path"`
	WorkDir          string                   `mapstructure:"work_dir"`
	MaxFunctions     int                      `mapstructure:"max_functions"`
	DepthTimeouts    map[string]time.Duration `mapstructure:"depth_timeouts"`
	MaxFileSizeBytes int64                    `mapstructure:"max_file_size_bytes"`
}

// ProviderConfig is the per-provider configuration block.
type ProviderConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKeyEnv       string        `mapstructure:"api_key_env"`
	DefaultModel    string        `mapstructure:"default_model"`
	ConcurrentCalls int           `mapstructure:"concurrent_calls"`
	CostPer1kTokens float64       `mapstructure:"cost_per_1k_tokens"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type Providers struct {
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
}

// RateLimitTier is the quota for one subscription tier.
type RateLimitTier struct {
	Name              string        `mapstructure:"name"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
	ConcurrentJobs    int           `mapstructure:"concurrent_jobs"`
}

type RateLimit struct {
	Enabled bool            `mapstructure:"enabled"`
	Tiers   []RateLimitTier `mapstructure:"tiers"`
}

type Auth struct {
	KeyPrefix   string `mapstructure:"key_prefix"`
	HMACSecret  string `mapstructure:"hmac_secret"`
	RequireAuth bool   `mapstructure:"require_auth"`
	DevAPIKey   string `mapstructure:"dev_api_key"`
}

type CircuitBreaker struct {
	FailureThreshold    uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold    uint32        `mapstructure:"success_threshold"`
	CooldownPeriod      time.Duration `mapstructure:"cooldown_period"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests"`
}

type ObservabilityConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Server         Server         `mapstructure:"server"`
	Worker         Worker         `mapstructure:"worker"`
	Decompiler     Decompiler     `mapstructure:"decompiler"`
	Providers      Providers      `mapstructure:"providers"`
	RateLimit      RateLimit      `mapstructure:"rate_limit"`
	Auth           Auth           `mapstructure:"auth"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Server: Server{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   60 * time.Second,
			ShutdownGrace:  5 * time.Second,
			CORSOrigins:    []string{"*"},
			DevMode:        false,
			MaxUploadBytes: 64 << 20,
			AuditLogPath:       "",
			AuditLogMaxBytes:   10 << 20,
			AuditLogMaxBackups: 5,
		},
		Worker: Worker{
			Count:         runtime.NumCPU(),
			HeartbeatTTL:  30 * time.Second,
			MaxRetries:    3,
			Backoff:       Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
			Priorities:    []string{"high", "normal", "low"},
			QueueCeiling:  1000,
			PollTimeout:   1 * time.Second,
			DefaultJobTTL: 24 * time.Hour,
			MaxTimeout:    30 * time.Minute,
		},
		Decompiler: Decompiler{
			BinaryPath:   "/usr/local/bin/binlens-decompiler",
			WorkDir:      "/tmp/binlens",
			MaxFunctions: 500,
			DepthTimeouts: map[string]time.Duration{
				"basic":         30 * time.Second,
				"standard":      2 * time.Minute,
				"comprehensive": 10 * time.Minute,
			},
			MaxFileSizeBytes: 100 << 20,
		},
		Providers: Providers{
			OpenAI: ProviderConfig{
				Enabled: true, BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY",
				DefaultModel: "gpt-4o-mini", ConcurrentCalls: 8, CostPer1kTokens: 0.15,
				RequestTimeout: 5 * time.Minute,
			},
			Anthropic: ProviderConfig{
				Enabled: true, BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY",
				DefaultModel: "claude-3-5-haiku-latest", ConcurrentCalls: 8, CostPer1kTokens: 0.25,
				RequestTimeout: 5 * time.Minute,
			},
			Gemini: ProviderConfig{
				Enabled: true, BaseURL: "https://generativelanguage.googleapis.com", APIKeyEnv: "GEMINI_API_KEY",
				DefaultModel: "gemini-1.5-flash", ConcurrentCalls: 8, CostPer1kTokens: 0.075,
				RequestTimeout: 5 * time.Minute,
			},
		},
		RateLimit: RateLimit{
			Enabled: true,
			Tiers: []RateLimitTier{
				{Name: "basic", RequestsPerWindow: 60, Window: time.Minute, ConcurrentJobs: 2},
				{Name: "standard", RequestsPerWindow: 300, Window: time.Minute, ConcurrentJobs: 5},
				{Name: "premium", RequestsPerWindow: 1200, Window: time.Minute, ConcurrentJobs: 20},
				{Name: "enterprise", RequestsPerWindow: 6000, Window: time.Minute, ConcurrentJobs: 100},
			},
		},
		Auth: Auth{
			KeyPrefix:   "ak_",
			RequireAuth: true,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold:    5,
			SuccessThreshold:    3,
			CooldownPeriod:      30 * time.Second,
			HealthCheckInterval: 15 * time.Second,
			MaxHalfOpenRequests: 1,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads configuration from a YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.shutdown_grace", def.Server.ShutdownGrace)
	v.SetDefault("server.cors_origins", def.Server.CORSOrigins)
	v.SetDefault("server.dev_mode", def.Server.DevMode)
	v.SetDefault("server.max_upload_bytes", def.Server.MaxUploadBytes)
	v.SetDefault("server.audit_log_path", def.Server.AuditLogPath)
	v.SetDefault("server.audit_log_max_bytes", def.Server.AuditLogMaxBytes)
	v.SetDefault("server.audit_log_max_backups", def.Server.AuditLogMaxBackups)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.priorities", def.Worker.Priorities)
	v.SetDefault("worker.queue_ceiling", def.Worker.QueueCeiling)
	v.SetDefault("worker.poll_timeout", def.Worker.PollTimeout)
	v.SetDefault("worker.default_job_ttl", def.Worker.DefaultJobTTL)
	v.SetDefault("worker.max_timeout", def.Worker.MaxTimeout)

	v.SetDefault("decompiler.binary_path", def.Decompiler.BinaryPath)
	v.SetDefault("decompiler.work_dir", def.Decompiler.WorkDir)
	v.SetDefault("decompiler.max_functions", def.Decompiler.MaxFunctions)
	v.SetDefault("decompiler.depth_timeouts", def.Decompiler.DepthTimeouts)
	v.SetDefault("decompiler.max_file_size_bytes", def.Decompiler.MaxFileSizeBytes)

	v.SetDefault("providers.openai", def.Providers.OpenAI)
	v.SetDefault("providers.anthropic", def.Providers.Anthropic)
	v.SetDefault("providers.gemini", def.Providers.Gemini)

	v.SetDefault("rate_limit.enabled", def.RateLimit.Enabled)
	v.SetDefault("rate_limit.tiers", def.RateLimit.Tiers)

	v.SetDefault("auth.key_prefix", def.Auth.KeyPrefix)
	v.SetDefault("auth.hmac_secret", def.Auth.HMACSecret)
	v.SetDefault("auth.require_auth", def.Auth.RequireAuth)
	v.SetDefault("auth.dev_api_key", def.Auth.DevAPIKey)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", def.CircuitBreaker.SuccessThreshold)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.health_check_interval", def.CircuitBreaker.HealthCheckInterval)
	v.SetDefault("circuit_breaker.max_half_open_requests", def.CircuitBreaker.MaxHalfOpenRequests)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.log_format", def.Observability.LogFormat)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if len(cfg.Worker.Priorities) == 0 {
		return fmt.Errorf("worker.priorities must be non-empty")
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.PollTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.poll_timeout must be <= worker.heartbeat_ttl/2")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1..65535")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Auth.RequireAuth && cfg.Auth.HMACSecret == "" && !cfg.Server.DevMode {
		return fmt.Errorf("auth.hmac_secret must be set when auth.require_auth is true and not in dev mode")
	}
	if cfg.RateLimit.Enabled {
		var prev int
		for i, t := range cfg.RateLimit.Tiers {
			if t.RequestsPerWindow <= 0 || t.Window <= 0 {
				return fmt.Errorf("rate_limit.tiers[%d] must have positive requests_per_window and window", i)
			}
			if t.RequestsPerWindow < prev {
				return fmt.Errorf("rate_limit.tiers must be in ascending order of requests_per_window")
			}
			prev = t.RequestsPerWindow
		}
	}
	for name, pc := range map[string]ProviderConfig{"openai": cfg.Providers.OpenAI, "anthropic": cfg.Providers.Anthropic, "gemini": cfg.Providers.Gemini} {
		if pc.Enabled && pc.ConcurrentCalls < 1 {
			return fmt.Errorf("providers.%s.concurrent_calls must be >= 1 when enabled", name)
		}
	}
	return nil
}
