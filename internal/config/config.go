// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
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

// Dispatcher configures the run-dispatch scheduler (spec §4.4, §6.6).
type Dispatcher struct {
	EventDriven              bool          `mapstructure:"event_driven"`
	Concurrency              int           `mapstructure:"concurrency"`
	LockDuration             time.Duration `mapstructure:"lock_duration"`
	StalledInterval          time.Duration `mapstructure:"stalled_interval"`
	ProcessAllAvailableBound int           `mapstructure:"process_all_available_bound"`
	LoadBalancerStrategy     string        `mapstructure:"load_balancer_strategy"`
}

// Retry configures both the queue-level and execution-level retry surfaces (spec §4.5).
type Retry struct {
	MaxQueueRetries       int           `mapstructure:"max_queue_retries"`
	QueueRetryDelay       time.Duration `mapstructure:"queue_retry_delay"`
	ExecutionRetryEnabled bool          `mapstructure:"execution_retry_enabled"`
	ExecutionRetryDelay   time.Duration `mapstructure:"execution_retry_delay"`
}

// Notification configures the outbound webhook queue and worker (spec §4.7).
type Notification struct {
	WorkerConcurrency  int           `mapstructure:"worker_concurrency"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
	WebhookURL         string        `mapstructure:"webhook_url"`
	WebhookAuthHeader  string        `mapstructure:"webhook_auth_header"`
}

// JobQueue configures the durable run-request queue's retention policy (spec §4.3).
type JobQueue struct {
	Namespace          string        `mapstructure:"namespace"`
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
	CompletedMaxCount  int64         `mapstructure:"completed_max_count"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
}

// API configures the producer-edge HTTP surface (spec §6.1, §6.2, §6.4).
type API struct {
	ListenAddr          string `mapstructure:"listen_addr"`
	EffectiveOrigin     string `mapstructure:"effective_origin"`
	RequireCallbackAuth bool   `mapstructure:"require_callback_auth"`
	CallbackAuthToken   string `mapstructure:"callback_auth_token"`
}

// Backend configures the outbound startRun RPC client (spec §4.4.1).
type Backend struct {
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Dispatcher     Dispatcher     `mapstructure:"dispatcher"`
	Retry          Retry          `mapstructure:"retry"`
	Notification   Notification   `mapstructure:"notification"`
	JobQueue       JobQueue       `mapstructure:"job_queue"`
	API            API            `mapstructure:"api"`
	Backend        Backend        `mapstructure:"backend"`
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
		Dispatcher: Dispatcher{
			EventDriven:              false,
			Concurrency:              5,
			LockDuration:             30 * time.Minute,
			StalledInterval:          30 * time.Minute,
			ProcessAllAvailableBound: 100,
			LoadBalancerStrategy:     "least-load",
		},
		Retry: Retry{
			MaxQueueRetries:       200,
			QueueRetryDelay:       30 * time.Second,
			ExecutionRetryEnabled: false,
			ExecutionRetryDelay:   5 * time.Second,
		},
		Notification: Notification{
			WorkerConcurrency:  10,
			MaxAttempts:        5,
			InitialBackoff:     2 * time.Second,
			HTTPTimeout:        30 * time.Second,
			CompletedRetention: 24 * time.Hour,
			FailedRetention:    7 * 24 * time.Hour,
		},
		JobQueue: JobQueue{
			Namespace:          "dispatch",
			CompletedRetention: time.Hour,
			CompletedMaxCount:  1000,
			FailedRetention:    24 * time.Hour,
		},
		API: API{
			ListenAddr:          ":8070",
			RequireCallbackAuth: false,
		},
		Backend: Backend{
			HTTPTimeout:   30 * time.Second,
			RatePerSecond: 10,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
	}
}

// Load reads configuration from YAML file and env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("dispatcher.event_driven", def.Dispatcher.EventDriven)
	v.SetDefault("dispatcher.concurrency", def.Dispatcher.Concurrency)
	v.SetDefault("dispatcher.lock_duration", def.Dispatcher.LockDuration)
	v.SetDefault("dispatcher.stalled_interval", def.Dispatcher.StalledInterval)
	v.SetDefault("dispatcher.process_all_available_bound", def.Dispatcher.ProcessAllAvailableBound)
	v.SetDefault("dispatcher.load_balancer_strategy", def.Dispatcher.LoadBalancerStrategy)

	v.SetDefault("retry.max_queue_retries", def.Retry.MaxQueueRetries)
	v.SetDefault("retry.queue_retry_delay", def.Retry.QueueRetryDelay)
	v.SetDefault("retry.execution_retry_enabled", def.Retry.ExecutionRetryEnabled)
	v.SetDefault("retry.execution_retry_delay", def.Retry.ExecutionRetryDelay)

	v.SetDefault("notification.worker_concurrency", def.Notification.WorkerConcurrency)
	v.SetDefault("notification.max_attempts", def.Notification.MaxAttempts)
	v.SetDefault("notification.initial_backoff", def.Notification.InitialBackoff)
	v.SetDefault("notification.http_timeout", def.Notification.HTTPTimeout)
	v.SetDefault("notification.completed_retention", def.Notification.CompletedRetention)
	v.SetDefault("notification.failed_retention", def.Notification.FailedRetention)
	v.SetDefault("notification.webhook_url", def.Notification.WebhookURL)
	v.SetDefault("notification.webhook_auth_header", def.Notification.WebhookAuthHeader)

	v.SetDefault("job_queue.namespace", def.JobQueue.Namespace)
	v.SetDefault("job_queue.completed_retention", def.JobQueue.CompletedRetention)
	v.SetDefault("job_queue.completed_max_count", def.JobQueue.CompletedMaxCount)
	v.SetDefault("job_queue.failed_retention", def.JobQueue.FailedRetention)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)
	v.SetDefault("api.effective_origin", def.API.EffectiveOrigin)
	v.SetDefault("api.require_callback_auth", def.API.RequireCallbackAuth)
	v.SetDefault("api.callback_auth_token", def.API.CallbackAuthToken)

	v.SetDefault("backend.http_timeout", def.Backend.HTTPTimeout)
	v.SetDefault("backend.rate_per_second", def.Backend.RatePerSecond)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// API_URL is documented (spec §4.4.1, §6.6) as the override for the
	// effective machine-reachable callback origin, taking precedence over
	// both the config file and the per-request origin.
	if apiURL := os.Getenv("API_URL"); apiURL != "" {
		cfg.API.EffectiveOrigin = apiURL
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be >= 1")
	}
	switch cfg.Dispatcher.LoadBalancerStrategy {
	case "round-robin", "least-load":
	default:
		return fmt.Errorf("dispatcher.load_balancer_strategy must be round-robin or least-load")
	}
	if cfg.Dispatcher.LockDuration <= 0 {
		return fmt.Errorf("dispatcher.lock_duration must be > 0")
	}
	if cfg.Retry.MaxQueueRetries < 0 {
		return fmt.Errorf("retry.max_queue_retries must be >= 0")
	}
	if cfg.Retry.QueueRetryDelay <= 0 {
		return fmt.Errorf("retry.queue_retry_delay must be > 0")
	}
	if cfg.Notification.WorkerConcurrency < 1 {
		return fmt.Errorf("notification.worker_concurrency must be >= 1")
	}
	if cfg.Notification.MaxAttempts < 1 {
		return fmt.Errorf("notification.max_attempts must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
