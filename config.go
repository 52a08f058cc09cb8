package courier

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smedrec/courier/core"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend     string   `yaml:"backend"`
	RedisURL    string   `yaml:"redis_url"`
	KeyPrefix   string   `yaml:"key_prefix"`
	DeliveryTTL Duration `yaml:"delivery_ttl"`
}

// SchedulerConfig carries the queue processing knobs.
type SchedulerConfig struct {
	MaxConcurrentDeliveries int      `yaml:"max_concurrent_deliveries"`
	ProcessingInterval      Duration `yaml:"processing_interval"`
	ProcessingTimeout       Duration `yaml:"processing_timeout"`
	AdapterTimeout          Duration `yaml:"adapter_timeout"`
	QueueDepthThreshold     int      `yaml:"queue_depth_threshold"`
}

// DeliveryConfig carries the request-facing limits.
type DeliveryConfig struct {
	MaxPayloadSize    int `yaml:"max_payload_size"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// RetryConfig carries the backoff schedule.
type RetryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	BaseDelay    Duration `yaml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	JitterFactor float64  `yaml:"jitter_factor"`
}

// BreakerConfig carries the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
	VolumeThreshold  int      `yaml:"volume_threshold"`
}

// AlertingConfig carries default alert thresholds and the background sweep
// cadence. Per-organization overrides are stored through the API.
type AlertingConfig struct {
	FailureRateThreshold        float64  `yaml:"failure_rate_threshold"`
	ConsecutiveFailureThreshold int      `yaml:"consecutive_failure_threshold"`
	QueueBacklogThreshold       int      `yaml:"queue_backlog_threshold"`
	ResponseTimeThreshold       Duration `yaml:"response_time_threshold"`
	DebounceWindow              Duration `yaml:"debounce_window"`
	EscalationDelay             Duration `yaml:"escalation_delay"`
	SweepInterval               Duration `yaml:"sweep_interval"`
}

// TelemetryConfig configures logging and tracing.
type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTELEndpoint   string `yaml:"otel_endpoint"`
	StdoutTrace    bool   `yaml:"stdout_trace"`
}

// Config is the full daemon configuration. Zero values are filled by
// Validate; environment variables override file values.
type Config struct {
	ServiceName string          `yaml:"service_name"`
	HTTP        HTTPConfig      `yaml:"http"`
	Storage     StorageConfig   `yaml:"storage"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Delivery    DeliveryConfig  `yaml:"delivery"`
	Retry       RetryConfig     `yaml:"retry"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Alerting    AlertingConfig  `yaml:"alerting"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// LoadConfig reads a YAML file, applies environment overrides, and fills
// defaults. Path may be empty.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	if v := os.Getenv("COURIER_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("COURIER_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("COURIER_REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" && c.Storage.RedisURL == "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("COURIER_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("COURIER_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
	if v := os.Getenv("COURIER_TRACING_ENABLED"); v != "" {
		c.Telemetry.TracingEnabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("COURIER_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.OTELEndpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && c.Telemetry.OTELEndpoint == "" {
		c.Telemetry.OTELEndpoint = v
	}
	if v := os.Getenv("COURIER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.MaxConcurrentDeliveries = n
		}
	}
}

// Validate fills defaults and rejects invalid combinations.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "courier"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = Duration(30 * time.Second)
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = Duration(60 * time.Second)
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = Duration(15 * time.Second)
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "memory"
	case "memory", "redis":
	default:
		return &core.CourierError{
			Op:      "courier.LoadConfig",
			Kind:    "validation",
			Message: fmt.Sprintf("unknown storage backend %q", c.Storage.Backend),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisURL == "" {
		return &core.CourierError{
			Op:      "courier.LoadConfig",
			Kind:    "validation",
			Message: "redis backend requires a redis url",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "courier"
	}
	if c.Storage.DeliveryTTL <= 0 {
		c.Storage.DeliveryTTL = Duration(7 * 24 * time.Hour)
	}

	if c.Alerting.SweepInterval <= 0 {
		c.Alerting.SweepInterval = Duration(time.Minute)
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "INFO"
	}
	return nil
}
