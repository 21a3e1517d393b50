// Package config loads the static configuration snapshot read once at
// startup. Values come from a YAML file, overridden by NEOBRIDGE_* env
// vars; hot reload is deliberately not supported.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for environment overrides, e.g.
// NEOBRIDGE_GATEWAY_LISTEN or NEOBRIDGE_LOGGER_LEVEL.
const envPrefix = "neobridge"

// configKeyEnv names the passphrase variable for "enc:" secret values.
const configKeyEnv = "NEOBRIDGE_CONFIG_KEY"

// Duration wraps time.Duration so YAML ("30s") and env values both parse.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts either a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(raw))
}

// UnmarshalText implements encoding.TextUnmarshaler for envconfig.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the top-level configuration snapshot shared by both binaries.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Worker    WorkerConfig    `yaml:"worker"`
	Router    RouterConfig    `yaml:"router"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig holds gateway-daemon settings.
type GatewayConfig struct {
	// Listen is the TCP address workers connect to.
	Listen string `yaml:"listen"`
	// MaxFrameBytes bounds a single protocol frame.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
	// HeartbeatInterval drives session liveness; 2x with no traffic kills
	// a session.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// CallTimeout is the default dispatcher deadline.
	CallTimeout Duration `yaml:"call_timeout"`
	// RegisterPolicy decides what a second Register for a bound name does:
	// "replace" closes the old session, "reject" refuses the new one.
	RegisterPolicy string `yaml:"register_policy"`
	// AcceptRate / AcceptBurst throttle the TCP accept loop.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// WorkerConfig holds worker-daemon settings.
type WorkerConfig struct {
	// GatewayAddr is the gateway's listen address.
	GatewayAddr string `yaml:"gateway_addr"`
	// ServiceName is the identity the worker registers under.
	ServiceName string `yaml:"service_name"`
	// HeartbeatInterval is how often the worker sends heartbeats.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	MaxFrameBytes     int      `yaml:"max_frame_bytes"`
	// ExecutorAPIKey is passed to the capability executor. Supports
	// encrypted "enc:<salt>:<ciphertext>" values, decrypted with the
	// passphrase in NEOBRIDGE_CONFIG_KEY.
	ExecutorAPIKey string `yaml:"executor_api_key"`
}

// RouterConfig holds worker-side request policy settings.
type RouterConfig struct {
	// MaxAttempts bounds executor invocations per request, first try included.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBaseDelay and RetryMultiplier shape the exponential backoff
	// between transient-failure retries, capped at RetryMaxDelay.
	RetryBaseDelay  Duration `yaml:"retry_base_delay"`
	RetryMultiplier float64  `yaml:"retry_multiplier"`
	RetryMaxDelay   Duration `yaml:"retry_max_delay"`
	// BreakerThreshold is consecutive failures before a capability's
	// circuit opens; BreakerRecovery is how long it stays open.
	BreakerThreshold uint32   `yaml:"breaker_threshold"`
	BreakerRecovery  Duration `yaml:"breaker_recovery"`
	// BreakerInterval is the closed-state cycle for clearing failure counts.
	BreakerInterval Duration `yaml:"breaker_interval"`
	// Fallbacks maps a method to the method tried once when the primary
	// exhausts its retries.
	Fallbacks map[string]string `yaml:"fallbacks"`
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	MaxBytes       int64    `yaml:"max_bytes"`
	TTL            Duration `yaml:"ttl"`
	ExcludeMethods []string `yaml:"exclude_methods"`
}

// RateLimitBucket defines one admission scope.
type RateLimitBucket struct {
	Rate  float64 `yaml:"rate"`
	Burst float64 `yaml:"burst"`
}

// RateLimitConfig holds the three admission scopes plus priority weighting.
type RateLimitConfig struct {
	Global              RateLimitBucket    `yaml:"global"`
	PerClient           RateLimitBucket    `yaml:"per_client"`
	PerMethod           RateLimitBucket    `yaml:"per_method"`
	PriorityMultipliers map[string]float64 `yaml:"priority_multipliers"`
}

// LoggerConfig selects log level, format, and destination.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig selects the tracing exporter.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a configuration with every field at its default.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen:            "127.0.0.1:9900",
			MaxFrameBytes:     10 << 20,
			HeartbeatInterval: Duration(30 * time.Second),
			CallTimeout:       Duration(30 * time.Second),
			RegisterPolicy:    "replace",
			AcceptRate:        100,
			AcceptBurst:       100,
		},
		Worker: WorkerConfig{
			GatewayAddr:       "127.0.0.1:9900",
			ServiceName:       "worker",
			HeartbeatInterval: Duration(30 * time.Second),
			MaxFrameBytes:     10 << 20,
		},
		Router: RouterConfig{
			MaxAttempts:      3,
			RetryBaseDelay:   Duration(500 * time.Millisecond),
			RetryMultiplier:  2.0,
			RetryMaxDelay:    Duration(10 * time.Second),
			BreakerThreshold: 5,
			BreakerRecovery:  Duration(30 * time.Second),
			BreakerInterval:  Duration(60 * time.Second),
		},
		Cache: CacheConfig{
			MaxBytes:       64 << 20,
			TTL:            Duration(time.Hour),
			ExcludeMethods: []string{"now"}, // time-sensitive results must stay fresh
		},
		RateLimit: RateLimitConfig{
			Global:    RateLimitBucket{Rate: 10, Burst: 20},
			PerClient: RateLimitBucket{Rate: 2, Burst: 5},
			PerMethod: RateLimitBucket{Rate: 5, Burst: 10},
			PriorityMultipliers: map[string]float64{
				"high": 2.0,
			},
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads the snapshot: defaults, then the YAML file (if present), then
// NEOBRIDGE_* env overrides, then secret decryption, then validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Run on defaults + env only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if passphrase := os.Getenv(configKeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemons cannot run with.
func Validate(cfg *Config) error {
	if cfg.Gateway.Listen == "" {
		return fmt.Errorf("gateway.listen must not be empty")
	}
	switch cfg.Gateway.RegisterPolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("gateway.register_policy must be \"replace\" or \"reject\", got %q", cfg.Gateway.RegisterPolicy)
	}
	if cfg.Gateway.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("gateway.heartbeat_interval must be positive")
	}
	if cfg.Gateway.CallTimeout.Std() <= 0 {
		return fmt.Errorf("gateway.call_timeout must be positive")
	}
	if cfg.Gateway.MaxFrameBytes <= 0 {
		return fmt.Errorf("gateway.max_frame_bytes must be positive")
	}
	if cfg.Worker.ServiceName == "" {
		return fmt.Errorf("worker.service_name must not be empty")
	}
	if cfg.Worker.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be positive")
	}
	if cfg.Router.MaxAttempts < 1 {
		return fmt.Errorf("router.max_attempts must be at least 1")
	}
	if cfg.Router.RetryMultiplier < 1 {
		return fmt.Errorf("router.retry_multiplier must be at least 1")
	}
	if cfg.Router.BreakerThreshold == 0 {
		return fmt.Errorf("router.breaker_threshold must be positive")
	}
	for method, fallback := range cfg.Router.Fallbacks {
		if fallback == method {
			return fmt.Errorf("router.fallbacks: %q falls back to itself", method)
		}
	}
	if cfg.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive")
	}
	for priority, m := range cfg.RateLimit.PriorityMultipliers {
		if m <= 0 {
			return fmt.Errorf("rate_limit.priority_multipliers[%q] must be positive", priority)
		}
	}
	return nil
}

// decryptSecrets replaces "enc:" values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Worker.ExecutorAPIKey, encPrefix) {
		plain, err := DecryptValue(strings.TrimPrefix(cfg.Worker.ExecutorAPIKey, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("worker.executor_api_key: %w", err)
		}
		cfg.Worker.ExecutorAPIKey = plain
	}
	return nil
}
