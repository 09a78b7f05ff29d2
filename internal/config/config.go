// Package config loads the agentflow server configuration.
//
// Priority: env vars (AGENTFLOW_*) > settings file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/gateway"
)

// EnvPrefix prefixes every environment override, e.g. AGENTFLOW_POOL_SIZE
// or AGENTFLOW_GATEWAY_TIMEOUT.
const EnvPrefix = "AGENTFLOW"

// Config holds all agentflow configuration.
type Config struct {
	ListenAddr            string               `mapstructure:"listen_addr"`
	DBPath                string               `mapstructure:"db_path"`
	LogLevel              string               `mapstructure:"log_level"`
	PoolSize              int                  `mapstructure:"pool_size"`
	RunTimeout            time.Duration        `mapstructure:"run_timeout"`
	UpstreamFailurePolicy string               `mapstructure:"upstream_failure_policy"`
	Gateway               GatewayConfig        `mapstructure:"gateway"`
	CircuitBreaker        CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Schedules             []Schedule           `mapstructure:"schedules"`
}

// GatewayConfig bounds every remote agent call.
type GatewayConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	Backoff       string        `mapstructure:"backoff"`
}

// CircuitBreakerConfig configures the per-role breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// Schedule triggers a stored workflow on a cron expression.
type Schedule struct {
	ID         string         `mapstructure:"id"`
	WorkflowID string         `mapstructure:"workflow_id"`
	Cron       string         `mapstructure:"cron"`
	Input      map[string]any `mapstructure:"input"`
	Enabled    bool           `mapstructure:"enabled"`
}

// Dir returns the agentflow home directory, ~/.agentflow.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}

// SettingsPath returns the default settings file location.
func SettingsPath() string {
	return filepath.Join(Dir(), "settings.yaml")
}

// Default returns the built-in configuration.
func Default() Config {
	gw := gateway.DefaultPolicy()
	cb := gateway.DefaultCircuitBreakerConfig()
	return Config{
		ListenAddr:            ":4100",
		DBPath:                filepath.Join(Dir(), "agentflow.db"),
		LogLevel:              "info",
		PoolSize:              engine.DefaultExecutorConfig().PoolSize,
		UpstreamFailurePolicy: string(engine.UpstreamContinue),
		Gateway: GatewayConfig{
			Timeout:       gw.Timeout,
			MaxRetries:    gw.Retry.MaxRetries,
			RetryDelay:    gw.Retry.Delay,
			MaxRetryDelay: gw.Retry.MaxDelay,
			Backoff:       gw.Retry.Backoff,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			Cooldown:         cb.Cooldown,
		},
	}
}

// Load reads the configuration. An empty path reads SettingsPath when it
// exists; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = SettingsPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("pool_size", d.PoolSize)
	v.SetDefault("run_timeout", d.RunTimeout)
	v.SetDefault("upstream_failure_policy", d.UpstreamFailurePolicy)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.max_retries", d.Gateway.MaxRetries)
	v.SetDefault("gateway.retry_delay", d.Gateway.RetryDelay)
	v.SetDefault("gateway.max_retry_delay", d.Gateway.MaxRetryDelay)
	v.SetDefault("gateway.backoff", d.Gateway.Backoff)
	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.cooldown", d.CircuitBreaker.Cooldown)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run_timeout must not be negative, got %s", c.RunTimeout))
	}
	if _, err := engine.ParseUpstreamPolicy(c.UpstreamFailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("gateway.max_retries must not be negative, got %d", c.Gateway.MaxRetries))
	}
	switch c.Gateway.Backoff {
	case gateway.BackoffNone, gateway.BackoffConstant, gateway.BackoffLinear, gateway.BackoffExponential:
	default:
		errs = append(errs, fmt.Errorf("gateway.backoff %q is not one of none, constant, linear, exponential", c.Gateway.Backoff))
	}
	for i, s := range c.Schedules {
		if s.WorkflowID == "" || s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: workflow_id and cron are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ExecutorConfig converts the engine settings.
func (c *Config) ExecutorConfig() engine.ExecutorConfig {
	policy, _ := engine.ParseUpstreamPolicy(c.UpstreamFailurePolicy)
	return engine.ExecutorConfig{
		PoolSize:              c.PoolSize,
		RunTimeout:            c.RunTimeout,
		UpstreamFailurePolicy: policy,
	}
}

// GatewayPolicy converts the gateway settings.
func (c *Config) GatewayPolicy() gateway.Policy {
	return gateway.Policy{
		Timeout: c.Gateway.Timeout,
		Retry: gateway.RetryPolicy{
			MaxRetries: c.Gateway.MaxRetries,
			Delay:      c.Gateway.RetryDelay,
			MaxDelay:   c.Gateway.MaxRetryDelay,
			Backoff:    c.Gateway.Backoff,
		},
	}
}

// BreakerConfig converts the circuit breaker settings.
func (c *Config) BreakerConfig() gateway.CircuitBreakerConfig {
	cb := gateway.DefaultCircuitBreakerConfig()
	cb.FailureThreshold = c.CircuitBreaker.FailureThreshold
	cb.Cooldown = c.CircuitBreaker.Cooldown
	return cb
}
