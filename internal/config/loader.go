package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "controlplane.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONTROLPLANE_PORT")
	setString(&cfg.Server.CORSOrigin, "CONTROLPLANE_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONTROLPLANE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONTROLPLANE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONTROLPLANE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONTROLPLANE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONTROLPLANE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CONTROLPLANE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONTROLPLANE_LOG_SERVICE")
	setDuration(&cfg.Registry.HeartbeatTimeout, "CONTROLPLANE_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Registry.PurgeAfter, "CONTROLPLANE_PURGE_AFTER")
	setDuration(&cfg.Registry.SweepInterval, "CONTROLPLANE_SWEEP_INTERVAL")
	setDuration(&cfg.Scheduler.TickInterval, "CONTROLPLANE_TICK_INTERVAL")
	setDuration(&cfg.Scheduler.DispatchTimeout, "CONTROLPLANE_DISPATCH_TIMEOUT")
	setInt(&cfg.Retry.Default.MaxAttempts, "CONTROLPLANE_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.Default.BaseBackoff, "CONTROLPLANE_RETRY_BASE_BACKOFF")
	setFloat64(&cfg.Retry.Default.BackoffMultiplier, "CONTROLPLANE_RETRY_MULTIPLIER")
	setBool(&cfg.Retry.Default.Jitter, "CONTROLPLANE_RETRY_JITTER")
	setInt(&cfg.Breaker.MaxFailures, "CONTROLPLANE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONTROLPLANE_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.MaxSizeMB, "CONTROLPLANE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.StatusTTL, "CONTROLPLANE_CACHE_STATUS_TTL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "CONTROLPLANE_OTLP_INSECURE")
}

// validate checks that required fields are set and thresholds are coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Registry.HeartbeatTimeout <= 0 {
		return errors.New("registry.heartbeat_timeout must be > 0")
	}
	if cfg.Registry.PurgeAfter < cfg.Registry.HeartbeatTimeout {
		return errors.New("registry.purge_after must be >= registry.heartbeat_timeout")
	}
	if cfg.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.DispatchTimeout <= 0 {
		return errors.New("scheduler.dispatch_timeout must be > 0")
	}
	if err := validatePolicy("retry.default", cfg.Retry.Default); err != nil {
		return err
	}
	for class, p := range cfg.Retry.Classes {
		if err := validatePolicy("retry.classes."+class, p); err != nil {
			return err
		}
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func validatePolicy(name string, p RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be >= 1", name)
	}
	if p.BaseBackoff < 0 {
		return fmt.Errorf("%s.base_backoff must be >= 0", name)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%s.backoff_multiplier must be >= 1", name)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
