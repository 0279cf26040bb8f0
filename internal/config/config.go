// Package config provides hierarchical configuration loading for the control plane.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the control plane service.
type Config struct {
	Server    Server    `yaml:"server"`
	Postgres  Postgres  `yaml:"postgres"`
	NATS      NATS      `yaml:"nats"`
	Logging   Logging   `yaml:"logging"`
	Registry  Registry  `yaml:"registry"`
	Scheduler Scheduler `yaml:"scheduler"`
	Retry     Retry     `yaml:"retry"`
	Breaker   Breaker   `yaml:"breaker"`
	Cache     Cache     `yaml:"cache"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Postgres holds the audit event store connection configuration.
// An empty DSN selects the in-memory event store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds message bus configuration. An empty URL selects the in-process router.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// Registry holds agent liveness configuration.
type Registry struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"` // stale heartbeat → unreachable
	PurgeAfter       time.Duration `yaml:"purge_after"`       // unreachable this long → purged
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// Scheduler holds orchestrator tick configuration.
type Scheduler struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"` // per-attempt ceiling when the task has no deadline
}

// RetryPolicy holds failure handling parameters for one capability class.
type RetryPolicy struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

// Retry holds the default retry policy plus per-capability-class overrides,
// keyed by capability tag.
type Retry struct {
	Default RetryPolicy            `yaml:"default"`
	Classes map[string]RetryPolicy `yaml:"classes"`
}

// ForCapability returns the policy for the given capability tag, falling
// back to the default class.
func (r Retry) ForCapability(capability string) RetryPolicy {
	if p, ok := r.Classes[capability]; ok {
		return p
	}
	return r.Default
}

// Breaker holds per-agent circuit breaker configuration for dispatch sends.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Cache holds the status read cache configuration.
type Cache struct {
	MaxSizeMB int64         `yaml:"max_size_mb"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// Telemetry holds OpenTelemetry export configuration.
// An empty endpoint disables the OTLP exporters.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible default values for local development.
// Retry and liveness defaults were left open by the source material; the
// values here favor quick feedback on a single host and are expected to be
// tuned per deployment.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			URL: "",
		},
		Logging: Logging{
			Level:   "info",
			Service: "controlplane",
		},
		Registry: Registry{
			HeartbeatTimeout: 90 * time.Second,
			PurgeAfter:       15 * time.Minute,
			SweepInterval:    15 * time.Second,
		},
		Scheduler: Scheduler{
			TickInterval:    time.Second,
			DispatchTimeout: 2 * time.Minute,
		},
		Retry: Retry{
			Default: RetryPolicy{
				MaxAttempts:       3,
				BaseBackoff:       2 * time.Second,
				BackoffMultiplier: 2.0,
				Jitter:            true,
			},
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Cache: Cache{
			MaxSizeMB: 16,
			StatusTTL: 2 * time.Second,
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "",
			Insecure:     true,
		},
	}
}
