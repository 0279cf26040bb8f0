// Package agent defines the Agent domain entity tracked by the registry.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulsedash/controlplane/internal/domain"
)

// Health represents the liveness state of an agent.
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)

// Dispatchable reports whether an agent in this health state may receive work.
func (h Health) Dispatchable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Capability is a named unit of work an agent can perform, with optional
// structured parameters (for example a required input schema identifier).
type Capability struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// Validate rejects empty or malformed capability tags. Tags are lowercase
// words separated by single dashes, e.g. "news-fetch", "blog-draft", "tts".
func (c Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty tag", domain.ErrInvalidCapability)
	}
	if strings.TrimSpace(c.Name) != c.Name || strings.Contains(c.Name, " ") {
		return fmt.Errorf("%w: %q contains whitespace", domain.ErrInvalidCapability, c.Name)
	}
	for _, r := range c.Name {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '.' {
			continue
		}
		return fmt.Errorf("%w: %q contains invalid character %q", domain.ErrInvalidCapability, c.Name, r)
	}
	return nil
}

// Capacity describes how much concurrent work an agent accepts.
type Capacity struct {
	MaxConcurrent int `json:"max_concurrent"`
	InFlight      int `json:"in_flight"`
}

// Record is an addressable worker known to the registry. Health is mutated
// only by the registry; reservations are owned by the resource manager.
type Record struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Capabilities  []Capability `json:"capabilities"`
	Health        Health       `json:"health"`
	Capacity      Capacity     `json:"capacity"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	RegisteredAt  time.Time    `json:"registered_at"`
	Purged        bool         `json:"purged,omitempty"`
}

// Has reports whether the record declares the named capability.
func (r *Record) Has(capability string) bool {
	for _, c := range r.Capabilities {
		if c.Name == capability {
			return true
		}
	}
	return false
}

// HealthChange is emitted by the registry on every health transition so the
// orchestrator can react to an agent going unreachable mid-dispatch.
type HealthChange struct {
	AgentID string    `json:"agent_id"`
	From    Health    `json:"from"`
	To      Health    `json:"to"`
	At      time.Time `json:"at"`
}

// RegisterRequest holds the fields an agent submits on (re-)registration.
// Re-registration atomically replaces the prior capability set.
type RegisterRequest struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Capabilities  []Capability `json:"capabilities"`
	MaxConcurrent int          `json:"max_concurrent"`
}
