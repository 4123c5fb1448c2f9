// Package registry implements the agent registry: registration lifecycle,
// capability-indexed discovery, heartbeats and background health checking.
//
// Registrations live in a two-tier store: a TTL'd Redis hot index with
// set-valued secondary indexes, and an authoritative SQLite document store.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// AgentType classifies an agent's role in the fabric.
type AgentType string

const (
	AgentTypeSupervisor AgentType = "supervisor"
	AgentTypeDomain     AgentType = "domain"
	AgentTypeKnowledge  AgentType = "knowledge"
	AgentTypeUtility    AgentType = "utility"
)

// AgentStatus is the operational status of a registered agent. Only active
// agents are returned by default discovery.
type AgentStatus string

const (
	StatusActive      AgentStatus = "active"
	StatusInactive    AgentStatus = "inactive"
	StatusMaintenance AgentStatus = "maintenance"
	StatusDegraded    AgentStatus = "degraded"
)

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance, StatusDegraded:
		return true
	}
	return false
}

// ValidType reports whether t is a known agent type.
func ValidType(t AgentType) bool {
	switch t {
	case AgentTypeSupervisor, AgentTypeDomain, AgentTypeKnowledge, AgentTypeUtility:
		return true
	}
	return false
}

// Endpoints are the URLs an agent exposes.
type Endpoints struct {
	HTTP    string `json:"http"`
	Health  string `json:"health"`
	Metrics string `json:"metrics,omitempty"`
	A2A     string `json:"a2a"`
}

// Registration is the registry's record of one agent.
type Registration struct {
	AgentID       string            `json:"agent_id"`
	AgentName     string            `json:"agent_name"`
	AgentType     AgentType         `json:"agent_type"`
	Version       string            `json:"version,omitempty"`
	Capabilities  []string          `json:"capabilities"`
	Endpoints     Endpoints         `json:"endpoints"`
	Status        AgentStatus       `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HasCapability reports whether the registration advertises cap.
func (r *Registration) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HasAnyTag reports whether the registration carries at least one of the
// requested tags (OR semantics).
func (r *Registration) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range r.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// RegisterRequest is the payload of a registration call.
type RegisterRequest struct {
	AgentName    string            `json:"agent_name"`
	AgentType    AgentType         `json:"agent_type"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities"`
	Endpoints    Endpoints         `json:"endpoints"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural requirements of a registration request.
func (r *RegisterRequest) Validate() error {
	if r.AgentName == "" {
		return fmt.Errorf("agent_name is required")
	}
	if !ValidType(r.AgentType) {
		return fmt.Errorf("invalid agent_type %q", r.AgentType)
	}
	if len(r.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	if r.Endpoints.A2A == "" {
		return fmt.Errorf("a2a endpoint is required")
	}
	if r.Endpoints.Health == "" {
		return fmt.Errorf("health endpoint is required")
	}
	return nil
}

// DiscoverQuery selects agents by the conjunction of its filters. A zero
// Status means "active"; pass StatusAny to disable status filtering.
type DiscoverQuery struct {
	Capability string
	AgentType  AgentType
	Status     AgentStatus
	Tags       []string
}

// StatusAny disables the status filter in a DiscoverQuery.
const StatusAny AgentStatus = "any"

// Matches reports whether reg satisfies the query's conjunction.
func (q DiscoverQuery) Matches(reg *Registration) bool {
	if q.Capability != "" && !reg.HasCapability(q.Capability) {
		return false
	}
	if q.AgentType != "" && reg.AgentType != q.AgentType {
		return false
	}
	status := q.Status
	if status == "" {
		status = StatusActive
	}
	if status != StatusAny && reg.Status != status {
		return false
	}
	return reg.HasAnyTag(q.Tags)
}

// Metrics is the registry-wide registration summary.
type Metrics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

// ErrAgentNotFound is returned when the requested agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")
