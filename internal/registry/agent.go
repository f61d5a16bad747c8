// ABOUTME: Agent record types and their flat-hash wire mapping
// ABOUTME: Status values are free-form transitions; the lattice is advisory only

package registry

import (
	"fmt"
	"time"
)

// Status describes what an agent is currently doing. Transitions are
// unrestricted: any status may follow any other.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
)

// AgentInfo is the registry's record of one agent. Created by Register,
// refreshed by Heartbeat and the status setters, removed by Deregister or a
// reconciliation sweep.
type AgentInfo struct {
	AgentID       string    `json:"agent_id"`
	Role          Role      `json:"role"`
	DomainType    string    `json:"domain_type,omitempty"`
	Status        Status    `json:"status"`
	ContainerID   string    `json:"container_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
}

// Hash field names for agent records.
const (
	agentFieldID            = "agent_id"
	agentFieldRole          = "role"
	agentFieldDomainType    = "domain_type"
	agentFieldStatus        = "status"
	agentFieldContainerID   = "container_id"
	agentFieldCreatedAt     = "created_at"
	agentFieldLastHeartbeat = "last_heartbeat"
)

// hashFields returns every record field, empty strings included, so an upsert
// fully replaces a previous registration's values.
func (a *AgentInfo) hashFields() map[string]any {
	lastHeartbeat := ""
	if !a.LastHeartbeat.IsZero() {
		lastHeartbeat = a.LastHeartbeat.Format(time.RFC3339Nano)
	}
	return map[string]any{
		agentFieldID:            a.AgentID,
		agentFieldRole:          string(a.Role),
		agentFieldDomainType:    a.DomainType,
		agentFieldStatus:        string(a.Status),
		agentFieldContainerID:   a.ContainerID,
		agentFieldCreatedAt:     a.CreatedAt.Format(time.RFC3339Nano),
		agentFieldLastHeartbeat: lastHeartbeat,
	}
}

func parseAgent(fields map[string]string) (*AgentInfo, error) {
	a := &AgentInfo{
		AgentID:     fields[agentFieldID],
		Role:        Role(fields[agentFieldRole]),
		DomainType:  fields[agentFieldDomainType],
		Status:      Status(fields[agentFieldStatus]),
		ContainerID: fields[agentFieldContainerID],
	}

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{agentFieldCreatedAt, &a.CreatedAt},
		{agentFieldLastHeartbeat, &a.LastHeartbeat},
	} {
		raw := fields[f.name]
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s for agent %s: %w", f.name, a.AgentID, err)
		}
		*f.dst = t
	}

	return a, nil
}

// Registration carries the parameters for joining the fleet.
type Registration struct {
	AgentID     string
	Role        Role
	DomainType  string
	ContainerID string
}

func (r Registration) validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}
	if err := r.Role.Validate(); err != nil {
		return err
	}
	if r.Role == RoleDomain && r.DomainType == "" {
		return fmt.Errorf("domain type is required for role %s", RoleDomain)
	}
	return nil
}
