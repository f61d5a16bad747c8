// ABOUTME: Heartbeat-lease agent registry: membership, liveness, and discovery
// ABOUTME: Liveness is inferred from lease TTL expiry, never from direct pings

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-fleet/internal/store"
)

var (
	// ErrNotFound is returned when no record exists for an agent id.
	ErrNotFound = errors.New("agent not found")
	// ErrNoAvailable is returned by FindAvailableDomain when no candidate is
	// both active and lease-healthy.
	ErrNoAvailable = errors.New("no available agent")
)

// DefaultHeartbeatTTL is the lease lifetime. An agent that stops heartbeating
// is presumed dead once this elapses, never sooner.
const DefaultHeartbeatTTL = 30 * time.Second

const (
	keyAll     = "agents:all"
	keyDomains = "agents:domains"
	keyWorkers = "agents:workers"
	keyMain    = "agents:main"
)

func infoKey(agentID string) string      { return "agents:info:" + agentID }
func heartbeatKey(agentID string) string { return "agents:heartbeat:" + agentID }
func domainSetKey(domainType string) string {
	return "agents:domains:" + domainType
}

// Registry tracks fleet membership on the shared store. Like the queue it is
// stateless; every process holds its own Registry over the same backend.
type Registry struct {
	store  *store.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New returns a Registry with the default heartbeat TTL.
func New(st *store.Client, logger *slog.Logger) *Registry {
	return NewWithTTL(st, DefaultHeartbeatTTL, logger)
}

// NewWithTTL returns a Registry with a custom lease lifetime.
func NewWithTTL(st *store.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Registry{
		store:  st,
		ttl:    ttl,
		logger: logger.With("component", "registry"),
	}
}

// HeartbeatTTL returns the configured lease lifetime.
func (r *Registry) HeartbeatTTL() time.Duration {
	return r.ttl
}

// Register writes the agent's record, joins its membership sets, and creates
// the initial heartbeat lease as one unconditional batch, so a reader never
// observes the agent in a set without its record. Registering an existing id
// overwrites the previous record. Returns the stored record.
func (r *Registry) Register(ctx context.Context, reg Registration) (*AgentInfo, error) {
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	now := time.Now().UTC()
	info := &AgentInfo{
		AgentID:       reg.AgentID,
		Role:          reg.Role,
		DomainType:    reg.DomainType,
		Status:        StatusActive,
		ContainerID:   reg.ContainerID,
		CreatedAt:     now,
		LastHeartbeat: now,
	}

	_, err := r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, infoKey(info.AgentID), info.hashFields())
		pipe.SAdd(ctx, keyAll, info.AgentID)
		if err := joinRoleSets(ctx, pipe, info); err != nil {
			return err
		}
		pipe.Set(ctx, heartbeatKey(info.AgentID), now.Format(time.RFC3339Nano), r.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registering agent %s: %w", reg.AgentID, err)
	}

	r.logger.Info("agent registered",
		"agent_id", info.AgentID,
		"role", info.Role,
		"domain_type", info.DomainType)
	return info, nil
}

// Deregister removes the agent's record, memberships, and lease. Returns
// false without error when the agent was never registered.
func (r *Registry) Deregister(ctx context.Context, agentID string) (bool, error) {
	info, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ownsMain := false
	if info.Role == RoleMain {
		current, err := r.store.Get(ctx, keyMain).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("deregistering agent %s: %w", agentID, err)
		}
		ownsMain = current == agentID
	}

	_, err = r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, infoKey(agentID))
		pipe.SRem(ctx, keyAll, agentID)
		if err := leaveRoleSets(ctx, pipe, info, ownsMain); err != nil {
			return err
		}
		pipe.Del(ctx, heartbeatKey(agentID))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deregistering agent %s: %w", agentID, err)
	}

	r.logger.Info("agent deregistered", "agent_id", agentID, "role", info.Role)
	return true, nil
}

// Heartbeat refreshes the agent's lease and stamps last_heartbeat. Returns
// false without writing when the agent is not registered; a heartbeat never
// resurrects a deregistered agent.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	exists, err := r.store.Exists(ctx, infoKey(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("heartbeat for agent %s: %w", agentID, err)
	}
	if exists == 0 {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = r.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, heartbeatKey(agentID), now, r.ttl)
		pipe.HSet(ctx, infoKey(agentID), agentFieldLastHeartbeat, now)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat for agent %s: %w", agentID, err)
	}
	return true, nil
}

// IsHealthy reports whether the agent's lease is currently live. This is a
// lease check, not a ping: a dead process stays "healthy" until its last
// heartbeat's TTL runs out.
func (r *Registry) IsHealthy(ctx context.Context, agentID string) (bool, error) {
	n, err := r.store.Exists(ctx, heartbeatKey(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking health of agent %s: %w", agentID, err)
	}
	return n > 0, nil
}

// UnhealthyAgents returns the ids of registered agents without a live lease.
func (r *Registry) UnhealthyAgents(ctx context.Context) ([]string, error) {
	ids, err := r.store.SMembers(ctx, keyAll).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	var unhealthy []string
	for _, id := range ids {
		healthy, err := r.IsHealthy(ctx, id)
		if err != nil {
			return nil, err
		}
		if !healthy {
			unhealthy = append(unhealthy, id)
		}
	}
	return unhealthy, nil
}

// CleanupDeadAgents deregisters every agent whose lease has expired and
// returns their ids. This is reconciliation for processes that died without
// deregistering; run it on a timer, key expiry alone removes only the lease.
func (r *Registry) CleanupDeadAgents(ctx context.Context) ([]string, error) {
	dead, err := r.UnhealthyAgents(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, id := range dead {
		ok, err := r.Deregister(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		r.logger.Info("removed dead agents", "count", len(removed), "agent_ids", removed)
	}
	return removed, nil
}

// FindAvailableDomain returns the first agent of the given domain type that
// is both status active and lease-healthy. Selection among candidates is
// unspecified; there is no load balancing. Returns ErrNoAvailable when no
// candidate qualifies.
func (r *Registry) FindAvailableDomain(ctx context.Context, domainType string) (*AgentInfo, error) {
	ids, err := r.store.SMembers(ctx, domainSetKey(domainType)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s domain agents: %w", domainType, err)
	}

	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if info.Status != StatusActive {
			continue
		}
		healthy, err := r.IsHealthy(ctx, id)
		if err != nil {
			return nil, err
		}
		if healthy {
			return info, nil
		}
	}
	return nil, fmt.Errorf("domain type %s: %w", domainType, ErrNoAvailable)
}

// UpdateStatus writes the agent's status field. Any transition is legal.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status Status) error {
	exists, err := r.store.Exists(ctx, infoKey(agentID)).Result()
	if err != nil {
		return fmt.Errorf("updating status for agent %s: %w", agentID, err)
	}
	if exists == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	if err := r.store.HSet(ctx, infoKey(agentID), agentFieldStatus, string(status)).Err(); err != nil {
		return fmt.Errorf("updating status for agent %s: %w", agentID, err)
	}
	return nil
}

// SetBusy marks the agent as processing a task.
func (r *Registry) SetBusy(ctx context.Context, agentID string) error {
	return r.UpdateStatus(ctx, agentID, StatusBusy)
}

// SetActive marks the agent as idle and accepting work.
func (r *Registry) SetActive(ctx context.Context, agentID string) error {
	return r.UpdateStatus(ctx, agentID, StatusActive)
}

// Get returns the agent's record, ErrNotFound when none exists.
func (r *Registry) Get(ctx context.Context, agentID string) (*AgentInfo, error) {
	fields, err := r.store.HGetAll(ctx, infoKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", agentID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return parseAgent(fields)
}

// List returns the records of all registered agents. Ids whose record
// vanished mid-scan are skipped.
func (r *Registry) List(ctx context.Context) ([]*AgentInfo, error) {
	ids, err := r.store.SMembers(ctx, keyAll).Result()
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	agents := make([]*AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, info)
	}
	return agents, nil
}

// MainAgent resolves the coordinator singleton to its record. ErrNotFound
// when no coordinator is registered.
func (r *Registry) MainAgent(ctx context.Context) (*AgentInfo, error) {
	id, err := r.store.Get(ctx, keyMain).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("coordinator: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving coordinator: %w", err)
	}
	return r.Get(ctx, id)
}
