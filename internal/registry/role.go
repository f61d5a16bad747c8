// ABOUTME: Closed role variant with the single dispatch point for membership-set writes
// ABOUTME: Register and Deregister both route through these switches; no role strings elsewhere

package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Role identifies an agent's place in the fleet. The set of roles is closed:
// main is the single coordinator, domain agents serve one domain type each,
// workers are general-purpose executors.
type Role string

const (
	RoleMain   Role = "main"
	RoleDomain Role = "domain"
	RoleWorker Role = "worker"
)

// Validate rejects roles outside the closed set.
func (r Role) Validate() error {
	switch r {
	case RoleMain, RoleDomain, RoleWorker:
		return nil
	default:
		return fmt.Errorf("unknown role %q", r)
	}
}

// ParseRole converts a wire or CLI string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// joinRoleSets queues the membership writes for an agent joining the fleet.
// This switch and leaveRoleSets are the only places role determines keys.
func joinRoleSets(ctx context.Context, pipe redis.Pipeliner, info *AgentInfo) error {
	switch info.Role {
	case RoleMain:
		pipe.Set(ctx, keyMain, info.AgentID, 0)
	case RoleDomain:
		pipe.SAdd(ctx, keyDomains, info.AgentID)
		pipe.SAdd(ctx, domainSetKey(info.DomainType), info.AgentID)
	case RoleWorker:
		pipe.SAdd(ctx, keyWorkers, info.AgentID)
	default:
		return fmt.Errorf("unknown role %q", info.Role)
	}
	return nil
}

// leaveRoleSets queues the membership removals for a departing agent.
// ownsMain guards the coordinator singleton: the key is only deleted when it
// still names this agent, so a newer coordinator's claim survives.
func leaveRoleSets(ctx context.Context, pipe redis.Pipeliner, info *AgentInfo, ownsMain bool) error {
	switch info.Role {
	case RoleMain:
		if ownsMain {
			pipe.Del(ctx, keyMain)
		}
	case RoleDomain:
		pipe.SRem(ctx, keyDomains, info.AgentID)
		pipe.SRem(ctx, domainSetKey(info.DomainType), info.AgentID)
	case RoleWorker:
		pipe.SRem(ctx, keyWorkers, info.AgentID)
	default:
		return fmt.Errorf("unknown role %q", info.Role)
	}
	return nil
}
