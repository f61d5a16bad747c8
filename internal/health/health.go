// ABOUTME: Liveness probe shared by the CLI health command and container healthchecks
// ABOUTME: A nil return means the process may report itself healthy

// Package health implements the probe run inside domain containers and by
// the health subcommand. It answers two questions: can we reach the shared
// store, and is this agent still a live member of the fleet.
package health

import (
	"context"
	"fmt"

	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/store"
)

// Check verifies the store is reachable and, when agentID is non-empty,
// that the agent is still registered and not shutting down. Container
// healthchecks call this and exit non-zero on error.
func Check(ctx context.Context, st *store.Client, reg *registry.Registry, agentID string) error {
	if err := st.Check(ctx); err != nil {
		return err
	}
	if agentID == "" {
		return nil
	}

	info, err := reg.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	if info.Status == registry.StatusStopping {
		return fmt.Errorf("agent %s is stopping", agentID)
	}
	return nil
}
