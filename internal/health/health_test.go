// ABOUTME: Tests for the liveness probe
// ABOUTME: Covers store reachability and agent membership checks

package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/store"
)

func newTestDeps(t *testing.T) (*store.Client, *registry.Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.Open(store.Config{URL: "redis://" + mr.Addr()}, nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, registry.New(st, nil), mr
}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("store only", func(t *testing.T) {
		st, reg, _ := newTestDeps(t)

		if err := Check(ctx, st, reg, ""); err != nil {
			t.Errorf("Check() = %v, want nil", err)
		}
	})

	t.Run("registered agent", func(t *testing.T) {
		st, reg, _ := newTestDeps(t)
		_, err := reg.Register(ctx, registry.Registration{
			AgentID:    "backend-01",
			Role:       registry.RoleDomain,
			DomainType: "backend",
		})
		if err != nil {
			t.Fatalf("registering agent: %v", err)
		}

		if err := Check(ctx, st, reg, "backend-01"); err != nil {
			t.Errorf("Check() = %v, want nil", err)
		}
	})

	t.Run("unknown agent", func(t *testing.T) {
		st, reg, _ := newTestDeps(t)

		err := Check(ctx, st, reg, "backend-ghost")
		if !errors.Is(err, registry.ErrNotFound) {
			t.Errorf("Check() = %v, want ErrNotFound", err)
		}
	})

	t.Run("stopping agent", func(t *testing.T) {
		st, reg, _ := newTestDeps(t)
		_, err := reg.Register(ctx, registry.Registration{
			AgentID:    "backend-01",
			Role:       registry.RoleDomain,
			DomainType: "backend",
		})
		if err != nil {
			t.Fatalf("registering agent: %v", err)
		}
		if err := reg.UpdateStatus(ctx, "backend-01", registry.StatusStopping); err != nil {
			t.Fatalf("updating status: %v", err)
		}

		err = Check(ctx, st, reg, "backend-01")
		if err == nil || !strings.Contains(err.Error(), "stopping") {
			t.Errorf("Check() = %v, want stopping error", err)
		}
	})

	t.Run("unreachable store", func(t *testing.T) {
		st, reg, mr := newTestDeps(t)
		mr.Close()

		if err := Check(ctx, st, reg, ""); err == nil {
			t.Error("Check() = nil, want error for closed store")
		}
	})
}
