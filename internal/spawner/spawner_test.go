// ABOUTME: Tests for the spawner lifecycle against an in-memory runtime fake
// ABOUTME: Covers spawn waits, provision failures, discovery, health and cleanup

package spawner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainer models one container inside the fake runtime. The script
// holds the statuses successive Inspect calls will observe; once drained,
// the last status sticks.
type fakeContainer struct {
	id      string
	spec    ContainerSpec
	status  string
	health  string
	script  []string
	logs    string
	created time.Time
}

func (c *fakeContainer) advance() {
	if len(c.script) > 0 {
		c.status = c.script[0]
		c.script = c.script[1:]
	}
}

type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	nextScript []string
	nextLogs   string
	runErr     error
	containers map[string]*fakeContainer
	stopped    []string
	closed     bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) Run(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runErr != nil {
		return "", f.runErr
	}

	f.nextID++
	id := fmt.Sprintf("%064d", f.nextID)
	script := f.nextScript
	if script == nil {
		script = []string{StateRunning}
	}
	f.containers[id] = &fakeContainer{
		id:      id,
		spec:    spec,
		status:  StateCreated,
		script:  script,
		logs:    f.nextLogs,
		created: time.Now().UTC(),
	}
	f.nextScript = nil
	f.nextLogs = ""
	return id, nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (*ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	c.advance()
	return &ContainerState{
		ID:        c.id,
		Name:      c.spec.Name,
		Status:    c.status,
		Health:    c.health,
		Labels:    c.spec.Labels,
		CreatedAt: c.created,
	}, nil
}

func (f *fakeRuntime) List(_ context.Context, labels map[string]string, all bool) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ContainerSummary
	for _, c := range f.containers {
		if !matchLabels(c.spec.Labels, labels) {
			continue
		}
		if !all && c.status != StateRunning {
			continue
		}
		out = append(out, ContainerSummary{
			ID:        c.id,
			Name:      c.spec.Name,
			Status:    c.status,
			Labels:    c.spec.Labels,
			CreatedAt: c.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	c.status = StateExited
	c.script = nil
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.containers[id]; !ok {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Logs(_ context.Context, id string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	return c.logs, nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// only returns the single container in the fake, failing the test when the
// count is not exactly one.
func (f *fakeRuntime) only(t *testing.T) *fakeContainer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.containers, 1)
	for _, c := range f.containers {
		return c
	}
	return nil
}

func (f *fakeRuntime) byName(t *testing.T, name string) *fakeContainer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.spec.Name == name {
			return c
		}
	}
	t.Fatalf("no container named %s", name)
	return nil
}

func newTestSpawner(t *testing.T) (*Spawner, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	sp := New(rt, DomainConfig{}, nil)
	sp.poll = time.Millisecond
	return sp, rt
}

var domainIDPattern = regexp.MustCompile(`^backend-[0-9a-f]{8}$`)

func TestSpawn(t *testing.T) {
	ctx := context.Background()

	t.Run("starts container with defaults", func(t *testing.T) {
		sp, rt := newTestSpawner(t)

		domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)
		assert.Regexp(t, domainIDPattern, domainID)

		c := rt.only(t)
		assert.Equal(t, DefaultImage, c.spec.Image)
		assert.Equal(t, "domain-"+domainID, c.spec.Name)
		assert.Equal(t, domainID, c.spec.Hostname)
		assert.Equal(t, DefaultNetwork, c.spec.Network)
		assert.Equal(t, int64(1024*1024*1024), c.spec.Memory)
		assert.Equal(t, int64(50000), c.spec.CPUQuota)
		assert.Equal(t, "unless-stopped", c.spec.RestartPolicy)

		assert.Contains(t, c.spec.Env, "AGENT_ROLE=domain")
		assert.Contains(t, c.spec.Env, "AGENT_ID="+domainID)
		assert.Contains(t, c.spec.Env, "DOMAIN_TYPE=backend")
		assert.Contains(t, c.spec.Env, "REDIS_URL="+DefaultStoreURL)

		assert.Equal(t, "backend", c.spec.Labels[labelDomain])
		assert.Equal(t, domainID, c.spec.Labels[labelDomainID])
		assert.Equal(t, "true", c.spec.Labels[labelManaged])
	})

	t.Run("requires domain type", func(t *testing.T) {
		sp, _ := newTestSpawner(t)

		_, err := sp.Spawn(ctx, "", SpawnOptions{})
		assert.Error(t, err)
	})

	t.Run("per-spawn config override", func(t *testing.T) {
		sp, rt := newTestSpawner(t)

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{
			Config: &DomainConfig{Image: "custom:latest", MemoryLimit: "512m", CPULimit: 2},
		})
		require.NoError(t, err)

		c := rt.only(t)
		assert.Equal(t, "custom:latest", c.spec.Image)
		assert.Equal(t, int64(512*1024*1024), c.spec.Memory)
		assert.Equal(t, int64(200000), c.spec.CPUQuota)
		// Fields the override left zero still get package defaults.
		assert.Equal(t, DefaultNetwork, c.spec.Network)
	})

	t.Run("rejects bad memory limit", func(t *testing.T) {
		sp, rt := newTestSpawner(t)

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{
			Config: &DomainConfig{MemoryLimit: "plenty"},
		})
		require.Error(t, err)
		assert.Empty(t, rt.containers)
	})

	t.Run("waits through created state", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		rt.nextScript = []string{StateCreated, StateCreated, StateRunning}

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)
		assert.Equal(t, StateRunning, rt.only(t).status)
	})

	t.Run("reports early exit with logs", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		rt.nextScript = []string{StateCreated, StateExited}
		rt.nextLogs = "panic: cannot reach message broker"

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.Error(t, err)

		var pe *ProvisionError
		require.ErrorAs(t, err, &pe)
		assert.False(t, pe.TimedOut)
		assert.Equal(t, StateExited, pe.Status)
		assert.Regexp(t, domainIDPattern, pe.DomainID)
		assert.Contains(t, pe.Logs, "cannot reach message broker")
		assert.Contains(t, pe.Error(), "during startup")

		// The failed container stays behind for inspection.
		assert.Len(t, rt.containers, 1)
	})

	t.Run("times out when never running", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		rt.nextScript = []string{StateCreated}

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{StartTimeout: 25 * time.Millisecond})
		require.Error(t, err)

		var pe *ProvisionError
		require.ErrorAs(t, err, &pe)
		assert.True(t, pe.TimedOut)
		assert.Equal(t, StateCreated, pe.Status)
	})

	t.Run("no wait returns immediately", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		rt.nextScript = []string{StateCreated}

		domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{NoWait: true})
		require.NoError(t, err)
		require.NotEmpty(t, domainID)
		assert.Equal(t, StateCreated, rt.only(t).status)
	})

	t.Run("propagates runtime errors", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		rt.runErr = errors.New("image pull failed")

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image pull failed")
	})
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stops and removes", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)

		ok, err := sp.Stop(ctx, domainID, 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Len(t, rt.stopped, 1)
		assert.Empty(t, rt.containers)
	})

	t.Run("unknown domain is not an error", func(t *testing.T) {
		sp, _ := newTestSpawner(t)

		ok, err := sp.Stop(ctx, "backend-deadbeef", 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	sp, rt := newTestSpawner(t)

	backendID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
	require.NoError(t, err)
	_, err = sp.Spawn(ctx, "frontend", SpawnOptions{})
	require.NoError(t, err)

	// A container the spawner does not manage must stay invisible.
	_, err = rt.Run(ctx, ContainerSpec{Name: "unrelated", Labels: map[string]string{"app": "web"}})
	require.NoError(t, err)

	all, err := sp.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	backends, err := sp.List(ctx, "backend")
	require.NoError(t, err)
	require.Len(t, backends, 1)
	assert.Equal(t, backendID, backends[0].DomainID)
	assert.Equal(t, "backend", backends[0].DomainType)
	assert.Equal(t, "domain-"+backendID, backends[0].ContainerName)
	assert.Equal(t, StateRunning, backends[0].Status)
	assert.Len(t, backends[0].ContainerID, 12)
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("returns state and health", func(t *testing.T) {
		sp, rt := newTestSpawner(t)
		domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)
		rt.only(t).health = HealthHealthy

		info, err := sp.Get(ctx, domainID)
		require.NoError(t, err)
		assert.Equal(t, domainID, info.DomainID)
		assert.Equal(t, StateRunning, info.Status)
		assert.Equal(t, HealthHealthy, info.Health)
	})

	t.Run("unknown domain", func(t *testing.T) {
		sp, _ := newTestSpawner(t)

		_, err := sp.Get(ctx, "backend-deadbeef")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestIsHealthy(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		status  string
		health  string
		healthy bool
	}{
		{"running without probe", StateRunning, "", true},
		{"running and passing probe", StateRunning, HealthHealthy, true},
		{"running but failing probe", StateRunning, HealthUnhealthy, false},
		{"probe still starting", StateRunning, HealthStarting, false},
		{"exited", StateExited, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sp, rt := newTestSpawner(t)
			domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
			require.NoError(t, err)

			c := rt.only(t)
			c.status = tc.status
			c.health = tc.health

			healthy, err := sp.IsHealthy(ctx, domainID)
			require.NoError(t, err)
			assert.Equal(t, tc.healthy, healthy)
		})
	}

	t.Run("missing domain is unhealthy", func(t *testing.T) {
		sp, _ := newTestSpawner(t)

		healthy, err := sp.IsHealthy(ctx, "backend-deadbeef")
		require.NoError(t, err)
		assert.False(t, healthy)
	})
}

func TestHealthyDomain(t *testing.T) {
	ctx := context.Background()

	t.Run("skips unhealthy instances", func(t *testing.T) {
		sp, rt := newTestSpawner(t)

		firstID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)
		secondID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)

		rt.byName(t, "domain-"+firstID).status = StateExited

		info, err := sp.HealthyDomain(ctx, "backend")
		require.NoError(t, err)
		assert.Equal(t, secondID, info.DomainID)
	})

	t.Run("none healthy", func(t *testing.T) {
		sp, rt := newTestSpawner(t)

		domainID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)
		rt.byName(t, "domain-"+domainID).status = StateDead

		_, err = sp.HealthyDomain(ctx, "backend")
		assert.ErrorIs(t, err, ErrNoHealthyDomain)
	})

	t.Run("wrong type does not match", func(t *testing.T) {
		sp, _ := newTestSpawner(t)

		_, err := sp.Spawn(ctx, "backend", SpawnOptions{})
		require.NoError(t, err)

		_, err = sp.HealthyDomain(ctx, "frontend")
		assert.ErrorIs(t, err, ErrNoHealthyDomain)
	})
}

func TestCleanupStopped(t *testing.T) {
	ctx := context.Background()
	sp, rt := newTestSpawner(t)

	runningID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
	require.NoError(t, err)
	exitedID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
	require.NoError(t, err)
	deadID, err := sp.Spawn(ctx, "frontend", SpawnOptions{})
	require.NoError(t, err)

	rt.byName(t, "domain-"+exitedID).status = StateExited
	rt.byName(t, "domain-"+deadID).status = StateDead

	removed, err := sp.CleanupStopped(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{exitedID, deadID}, removed)

	remaining, err := sp.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, runningID, remaining[0].DomainID)
}

func TestCleanupAll(t *testing.T) {
	ctx := context.Background()
	sp, rt := newTestSpawner(t)

	firstID, err := sp.Spawn(ctx, "backend", SpawnOptions{})
	require.NoError(t, err)
	secondID, err := sp.Spawn(ctx, "frontend", SpawnOptions{})
	require.NoError(t, err)
	rt.byName(t, "domain-"+secondID).status = StateExited

	removed, err := sp.CleanupAll(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{firstID, secondID}, removed)
	assert.Empty(t, rt.containers)
}
