// ABOUTME: Tests for the coordinator against miniredis and a fake spawner
// ABOUTME: Covers ensure/spawn waits, end-to-end dispatch and reaper sweeps

package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-fleet/internal/queue"
	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/spawner"
	"github.com/2389/coven-fleet/internal/store"
)

// fakeSpawner stands in for the container side. onSpawn lets a test play
// the part of the runner that would boot inside the new container.
type fakeSpawner struct {
	mu       sync.Mutex
	nextID   int
	spawned  []string
	spawnErr error

	stopped    []string
	cleanupErr error

	onSpawn func(domainID string)
}

func (f *fakeSpawner) Spawn(_ context.Context, domainType string, _ spawner.SpawnOptions) (string, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		defer f.mu.Unlock()
		return "", f.spawnErr
	}
	f.nextID++
	domainID := fmt.Sprintf("%s-%08x", domainType, f.nextID)
	f.spawned = append(f.spawned, domainID)
	hook := f.onSpawn
	f.mu.Unlock()

	if hook != nil {
		hook(domainID)
	}
	return domainID, nil
}

func (f *fakeSpawner) CleanupStopped(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped, f.cleanupErr
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

type testFleet struct {
	coord    *Coordinator
	queue    *queue.Queue
	registry *registry.Registry
	spawner  *fakeSpawner
	mr       *miniredis.Miniredis
}

func newTestFleet(t *testing.T, opts Options) *testFleet {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.Open(store.Config{URL: "redis://" + mr.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, nil)
	r := registry.New(st, nil)
	fs := &fakeSpawner{}
	return &testFleet{
		coord:    New(q, r, fs, opts, nil),
		queue:    q,
		registry: r,
		spawner:  fs,
		mr:       mr,
	}
}

func registerDomainAgent(t *testing.T, r *registry.Registry, agentID, domainType string) {
	t.Helper()
	_, err := r.Register(context.Background(), registry.Registration{
		AgentID:    agentID,
		Role:       registry.RoleDomain,
		DomainType: domainType,
	})
	require.NoError(t, err)
}

func TestEnsureDomain(t *testing.T) {
	ctx := context.Background()

	t.Run("uses already available agent", func(t *testing.T) {
		tf := newTestFleet(t, Options{})
		registerDomainAgent(t, tf.registry, "backend-existing", "backend")

		agent, err := tf.coord.EnsureDomain(ctx, "backend")
		require.NoError(t, err)
		assert.Equal(t, "backend-existing", agent.AgentID)
		assert.Zero(t, tf.spawner.spawnCount())
	})

	t.Run("spawns and waits for registration", func(t *testing.T) {
		tf := newTestFleet(t, Options{PollInterval: 10 * time.Millisecond, EnsureTimeout: 3 * time.Second})
		tf.spawner.onSpawn = func(domainID string) {
			// The runner takes a moment to boot and register.
			go func() {
				time.Sleep(100 * time.Millisecond)
				registerDomainAgent(t, tf.registry, domainID, "backend")
			}()
		}

		agent, err := tf.coord.EnsureDomain(ctx, "backend")
		require.NoError(t, err)
		assert.Equal(t, 1, tf.spawner.spawnCount())
		assert.Equal(t, registry.StatusActive, agent.Status)
		assert.Equal(t, "backend", agent.DomainType)
	})

	t.Run("waits past starting status", func(t *testing.T) {
		tf := newTestFleet(t, Options{PollInterval: 10 * time.Millisecond, EnsureTimeout: 3 * time.Second})
		tf.spawner.onSpawn = func(domainID string) {
			registerDomainAgent(t, tf.registry, domainID, "backend")
			require.NoError(t, tf.registry.UpdateStatus(ctx, domainID, registry.StatusStarting))
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = tf.registry.SetActive(ctx, domainID)
			}()
		}

		agent, err := tf.coord.EnsureDomain(ctx, "backend")
		require.NoError(t, err)
		assert.Equal(t, registry.StatusActive, agent.Status)
	})

	t.Run("times out when runner never registers", func(t *testing.T) {
		tf := newTestFleet(t, Options{PollInterval: 10 * time.Millisecond, EnsureTimeout: 100 * time.Millisecond})

		_, err := tf.coord.EnsureDomain(ctx, "backend")
		assert.ErrorIs(t, err, ErrEnsureTimeout)
	})

	t.Run("spawn failure propagates", func(t *testing.T) {
		tf := newTestFleet(t, Options{})
		tf.spawner.spawnErr = errors.New("image not found")

		_, err := tf.coord.EnsureDomain(ctx, "backend")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "image not found")
	})

	t.Run("cancellation stops the wait", func(t *testing.T) {
		tf := newTestFleet(t, Options{PollInterval: 10 * time.Millisecond, EnsureTimeout: 5 * time.Second})

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		_, err := tf.coord.EnsureDomain(cctx, "backend")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through a worker", func(t *testing.T) {
		tf := newTestFleet(t, Options{DispatchTimeout: 5 * time.Second})
		registerDomainAgent(t, tf.registry, "backend-worker", "backend")

		// Play the worker: claim the task and publish its result.
		go func() {
			msg, err := tf.queue.Next(ctx, "backend", 3*time.Second)
			if err != nil {
				return
			}
			_ = tf.queue.PublishResult(ctx, msg.TaskID,
				queue.Values{"response": "users table created"}, queue.StatusCompleted, "")
		}()

		result, err := tf.coord.Dispatch(ctx, "backend", queue.Task{
			Description: "Create users table",
			Source:      "main-orchestrator",
		})
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, result.Status)
		assert.Equal(t, "users table created", result.Output["response"])
	})

	t.Run("times out without a worker", func(t *testing.T) {
		tf := newTestFleet(t, Options{DispatchTimeout: 1200 * time.Millisecond})
		registerDomainAgent(t, tf.registry, "backend-idle", "backend")

		_, err := tf.coord.Dispatch(ctx, "backend", queue.Task{
			Description: "Nobody will pick this up",
			Source:      "main-orchestrator",
		})
		assert.ErrorIs(t, err, queue.ErrWaitTimeout)

		// The task itself stays queued for when capacity returns.
		n, err := tf.queue.Length(ctx, "backend")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("ensure failure short-circuits publish", func(t *testing.T) {
		tf := newTestFleet(t, Options{})
		tf.spawner.spawnErr = errors.New("docker daemon unreachable")

		_, err := tf.coord.Dispatch(ctx, "backend", queue.Task{
			Description: "Never published",
			Source:      "main-orchestrator",
		})
		require.Error(t, err)

		n, err := tf.queue.Length(ctx, "backend")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps dead agents and stopped domains", func(t *testing.T) {
		tf := newTestFleet(t, Options{})
		registerDomainAgent(t, tf.registry, "backend-alive", "backend")
		registerDomainAgent(t, tf.registry, "backend-dead", "backend")
		tf.mr.Del("agents:heartbeat:backend-dead")
		tf.spawner.stopped = []string{"frontend-deadbeef"}

		report, err := tf.coord.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"backend-dead"}, report.DeadAgents)
		assert.Equal(t, []string{"frontend-deadbeef"}, report.StoppedDomains)

		_, err = tf.registry.Get(ctx, "backend-alive")
		assert.NoError(t, err)
		_, err = tf.registry.Get(ctx, "backend-dead")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("partial failure still sweeps the registry", func(t *testing.T) {
		tf := newTestFleet(t, Options{})
		registerDomainAgent(t, tf.registry, "backend-dead", "backend")
		tf.mr.Del("agents:heartbeat:backend-dead")
		tf.spawner.cleanupErr = errors.New("docker daemon unreachable")

		report, err := tf.coord.Reconcile(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cleaning stopped domains")
		assert.Equal(t, []string{"backend-dead"}, report.DeadAgents)
	})
}

func TestRun(t *testing.T) {
	tf := newTestFleet(t, Options{ReapInterval: 50 * time.Millisecond})
	registerDomainAgent(t, tf.registry, "backend-dead", "backend")
	tf.mr.Del("agents:heartbeat:backend-dead")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, tf.coord.Run(ctx))

	_, err := tf.registry.Get(context.Background(), "backend-dead")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}
