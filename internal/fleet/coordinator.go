// ABOUTME: Coordinator that keeps domain capacity available and dispatches tasks end to end
// ABOUTME: Also runs the reaper loop that reconciles registry and container state

package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-fleet/internal/queue"
	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/spawner"
)

// ErrEnsureTimeout reports that a spawned domain's runner never registered
// and went active within the ensure timeout.
var ErrEnsureTimeout = errors.New("domain agent did not become ready")

// Default coordinator timings.
const (
	DefaultReapInterval    = 60 * time.Second
	DefaultEnsureTimeout   = 90 * time.Second
	DefaultDispatchTimeout = 10 * time.Minute
	DefaultPollInterval    = 500 * time.Millisecond
)

// TaskQueue is the slice of the task queue the coordinator uses.
type TaskQueue interface {
	Publish(ctx context.Context, domain string, t queue.Task) (string, error)
	WaitForResult(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (*queue.TaskResult, error)
}

// AgentRegistry is the slice of the agent registry the coordinator uses.
type AgentRegistry interface {
	FindAvailableDomain(ctx context.Context, domainType string) (*registry.AgentInfo, error)
	Get(ctx context.Context, agentID string) (*registry.AgentInfo, error)
	CleanupDeadAgents(ctx context.Context) ([]string, error)
}

// DomainSpawner is the slice of the spawner the coordinator uses.
type DomainSpawner interface {
	Spawn(ctx context.Context, domainType string, opts spawner.SpawnOptions) (string, error)
	CleanupStopped(ctx context.Context) ([]string, error)
}

// Options tunes coordinator behavior. Zero fields use the package defaults.
type Options struct {
	// ReapInterval paces the Run reconcile loop.
	ReapInterval time.Duration

	// EnsureTimeout bounds how long EnsureDomain waits for a freshly
	// spawned runner to register and go active.
	EnsureTimeout time.Duration

	// DispatchTimeout bounds the result wait in Dispatch.
	DispatchTimeout time.Duration

	// PollInterval paces the registration poll in EnsureDomain.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	if o.EnsureTimeout <= 0 {
		o.EnsureTimeout = DefaultEnsureTimeout
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Report summarizes one reconcile pass.
type Report struct {
	// DeadAgents are registry entries removed for missing heartbeats.
	DeadAgents []string

	// StoppedDomains are exited or dead containers that were removed.
	StoppedDomains []string
}

// Coordinator ties the queue, registry and spawner together: it guarantees
// domain capacity, dispatches tasks end to end, and reconciles crashed
// state on a timer.
type Coordinator struct {
	queue    TaskQueue
	registry AgentRegistry
	spawner  DomainSpawner
	opts     Options
	logger   *slog.Logger
}

// New returns a Coordinator. A nil logger falls back to slog.Default.
func New(q TaskQueue, r AgentRegistry, s DomainSpawner, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:    q,
		registry: r,
		spawner:  s,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "coordinator"),
	}
}

// EnsureDomain returns an available agent for the domain type, spawning a
// container when none is registered. After a spawn it waits for the new
// runner to register and report active, bounded by Options.EnsureTimeout;
// lapsing yields ErrEnsureTimeout.
func (c *Coordinator) EnsureDomain(ctx context.Context, domainType string) (*registry.AgentInfo, error) {
	agent, err := c.registry.FindAvailableDomain(ctx, domainType)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, registry.ErrNoAvailable) {
		return nil, err
	}

	c.logger.Info("no available agent, spawning domain", "domain_type", domainType)

	domainID, err := c.spawner.Spawn(ctx, domainType, spawner.SpawnOptions{})
	if err != nil {
		return nil, fmt.Errorf("ensuring %s domain: %w", domainType, err)
	}

	return c.awaitRegistration(ctx, domainID)
}

// awaitRegistration polls the registry until the agent exists and reports
// active. The runner inside the container registers under its hostname,
// which the spawner set to the domain ID.
func (c *Coordinator) awaitRegistration(ctx context.Context, agentID string) (*registry.AgentInfo, error) {
	wctx, cancel := context.WithTimeout(ctx, c.opts.EnsureTimeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		agent, err := c.registry.Get(ctx, agentID)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return nil, err
		}
		if err == nil && agent.Status == registry.StatusActive {
			c.logger.Info("domain agent ready", "agent_id", agentID)
			return agent, nil
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrEnsureTimeout)
		case <-ticker.C:
		}
	}
}

// Dispatch publishes a task to the domain type's queue, spawning capacity
// first when needed, and blocks until the task reaches a terminal status
// or Options.DispatchTimeout lapses.
func (c *Coordinator) Dispatch(ctx context.Context, domainType string, t queue.Task) (*queue.TaskResult, error) {
	agent, err := c.EnsureDomain(ctx, domainType)
	if err != nil {
		return nil, err
	}

	taskID, err := c.queue.Publish(ctx, domainType, t)
	if err != nil {
		return nil, err
	}

	c.logger.Info("task dispatched",
		"task_id", taskID, "domain_type", domainType, "agent_id", agent.AgentID)

	return c.queue.WaitForResult(ctx, taskID, c.opts.DispatchTimeout, 0)
}

// Reconcile removes agents whose heartbeat lease expired and containers
// that exited or died. Partial failures do not stop the pass; the joined
// error reports everything that went wrong alongside what was removed.
func (c *Coordinator) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	agents, err := c.registry.CleanupDeadAgents(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleaning dead agents: %w", err))
	}
	report.DeadAgents = agents

	domains, err := c.spawner.CleanupStopped(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleaning stopped domains: %w", err))
	}
	report.StoppedDomains = domains

	return report, errors.Join(errs...)
}

// Run reconciles immediately and then on every tick of
// Options.ReapInterval until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("reaper started", "interval", c.opts.ReapInterval)

	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()

	for {
		report, err := c.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("reconcile pass had errors", "error", err)
		}
		if len(report.DeadAgents) > 0 || len(report.StoppedDomains) > 0 {
			c.logger.Info("reconcile pass removed state",
				"dead_agents", report.DeadAgents,
				"stopped_domains", report.StoppedDomains)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
