// ABOUTME: The worker loop that runs inside a domain orchestrator container
// ABOUTME: Registers with the fleet, claims tasks, executes them, reports results

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-fleet/internal/queue"
	"github.com/2389/coven-fleet/internal/registry"
)

// DefaultNextWait is how long each queue poll blocks before the runner
// checks for shutdown and tries again.
const DefaultNextWait = 5 * time.Second

const shutdownTimeout = 5 * time.Second

// Config identifies the runner and tunes its loop.
type Config struct {
	// AgentID is the registry identity. Empty means "{DomainType}-runner";
	// inside a container the entrypoint passes the hostname, which the
	// spawner set to the domain ID.
	AgentID string

	// DomainType selects the task queue to consume. Required.
	DomainType string

	// ContainerID is recorded in the registry entry, normally the
	// container hostname.
	ContainerID string

	// NextWait bounds each blocking queue read. Zero means
	// DefaultNextWait.
	NextWait time.Duration
}

// Runner consumes one domain's task queue and executes each task. It owns
// its registry lifecycle: register on start, heartbeat in the background,
// deregister on shutdown.
type Runner struct {
	queue    *queue.Queue
	registry *registry.Registry
	executor Executor
	cfg      Config
	logger   *slog.Logger
}

// New returns a Runner. A nil logger falls back to slog.Default.
func New(q *queue.Queue, r *registry.Registry, executor Executor, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgentID == "" {
		cfg.AgentID = cfg.DomainType + "-runner"
	}
	if cfg.NextWait <= 0 {
		cfg.NextWait = DefaultNextWait
	}
	return &Runner{
		queue:    q,
		registry: r,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "runner", "agent_id", cfg.AgentID),
	}
}

// Run registers the agent and consumes tasks until ctx is cancelled, then
// deregisters. A task claimed before cancellation is finished and its
// result published; the container's stop grace period bounds that drain.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.DomainType == "" {
		return fmt.Errorf("domain type is required")
	}

	info, err := r.registry.Register(ctx, registry.Registration{
		AgentID:     r.cfg.AgentID,
		Role:        registry.RoleDomain,
		DomainType:  r.cfg.DomainType,
		ContainerID: r.cfg.ContainerID,
	})
	if err != nil {
		return fmt.Errorf("joining fleet: %w", err)
	}

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeats(ctx)
	}()

	r.logger.Info("runner started",
		"domain_type", r.cfg.DomainType,
		"status", info.Status,
		"next_wait", r.cfg.NextWait)

	for ctx.Err() == nil {
		msg, err := r.queue.Next(ctx, r.cfg.DomainType, r.cfg.NextWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, queue.ErrNoTask) {
				r.logger.Error("reading task queue", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}

		// Finish the task even if shutdown starts while it runs.
		r.process(context.WithoutCancel(ctx), msg)
	}

	<-hbDone
	r.shutdown()
	return nil
}

// process runs one claimed task through the full lifecycle: mark busy, log
// the claim, execute, publish the terminal result, drop the task from the
// active list, mark available again.
func (r *Runner) process(ctx context.Context, msg *queue.TaskMessage) {
	log := r.logger.With("task_id", msg.TaskID)
	log.Info("processing task", "source", msg.Source)

	if err := r.registry.SetBusy(ctx, r.cfg.AgentID); err != nil {
		log.Warn("could not mark agent busy", "error", err)
	}
	if err := r.queue.AddLog(ctx, msg.TaskID, "Task received by "+r.cfg.AgentID); err != nil {
		log.Warn("could not append task log", "error", err)
	}

	output, execErr := r.executor.Execute(ctx, msg)
	if execErr != nil {
		log.Warn("task failed", "error", execErr)
		if err := r.queue.PublishResult(ctx, msg.TaskID, output, queue.StatusFailed, execErr.Error()); err != nil {
			log.Error("could not publish failure result", "error", err)
		}
	} else {
		log.Info("task completed")
		if err := r.queue.PublishResult(ctx, msg.TaskID, output, queue.StatusCompleted, ""); err != nil {
			log.Error("could not publish result", "error", err)
		}
	}

	if err := r.queue.Complete(ctx, r.cfg.DomainType, msg); err != nil {
		log.Warn("could not clear task from active list", "error", err)
	}
	if err := r.registry.SetActive(ctx, r.cfg.AgentID); err != nil {
		log.Warn("could not mark agent available", "error", err)
	}
}

// heartbeats renews the registry lease at a third of its TTL until ctx is
// cancelled, so two consecutive misses still leave the lease alive.
func (r *Runner) heartbeats(ctx context.Context) {
	interval := r.registry.HeartbeatTTL() / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.registry.Heartbeat(ctx, r.cfg.AgentID)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("heartbeat failed", "error", err)
				}
			} else if !ok {
				r.logger.Warn("heartbeat refused, agent no longer registered")
			}
		}
	}
}

// shutdown announces the stop and leaves the fleet. The run context is
// already cancelled by now, so this uses its own deadline.
func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := r.registry.UpdateStatus(ctx, r.cfg.AgentID, registry.StatusStopping); err != nil {
		r.logger.Warn("could not mark agent stopping", "error", err)
	}
	if _, err := r.registry.Deregister(ctx, r.cfg.AgentID); err != nil {
		r.logger.Warn("could not deregister agent", "error", err)
	}
	r.logger.Info("runner stopped")
}
