// ABOUTME: Per-domain FIFO task queues on Redis lists with atomic pending-to-active hand-off
// ABOUTME: Publishes tasks, moves them to the active list on pickup, and tracks per-task logs

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-fleet/internal/store"
)

var (
	// ErrNoTask is returned by Next when no task is available within the wait.
	ErrNoTask = errors.New("no task available")
	// ErrNotFound is returned when no result record exists for a task id.
	ErrNotFound = errors.New("result not found")
	// ErrWaitTimeout is returned by WaitForResult when the deadline passes
	// before the result turns terminal.
	ErrWaitTimeout = errors.New("timed out waiting for result")
)

const (
	// DefaultTaskTimeout is the execution limit stamped on tasks published
	// without an explicit timeout.
	DefaultTaskTimeout = time.Hour

	// defaultPollInterval paces the poll fallback in result waits.
	defaultPollInterval = time.Second
)

func pendingKey(domain string) string { return "tasks:pending:" + domain }
func activeKey(domain string) string  { return "tasks:active:" + domain }
func resultKey(taskID string) string  { return "results:" + taskID }
func logsKey(taskID string) string    { return resultKey(taskID) + ":logs" }
func notifyChannel(domain string) string {
	return "notifications:" + domain
}

// Queue is the task queue and result store for all domains. It is stateless;
// every operation round-trips through the shared store, so any number of
// producers and consumers may hold their own Queue over the same backend.
type Queue struct {
	store  *store.Client
	logger *slog.Logger
}

// New returns a Queue operating on the given store. Pass nil logger for the
// default.
func New(st *store.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  st,
		logger: logger.With("component", "queue"),
	}
}

// Publish appends a new task to the tail of the domain's pending queue,
// creates its pending result record, and emits a notification on the domain
// channel. The record write and queue append run as one unconditional batch,
// so a concurrent Next never observes a queued task without a result record.
// Returns the generated task id.
func (q *Queue) Publish(ctx context.Context, domain string, t Task) (string, error) {
	if domain == "" {
		return "", errors.New("domain is required")
	}

	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTaskTimeout
	}

	now := time.Now().UTC()
	msg := &TaskMessage{
		TaskID:      uuid.New().String(),
		Type:        TypeTaskAssignment,
		Source:      t.Source,
		Destination: domain,
		Timestamp:   now,
		Payload: Payload{
			Description:  t.Description,
			Requirements: t.Requirements,
			Context:      t.Context,
		},
		Metadata: Metadata{
			Priority:       t.Priority,
			TimeoutSeconds: int(t.Timeout / time.Second),
		},
	}

	data, err := msg.Encode()
	if err != nil {
		return "", err
	}

	// The notification rides in the same batch; it is advisory either way,
	// since consumers that miss it still see the task via their blocking pop.
	_, err = q.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, resultKey(msg.TaskID), map[string]any{
			fieldTaskID:    msg.TaskID,
			fieldStatus:    string(StatusPending),
			fieldCreatedAt: now.Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, pendingKey(domain), data)
		pipe.Publish(ctx, notifyChannel(domain), data)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("publishing task to %s: %w", domain, err)
	}

	q.logger.Debug("task published",
		"task_id", msg.TaskID,
		"domain", domain,
		"priority", t.Priority)
	return msg.TaskID, nil
}

// Next atomically pops the oldest pending task and pushes it onto the
// domain's active list, then marks its result in_progress. With wait zero it
// returns immediately; with a positive wait it blocks up to that long for a
// push (Redis blocking pops have whole-second resolution, sub-second waits
// round up to one second). Returns ErrNoTask when nothing arrives in time.
//
// If the consumer dies after Next but before Complete, the task stays visible
// on the active list; nothing requeues it automatically.
func (q *Queue) Next(ctx context.Context, domain string, wait time.Duration) (*TaskMessage, error) {
	var (
		val string
		err error
	)
	if wait > 0 {
		val, err = q.store.BRPopLPush(ctx, pendingKey(domain), activeKey(domain), wait).Result()
	} else {
		val, err = q.store.RPopLPush(ctx, pendingKey(domain), activeKey(domain)).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("popping task from %s: %w", domain, err)
	}

	msg, err := decodeTask([]byte(val))
	if err != nil {
		return nil, fmt.Errorf("task from %s: %w", domain, err)
	}

	err = q.store.HSet(ctx, resultKey(msg.TaskID),
		fieldStatus, string(StatusInProgress),
		fieldStartedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		// The task is already on the active list; surface the error and leave
		// it there for manual recovery.
		return nil, fmt.Errorf("marking task %s in progress: %w", msg.TaskID, err)
	}

	q.logger.Debug("task dequeued", "task_id", msg.TaskID, "domain", domain)
	return msg, nil
}

// Complete removes one occurrence of the task from the domain's active list.
// The consumer that dequeued the task must call this exactly once, after
// publishing its result. Completing a task that is not on the active list is
// logged but not an error.
func (q *Queue) Complete(ctx context.Context, domain string, msg *TaskMessage) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	n, err := q.store.LRem(ctx, activeKey(domain), 1, data).Result()
	if err != nil {
		return fmt.Errorf("completing task %s: %w", msg.TaskID, err)
	}
	if n == 0 {
		q.logger.Warn("task not found on active list",
			"task_id", msg.TaskID,
			"domain", domain)
		return nil
	}

	q.logger.Debug("task completed", "task_id", msg.TaskID, "domain", domain)
	return nil
}

// Length returns the number of tasks waiting in the domain's pending queue.
func (q *Queue) Length(ctx context.Context, domain string) (int64, error) {
	n, err := q.store.LLen(ctx, pendingKey(domain)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length for %s: %w", domain, err)
	}
	return n, nil
}

// Active returns the tasks currently on the domain's active list, oldest
// last. Operators use this to find work orphaned by a crashed consumer.
func (q *Queue) Active(ctx context.Context, domain string) ([]*TaskMessage, error) {
	vals, err := q.store.LRange(ctx, activeKey(domain), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading active list for %s: %w", domain, err)
	}

	msgs := make([]*TaskMessage, 0, len(vals))
	for _, v := range vals {
		m, err := decodeTask([]byte(v))
		if err != nil {
			return nil, fmt.Errorf("active list for %s: %w", domain, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// AddLog appends a timestamped line to the task's log list.
func (q *Queue) AddLog(ctx context.Context, taskID, entry string) error {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), entry)
	if err := q.store.RPush(ctx, logsKey(taskID), line).Err(); err != nil {
		return fmt.Errorf("appending log for task %s: %w", taskID, err)
	}
	return nil
}

// Logs returns the task's log lines in append order.
func (q *Queue) Logs(ctx context.Context, taskID string) ([]string, error) {
	lines, err := q.store.LRange(ctx, logsKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading logs for task %s: %w", taskID, err)
	}
	return lines, nil
}
