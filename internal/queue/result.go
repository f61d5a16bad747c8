// ABOUTME: Result store operations: terminal publication plus polling and event-driven waits
// ABOUTME: The hybrid wait races a pub/sub subscription against a poll so late subscribers never hang

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// completionEvent is the payload published on a task's result channel. It is
// purely a wake-up; waiters re-read the record rather than trusting it.
type completionEvent struct {
	TaskID string `json:"task_id"`
	Status Status `json:"status"`
}

// PublishResult sets the task's terminal fields and announces completion on
// the task-scoped channel. Status must be completed or failed. Publishing
// over an already-terminal result overwrites it; guarding against double
// completion is the caller's responsibility.
func (q *Queue) PublishResult(ctx context.Context, taskID string, output Values, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("publishing result for task %s: status %q is not terminal", taskID, status)
	}

	fields := map[string]any{
		fieldStatus:      string(status),
		fieldCompletedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if output != nil {
		data, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("encoding output for task %s: %w", taskID, err)
		}
		fields[fieldOutput] = string(data)
	}
	if errMsg != "" {
		fields[fieldError] = errMsg
	}

	if err := q.store.HSet(ctx, resultKey(taskID), fields).Err(); err != nil {
		return fmt.Errorf("storing result for task %s: %w", taskID, err)
	}

	event, err := json.Marshal(completionEvent{TaskID: taskID, Status: status})
	if err != nil {
		return fmt.Errorf("encoding completion event for task %s: %w", taskID, err)
	}
	if err := q.store.Publish(ctx, resultKey(taskID), event).Err(); err != nil {
		return fmt.Errorf("announcing result for task %s: %w", taskID, err)
	}

	q.logger.Debug("result published", "task_id", taskID, "status", status)
	return nil
}

// Result returns the task's result record. With timeout zero it is a plain
// snapshot, ErrNotFound when no record exists. With a positive timeout it
// waits for the result to turn terminal, racing a completion-event
// subscription against a once-per-second poll, and returns the current record
// when the deadline passes regardless of status.
func (q *Queue) Result(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error) {
	if timeout <= 0 {
		return q.result(ctx, taskID)
	}
	return q.awaitTerminal(ctx, taskID, timeout, defaultPollInterval, true)
}

// WaitForResult polls until the task's result is terminal, checking every
// pollInterval (default one second). Returns ErrWaitTimeout when the deadline
// passes first; no state is altered.
func (q *Queue) WaitForResult(ctx context.Context, taskID string, timeout, pollInterval time.Duration) (*TaskResult, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return q.awaitTerminal(ctx, taskID, timeout, pollInterval, false)
}

// awaitTerminal is the single wait primitive behind Result and WaitForResult.
// It re-reads the record on every wake-up (event, poll tick, or deadline);
// subscription confirmation happens before the first read, so a publish that
// lands between subscribe and read cannot be missed.
func (q *Queue) awaitTerminal(ctx context.Context, taskID string, timeout, poll time.Duration, useEvents bool) (*TaskResult, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var events <-chan *redis.Message
	if useEvents {
		sub := q.store.Subscribe(wctx, resultKey(taskID))
		defer sub.Close()
		if _, err := sub.Receive(wctx); err != nil {
			q.logger.Debug("result subscription failed, polling only",
				"task_id", taskID,
				"error", err)
		} else {
			events = sub.Channel()
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		res, err := q.result(ctx, taskID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err == nil && res.Status.Terminal() {
			return res, nil
		}

		select {
		case <-wctx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if useEvents {
				// Hybrid wait returns whatever the record holds at deadline.
				return q.result(ctx, taskID)
			}
			return nil, fmt.Errorf("task %s: %w", taskID, ErrWaitTimeout)
		case <-events:
			// Wake and re-read; the event payload is advisory.
		case <-ticker.C:
		}
	}
}

func (q *Queue) result(ctx context.Context, taskID string) (*TaskResult, error) {
	fields, err := q.store.HGetAll(ctx, resultKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading result for task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return parseResult(fields)
}
