// ABOUTME: Task message and result types with their wire representations
// ABOUTME: Defines the status lattice and the open-but-contractual payload value type

package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a task's position in the lattice
// pending -> in_progress -> {completed, failed}.
// Progression is monotonic by caller convention; the store does not reject
// regressions (see PublishResult).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether a result in this status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority is advisory metadata carried on a task. Queues are strictly FIFO;
// priority never reorders delivery.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Values is a structured key-to-value map. By contract values are strings,
// numbers, booleans, or nested maps of the same shape, so every Values
// round-trips through JSON unchanged. Callers must not store channels,
// functions, or other unmarshalable types.
type Values map[string]any

// TypeTaskAssignment is the message type for work handed to a domain.
const TypeTaskAssignment = "task_assignment"

// Payload is the work description carried by a TaskMessage.
type Payload struct {
	Description  string   `json:"description"`
	Requirements []string `json:"requirements"`
	Context      Values   `json:"context,omitempty"`
}

// Metadata carries scheduling hints for a task.
type Metadata struct {
	Priority       Priority `json:"priority"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// TaskMessage is the immutable envelope that moves through a domain's queue.
// It is identified by TaskID for its whole lifetime and serialized as JSON on
// the pending and active lists.
type TaskMessage struct {
	TaskID      string    `json:"task_id"`
	Type        string    `json:"type"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload"`
	Metadata    Metadata  `json:"metadata"`

	// raw holds the exact bytes this message was dequeued as, so Complete can
	// remove the identical list entry even if re-encoding would differ.
	raw []byte
}

// Encode returns the message's wire form. Messages that came off a queue
// return the original bytes; fresh messages are marshaled.
func (m *TaskMessage) Encode() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding task %s: %w", m.TaskID, err)
	}
	return data, nil
}

func decodeTask(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	m.raw = append([]byte(nil), data...)
	return &m, nil
}

// Task is a publish request. Zero values take defaults: priority normal,
// timeout DefaultTaskTimeout.
type Task struct {
	Description  string
	Requirements []string
	Context      Values
	Priority     Priority
	Timeout      time.Duration
	Source       string
}

// TaskResult is the mutable record tracking a task from publish to terminal
// state. It is stored as a flat string hash; Output is JSON-encoded within its
// hash field.
type TaskResult struct {
	TaskID      string    `json:"task_id"`
	Status      Status    `json:"status"`
	Output      Values    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Hash field names for TaskResult records.
const (
	fieldTaskID      = "task_id"
	fieldStatus      = "status"
	fieldOutput      = "output"
	fieldError       = "error"
	fieldCreatedAt   = "created_at"
	fieldStartedAt   = "started_at"
	fieldCompletedAt = "completed_at"
)

func parseResult(fields map[string]string) (*TaskResult, error) {
	r := &TaskResult{
		TaskID: fields[fieldTaskID],
		Status: Status(fields[fieldStatus]),
		Error:  fields[fieldError],
	}

	if raw := fields[fieldOutput]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &r.Output); err != nil {
			return nil, fmt.Errorf("decoding output for task %s: %w", r.TaskID, err)
		}
	}

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{fieldCreatedAt, &r.CreatedAt},
		{fieldStartedAt, &r.StartedAt},
		{fieldCompletedAt, &r.CompletedAt},
	} {
		raw := fields[f.name]
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s for task %s: %w", f.name, r.TaskID, err)
		}
		*f.dst = t
	}

	return r, nil
}
