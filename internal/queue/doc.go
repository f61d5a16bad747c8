// Package queue implements per-domain FIFO task queues and the result store
// on top of the shared Redis backend.
//
// # Overview
//
// Each domain owns one pending list and one active list. Publish appends to
// the pending tail and creates a pending result record in the same
// unconditional batch; Next moves the head to the active list with a single
// RPOPLPUSH (or its blocking variant), which is the sole hand-off point: a
// task is never lost between "dequeued" and "being processed", and never
// exists in both lists at once. Complete removes the entry from the active
// list once the consumer has published a terminal result.
//
// # Keyspace
//
//	tasks:pending:{domain}   list, head oldest
//	tasks:active:{domain}    list of in-flight task JSON
//	results:{task_id}        hash of result fields; doubles as the
//	                         completion pub/sub channel
//	results:{task_id}:logs   list of timestamped log lines
//	notifications:{domain}   pub/sub channel of published task JSON
//
// # Result lifecycle
//
// A result is created pending at publish, moves to in_progress when its task
// is dequeued, and ends completed or failed via PublishResult. Terminal
// fields are written once by convention; the store itself accepts overwrites.
//
// # Waiting
//
// Result with a timeout and WaitForResult share one wait primitive. The
// hybrid form subscribes to the task's completion channel and polls as a
// fallback, because pub/sub delivers nothing to a subscriber that attached
// after the publish fired; confirming the subscription before the first
// record read closes that race. Both forms honor context cancellation.
//
// # Failure semantics
//
// Store connectivity errors surface to the caller unwrapped of any retry;
// policy belongs to the caller. An absent task or result is a sentinel
// (ErrNoTask, ErrNotFound), never a crash. Tasks abandoned on an active list
// are not requeued automatically; Active exposes them for manual recovery.
package queue
