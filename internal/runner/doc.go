// Package runner implements the worker that lives inside a domain
// orchestrator container.
//
// # Overview
//
// One runner serves one domain type. On start it registers itself with
// the agent registry under its container hostname, then loops: block on
// the domain's pending queue, execute the claimed task, publish the
// result, clear the task from the active list, repeat. Task execution is
// delegated to an Executor; the production executor shells out to the
// claude CLI with a prompt assembled from the task payload and an
// optional per-domain template.
//
// # Heartbeats
//
// A background goroutine renews the registry lease at a third of its TTL
// for as long as the runner lives, including while a long task is
// executing. Tying liveness to the queue loop instead would let the lease
// lapse mid-task and get a busy, healthy runner reaped.
//
// # Shutdown
//
// Cancelling the run context stops the loop between tasks. A task already
// claimed is finished first and its result published; the container's
// stop grace period is the hard bound on that drain. The runner then
// marks itself stopping and deregisters. If the process dies without
// deregistering, the heartbeat lease expires and the reaper removes the
// record instead.
//
// # Status signaling
//
// The runner flips its registry status to busy for the duration of each
// task and back to active after, which is what lets the coordinator's
// FindAvailableDomain skip occupied agents.
package runner
