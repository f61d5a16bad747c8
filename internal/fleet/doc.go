// Package fleet coordinates the task queue, agent registry and domain
// spawner into one control loop.
//
// # Overview
//
// The coordinator answers one question for callers: "run this task on a
// domain of type X, whatever that takes". EnsureDomain checks the
// registry for an available agent and spawns a container when there is
// none, waiting for the runner inside it to register and go active.
// Dispatch builds on that: ensure capacity, publish the task, block
// until a terminal result.
//
// # Reaper
//
// Crashed runners leave two kinds of debris: registry records whose
// heartbeat lease expired, and containers sitting in exited or dead.
// Reconcile sweeps both in one pass, and Run repeats the sweep on a
// timer until shutdown. Sweeps are independent; one side failing does
// not stop the other, and the joined error reports both.
//
// Nothing here requeues tasks a crashed runner had claimed. Those stay
// on the domain's active list where an operator can see them; dropping
// them back into pending automatically would rerun work whose side
// effects may already have happened.
//
// # Dependencies
//
// The coordinator consumes narrow interfaces (TaskQueue, AgentRegistry,
// DomainSpawner) satisfied by *queue.Queue, *registry.Registry and
// *spawner.Spawner, so tests can swap the container side for a fake
// while running the real store-backed queue and registry.
package fleet
