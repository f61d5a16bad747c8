// Package registry tracks which agents exist, what role they play, and
// whether they are alive, using heartbeat leases on the shared store.
//
// # Overview
//
// Registration writes an agent's record, joins the role-indexed membership
// sets, and creates a heartbeat lease in one batch. Liveness is a lease, not
// a ping: Heartbeat refreshes a TTL key, and IsHealthy only tests that the
// key still exists. A process that dies without deregistering reads as
// healthy for up to one TTL (30s by default), then degrades to unhealthy.
// Key expiry removes just the lease; CleanupDeadAgents is the reconciliation
// sweep that removes the rest of a dead agent's state, intended to run on a
// timer (see the fleet reaper).
//
// # Keyspace
//
//	agents:all                  set of every agent id
//	agents:domains              set of domain-orchestrator ids
//	agents:domains:{type}       set of ids serving one domain type
//	agents:workers              set of worker ids
//	agents:main                 string, the coordinator singleton
//	agents:info:{agent_id}      hash of AgentInfo fields
//	agents:heartbeat:{agent_id} lease string with TTL
//
// The coordinator singleton is enforced by the key, not by rejection: a
// second main registration overwrites agents:main and the older coordinator
// simply loses the claim.
//
// # Concurrency
//
// Batches are unconditional pipelines, not transactions guarded by a lock.
// Two concurrent registrations of the same id are safe (last write wins);
// concurrent field-level updates of one record are not merged.
package registry
