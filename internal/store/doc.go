// Package store provides the explicit client handle to the shared Redis
// backend that every coordination component operates through.
//
// # Overview
//
// The fleet has exactly one source of truth: a single Redis instance holding
// task queues (lists), result and agent records (hashes), membership sets, and
// notification channels (pub/sub). Client is a deliberately thin wrapper that
// embeds the go-redis client, so callers use Redis primitives directly. There
// is no lazy global: main constructs one Client, hands it to the queue,
// registry, and health probe, and closes it on shutdown.
//
// # Keyspace
//
// Key naming is owned by the components, not by this package. The queue owns
// tasks:pending:{domain}, tasks:active:{domain}, results:{task_id}, and
// notifications:{domain}; the registry owns everything under agents:. Keeping
// the schema with its owner means this package never changes when the
// coordination protocol does.
//
// # Testing
//
// Suites that need a live store run against miniredis:
//
//	mr := miniredis.RunT(t)
//	st, _ := store.Open(store.Config{URL: "redis://" + mr.Addr()}, nil)
package store
