// Package spawner manages the containers that run domain orchestrators.
//
// # Overview
//
// A domain orchestrator is a long-lived worker container that registers
// itself with the fleet and consumes tasks for one domain type. The
// spawner creates those containers, waits for them to come up, finds
// them again later, and tears them down. It holds no state of its own;
// the container runtime is the source of truth, queried by label.
//
// # Labels
//
// Every managed container carries three labels:
//
//	coven-fleet.managed=true     marks the container as ours
//	coven-fleet.domain=<type>    the domain type it serves
//	coven-fleet.domain-id=<id>   its unique domain ID
//
// Discovery, health checks and cleanup all filter on these labels, so
// the spawner never needs to persist a container inventory and never
// touches containers it did not create.
//
// # Lifecycle
//
// Spawn creates and starts a container, then polls until it reports
// running. A container that exits first, or is still not running when
// the start timeout lapses, produces a *ProvisionError carrying the
// container's last log lines. The failed container is intentionally
// left behind so its state can be inspected; CleanupStopped reaps it.
//
// Stop is graceful: the runtime delivers the stop signal and waits out
// the timeout before killing, then the container is removed.
//
// # Runtime port
//
// All engine access goes through the Runtime interface. DockerRuntime
// is the production implementation on the Docker Engine API; tests
// substitute an in-memory fake, so no test in this package requires a
// Docker daemon.
package spawner
