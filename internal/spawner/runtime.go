// ABOUTME: Narrow container-runtime port the spawner state machine drives
// ABOUTME: Implementations map their own not-found conditions to ErrNotFound

package spawner

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no container matches the given id or
	// domain-id label.
	ErrNotFound = errors.New("container not found")
	// ErrNoHealthyDomain is returned by HealthyDomain when no running,
	// healthy candidate exists for the domain type.
	ErrNoHealthyDomain = errors.New("no healthy domain")
)

// Container lifecycle states as reported by the runtime. Once running, a
// container ends in exited or dead; created never progressed to running.
const (
	StateCreated = "created"
	StateRunning = "running"
	StateExited  = "exited"
	StateDead    = "dead"
)

// Health probe values. An empty string means the image configures no probe,
// which counts as healthy once running.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ContainerSpec is everything the spawner asks of a container launch.
type ContainerSpec struct {
	Image         string
	Name          string
	Hostname      string
	Env           []string
	Labels        map[string]string
	Binds         []string
	Network       string
	Memory        int64 // bytes
	CPUQuota      int64 // microseconds per 100ms period
	RestartPolicy string
}

// ContainerState is the inspected state of one container.
type ContainerState struct {
	ID        string
	Name      string
	Status    string
	Health    string
	Labels    map[string]string
	CreatedAt time.Time
}

// ContainerSummary is one entry of a label-filtered listing. Listings carry
// no health; Inspect does.
type ContainerSummary struct {
	ID        string
	Name      string
	Status    string
	Labels    map[string]string
	CreatedAt time.Time
}

// Runtime is the container-runtime port. The production implementation is
// DockerRuntime; tests substitute a fake. All methods honor ctx cancellation
// and return ErrNotFound for missing containers where noted.
type Runtime interface {
	// Run creates and starts a container, returning its id.
	Run(ctx context.Context, spec ContainerSpec) (string, error)
	// Inspect returns current state and health. ErrNotFound when missing.
	Inspect(ctx context.Context, id string) (*ContainerState, error)
	// List returns containers whose labels include every given pair. With
	// all false only running containers are returned.
	List(ctx context.Context, labels map[string]string, all bool) ([]ContainerSummary, error)
	// Stop gracefully stops a container within timeout. ErrNotFound when
	// missing.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove deletes a container. ErrNotFound when missing.
	Remove(ctx context.Context, id string, force bool) error
	// Logs returns up to tail trailing log lines. ErrNotFound when missing.
	Logs(ctx context.Context, id string, tail int) (string, error)
	// Close releases the runtime connection.
	Close() error
}
