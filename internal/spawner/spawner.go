// ABOUTME: Lifecycle manager for domain orchestrator containers
// ABOUTME: Spawns, discovers, health-checks and reaps containers by label

package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
)

// Labels stamped on every container the spawner manages. Discovery and
// cleanup go through these rather than container names, so containers
// survive renames and the spawner never touches foreign containers.
const (
	labelPrefix   = "coven-fleet"
	labelDomain   = labelPrefix + ".domain"
	labelDomainID = labelPrefix + ".domain-id"
	labelManaged  = labelPrefix + ".managed"
)

const (
	// DefaultStartTimeout bounds the wait for a spawned container to
	// reach the running state.
	DefaultStartTimeout = 30 * time.Second

	// DefaultStopTimeout bounds the graceful-stop period before the
	// runtime kills the container.
	DefaultStopTimeout = 10 * time.Second

	startPollInterval = 500 * time.Millisecond
	provisionLogTail  = 50
)

// DomainInfo describes one managed domain container.
type DomainInfo struct {
	DomainID      string
	DomainType    string
	ContainerID   string
	ContainerName string
	Status        string
	Health        string
	CreatedAt     time.Time
}

// Healthy reports whether the container is running and, when a health
// probe is configured, passing it.
func (d *DomainInfo) Healthy() bool {
	if d.Status != StateRunning {
		return false
	}
	return d.Health == "" || d.Health == HealthHealthy
}

// ProvisionError reports a container that was created but never reached
// the running state. Logs holds the container's final output so callers
// can surface the failure without a second round-trip to the runtime.
type ProvisionError struct {
	DomainID    string
	ContainerID string
	Status      string
	TimedOut    bool
	Logs        string
}

func (e *ProvisionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("domain %s did not reach running state (container %s is %s)",
			e.DomainID, e.ContainerID, e.Status)
	}
	return fmt.Sprintf("domain %s container %s %s during startup",
		e.DomainID, e.ContainerID, e.Status)
}

// SpawnOptions tunes a single Spawn call.
type SpawnOptions struct {
	// Config overrides the spawner-wide domain config for this spawn.
	// Zero fields fall back to package defaults, not the spawner's config.
	Config *DomainConfig

	// NoWait returns as soon as the container is created and started,
	// without waiting for it to reach the running state.
	NoWait bool

	// StartTimeout bounds the running-state wait. Zero means
	// DefaultStartTimeout.
	StartTimeout time.Duration
}

// Spawner manages the population of domain orchestrator containers.
type Spawner struct {
	runtime Runtime
	cfg     DomainConfig
	logger  *slog.Logger
	poll    time.Duration
}

// New returns a Spawner that creates containers from cfg. A nil logger
// falls back to slog.Default.
func New(runtime Runtime, cfg DomainConfig, logger *slog.Logger) *Spawner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Spawner{
		runtime: runtime,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "spawner"),
		poll:    startPollInterval,
	}
}

// Close releases the underlying runtime connection.
func (s *Spawner) Close() error {
	return s.runtime.Close()
}

// Spawn creates and starts a domain orchestrator container of the given
// type and returns its domain ID. Unless opts.NoWait is set, Spawn blocks
// until the container reports running; a container that exits or dies
// first, or never gets there before the start timeout, yields a
// *ProvisionError. The failed container is left in place for inspection
// and is reaped by CleanupStopped.
func (s *Spawner) Spawn(ctx context.Context, domainType string, opts SpawnOptions) (string, error) {
	if domainType == "" {
		return "", fmt.Errorf("domain type is required")
	}

	cfg := s.cfg
	if opts.Config != nil {
		cfg = opts.Config.withDefaults()
	}
	startTimeout := opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}

	memory, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return "", fmt.Errorf("parsing memory limit %q: %w", cfg.MemoryLimit, err)
	}

	id := uuid.New()
	domainID := fmt.Sprintf("%s-%x", domainType, id[:4])

	spec := ContainerSpec{
		Image:    cfg.Image,
		Name:     "domain-" + domainID,
		Hostname: domainID,
		Env: []string{
			"AGENT_ROLE=domain",
			"AGENT_ID=" + domainID,
			"DOMAIN_TYPE=" + domainType,
			"REDIS_URL=" + cfg.StoreURL,
			"ANTHROPIC_API_KEY=" + cfg.APIKey,
		},
		Labels: map[string]string{
			labelDomain:   domainType,
			labelDomainID: domainID,
			labelManaged:  "true",
		},
		Binds:         binds(domainType, cfg),
		Network:       cfg.Network,
		Memory:        memory,
		CPUQuota:      int64(cfg.CPULimit * 100000),
		RestartPolicy: "unless-stopped",
	}

	s.logger.Debug("spawning domain container",
		"domain_id", domainID, "domain_type", domainType, "image", cfg.Image)

	containerID, err := s.runtime.Run(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("spawning %s domain: %w", domainType, err)
	}

	if !opts.NoWait {
		if err := s.waitRunning(ctx, domainID, containerID, startTimeout); err != nil {
			return "", err
		}
	}

	s.logger.Info("domain spawned",
		"domain_id", domainID, "domain_type", domainType, "container_id", shortID(containerID))
	return domainID, nil
}

// binds assembles the volume mounts for a domain container. The shared
// workspace is read-write; the per-type template directory is mounted
// read-only at /etc/coven-fleet, and only when it exists on the host.
func binds(domainType string, cfg DomainConfig) []string {
	var mounts []string
	if cfg.WorkspaceDir != "" {
		mounts = append(mounts, cfg.WorkspaceDir+":/workspace")
	}
	if cfg.TemplateDir != "" {
		dir := filepath.Join(cfg.TemplateDir, domainType)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			mounts = append(mounts, dir+":/etc/coven-fleet:ro")
		}
	}
	return mounts
}

func (s *Spawner) waitRunning(ctx context.Context, domainID, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		state, err := s.runtime.Inspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("waiting for domain %s: %w", domainID, err)
		}

		switch state.Status {
		case StateRunning:
			return nil
		case StateExited, StateDead:
			return s.startFailure(ctx, domainID, containerID, state.Status, false)
		}

		if time.Now().After(deadline) {
			return s.startFailure(ctx, domainID, containerID, state.Status, true)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Spawner) startFailure(ctx context.Context, domainID, containerID, status string, timedOut bool) error {
	logs, err := s.runtime.Logs(ctx, containerID, provisionLogTail)
	if err != nil {
		s.logger.Debug("could not read logs from failed container",
			"domain_id", domainID, "error", err)
	}
	return &ProvisionError{
		DomainID:    domainID,
		ContainerID: shortID(containerID),
		Status:      status,
		TimedOut:    timedOut,
		Logs:        logs,
	}
}

// Stop gracefully stops and removes a domain container. It returns false
// without error when no container carries the domain ID. A zero timeout
// uses the runtime's default grace period.
func (s *Spawner) Stop(ctx context.Context, domainID string, timeout time.Duration) (bool, error) {
	c, err := s.findByDomainID(ctx, domainID)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, nil
	}

	if err := s.runtime.Stop(ctx, c.ID, timeout); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stopping domain %s: %w", domainID, err)
	}
	if err := s.runtime.Remove(ctx, c.ID, false); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("removing domain %s: %w", domainID, err)
	}

	s.logger.Info("domain stopped", "domain_id", domainID)
	return true, nil
}

// List returns every managed domain container in any state, optionally
// filtered by domain type. Health is not populated here; use Get for a
// fresh health reading.
func (s *Spawner) List(ctx context.Context, domainType string) ([]*DomainInfo, error) {
	labels := map[string]string{labelManaged: "true"}
	if domainType != "" {
		labels[labelDomain] = domainType
	}

	containers, err := s.runtime.List(ctx, labels, true)
	if err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}

	domains := make([]*DomainInfo, 0, len(containers))
	for _, c := range containers {
		domains = append(domains, summaryInfo(c))
	}
	return domains, nil
}

// Get returns current state and health for one domain. It returns
// ErrNotFound when no container carries the domain ID.
func (s *Spawner) Get(ctx context.Context, domainID string) (*DomainInfo, error) {
	c, err := s.findByDomainID(ctx, domainID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("domain %s: %w", domainID, ErrNotFound)
	}

	state, err := s.runtime.Inspect(ctx, c.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("domain %s: %w", domainID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting domain %s: %w", domainID, err)
	}

	info := summaryInfo(*c)
	info.Status = state.Status
	info.Health = state.Health
	return info, nil
}

// IsHealthy reports whether the domain's container is running and passing
// its health probe, if one is configured. A missing domain is unhealthy,
// not an error.
func (s *Spawner) IsHealthy(ctx context.Context, domainID string) (bool, error) {
	info, err := s.Get(ctx, domainID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Healthy(), nil
}

// HealthyDomain returns the first healthy domain of the given type, or
// ErrNoHealthyDomain when none qualifies.
func (s *Spawner) HealthyDomain(ctx context.Context, domainType string) (*DomainInfo, error) {
	domains, err := s.List(ctx, domainType)
	if err != nil {
		return nil, err
	}

	for _, d := range domains {
		info, err := s.Get(ctx, d.DomainID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if info.Healthy() {
			return info, nil
		}
	}
	return nil, fmt.Errorf("domain type %s: %w", domainType, ErrNoHealthyDomain)
}

// CleanupStopped removes every managed container in the exited or dead
// state and returns the domain IDs it removed.
func (s *Spawner) CleanupStopped(ctx context.Context) ([]string, error) {
	domains, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, d := range domains {
		if d.Status != StateExited && d.Status != StateDead {
			continue
		}
		ok, err := s.Stop(ctx, d.DomainID, 0)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, d.DomainID)
		}
	}
	return removed, nil
}

// CleanupAll stops and removes every managed container regardless of
// state and returns the domain IDs it removed. A zero timeout uses
// DefaultStopTimeout for each graceful stop.
func (s *Spawner) CleanupAll(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	domains, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, d := range domains {
		ok, err := s.Stop(ctx, d.DomainID, timeout)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, d.DomainID)
		}
	}
	return removed, nil
}

func (s *Spawner) findByDomainID(ctx context.Context, domainID string) (*ContainerSummary, error) {
	list, err := s.runtime.List(ctx, map[string]string{labelDomainID: domainID}, true)
	if err != nil {
		return nil, fmt.Errorf("locating domain %s: %w", domainID, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func summaryInfo(c ContainerSummary) *DomainInfo {
	return &DomainInfo{
		DomainID:      c.Labels[labelDomainID],
		DomainType:    c.Labels[labelDomain],
		ContainerID:   shortID(c.ID),
		ContainerName: c.Name,
		Status:        c.Status,
		CreatedAt:     c.CreatedAt,
	}
}

// shortID trims a full container ID to the 12-character form the Docker
// CLI prints.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
