// ABOUTME: Provisioning parameters for domain containers
// ABOUTME: A value object only; the spawner converts it to a ContainerSpec per launch

package spawner

// Defaults for domain provisioning. The store default is the backend's
// service name on the fleet network, which is what a spawned container can
// actually reach; localhost would point a container at itself.
const (
	DefaultImage       = "coven-fleet/domain:latest"
	DefaultMemoryLimit = "1g"
	DefaultCPULimit    = 0.5
	DefaultNetwork     = "coven-fleet_backplane"
	DefaultStoreURL    = "redis://message-broker:6379"
)

// DomainConfig holds the provisioning parameters for domain containers.
// Zero fields take the package defaults.
type DomainConfig struct {
	// Image is the container image domain orchestrators run.
	Image string
	// MemoryLimit is a Docker-style size string such as "1g" or "512m".
	MemoryLimit string
	// CPULimit is the fraction of one CPU the container may use.
	CPULimit float64
	// Network is the container network domains attach to.
	Network string
	// StoreURL is injected into containers as REDIS_URL.
	StoreURL string
	// WorkspaceDir is the host directory mounted read-write at /workspace.
	// Empty skips the mount.
	WorkspaceDir string
	// TemplateDir is the host directory holding per-type template folders;
	// TemplateDir/{type} is mounted read-only at /etc/coven-fleet when it
	// exists.
	TemplateDir string
	// APIKey is passed through to containers as ANTHROPIC_API_KEY. Opaque to
	// the spawner.
	APIKey string
}

func (c DomainConfig) withDefaults() DomainConfig {
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.CPULimit <= 0 {
		c.CPULimit = DefaultCPULimit
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.StoreURL == "" {
		c.StoreURL = DefaultStoreURL
	}
	return c
}
