// Package config handles configuration loading for coven-fleet.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Every setting is optional: zero values mean "use the owning component's
// default", so the binaries run with no config file at all.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	spawner:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	registry:
//	  heartbeat_ttl: "30s"
//	fleet:
//	  reap_interval: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Shared store:
//
//	store:
//	  url: "redis://localhost:6379"
//	  dial_timeout: "5s"
//
// Agent registry:
//
//	registry:
//	  heartbeat_ttl: "30s"
//
// Domain spawner:
//
//	spawner:
//	  image: "coven-fleet/domain:latest"
//	  network: "coven-fleet_backplane"
//	  memory_limit: "1g"
//	  cpu_limit: 0.5
//	  store_url: "redis://message-broker:6379"   # what spawned containers dial
//	  workspace_dir: "/srv/coven-fleet/workspace"
//	  template_dir: "/srv/coven-fleet/templates"
//	  api_key: "${ANTHROPIC_API_KEY}"
//	  start_timeout: "30s"
//
// Coordinator and reaper:
//
//	fleet:
//	  reap_interval: "60s"
//	  ensure_timeout: "90s"
//	  dispatch_timeout: "10m"
//
// Domain runner (normally overridden by container environment):
//
//	runner:
//	  domain_type: "backend"
//	  template_path: "/etc/coven-fleet/template.toml"
//	  next_wait: "5s"
//
// # Validation
//
// Load() validates:
//
//   - Logging level and format values
//   - Duration format validity
//   - Non-negative limits and timeouts
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/coven-fleet/fleet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or start from defaults when no file is given:
//
//	cfg := config.Default()
package config
