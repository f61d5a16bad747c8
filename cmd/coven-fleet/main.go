// ABOUTME: Operator CLI for the coven-fleet coordination core
// ABOUTME: Runs the reaper loop and drives spawn, publish, and wait flows from the shell

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/fleet"
	"github.com/2389/coven-fleet/internal/health"
	"github.com/2389/coven-fleet/internal/queue"
	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/spawner"
	"github.com/2389/coven-fleet/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 __ _           _
  ___ _____   _____ _ __        / _| | ___  ___| |_
 / __/ _ \ \ / / _ \ '_ \ _____| |_| |/ _ \/ _ \ __|
| (_| (_) \ V /  __/ | | |_____|  _| |  __/  __/ |_
 \___\___/ \_/ \___|_| |_|     |_| |_|\___|\___|\__|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "serve":
		err = cmdServe(ctx)
	case "spawn":
		err = cmdSpawn(ctx, args)
	case "stop":
		err = cmdStop(ctx, args)
	case "domains":
		err = cmdDomains(ctx, args)
	case "agents":
		err = cmdAgents(ctx)
	case "publish":
		err = cmdPublish(ctx, args)
	case "result":
		err = cmdResult(ctx, args)
	case "wait":
		err = cmdWait(ctx, args)
	case "logs":
		err = cmdLogs(ctx, args)
	case "queue":
		err = cmdQueue(ctx, args)
	case "listen":
		err = cmdListen(ctx, args)
	case "cleanup":
		err = cmdCleanup(ctx, args)
	case "health":
		err = cmdHealth(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: coven-fleet <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  serve                      Run the coordinator and reconciliation loop")
	fmt.Println("  spawn <type>               Provision a domain orchestrator container")
	fmt.Println("  stop <domain-id>           Stop and remove a domain container")
	fmt.Println("  domains [type]             List managed domain containers")
	fmt.Println("  agents                     List registered agents")
	fmt.Println("  publish <type> <desc>      Publish a task to a domain queue")
	fmt.Println("  result <task-id>           Show a task result")
	fmt.Println("  wait <task-id>             Block until a task reaches a terminal state")
	fmt.Println("  logs <task-id>             Show a task's log entries")
	fmt.Println("  queue <type>               Show a domain's pending and active tasks")
	fmt.Println("  listen <type>              Stream task announcements for a domain")
	fmt.Println("  cleanup [--all]            Remove dead agents and stopped containers")
	fmt.Println("  health [--agent <id>]      Check store connectivity and agent liveness")
	fmt.Println("  version                    Print the version")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  COVEN_FLEET_CONFIG         Config file path (default: ~/.config/coven-fleet/fleet.yaml)")
	fmt.Println("  COVEN_FLEET_STORE_URL      Store URL override (default: redis://localhost:6379)")
	fmt.Println("  ANTHROPIC_API_KEY          Passed through to spawned domain containers")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  coven-fleet serve")
	fmt.Println("  coven-fleet spawn backend")
	fmt.Println("  coven-fleet publish backend \"Build the login API\" --require \"JWT sessions\" --wait")
	fmt.Println("  coven-fleet queue backend")
	fmt.Println()
}

// configPath returns the path to the fleet config file.
// Priority: COVEN_FLEET_CONFIG env var > XDG_CONFIG_HOME/coven-fleet/fleet.yaml > ~/.config/coven-fleet/fleet.yaml
func configPath() string {
	if envPath := os.Getenv("COVEN_FLEET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "fleet.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-fleet", "fleet.yaml")
}

// loadConfig reads the config file when it exists and falls back to defaults
// when it does not, so one-shot commands work against a local store with no
// setup at all.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func storeConfig(cfg *config.Config) store.Config {
	url := cfg.Store.URL
	if env := os.Getenv("COVEN_FLEET_STORE_URL"); env != "" {
		url = env
	}
	return store.Config{
		URL:          url,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	}
}

// openStore connects to the shared store and verifies it is reachable, so
// every command fails the same way when the store is down.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Client, error) {
	st, err := store.Open(storeConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	if err := st.Check(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("store %s: %w", st.URL(), err)
	}
	return st, nil
}

func newRegistry(st *store.Client, cfg *config.Config, logger *slog.Logger) *registry.Registry {
	if cfg.Registry.HeartbeatTTL > 0 {
		return registry.NewWithTTL(st, cfg.Registry.HeartbeatTTL, logger)
	}
	return registry.New(st, logger)
}

func domainConfig(cfg *config.Config) spawner.DomainConfig {
	apiKey := cfg.Spawner.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return spawner.DomainConfig{
		Image:        cfg.Spawner.Image,
		MemoryLimit:  cfg.Spawner.MemoryLimit,
		CPULimit:     cfg.Spawner.CPULimit,
		Network:      cfg.Spawner.Network,
		StoreURL:     cfg.Spawner.StoreURL,
		WorkspaceDir: cfg.Spawner.WorkspaceDir,
		TemplateDir:  cfg.Spawner.TemplateDir,
		APIKey:       apiKey,
	}
}

func newSpawner(cfg *config.Config, logger *slog.Logger) (*spawner.Spawner, error) {
	runtime, err := spawner.NewDockerRuntime(cfg.Spawner.Host)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}
	return spawner.New(runtime, domainConfig(cfg), logger), nil
}

// cliLogger keeps one-shot commands quiet: component chatter is dropped,
// warnings and errors still reach stderr.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func cmdServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	path := configPath()
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		path = "(defaults)"
	} else if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sp, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}
	defer sp.Close()

	reap := cfg.Fleet.ReapInterval
	if reap <= 0 {
		reap = fleet.DefaultReapInterval
	}

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Store:  %s\n", st.URL())
	green.Print("    ▶ ")
	fmt.Printf("Reap:   every %s\n", reap)
	fmt.Println()

	logger.Info("starting coven-fleet",
		"config", path,
		"store", st.URL(),
		"reap_interval", reap,
	)

	q := queue.New(st, logger)
	reg := newRegistry(st, cfg, logger)

	co := fleet.New(q, reg, sp, fleet.Options{
		ReapInterval:    cfg.Fleet.ReapInterval,
		EnsureTimeout:   cfg.Fleet.EnsureTimeout,
		DispatchTimeout: cfg.Fleet.DispatchTimeout,
		PollInterval:    cfg.Fleet.PollInterval,
	}, logger)

	return co.Run(ctx)
}

func cmdSpawn(ctx context.Context, args []string) error {
	var domainType string
	var noWait bool
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--no-wait":
			noWait = true
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			domainType = args[i]
		}
	}

	if domainType == "" {
		return fmt.Errorf("usage: spawn <domain-type> [--no-wait] [--timeout <duration>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sp, err := newSpawner(cfg, cliLogger())
	if err != nil {
		return err
	}
	defer sp.Close()

	if timeout == 0 {
		timeout = cfg.Spawner.StartTimeout
	}

	fmt.Printf("Spawning %s domain...\n", domainType)

	domainID, err := sp.Spawn(ctx, domainType, spawner.SpawnOptions{
		NoWait:       noWait,
		StartTimeout: timeout,
	})
	if err != nil {
		var pe *spawner.ProvisionError
		if errors.As(err, &pe) && pe.Logs != "" {
			fmt.Fprintln(os.Stderr, "Container output:")
			fmt.Fprintln(os.Stderr, pe.Logs)
		}
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Spawned domain: %s\n", domainID)

	if info, err := sp.Get(ctx, domainID); err == nil {
		fmt.Printf("  Container: %s (%s)\n", info.ContainerName, info.ContainerID)
		fmt.Printf("  Status:    %s\n", info.Status)
	}

	return nil
}

func cmdStop(ctx context.Context, args []string) error {
	var domainID string
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			domainID = args[i]
		}
	}

	if domainID == "" {
		return fmt.Errorf("usage: stop <domain-id> [--timeout <duration>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sp, err := newSpawner(cfg, cliLogger())
	if err != nil {
		return err
	}
	defer sp.Close()

	if timeout == 0 {
		timeout = cfg.Spawner.StopTimeout
	}

	stopped, err := sp.Stop(ctx, domainID, timeout)
	if err != nil {
		return err
	}
	if !stopped {
		return fmt.Errorf("no domain %s", domainID)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Stopped domain: %s\n", domainID)

	return nil
}

func cmdDomains(ctx context.Context, args []string) error {
	domainType := ""
	if len(args) > 0 {
		domainType = args[0]
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sp, err := newSpawner(cfg, cliLogger())
	if err != nil {
		return err
	}
	defer sp.Close()

	domains, err := sp.List(ctx, domainType)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Domain Containers")
	cyan.Println("  -----------------")

	if len(domains) == 0 {
		fmt.Println("  (no domains)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  DOMAIN\tTYPE\tCONTAINER\tSTATUS\tCREATED")
	fmt.Fprintln(w, "  ------\t----\t---------\t------\t-------")

	for _, d := range domains {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			d.DomainID, d.DomainType, d.ContainerID, d.Status,
			d.CreatedAt.Format("Jan 02 15:04"))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdAgents(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := newRegistry(st, cfg, logger)

	agents, err := reg.List(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Registered Agents")
	cyan.Println("  -----------------")

	if len(agents) == 0 {
		fmt.Println("  (no agents)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  AGENT\tROLE\tTYPE\tSTATUS\tLEASE\tLAST HEARTBEAT")
	fmt.Fprintln(w, "  -----\t----\t----\t------\t-----\t--------------")

	for _, a := range agents {
		lease := "expired"
		if ok, err := reg.IsHealthy(ctx, a.AgentID); err == nil && ok {
			lease = "live"
		}
		domainType := a.DomainType
		if domainType == "" {
			domainType = "-"
		}
		hb := "-"
		if !a.LastHeartbeat.IsZero() {
			hb = a.LastHeartbeat.Format("15:04:05")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%s\n",
			a.AgentID, a.Role, domainType, a.Status, lease, hb)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdPublish(ctx context.Context, args []string) error {
	var priority, source string
	var requirements []string
	var timeout time.Duration
	var wait bool
	var rest []string
	contextValues := queue.Values{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--require", "-r":
			if i+1 < len(args) {
				requirements = append(requirements, args[i+1])
				i++
			}
		case "--context", "-c":
			if i+1 < len(args) {
				k, v, ok := strings.Cut(args[i+1], "=")
				if !ok {
					return fmt.Errorf("--context takes key=value, got %q", args[i+1])
				}
				contextValues[k] = v
				i++
			}
		case "--priority", "-p":
			if i+1 < len(args) {
				priority = args[i+1]
				i++
			}
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		case "--source", "-s":
			if i+1 < len(args) {
				source = args[i+1]
				i++
			}
		case "--wait", "-w":
			wait = true
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			rest = append(rest, args[i])
		}
	}

	if len(rest) < 2 {
		return fmt.Errorf("usage: publish <domain-type> <description> [--require <req>] [--context k=v] [--priority low|normal|high] [--timeout <duration>] [--wait]")
	}
	domainType := rest[0]
	description := strings.Join(rest[1:], " ")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	if source == "" {
		source = "coven-fleet-cli"
	}
	if len(contextValues) == 0 {
		contextValues = nil
	}

	taskID, err := q.Publish(ctx, domainType, queue.Task{
		Description:  description,
		Requirements: requirements,
		Context:      contextValues,
		Priority:     queue.Priority(priority),
		Timeout:      timeout,
		Source:       source,
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Published task: %s\n", taskID)

	if !wait {
		return nil
	}

	waitTimeout := cfg.Fleet.DispatchTimeout
	if waitTimeout <= 0 {
		waitTimeout = fleet.DefaultDispatchTimeout
	}
	fmt.Printf("Waiting up to %s for result...\n", waitTimeout)

	res, err := q.Result(ctx, taskID, waitTimeout)
	if err != nil {
		return err
	}
	printResult(res)

	return nil
}

func cmdResult(ctx context.Context, args []string) error {
	var taskID string
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			taskID = args[i]
		}
	}

	if taskID == "" {
		return fmt.Errorf("usage: result <task-id> [--timeout <duration>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	res, err := q.Result(ctx, taskID, timeout)
	if err != nil {
		return err
	}
	printResult(res)

	return nil
}

func cmdWait(ctx context.Context, args []string) error {
	var taskID string
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			taskID = args[i]
		}
	}

	if taskID == "" {
		return fmt.Errorf("usage: wait <task-id> [--timeout <duration>]")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if timeout == 0 {
		timeout = cfg.Fleet.DispatchTimeout
	}
	if timeout <= 0 {
		timeout = fleet.DefaultDispatchTimeout
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	res, err := q.WaitForResult(ctx, taskID, timeout, 0)
	if err != nil {
		return err
	}
	printResult(res)

	return nil
}

func cmdLogs(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: logs <task-id>")
	}
	taskID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	logs, err := q.Logs(ctx, taskID)
	if err != nil {
		return err
	}

	if len(logs) == 0 {
		fmt.Println("(no log entries)")
		return nil
	}
	for _, entry := range logs {
		fmt.Println(entry)
	}

	return nil
}

func cmdQueue(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: queue <domain-type>")
	}
	domainType := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	length, err := q.Length(ctx, domainType)
	if err != nil {
		return err
	}
	active, err := q.Active(ctx, domainType)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  Queue: %s\n", domainType)
	cyan.Println("  ------")
	fmt.Printf("  Pending: %d\n", length)
	fmt.Printf("  Active:  %d\n", len(active))

	if len(active) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  TASK\tSOURCE\tPUBLISHED\tDESCRIPTION")
		fmt.Fprintln(w, "  ----\t------\t---------\t-----------")
		for _, m := range active {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
				m.TaskID, m.Source, m.Timestamp.Format("15:04:05"),
				truncate(m.Payload.Description, 48))
		}
		w.Flush()
	}
	fmt.Println()

	return nil
}

func cmdListen(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: listen <domain-type>")
	}
	domainType := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.New(st, logger)

	sub, err := q.Subscribe(ctx, domainType)
	if err != nil {
		return err
	}
	defer sub.Close()

	cyan := color.New(color.FgCyan)
	cyan.Printf("Listening on %s (Ctrl+C to exit)\n", domainType)

	for msg := range sub.Messages() {
		fmt.Printf("%s  %s  %s\n",
			msg.Timestamp.Format("15:04:05"), msg.TaskID,
			truncate(msg.Payload.Description, 64))
	}

	return nil
}

func cmdCleanup(ctx context.Context, args []string) error {
	var all bool
	var timeout time.Duration

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--all", "-a":
			all = true
		case "--timeout", "-t":
			if i+1 < len(args) {
				d, err := time.ParseDuration(args[i+1])
				if err != nil {
					return fmt.Errorf("invalid timeout: %w", err)
				}
				timeout = d
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := newRegistry(st, cfg, logger)

	sp, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}
	defer sp.Close()

	green := color.New(color.FgGreen)

	if all {
		if timeout == 0 {
			timeout = cfg.Spawner.StopTimeout
		}
		removed, err := sp.CleanupAll(ctx, timeout)
		if err != nil {
			return err
		}
		dead, err := reg.CleanupDeadAgents(ctx)
		if err != nil {
			return err
		}
		for _, id := range removed {
			fmt.Printf("  domain %s\n", id)
		}
		for _, id := range dead {
			fmt.Printf("  agent  %s\n", id)
		}
		green.Printf("✓ Removed %d domain container(s), %d dead agent(s)\n", len(removed), len(dead))
		return nil
	}

	q := queue.New(st, logger)
	co := fleet.New(q, reg, sp, fleet.Options{}, logger)

	report, rerr := co.Reconcile(ctx)
	for _, id := range report.DeadAgents {
		fmt.Printf("  agent  %s\n", id)
	}
	for _, id := range report.StoppedDomains {
		fmt.Printf("  domain %s\n", id)
	}
	if rerr != nil {
		return rerr
	}

	green.Printf("✓ Removed %d dead agent(s), %d stopped container(s)\n",
		len(report.DeadAgents), len(report.StoppedDomains))
	return nil
}

func cmdHealth(ctx context.Context, args []string) error {
	var agentID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--agent", "-a":
			if i+1 < len(args) {
				agentID = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := cliLogger()
	st, err := store.Open(storeConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := newRegistry(st, cfg, logger)

	if err := health.Check(ctx, st, reg, agentID); err != nil {
		return err
	}

	fmt.Println("healthy")
	return nil
}

func printResult(res *queue.TaskResult) {
	cyan := color.New(color.FgCyan)

	fmt.Println()
	cyan.Printf("  Task %s\n", res.TaskID)
	cyan.Println("  ----")
	fmt.Printf("  Status:     ")
	statusColor(res.Status).Printf("%s\n", res.Status)
	if res.Error != "" {
		fmt.Printf("  Error:      %s\n", res.Error)
	}
	if !res.CreatedAt.IsZero() {
		fmt.Printf("  Created:    %s\n", res.CreatedAt.Format(time.RFC3339))
	}
	if !res.StartedAt.IsZero() {
		fmt.Printf("  Started:    %s\n", res.StartedAt.Format(time.RFC3339))
	}
	if !res.CompletedAt.IsZero() {
		fmt.Printf("  Completed:  %s\n", res.CompletedAt.Format(time.RFC3339))
	}
	if len(res.Output) > 0 {
		if data, err := json.MarshalIndent(res.Output, "  ", "  "); err == nil {
			fmt.Println("  Output:")
			fmt.Printf("  %s\n", data)
		}
	}
	fmt.Println()
}

func statusColor(s queue.Status) *color.Color {
	switch s {
	case queue.StatusCompleted:
		return color.New(color.FgGreen)
	case queue.StatusFailed:
		return color.New(color.FgRed)
	case queue.StatusInProgress:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
