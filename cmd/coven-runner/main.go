// ABOUTME: Container entrypoint for a domain orchestrator runner.
// ABOUTME: Usage: coven-runner [-domain backend] [-store redis://...]; AGENT_ID/DOMAIN_TYPE/REDIS_URL env vars override config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/queue"
	"github.com/2389/coven-fleet/internal/registry"
	"github.com/2389/coven-fleet/internal/runner"
	"github.com/2389/coven-fleet/internal/store"
)

// defaultConfigPath is where the spawner's read-only template mount lands
// inside a domain container.
const defaultConfigPath = "/etc/coven-fleet/fleet.yaml"

func main() {
	configPath := flag.String("config", "", "config file path")
	domainType := flag.String("domain", "", "domain type to serve (env DOMAIN_TYPE)")
	agentID := flag.String("id", "", "agent identity (env AGENT_ID, default: hostname)")
	storeURL := flag.String("store", "", "store URL (env REDIS_URL)")
	flag.Parse()

	if err := run(*configPath, *domainType, *agentID, *storeURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, domainType, agentID, storeURL string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	domainType = firstNonEmpty(domainType, os.Getenv("DOMAIN_TYPE"), cfg.Runner.DomainType)
	if domainType == "" {
		return fmt.Errorf("domain type is required (-domain flag or DOMAIN_TYPE)")
	}
	storeURL = firstNonEmpty(storeURL, os.Getenv("REDIS_URL"), cfg.Store.URL)

	hostname, _ := os.Hostname()
	agentID = firstNonEmpty(agentID, os.Getenv("AGENT_ID"), cfg.Runner.AgentID, hostname)

	logger := setupLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(store.Config{
		URL:          storeURL,
		DialTimeout:  cfg.Store.DialTimeout,
		ReadTimeout:  cfg.Store.ReadTimeout,
		WriteTimeout: cfg.Store.WriteTimeout,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Fail fast; the container's restart policy retries until the store is up.
	if err := st.Check(ctx); err != nil {
		return fmt.Errorf("store %s: %w", st.URL(), err)
	}

	q := queue.New(st, logger)

	reg := registry.New(st, logger)
	if cfg.Registry.HeartbeatTTL > 0 {
		reg = registry.NewWithTTL(st, cfg.Registry.HeartbeatTTL, logger)
	}

	templatePath := cfg.Runner.TemplatePath
	if templatePath == "" {
		templatePath = runner.DefaultTemplatePath
	}
	tmpl, err := runner.LoadTemplate(templatePath)
	if err != nil {
		return fmt.Errorf("loading template: %w", err)
	}
	if tmpl != nil {
		logger.Info("loaded domain template", "path", templatePath, "name", tmpl.Name)
	}

	workDir := ""
	if _, err := os.Stat("/workspace"); err == nil {
		workDir = "/workspace"
	}

	executor := &runner.ClaudeExecutor{
		DomainType: domainType,
		Bin:        cfg.Runner.ClaudeBin,
		WorkDir:    workDir,
		Template:   tmpl,
		Logs:       q,
	}

	r := runner.New(q, reg, executor, runner.Config{
		AgentID:     agentID,
		DomainType:  domainType,
		ContainerID: hostname,
		NextWait:    cfg.Runner.NextWait,
	}, logger)

	return r.Run(ctx)
}

// loadConfig loads the file at path when given, otherwise the container
// config path when present, otherwise built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(defaultConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
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

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
