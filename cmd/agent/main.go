// Package main is the entry point for the agent binary. It wires all
// internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Load configuration (file + env overrides)
//  3. Build logger
//  4. Derive agent id and probe Docker availability (non-fatal)
//  5. Build scheduler, executor, connection manager, orchestrator
//  6. Start all subsystems
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/agentid"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/clock"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/config"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/connection"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/docker"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/executor"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/metrics"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/orchestrator"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/process"
	"github.com/BlackRoad-OS/blackroad-pi-ops/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "pi-agent",
		Short: "Edge agent — registers with an operator and executes dispatched work",
		Long: `pi-agent runs on an edge device. It holds a persistent connection to an
operator service, executes dispatched task plans, runs its own scheduled
recurring tasks, and reports periodic telemetry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to the agent config file")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override the configured log level")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pi-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := config.FileEnvSource{ExplicitPath: f.configPath}.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = agentid.Derive()
	}
	hostname := cfg.Agent.Hostname
	if hostname == "" {
		hostname = agentid.Hostname()
	}

	logger.Info("starting agent",
		zap.String("version", version),
		zap.String("agent_id", agentID),
		zap.String("operator_url", cfg.Operator.URL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Docker capability probe (best-effort, non-fatal) ---
	dockerAvailable := false
	if prober, err := docker.NewProber(""); err != nil {
		logger.Warn("docker client unavailable", zap.Error(err))
	} else {
		dockerAvailable = prober.Available(ctx)
		prober.Close()
		logger.Info("docker capability probed", zap.Bool("available", dockerAvailable))
	}

	realClock := clock.Real{}

	// --- Scheduler ---
	sched := scheduler.New(realClock, logger)

	// --- Executor ---
	exec := executor.New(realClock, logger, cfg.Executor.MaxConcurrentTasks, cfg.Executor.TaskTimeout)
	executor.RegisterBuiltins(exec, process.Real{}, executor.Blocklist{
		Blocked: cfg.Executor.BlockedCommands,
		Allowed: cfg.Executor.AllowedCommands,
	}, "")

	// --- Connection manager ---
	connCfg := connection.Config{
		URL:                  cfg.Operator.URL,
		ReconnectInterval:     cfg.Operator.ReconnectInterval,
		ReconnectMaxAttempts: cfg.Operator.ReconnectMaxAttempts,
		PingInterval:         cfg.Operator.PingInterval,
		PingTimeout:          cfg.Operator.PingTimeout,
		AgentID:              agentID,
	}
	conn := connection.New(connCfg, realClock, logger, registrationPayload(agentID, hostname, cfg, dockerAvailable))

	// --- Orchestrator ---
	orch := orchestrator.New(conn, exec, sched, metrics.GopsutilProbe{}, realClock, logger, agentID, cfg.Telemetry.HeartbeatInterval)

	sched.Start()
	exec.Start()
	conn.Start()
	orch.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	orch.Stop()
	conn.Stop()
	exec.Stop()
	sched.Stop()

	logger.Info("agent stopped")
	return nil
}

func registrationPayload(agentID, hostname string, cfg config.Config, dockerAvailable bool) connection.Registration {
	return func() map[string]interface{} {
		caps := map[string]interface{}{
			"docker":   dockerAvailable,
			"python":   nil,
			"node":     nil,
			"git":      false,
			"disk_gb":  nil,
			"memory_mb": nil,
		}
		for _, c := range cfg.Agent.Capabilities {
			switch c {
			case "docker":
				caps["docker"] = true
			case "python":
				caps["python"] = "3.11"
			case "node":
				caps["node"] = "20"
			case "git":
				caps["git"] = true
			}
		}

		tags := make([]string, 0, len(cfg.Agent.Tags))
		for k := range cfg.Agent.Tags {
			tags = append(tags, k)
		}

		return map[string]interface{}{
			"id":           agentID,
			"hostname":     hostname,
			"display_name": hostname,
			"roles":        []string{cfg.Agent.AgentType},
			"tags":         tags,
			"capabilities": caps,
		}
	}
}

func buildLogger(cfg config.Logging) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" || cfg.Format == "" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zcfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
	}

	return zcfg.Build()
}
