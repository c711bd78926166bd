package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/zerg/pkg/breaker"
	"github.com/cuemby/zerg/pkg/capability"
	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/events"
	"github.com/cuemby/zerg/pkg/gate"
	"github.com/cuemby/zerg/pkg/graph"
	"github.com/cuemby/zerg/pkg/launcher"
	"github.com/cuemby/zerg/pkg/level"
	"github.com/cuemby/zerg/pkg/log"
	"github.com/cuemby/zerg/pkg/merge"
	"github.com/cuemby/zerg/pkg/orchestrator"
	"github.com/cuemby/zerg/pkg/ports"
	"github.com/cuemby/zerg/pkg/retry"
	"github.com/cuemby/zerg/pkg/store"
	"github.com/cuemby/zerg/pkg/worktree"
	"github.com/spf13/cobra"
)

var rushCmd = &cobra.Command{
	Use:   "rush",
	Short: "Fan a feature's task graph out across parallel workers",
	Long: `rush loads a feature's task graph, spawns --workers workers, and
drives levels to completion: each worker claims tasks
in its own git worktree/branch, and finished levels merge back to
mainline behind the quality-gate pipeline.`,
	RunE: runRush,
}

func init() {
	rushCmd.Flags().IntP("workers", "w", 4, "Maximum concurrent workers")
	rushCmd.Flags().String("feature", "", "Feature name (required unless --resume infers it from state)")
	rushCmd.Flags().Int("level", 0, "Level to start from")
	rushCmd.Flags().Bool("dry-run", false, "Print the execution plan without spawning workers")
	rushCmd.Flags().Bool("resume", false, "Resume a previously interrupted rush from saved state")
	// spec.md's rush subcommand names this flag --mode {subprocess,container,auto};
	// it is kept as a distinct local flag from the global --mode (behavioral mode)
	// since the two select unrelated things.
	rushCmd.Flags().String("launcher-mode", "auto", "Worker launch backend: subprocess, container, auto")
	rushCmd.Flags().Bool("skip-tests", false, "Disable quality gates in the workers' capability envelope (level merges still run every gate)")
	rushCmd.Flags().String("task-graph", "", "Path to the task graph JSON (defaults to .zerg/spec/<feature>/task_graph.json)")
}

func runRush(cmd *cobra.Command, args []string) error {
	feature, _ := cmd.Flags().GetString("feature")
	workers, _ := cmd.Flags().GetInt("workers")
	startLevel, _ := cmd.Flags().GetInt("level")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	resume, _ := cmd.Flags().GetBool("resume")
	launcherMode, _ := cmd.Flags().GetString("launcher-mode")
	skipTests, _ := cmd.Flags().GetBool("skip-tests")
	taskGraphPath, _ := cmd.Flags().GetString("task-graph")

	if feature == "" && !resume {
		return fmt.Errorf("--feature is required (or pass --resume to infer it from saved state)")
	}

	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}

	if taskGraphPath == "" {
		taskGraphPath = filepath.Join(".zerg", "spec", feature, "task_graph.json")
	}

	g, err := graph.Load(taskGraphPath)
	if err != nil {
		return fmt.Errorf("load task graph %s: %w", taskGraphPath, err)
	}
	if feature == "" {
		feature = g.Feature()
	}

	caps := capability.Resolve(capabilityFlags(cmd), cfg, g, "rush")
	caps.GatesEnabled = caps.GatesEnabled && !skipTests

	if dryRun {
		printDryRun(g, workers, startLevel, caps)
		return nil
	}

	logger := log.WithComponent("rush").With().Str("feature", feature).Logger()

	base := stateDir(cmd)
	stDir := filepath.Join(base, feature)
	specDir := filepath.Join(".zerg", "spec", feature)
	logDir := filepath.Join(cfg.Logging.Directory, feature)
	worktreesDir := filepath.Join(".zerg", "worktrees", feature)
	artifactsDir := filepath.Join(".zerg", "artifacts", feature)

	for _, dir := range []string{stDir, specDir, logDir, worktreesDir, artifactsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	st := store.New(stDir, feature, g.Hash())

	wt := worktree.New(repoRoot, worktreesDir, "main", logger)
	portAlloc := ports.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	gates := gate.NewPipeline(artifactsDir, cfg.Verification.StalenessThresholdSecs)
	merger := merge.NewCoordinator(repoRoot, "main", gates, logger)
	backpressure := breaker.NewBackpressure(
		cfg.ErrorRecovery.Backpressure.Enabled,
		cfg.ErrorRecovery.Backpressure.FailureRateThreshold,
		cfg.ErrorRecovery.Backpressure.WindowSize,
	)
	circuit := breaker.NewCircuit(
		cfg.ErrorRecovery.CircuitBreaker.Enabled,
		cfg.ErrorRecovery.CircuitBreaker.FailureThreshold,
		cfg.ErrorRecovery.CircuitBreaker.CooldownSeconds,
	)
	retryMgr := retry.NewManager(cfg.Workers)
	broker := events.NewBroker(st.AppendEvent)
	broker.Start()
	defer broker.Stop()

	levels := level.New(feature, cfg, st, g, merger, backpressure, broker, logger)

	l, err := launcher.New(launcher.Type(launcherMode), "", "")
	if err != nil {
		return fmt.Errorf("resolve launcher backend: %w", err)
	}

	o := orchestrator.New(feature, cfg, orchestrator.Deps{
		Store:        st,
		Launcher:     l,
		Worktrees:    wt,
		Ports:        portAlloc,
		Levels:       levels,
		Circuit:      circuit,
		Backpressure: backpressure,
		RetryMgr:     retryMgr,
		Broker:       broker,
		StateDir:     stDir,
		SpecDir:      specDir,
		LogDir:       logDir,
		WorkerBinary: resolveWorkerBinary(),
		Capabilities: caps,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn().Msg("received shutdown signal, stopping rush")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := o.Stop(stopCtx, false); err != nil {
			logger.Error().Err(err).Msg("error stopping orchestrator")
		}
		cancel()
	}()

	if err := o.Start(ctx, taskGraphPath, workers, startLevel); err != nil {
		return fmt.Errorf("start rush: %w", err)
	}

	<-ctx.Done()
	return nil
}

// resolveWorkerBinary locates the zerg-worker binary: first alongside the
// currently running zerg binary, falling back to $PATH.
func resolveWorkerBinary() string {
	self, err := os.Executable()
	if err != nil {
		return "zerg-worker"
	}
	candidate := filepath.Join(filepath.Dir(self), "zerg-worker")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return "zerg-worker"
}

func printDryRun(g *graph.Graph, workers, startLevel int, caps capability.ResolvedCapabilities) {
	fmt.Printf("feature: %s\n", g.Feature())
	fmt.Printf("workers: %d\n", workers)
	fmt.Printf("depth: %s (token budget %d)\n", caps.DepthTier, caps.TokenBudget)
	fmt.Printf("mode: %s\n", caps.Mode)
	for _, lvl := range g.Levels() {
		if lvl < startLevel {
			continue
		}
		tasks := g.TasksForLevel(lvl)
		fmt.Printf("level %d: %d task(s)\n", lvl, len(tasks))
		for _, t := range tasks {
			fmt.Printf("  - %s: %s\n", t.ID, t.Title)
		}
	}
}
