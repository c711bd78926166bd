package main

import (
	"fmt"
	"os"

	"github.com/cuemby/zerg/pkg/capability"
	"github.com/cuemby/zerg/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zerg",
	Short: "ZERG - parallel task-graph code-generation orchestrator",
	Long: `ZERG fans a feature's task graph out across N parallel workers, each
in its own git worktree and branch, and merges finished levels back to
mainline behind a quality-gate pipeline.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"zerg version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml (defaults to .zerg/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", ".zerg/state", "State store directory")

	// Capability flags (spec.md §6), shared by every subcommand that
	// resolves a capability envelope.
	rootCmd.PersistentFlags().Bool("quick", false, "Use the shallowest analysis depth tier")
	rootCmd.PersistentFlags().Bool("think", false, "Use the \"think\" analysis depth tier")
	rootCmd.PersistentFlags().Bool("think-hard", false, "Use the \"think-hard\" analysis depth tier")
	rootCmd.PersistentFlags().Bool("ultrathink", false, "Use the deepest analysis depth tier")
	rootCmd.PersistentFlags().String("mode", "", "Behavioral mode: precision, speed, exploration, refactor, debug")
	rootCmd.PersistentFlags().Bool("no-compact", false, "Disable compact context mode")
	rootCmd.PersistentFlags().Bool("tdd", false, "Require tests before implementation")
	rootCmd.PersistentFlags().Bool("no-loop", false, "Disable the improvement loop")
	rootCmd.PersistentFlags().Int("iterations", 0, "Override the improvement loop's max iterations")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(rushCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// capabilityFlags reads the shared depth/mode flags off cmd's flag set into
// a capability.Flags, resolving the mutually-exclusive depth tier flags
// into a single string (if more than one is set, the deepest tier wins:
// ultrathink, then think-hard, think, quick).
func capabilityFlags(cmd *cobra.Command) capability.Flags {
	quick, _ := cmd.Flags().GetBool("quick")
	think, _ := cmd.Flags().GetBool("think")
	thinkHard, _ := cmd.Flags().GetBool("think-hard")
	ultrathink, _ := cmd.Flags().GetBool("ultrathink")

	depth := ""
	switch {
	case ultrathink:
		depth = "ultrathink"
	case thinkHard:
		depth = "think-hard"
	case think:
		depth = "think"
	case quick:
		depth = "quick"
	}

	mode, _ := cmd.Flags().GetString("mode")
	noCompact, _ := cmd.Flags().GetBool("no-compact")
	tdd, _ := cmd.Flags().GetBool("tdd")
	noLoop, _ := cmd.Flags().GetBool("no-loop")
	iterations, _ := cmd.Flags().GetInt("iterations")

	return capability.Flags{
		Depth:      depth,
		Mode:       mode,
		NoCompact:  noCompact,
		TDD:        tdd,
		NoLoop:     noLoop,
		Iterations: iterations,
	}
}

func stateDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("state-dir")
	return dir
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
