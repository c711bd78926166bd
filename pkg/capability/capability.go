// Package capability resolves CLI flags, configuration and task-graph
// heuristics into the flat ResolvedCapabilities envelope injected into
// every worker's environment (spec.md §4.15).
package capability

import (
	"fmt"
	"strings"

	"github.com/cuemby/zerg/pkg/config"
	"github.com/cuemby/zerg/pkg/graph"
)

// DepthTier is a resolved analysis depth tier with an associated token
// budget, ordered shallowest to deepest.
type DepthTier struct {
	Name        string
	TokenBudget int
}

var depthTiers = []DepthTier{
	{"quick", 500},
	{"standard", 2000},
	{"think", 8000},
	{"think-hard", 24000},
	{"ultrathink", 64000},
}

func tierByName(name string) DepthTier {
	for _, t := range depthTiers {
		if t.Name == name {
			return t
		}
	}
	return depthTiers[1] // standard
}

// LoopCommands is the fixed set of code-touching commands loops apply to
// (original_source/zerg/capability_resolver.py). ZERG's CLI only wires
// "rush" from this set today; the rest remain so a future command needs no
// change to loop-applicability checks.
var LoopCommands = map[string]bool{
	"rush": true, "refactor": true, "test": true, "security": true,
	"build": true, "review": true, "analyze": true,
}

// modeByDepth maps a resolved depth tier to a default behavioral mode.
var modeByDepth = map[string]string{
	"quick":      "speed",
	"standard":   "precision",
	"think":      "precision",
	"think-hard": "exploration",
	"ultrathink": "exploration",
}

// mcpServersByDepth maps a resolved depth tier to recommended MCP servers.
var mcpServersByDepth = map[string][]string{
	"quick":      nil,
	"standard":   {"filesystem"},
	"think":      {"filesystem", "github"},
	"think-hard": {"filesystem", "github", "fetch"},
	"ultrathink": {"filesystem", "github", "fetch"},
}

// Flags is the subset of CLI flags that influence capability resolution.
type Flags struct {
	Depth       string // "", quick, think, think-hard, ultrathink
	Mode        string // precision, speed, exploration, refactor, debug
	Compact     bool
	NoCompact   bool
	TDD         bool
	NoLoop      bool
	Iterations  int
}

// ResolvedCapabilities is the flat envelope serialized into worker environment
// variables.
type ResolvedCapabilities struct {
	DepthTier           string
	TokenBudget         int
	Compact             bool
	Mode                string
	MCPHint             string
	TDD                 bool
	RulesEnabled        bool
	LoopEnabled         bool
	LoopIterations      int
	GatesEnabled        bool
	StalenessThreshold  int
}

// Resolve merges flags, cfg and the task graph's deepest auto-detected tier
// into a ResolvedCapabilities envelope. g may be nil (e.g. for "status"/"stop").
func Resolve(flags Flags, cfg *config.ZergConfig, g *graph.Graph, command string) ResolvedCapabilities {
	depth := resolveDepth(flags, g)
	tier := tierByName(depth)

	compact := true
	if flags.NoCompact {
		compact = false
	}

	mode := flags.Mode
	if mode == "" {
		mode = modeByDepth[depth]
	}

	mcpHint := strings.Join(mcpServersByDepth[depth], ",")

	isCodeCommand := command == "" || LoopCommands[command]
	loopEnabled := !flags.NoLoop && isCodeCommand && cfg.ImprovementLoops.Enabled

	iterations := flags.Iterations
	if iterations == 0 {
		iterations = cfg.ImprovementLoops.MaxIterations
	}

	return ResolvedCapabilities{
		DepthTier:          depth,
		TokenBudget:        tier.TokenBudget,
		Compact:            compact,
		Mode:               mode,
		MCPHint:            mcpHint,
		TDD:                flags.TDD,
		RulesEnabled:       true,
		LoopEnabled:        loopEnabled,
		LoopIterations:     iterations,
		GatesEnabled:       cfg.Verification.RequireBeforeCompletion,
		StalenessThreshold: cfg.Verification.StalenessThresholdSecs,
	}
}

// resolveDepth: CLI flag wins; otherwise scan every task and take the
// deepest auto-detected tier (spec.md §4.15).
func resolveDepth(flags Flags, g *graph.Graph) string {
	if flags.Depth != "" {
		return strings.ReplaceAll(flags.Depth, "_", "-")
	}
	if g == nil {
		return "standard"
	}
	best := tierByName("standard")
	for _, lvl := range g.Levels() {
		for _, t := range g.TasksForLevel(lvl) {
			d := autoDetectTier(t.Description, len(t.AllFiles()))
			if d.TokenBudget > best.TokenBudget {
				best = d
			}
		}
	}
	return best.Name
}

// autoDetectTier is a small heuristic: more touched files or longer
// descriptions route to a deeper tier. This mirrors the original's
// DepthRouter without vendoring its full NLP heuristics.
func autoDetectTier(description string, fileCount int) DepthTier {
	switch {
	case fileCount > 10 || len(description) > 600:
		return tierByName("think-hard")
	case fileCount > 4 || len(description) > 300:
		return tierByName("think")
	default:
		return tierByName("standard")
	}
}

// ToEnv serializes ResolvedCapabilities into the ZERG_* environment variables injected
// into every worker (spec.md §6).
func (r ResolvedCapabilities) ToEnv() map[string]string {
	env := map[string]string{
		"ZERG_ANALYSIS_DEPTH":     r.DepthTier,
		"ZERG_TOKEN_BUDGET":       fmt.Sprintf("%d", r.TokenBudget),
		"ZERG_COMPACT_MODE":       boolEnv(r.Compact),
		"ZERG_BEHAVIORAL_MODE":    r.Mode,
		"ZERG_TDD_MODE":           boolEnv(r.TDD),
		"ZERG_RULES_ENABLED":      boolEnv(r.RulesEnabled),
		"ZERG_LOOP_ENABLED":       boolEnv(r.LoopEnabled),
		"ZERG_LOOP_ITERATIONS":    fmt.Sprintf("%d", r.LoopIterations),
		"ZERG_VERIFICATION_GATES": boolEnv(r.GatesEnabled),
		"ZERG_STALENESS_THRESHOLD": fmt.Sprintf("%d", r.StalenessThreshold),
	}
	if r.MCPHint != "" {
		env["ZERG_MCP_HINT"] = r.MCPHint
	}
	return env
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
