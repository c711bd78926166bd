// Package graph parses and validates ZERG task graphs: schema validation,
// file-ownership checking, dependency acyclicity (Kahn's algorithm), and
// queries over the resulting DAG (readiness, per-level tasks, topological
// order, critical path).
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/cuemby/zerg/pkg/types"
)

// Document is the top-level task-graph.json shape (spec.md §6).
type Document struct {
	Schema             string             `json:"schema"`
	Feature            string             `json:"feature"`
	CriticalPath       []string           `json:"critical_path,omitempty"`
	MaxParallelization int                `json:"max_parallelization,omitempty"`
	Levels             map[string]any     `json:"levels,omitempty"`
	Tasks              []*types.Task      `json:"tasks"`
}

// ValidationError carries every violation found during Load, per spec.md
// §4.2's "failing with a structured error carrying all violations."
type ValidationError struct {
	Field  string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Errors)
}

// Graph is a parsed, validated task graph ready for queries.
type Graph struct {
	doc        *Document
	tasks      map[string]*types.Task
	deps       map[string][]string
	dependents map[string][]string
	hash       string
}

// Load reads and validates a task graph from a JSON file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task graph %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and builds a Graph from raw task-graph.json bytes.
func Parse(data []byte) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Field: "schema", Errors: []string{err.Error()}}
	}

	if errs := validateSchema(&doc); len(errs) > 0 {
		return nil, &ValidationError{Field: "schema", Errors: errs}
	}
	if errs := validateFileOwnership(&doc); len(errs) > 0 {
		return nil, &ValidationError{Field: "file_ownership", Errors: errs}
	}
	if errs := validateDependencies(&doc); len(errs) > 0 {
		return nil, &ValidationError{Field: "dependencies", Errors: errs}
	}

	g := &Graph{
		doc:        &doc,
		tasks:      map[string]*types.Task{},
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	for _, t := range doc.Tasks {
		g.tasks[t.ID] = t
		g.deps[t.ID] = t.Dependencies
		for _, dep := range t.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	sum := sha256.Sum256(data)
	g.hash = hex.EncodeToString(sum[:])
	return g, nil
}

// Hash returns the content hash used to detect a feature being resumed
// against a different task graph (spec.md §9 open question 1).
func (g *Graph) Hash() string { return g.hash }

// Feature returns the feature name from the document.
func (g *Graph) Feature() string { return g.doc.Feature }

// GetTask returns a task by id, or nil.
func (g *Graph) GetTask(id string) *types.Task { return g.tasks[id] }

// TasksForLevel returns all tasks at the given level.
func (g *Graph) TasksForLevel(level int) []*types.Task {
	var out []*types.Task
	for _, t := range g.doc.Tasks {
		if t.Level == level {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Levels returns the sorted, distinct set of level numbers.
func (g *Graph) Levels() []int {
	set := map[int]bool{}
	for _, t := range g.doc.Tasks {
		set[t.Level] = true
	}
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

func (g *Graph) areDependenciesComplete(taskID string, completed map[string]bool) bool {
	for _, dep := range g.deps[taskID] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// GetReadyTasks returns tasks whose dependencies are all complete and which
// are neither complete nor in-progress.
func (g *Graph) GetReadyTasks(completed, inProgress map[string]bool) []*types.Task {
	var out []*types.Task
	for id, t := range g.tasks {
		if completed[id] || inProgress[id] {
			continue
		}
		if g.areDependenciesComplete(id, completed) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TopologicalSort returns task ids in dependency order via Kahn's
// algorithm. Ties are broken deterministically by (level, id) so the order
// is stable across runs.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := map[string]int{}
	for id := range g.tasks {
		inDegree[id] = len(g.deps[id])
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	sortQueue := func() {
		sort.Slice(queue, func(i, j int) bool {
			a, b := g.tasks[queue[i]], g.tasks[queue[j]]
			if a.Level != b.Level {
				return a.Level < b.Level
			}
			return queue[i] < queue[j]
		})
	}

	var result []string
	for len(queue) > 0 {
		sortQueue()
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.tasks) {
		done := map[string]bool{}
		for _, id := range result {
			done[id] = true
		}
		var remaining []string
		for id := range g.tasks {
			if !done[id] {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("dependency cycle detected among tasks: %v", remaining)
	}
	return result, nil
}

// CriticalPath returns the explicit critical_path from the document if
// present, otherwise computes the longest path by estimate_minutes using
// dynamic programming over topological order.
func (g *Graph) CriticalPath() ([]string, error) {
	if len(g.doc.CriticalPath) > 0 {
		return g.doc.CriticalPath, nil
	}
	topo, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	dist := map[string]int{}
	pred := map[string]string{}
	for _, id := range topo {
		for _, dep := range g.deps[id] {
			depDist := dist[dep] + g.tasks[dep].EstimateMinutes
			if depDist > dist[id] {
				dist[id] = depDist
				pred[id] = dep
			}
		}
	}
	if len(topo) == 0 {
		return nil, nil
	}
	end := topo[0]
	best := dist[end] + g.tasks[end].EstimateMinutes
	for _, id := range topo[1:] {
		score := dist[id] + g.tasks[id].EstimateMinutes
		if score > best {
			best = score
			end = id
		}
	}
	path := []string{end}
	cur, ok := pred[end]
	for ok {
		path = append([]string{cur}, path...)
		cur, ok = pred[cur]
	}
	return path, nil
}
