package graph

import (
	"fmt"
	"sort"
)

// validateSchema checks required fields, types, and value ranges (spec.md
// §4.2 pass 1).
func validateSchema(doc *Document) []string {
	var errs []string
	if doc.Feature == "" {
		errs = append(errs, "missing required field: feature")
	}
	if len(doc.Tasks) == 0 {
		errs = append(errs, "task graph has no tasks")
	}
	seen := map[string]bool{}
	for i, t := range doc.Tasks {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("task[%d]: missing id", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("duplicate task id: %s", t.ID))
		}
		seen[t.ID] = true
		if t.Level < 1 {
			errs = append(errs, fmt.Sprintf("task %s: level must be >= 1, got %d", t.ID, t.Level))
		}
		if t.Title == "" {
			errs = append(errs, fmt.Sprintf("task %s: missing title", t.ID))
		}
	}
	return errs
}

// validateFileOwnership checks that create ∪ modify sets across tasks at
// the same level are pairwise disjoint (spec.md §3, §4.2 pass 2).
func validateFileOwnership(doc *Document) []string {
	var errs []string
	byLevel := map[int]map[string]string{} // level -> file -> owning task id
	for _, t := range doc.Tasks {
		owners := byLevel[t.Level]
		if owners == nil {
			owners = map[string]string{}
			byLevel[t.Level] = owners
		}
		for _, f := range t.AllFiles() {
			if owner, ok := owners[f]; ok && owner != t.ID {
				errs = append(errs, fmt.Sprintf("level %d: file %q is owned by both %s and %s", t.Level, f, owner, t.ID))
				continue
			}
			owners[f] = t.ID
		}
	}
	sort.Strings(errs)
	return errs
}

// validateDependencies checks every referenced id exists and the graph is
// acyclic (spec.md §4.2 pass 3).
func validateDependencies(doc *Document) []string {
	var errs []string
	ids := map[string]bool{}
	for _, t := range doc.Tasks {
		ids[t.ID] = true
	}
	for _, t := range doc.Tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
				continue
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	// Acyclicity via Kahn's algorithm; any residue after the queue drains
	// indicates a cycle.
	deps := map[string][]string{}
	dependents := map[string][]string{}
	for _, t := range doc.Tasks {
		deps[t.ID] = t.Dependencies
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	inDegree := map[string]int{}
	for _, t := range doc.Tasks {
		inDegree[t.ID] = len(deps[t.ID])
	}
	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if visited != len(doc.Tasks) {
		var remaining []string
		for id, d := range inDegree {
			if d > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		errs = append(errs, fmt.Sprintf("dependency cycle among tasks: %v", remaining))
	}
	return errs
}
