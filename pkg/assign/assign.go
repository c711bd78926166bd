// Package assign computes the static task->worker mapping for a level,
// honoring the file-ownership invariant and distributing work evenly by
// estimated duration (spec.md §4.7).
package assign

import (
	"encoding/json"
	"sort"

	"github.com/cuemby/zerg/pkg/types"
)

// Assignment is one task's resolved worker, serialized for observability.
type Assignment struct {
	TaskID   string `json:"task_id"`
	WorkerID int    `json:"worker_id"`
}

// Plan is the full set of assignments for a level.
type Plan struct {
	Level       int          `json:"level"`
	WorkerCount int          `json:"worker_count"`
	Assignments []Assignment `json:"assignments"`
}

// Assign partitions tasks across workerCount workers using longest-task-
// first bin packing on EstimateMinutes, which keeps each worker's total
// estimated load close to even. Tasks within a level never share files by
// the graph's file-ownership invariant, so no ownership check is needed
// here beyond the graph validator that already enforced it.
func Assign(level int, tasks []*types.Task, workerCount int) Plan {
	if workerCount < 1 {
		workerCount = 1
	}

	ordered := make([]*types.Task, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].EstimateMinutes != ordered[j].EstimateMinutes {
			return ordered[i].EstimateMinutes > ordered[j].EstimateMinutes
		}
		return ordered[i].ID < ordered[j].ID
	})

	load := make([]int, workerCount)
	assignments := make([]Assignment, 0, len(ordered))
	for _, t := range ordered {
		w := leastLoadedWorker(load)
		load[w] += t.EstimateMinutes
		assignments = append(assignments, Assignment{TaskID: t.ID, WorkerID: w})
	}

	sort.Slice(assignments, func(i, j int) bool { return assignments[i].TaskID < assignments[j].TaskID })

	return Plan{Level: level, WorkerCount: workerCount, Assignments: assignments}
}

func leastLoadedWorker(load []int) int {
	best := 0
	for i, l := range load {
		if l < load[best] {
			best = i
		}
	}
	return best
}

// WorkerFor looks up the assigned worker for a task, or -1 if unassigned.
func (p Plan) WorkerFor(taskID string) int {
	for _, a := range p.Assignments {
		if a.TaskID == taskID {
			return a.WorkerID
		}
	}
	return -1
}

// ToJSON serializes the plan, matching the reference's to_dict()/json.dumps
// idiom used for observability dumps.
func (p Plan) ToJSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
