package scheduler

import (
	"sort"

	"github.com/pkg/errors"
)

// DAG stores tasks in a contiguous arena keyed by dense index, with task
// ids interned to indices. Dependency traversal walks index slices instead
// of a pointer graph.
type DAG struct {
	tasks      []*Task
	index      map[string]int
	deps       [][]int // task index -> dependency indices
	dependents [][]int // reverse edges, maintained on insert
}

// NewDAG builds a graph from tasks, validating ids, dependencies and
// acyclicity. The input order is irrelevant; ties are broken by id later.
func NewDAG(tasks []*Task) (*DAG, error) {
	d := &DAG{index: make(map[string]int, len(tasks))}

	for _, task := range tasks {
		if task.ID == "" {
			return nil, errors.New("dag: task id required")
		}
		if _, dup := d.index[task.ID]; dup {
			return nil, errors.Errorf("dag: duplicate task id %s", task.ID)
		}
		d.index[task.ID] = len(d.tasks)
		task.Status = TaskStatusPending
		d.tasks = append(d.tasks, task)
	}

	d.deps = make([][]int, len(d.tasks))
	d.dependents = make([][]int, len(d.tasks))
	for i, task := range d.tasks {
		for _, depID := range task.Dependencies {
			j, ok := d.index[depID]
			if !ok {
				return nil, errors.Errorf("dag: task %s depends on unknown task %s", task.ID, depID)
			}
			if j == i {
				return nil, errors.Errorf("dag: task %s depends on itself", task.ID)
			}
			d.deps[i] = append(d.deps[i], j)
			d.dependents[j] = append(d.dependents[j], i)
		}
	}

	if cycle := d.findCycle(); cycle != "" {
		return nil, errors.Errorf("dag: cycle detected through task %s", cycle)
	}
	return d, nil
}

// findCycle runs an iterative three-color DFS; returns an id on a cycle or "".
func (d *DAG) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(d.tasks))

	var stack []int
	for start := range d.tasks {
		if color[start] != white {
			continue
		}
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			if color[n] == white {
				color[n] = gray
				for _, dep := range d.deps[n] {
					switch color[dep] {
					case gray:
						return d.tasks[dep].ID
					case white:
						stack = append(stack, dep)
					}
				}
			} else {
				color[n] = black
				stack = stack[:len(stack)-1]
			}
		}
	}
	return ""
}

// Task returns the task for id, or nil.
func (d *DAG) Task(id string) *Task {
	i, ok := d.index[id]
	if !ok {
		return nil
	}
	return d.tasks[i]
}

// Tasks returns the arena in insertion order.
func (d *DAG) Tasks() []*Task {
	return d.tasks
}

// Len returns the task count.
func (d *DAG) Len() int {
	return len(d.tasks)
}

// depsSatisfied reports whether every dependency of task i is Completed or
// carries a resolved Ignorable debt.
func (d *DAG) depsSatisfied(i int, debts *debtLedger) bool {
	for _, j := range d.deps[i] {
		dep := d.tasks[j]
		if dep.Status == TaskStatusCompleted {
			continue
		}
		if dep.Status == TaskStatusSkipped && dep.skippedByDecision {
			continue
		}
		if debts.resolvedSatisfies(dep.ID) {
			continue
		}
		return false
	}
	return true
}

// readySet returns the indices of Pending tasks whose dependencies are
// satisfied, in lexicographic task-id order for determinism.
func (d *DAG) readySet(debts *debtLedger) []int {
	var ready []int
	for i, task := range d.tasks {
		if task.Status != TaskStatusPending {
			continue
		}
		if d.depsSatisfied(i, debts) {
			ready = append(ready, i)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		return d.tasks[ready[a]].ID < d.tasks[ready[b]].ID
	})
	return ready
}

// transitiveDependents collects every task reachable through dependent
// edges from id, BFS order.
func (d *DAG) transitiveDependents(id string) []int {
	start, ok := d.index[id]
	if !ok {
		return nil
	}
	visited := make([]bool, len(d.tasks))
	queue := []int{start}
	var out []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, dep := range d.dependents[n] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out
}

// Completed reports whether every task is terminal.
func (d *DAG) Completed() bool {
	for _, task := range d.tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}
