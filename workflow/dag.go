package workflow

import (
	"fmt"
	"sync"
)

// NodeStatus is the scheduling status of one DAG node
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeRunning
	NodeCompleted
	NodeFailed
	NodeSkipped
)

// Node is one step in the dependency graph
type Node struct {
	ID              string
	Dependencies    []string
	Dependents      []string
	Status          NodeStatus
	ContinueOnError bool
}

// DAG is the dependency graph driving step scheduling. Ready selection and
// skip propagation both live here so the engine loop stays a thin driver.
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewDAG creates an empty dependency graph
func NewDAG() *DAG {
	return &DAG{nodes: make(map[string]*Node)}
}

// AddNode inserts or updates a node and rebuilds dependent edges
func (d *DAG) AddNode(id string, dependencies []string, continueOnError bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.nodes[id]; ok {
		existing.Dependencies = dependencies
		existing.ContinueOnError = continueOnError
	} else {
		d.nodes[id] = &Node{
			ID:              id,
			Dependencies:    dependencies,
			Dependents:      []string{},
			Status:          NodePending,
			ContinueOnError: continueOnError,
		}
	}
	d.rebuildDependents()
}

func (d *DAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.Dependents = node.Dependents[:0]
	}
	for id, node := range d.nodes {
		for _, dep := range node.Dependencies {
			depNode, ok := d.nodes[dep]
			if !ok {
				continue
			}
			duplicate := false
			for _, existing := range depNode.Dependents {
				if existing == id {
					duplicate = true
					break
				}
			}
			if !duplicate {
				depNode.Dependents = append(depNode.Dependents, id)
			}
		}
	}
}

// Validate rejects unknown dependencies and cycles. Cycle detection is a
// depth-first search with a recursion stack.
func (d *DAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, node := range d.nodes {
		for _, dep := range node.Dependencies {
			if _, ok := d.nodes[dep]; !ok {
				return fmt.Errorf("step %s depends on non-existent step %s", id, dep)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for id := range d.nodes {
		if !visited[id] {
			if d.hasCycle(id, visited, recStack) {
				return fmt.Errorf("workflow contains circular dependencies")
			}
		}
	}
	return nil
}

func (d *DAG) hasCycle(id string, visited, recStack map[string]bool) bool {
	visited[id] = true
	recStack[id] = true
	for _, dependent := range d.nodes[id].Dependents {
		if !visited[dependent] {
			if d.hasCycle(dependent, visited, recStack) {
				return true
			}
		} else if recStack[dependent] {
			return true
		}
	}
	recStack[id] = false
	return false
}

// ReadyNodes returns pending nodes whose dependencies are all terminal.
// A pending node with a failed or skipped dependency is transitioned to
// skipped here unless it is marked continue-on-error, so the workflow drains
// without ever executing it.
func (d *DAG) ReadyNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []string
	for {
		progressed := false
		for id, node := range d.nodes {
			if node.Status != NodePending {
				continue
			}
			allTerminal := true
			blocked := false
			for _, dep := range node.Dependencies {
				switch d.nodes[dep].Status {
				case NodeCompleted:
				case NodeFailed, NodeSkipped:
					if !node.ContinueOnError {
						blocked = true
					}
				default:
					allTerminal = false
				}
			}
			if !allTerminal {
				continue
			}
			if blocked {
				node.Status = NodeSkipped
				progressed = true
				continue
			}
			ready = append(ready, id)
		}
		// Skips may unblock transitive skip propagation in the same pass
		if !progressed {
			break
		}
		ready = ready[:0]
	}
	return ready
}

// MarkRunning transitions a node to running
func (d *DAG) MarkRunning(id string) { d.setStatus(id, NodeRunning) }

// MarkCompleted transitions a node to completed
func (d *DAG) MarkCompleted(id string) { d.setStatus(id, NodeCompleted) }

// MarkFailed transitions a node to failed
func (d *DAG) MarkFailed(id string) { d.setStatus(id, NodeFailed) }

// MarkSkipped transitions a node to skipped
func (d *DAG) MarkSkipped(id string) { d.setStatus(id, NodeSkipped) }

func (d *DAG) setStatus(id string, status NodeStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, ok := d.nodes[id]; ok {
		node.Status = status
	}
}

// Status returns a node's current status
func (d *DAG) Status(id string) (NodeStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	if !ok {
		return NodePending, false
	}
	return node.Status, true
}

// IsComplete reports whether every node is terminal
func (d *DAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		if node.Status == NodePending || node.Status == NodeRunning {
			return false
		}
	}
	return true
}

// HasRunning reports whether any node is currently running
func (d *DAG) HasRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		if node.Status == NodeRunning {
			return true
		}
	}
	return false
}

// TopologicalOrder returns the node IDs in dependency order (Kahn's algorithm)
func (d *DAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.Dependencies)
	}
	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		for _, dependent := range d.nodes[current].Dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return result
}

// Statistics summarizes graph shape and progress
type Statistics struct {
	TotalNodes      int
	PendingNodes    int
	RunningNodes    int
	CompletedNodes  int
	FailedNodes     int
	SkippedNodes    int
	MaxDependencies int
	MaxDependents   int
	MaxParallelism  int
	Depth           int
}

// Stats computes statistics for the current graph state
func (d *DAG) Stats() Statistics {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := Statistics{TotalNodes: len(d.nodes)}
	for _, node := range d.nodes {
		switch node.Status {
		case NodePending:
			stats.PendingNodes++
		case NodeRunning:
			stats.RunningNodes++
		case NodeCompleted:
			stats.CompletedNodes++
		case NodeFailed:
			stats.FailedNodes++
		case NodeSkipped:
			stats.SkippedNodes++
		}
		if len(node.Dependencies) > stats.MaxDependencies {
			stats.MaxDependencies = len(node.Dependencies)
		}
		if len(node.Dependents) > stats.MaxDependents {
			stats.MaxDependents = len(node.Dependents)
		}
	}
	levels := d.levelsLocked()
	for _, level := range levels {
		if len(level) > stats.MaxParallelism {
			stats.MaxParallelism = len(level)
		}
	}
	stats.Depth = len(levels)
	return stats
}

// levelsLocked groups nodes into waves that could run in parallel.
// Caller holds at least the read lock.
func (d *DAG) levelsLocked() [][]string {
	var levels [][]string
	processed := make(map[string]bool, len(d.nodes))
	for {
		var level []string
		for id, node := range d.nodes {
			if processed[id] {
				continue
			}
			eligible := true
			for _, dep := range node.Dependencies {
				if !processed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			processed[id] = true
		}
		levels = append(levels, level)
	}
	return levels
}
