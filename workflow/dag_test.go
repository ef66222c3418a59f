package workflow

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds a -> (b, c) -> d
func diamond() *DAG {
	d := NewDAG()
	d.AddNode("a", nil, false)
	d.AddNode("b", []string{"a"}, false)
	d.AddNode("c", []string{"a"}, false)
	d.AddNode("d", []string{"b", "c"}, false)
	return d
}

func TestDAGValidate(t *testing.T) {
	require.NoError(t, diamond().Validate())

	unknown := NewDAG()
	unknown.AddNode("a", []string{"ghost"}, false)
	err := unknown.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-existent")

	cycle := NewDAG()
	cycle.AddNode("a", []string{"c"}, false)
	cycle.AddNode("b", []string{"a"}, false)
	cycle.AddNode("c", []string{"b"}, false)
	err = cycle.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")

	selfLoop := NewDAG()
	selfLoop.AddNode("a", []string{"a"}, false)
	assert.Error(t, selfLoop.Validate())
}

func TestDAGReadyNodes(t *testing.T) {
	d := diamond()

	ready := d.ReadyNodes()
	assert.Equal(t, []string{"a"}, ready)

	d.MarkRunning("a")
	assert.Empty(t, d.ReadyNodes())
	assert.True(t, d.HasRunning())

	d.MarkCompleted("a")
	ready = d.ReadyNodes()
	sort.Strings(ready)
	assert.Equal(t, []string{"b", "c"}, ready)

	d.MarkCompleted("b")
	d.MarkCompleted("c")
	assert.Equal(t, []string{"d"}, d.ReadyNodes())

	d.MarkCompleted("d")
	assert.Empty(t, d.ReadyNodes())
	assert.True(t, d.IsComplete())
}

func TestDAGSkipPropagation(t *testing.T) {
	d := diamond()
	d.MarkCompleted("a")
	d.MarkFailed("b")
	d.MarkCompleted("c")

	// d depends on the failed b, so it skips rather than runs
	assert.Empty(t, d.ReadyNodes())
	status, ok := d.Status("d")
	require.True(t, ok)
	assert.Equal(t, NodeSkipped, status)
	assert.True(t, d.IsComplete())
}

func TestDAGSkipPropagationTransitive(t *testing.T) {
	d := NewDAG()
	d.AddNode("a", nil, false)
	d.AddNode("b", []string{"a"}, false)
	d.AddNode("c", []string{"b"}, false)
	d.AddNode("d", []string{"c"}, false)

	d.MarkFailed("a")

	// One ReadyNodes pass drains the whole chain
	assert.Empty(t, d.ReadyNodes())
	for _, id := range []string{"b", "c", "d"} {
		status, ok := d.Status(id)
		require.True(t, ok)
		assert.Equal(t, NodeSkipped, status, "node %s", id)
	}
}

func TestDAGContinueOnError(t *testing.T) {
	d := NewDAG()
	d.AddNode("a", nil, false)
	d.AddNode("b", []string{"a"}, true)
	d.AddNode("c", []string{"a"}, false)

	d.MarkFailed("a")

	// Only the continue-on-error node survives a failed dependency
	assert.Equal(t, []string{"b"}, d.ReadyNodes())
	status, _ := d.Status("c")
	assert.Equal(t, NodeSkipped, status)
}

func TestDAGTopologicalOrder(t *testing.T) {
	d := diamond()
	order := d.TopologicalOrder()
	require.Len(t, order, 4)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}
	assert.Less(t, position["a"], position["b"])
	assert.Less(t, position["a"], position["c"])
	assert.Less(t, position["b"], position["d"])
	assert.Less(t, position["c"], position["d"])
}

func TestDAGStats(t *testing.T) {
	d := diamond()
	d.MarkCompleted("a")
	d.MarkRunning("b")

	stats := d.Stats()
	assert.Equal(t, 4, stats.TotalNodes)
	assert.Equal(t, 2, stats.PendingNodes)
	assert.Equal(t, 1, stats.RunningNodes)
	assert.Equal(t, 1, stats.CompletedNodes)
	assert.Equal(t, 2, stats.MaxDependencies)
	assert.Equal(t, 2, stats.MaxDependents)
	assert.Equal(t, 2, stats.MaxParallelism, "b and c share a wave")
	assert.Equal(t, 3, stats.Depth)
}
