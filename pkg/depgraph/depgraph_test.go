package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/steprunner/pkg/types"
)

func step(id string, deps ...string) types.Step {
	return types.Step{ID: id, DependsOn: deps}
}

func TestBuild_AcceptsDAG(t *testing.T) {
	g, err := Build([]types.Step{
		step("a"),
		step("b", "a"),
		step("c", "a", "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Roots())
	assert.Contains(t, g.Dependents("a"), "b")
	assert.Contains(t, g.Dependents("a"), "c")
}

func TestBuild_RejectsCycle(t *testing.T) {
	_, err := Build([]types.Step{
		step("a", "c"),
		step("b", "a"),
		step("c", "b"),
	})
	require.Error(t, err)
	var cycleErr *types.ErrCyclicDependency
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Cycle)
}

func TestGraph_TransitiveDependents(t *testing.T) {
	g, err := Build([]types.Step{
		step("a"),
		step("b", "a"),
		step("c", "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, g.TransitiveDependents("a"))
}

func TestGraph_TopoOrder_RespectsDependencies(t *testing.T) {
	g, err := Build([]types.Step{
		step("a"),
		step("b", "a"),
		step("c", "a"),
		step("d", "b", "c"),
	})
	require.NoError(t, err)

	order, err := g.TopoOrder()
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}
