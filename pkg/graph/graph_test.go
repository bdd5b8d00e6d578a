package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/taskforge/pkg/types"
)

func mustCreate(t *testing.T, g *DirectionalGraph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, g.CreateNode(id, &types.NodeInfo{Abstract: "node " + id}))
	}
}

// buildTree wires root -> {c1, c2, c3}, c2 -> {g1, g2}.
func buildTree(t *testing.T) *DirectionalGraph {
	t.Helper()
	g := New()
	mustCreate(t, g, "root", "c1", "c2", "c3", "g1", "g2")
	require.NoError(t, g.AddEdge("root", Down, "c1", false))
	require.NoError(t, g.AddEdge("c1", Right, "c2", false))
	require.NoError(t, g.AddEdge("c2", Right, "c3", false))
	require.NoError(t, g.AddEdge("c2", Down, "g1", false))
	require.NoError(t, g.AddEdge("g1", Right, "g2", false))
	return g
}

// checkReverseEdges asserts that every edge has its mirror installed.
func checkReverseEdges(t *testing.T, g *DirectionalGraph) {
	t.Helper()
	for _, id := range g.Nodes() {
		for _, dir := range []Direction{Up, Down, Left, Right} {
			if m := g.Neighbor(id, dir); m != "" {
				assert.Equal(t, id, g.Neighbor(m, dir.Reverse()),
					"edge %s.%s=%s has no mirror", id, dir, m)
			}
		}
	}
}

// checkSiblingChain asserts that iterating Right from the chain head visits
// every sibling exactly once and terminates.
func checkSiblingChain(t *testing.T, g *DirectionalGraph, parent string, want []string) {
	t.Helper()
	assert.Equal(t, want, g.GetChildren(parent))
	if len(want) == 0 {
		return
	}
	head := want[0]
	assert.Equal(t, "", g.Neighbor(head, Left))
	tail := want[len(want)-1]
	assert.Equal(t, "", g.Neighbor(tail, Right))
}

func TestAddEdgeInstallsReverse(t *testing.T) {
	g := New()
	mustCreate(t, g, "a", "b")

	require.NoError(t, g.AddEdge("a", Down, "b", false))
	assert.Equal(t, "b", g.Neighbor("a", Down))
	assert.Equal(t, "a", g.Neighbor("b", Up))
}

func TestAddEdgeConflict(t *testing.T) {
	g := New()
	mustCreate(t, g, "a", "b", "c")
	require.NoError(t, g.AddEdge("a", Down, "b", false))

	err := g.AddEdge("a", Down, "c", false)
	assert.ErrorIs(t, err, ErrEdgeConflict)

	// Overwrite displaces b and clears its Up edge
	require.NoError(t, g.AddEdge("a", Down, "c", true))
	assert.Equal(t, "c", g.Neighbor("a", Down))
	assert.Equal(t, "", g.Neighbor("b", Up))
	checkReverseEdges(t, g)
}

func TestAddEdgeUnknownNode(t *testing.T) {
	g := New()
	mustCreate(t, g, "a")
	assert.ErrorIs(t, g.AddEdge("a", Down, "ghost", false), ErrNodeNotFound)
	assert.ErrorIs(t, g.AddEdge("ghost", Down, "a", false), ErrNodeNotFound)
}

func TestCreateNodeDuplicate(t *testing.T) {
	g := New()
	mustCreate(t, g, "a")
	assert.ErrorIs(t, g.CreateNode("a", nil), ErrNodeExists)
}

func TestRemoveEdge(t *testing.T) {
	g := New()
	mustCreate(t, g, "a", "b")
	require.NoError(t, g.AddEdge("a", Right, "b", false))

	g.RemoveEdge("a", Right)
	assert.Equal(t, "", g.Neighbor("a", Right))
	assert.Equal(t, "", g.Neighbor("b", Left))
}

func TestTraverse(t *testing.T) {
	g := buildTree(t)

	assert.Equal(t, []string{"c1", "c2", "c3"}, g.Traverse("c1", Right, true))
	assert.Equal(t, []string{"c2", "c3"}, g.Traverse("c1", Right, false))
	assert.Equal(t, []string{"c3", "c2", "c1"}, g.Traverse("c3", Left, true))
	assert.Nil(t, g.Traverse("ghost", Right, true))
}

func TestGetParent(t *testing.T) {
	g := buildTree(t)

	assert.Equal(t, "root", g.GetParent("c1"))
	// Middle and last siblings reach the parent through the chain head
	assert.Equal(t, "root", g.GetParent("c2"))
	assert.Equal(t, "root", g.GetParent("c3"))
	assert.Equal(t, "c2", g.GetParent("g2"))
	assert.Equal(t, "", g.GetParent("root"))
}

func TestGetChildrenAndSiblings(t *testing.T) {
	g := buildTree(t)

	checkSiblingChain(t, g, "root", []string{"c1", "c2", "c3"})
	checkSiblingChain(t, g, "c2", []string{"g1", "g2"})
	assert.Nil(t, g.GetChildren("c3"))

	assert.Equal(t, []string{"c1", "c3"}, g.GetSiblings("c2"))
	assert.Equal(t, []string{"c2", "c1"}, g.GetPrevSiblings("c3"))
	assert.Equal(t, []string{"c2", "c3"}, g.GetNextSiblings("c1"))
}

func TestGetAncestorsAndDescendants(t *testing.T) {
	g := buildTree(t)

	assert.Equal(t, []string{"c2", "root"}, g.GetAncestors("g2"))
	assert.Equal(t, []string{"c1", "c2", "g1", "g2", "c3"}, g.GetDescendants("root"))
	assert.Equal(t, []string{"g1", "g2"}, g.GetDescendants("c2"))
	assert.Nil(t, g.GetDescendants("g1"))
}

func TestMoveNodeLast(t *testing.T) {
	g := buildTree(t)

	require.NoError(t, g.MoveNode("g1", "root", Last()))

	assert.Equal(t, "root", g.GetParent("g1"))
	checkSiblingChain(t, g, "root", []string{"c1", "c2", "c3", "g1"})
	// g2 was promoted to c2's first child
	checkSiblingChain(t, g, "c2", []string{"g2"})
	checkReverseEdges(t, g)
}

func TestMoveNodeFirst(t *testing.T) {
	g := buildTree(t)

	require.NoError(t, g.MoveNode("c3", "c2", First()))

	checkSiblingChain(t, g, "c2", []string{"c3", "g1", "g2"})
	checkSiblingChain(t, g, "root", []string{"c1", "c2"})
	checkReverseEdges(t, g)
}

func TestMoveNodeAfter(t *testing.T) {
	g := buildTree(t)

	require.NoError(t, g.MoveNode("g2", "root", After("c1")))

	checkSiblingChain(t, g, "root", []string{"c1", "g2", "c2", "c3"})
	checkSiblingChain(t, g, "c2", []string{"g1"})
	checkReverseEdges(t, g)
}

func TestMoveNodeKeepsSubtree(t *testing.T) {
	g := buildTree(t)

	require.NoError(t, g.MoveNode("c2", "c1", Last()))

	assert.Equal(t, "c1", g.GetParent("c2"))
	checkSiblingChain(t, g, "c2", []string{"g1", "g2"})
	checkSiblingChain(t, g, "root", []string{"c1", "c3"})
	checkReverseEdges(t, g)
}

func TestMoveNodeCycle(t *testing.T) {
	g := buildTree(t)

	assert.ErrorIs(t, g.MoveNode("c2", "g1", Last()), ErrWouldCycle)
	assert.ErrorIs(t, g.MoveNode("root", "root", Last()), ErrWouldCycle)
}

func TestRemoveSubtree(t *testing.T) {
	g := buildTree(t)

	want := append([]string{"c2"}, "g1", "g2")
	removed := g.RemoveSubtree("c2")
	assert.ElementsMatch(t, want, removed)

	for _, id := range removed {
		assert.False(t, g.Has(id))
	}
	checkSiblingChain(t, g, "root", []string{"c1", "c3"})
	checkReverseEdges(t, g)
	assert.Equal(t, 3, g.Len())
}

func TestRemoveSubtreeHead(t *testing.T) {
	g := buildTree(t)

	g.RemoveSubtree("c1")

	// c2 becomes the chain head and inherits the Down edge from root
	checkSiblingChain(t, g, "root", []string{"c2", "c3"})
	checkReverseEdges(t, g)
}

func TestRemoveSubtreeUnknown(t *testing.T) {
	g := New()
	assert.Nil(t, g.RemoveSubtree("ghost"))
}

func TestInfo(t *testing.T) {
	g := buildTree(t)

	info, ok := g.Info("c1")
	require.True(t, ok)
	assert.Equal(t, "node c1", info.Abstract)

	_, ok = g.Info("ghost")
	assert.False(t, ok)
}
