package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sentinelops/taskforge/pkg/types"
)

var (
	// ErrNodeExists is returned when creating a node whose id is taken
	ErrNodeExists = errors.New("node already exists")
	// ErrNodeNotFound is returned when an operation references an unknown node
	ErrNodeNotFound = errors.New("node not found")
	// ErrEdgeConflict is returned when add-edge would overwrite without permission
	ErrEdgeConflict = errors.New("edge already exists")
	// ErrWouldCycle is returned when move-node would make a node its own ancestor
	ErrWouldCycle = errors.New("move would create a cycle")
)

// Direction is one of the four neighbor slots of a node.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	switch d {
	case Up:
		return Down
	case Down:
		return Up
	case Left:
		return Right
	default:
		return Left
	}
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	default:
		return "right"
	}
}

// Position selects where move-node reattaches a node under its new parent.
type Position struct {
	kind  int // 0 first, 1 last, 2 after
	after string
}

// First attaches as the parent's first child.
func First() Position { return Position{kind: 0} }

// Last attaches after the parent's current last child.
func Last() Position { return Position{kind: 1} }

// After attaches immediately to the right of the given sibling.
func After(siblingID string) Position { return Position{kind: 2, after: siblingID} }

// DirectionalGraph is a 4-neighbor graph with automatic reverse-edge
// maintenance. Down/Up edges form a tree; Left/Right edges form doubly
// linked sibling chains. Only the first child of a parent carries an Up
// edge, so the parent of a middle sibling is found by walking Left to the
// chain head first.
type DirectionalGraph struct {
	mu    sync.RWMutex
	edges map[string]*[4]string
	meta  map[string]*types.NodeInfo
}

// New returns an empty graph.
func New() *DirectionalGraph {
	return &DirectionalGraph{
		edges: make(map[string]*[4]string),
		meta:  make(map[string]*types.NodeInfo),
	}
}

// CreateNode registers a node with its metadata and no edges.
func (g *DirectionalGraph) CreateNode(id string, info *types.NodeInfo) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, id)
	}
	g.edges[id] = &[4]string{}
	g.meta[id] = info
	return nil
}

// AddEdge installs from.dir = to and to.reverse(dir) = from. With overwrite,
// a displaced old neighbor has its reverse edge cleared; without it, an
// occupied slot is a conflict.
func (g *DirectionalGraph) AddEdge(from string, dir Direction, to string, overwrite bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdge(from, dir, to, overwrite)
}

func (g *DirectionalGraph) addEdge(from string, dir Direction, to string, overwrite bool) error {
	fe, ok := g.edges[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	te, ok := g.edges[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}

	if old := fe[dir]; old != "" && old != to {
		if !overwrite {
			return fmt.Errorf("%w: %s already has %s neighbor %s", ErrEdgeConflict, from, dir, old)
		}
		if oe, ok := g.edges[old]; ok {
			oe[dir.Reverse()] = ""
		}
	}

	fe[dir] = to
	te[dir.Reverse()] = from
	return nil
}

// RemoveEdge clears from.dir and the matching reverse edge.
func (g *DirectionalGraph) RemoveEdge(from string, dir Direction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeEdge(from, dir)
}

func (g *DirectionalGraph) removeEdge(from string, dir Direction) {
	fe, ok := g.edges[from]
	if !ok {
		return
	}
	to := fe[dir]
	if to == "" {
		return
	}
	fe[dir] = ""
	if te, ok := g.edges[to]; ok {
		te[dir.Reverse()] = ""
	}
}

// Neighbor returns the node in the given direction, or "" if none.
func (g *DirectionalGraph) Neighbor(id string, dir Direction) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbor(id, dir)
}

func (g *DirectionalGraph) neighbor(id string, dir Direction) string {
	if e, ok := g.edges[id]; ok {
		return e[dir]
	}
	return ""
}

// Traverse follows dir from id until it runs out, returning the visited ids
// in order. With includeSelf the start node leads the list.
func (g *DirectionalGraph) Traverse(id string, dir Direction, includeSelf bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traverse(id, dir, includeSelf)
}

func (g *DirectionalGraph) traverse(id string, dir Direction, includeSelf bool) []string {
	if _, ok := g.edges[id]; !ok {
		return nil
	}
	var out []string
	if includeSelf {
		out = append(out, id)
	}
	seen := map[string]bool{id: true}
	for cur := g.neighbor(id, dir); cur != "" && !seen[cur]; cur = g.neighbor(cur, dir) {
		seen[cur] = true
		out = append(out, cur)
	}
	return out
}

// GetParent returns the id of the node's parent, or "". Middle siblings
// reach their parent through the head of their chain.
func (g *DirectionalGraph) GetParent(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.parent(id)
}

func (g *DirectionalGraph) parent(id string) string {
	head := id
	for {
		left := g.neighbor(head, Left)
		if left == "" || left == id {
			break
		}
		head = left
	}
	return g.neighbor(head, Up)
}

// GetChildren returns the node's children in sibling order.
func (g *DirectionalGraph) GetChildren(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.children(id)
}

func (g *DirectionalGraph) children(id string) []string {
	first := g.neighbor(id, Down)
	if first == "" {
		return nil
	}
	return g.traverse(first, Right, true)
}

// GetSiblings returns every node in id's chain, leftmost first, excluding id.
func (g *DirectionalGraph) GetSiblings(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	lefts := g.traverse(id, Left, false)
	for i := len(lefts) - 1; i >= 0; i-- {
		out = append(out, lefts[i])
	}
	out = append(out, g.traverse(id, Right, false)...)
	return out
}

// GetPrevSiblings returns the Left chain, nearest sibling first.
func (g *DirectionalGraph) GetPrevSiblings(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traverse(id, Left, false)
}

// GetNextSiblings returns the Right chain, nearest sibling first.
func (g *DirectionalGraph) GetNextSiblings(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.traverse(id, Right, false)
}

// GetAncestors returns the chain of parents, nearest first.
func (g *DirectionalGraph) GetAncestors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	seen := map[string]bool{id: true}
	for cur := g.parent(id); cur != "" && !seen[cur]; cur = g.parent(cur) {
		seen[cur] = true
		out = append(out, cur)
	}
	return out
}

// GetDescendants returns every node below id in DFS order (children before
// their right siblings), excluding id itself.
func (g *DirectionalGraph) GetDescendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.descendants(id)
}

func (g *DirectionalGraph) descendants(id string) []string {
	var out []string
	kids := g.children(id)
	stack := make([]string, 0, len(kids))
	for i := len(kids) - 1; i >= 0; i-- {
		stack = append(stack, kids[i])
	}
	visited := make(map[string]bool)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		kids := g.children(cur)
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

// MoveNode unsplices id from its current location and reattaches it under
// newParent at the given position. The node keeps its own subtree.
func (g *DirectionalGraph) MoveNode(id, newParent string, pos Position) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if _, ok := g.edges[newParent]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, newParent)
	}
	if id == newParent {
		return ErrWouldCycle
	}
	for _, d := range g.descendants(id) {
		if d == newParent {
			return ErrWouldCycle
		}
	}

	g.unsplice(id)

	switch pos.kind {
	case 0: // first
		oldFirst := g.neighbor(newParent, Down)
		if err := g.addEdge(newParent, Down, id, true); err != nil {
			return err
		}
		if oldFirst != "" {
			if err := g.addEdge(id, Right, oldFirst, true); err != nil {
				return err
			}
		}
	case 1: // last
		first := g.neighbor(newParent, Down)
		if first == "" {
			if err := g.addEdge(newParent, Down, id, true); err != nil {
				return err
			}
		} else {
			chain := g.traverse(first, Right, true)
			last := chain[len(chain)-1]
			if err := g.addEdge(last, Right, id, true); err != nil {
				return err
			}
		}
	case 2: // after a specific sibling
		if g.parentOf(pos.after) != newParent {
			return fmt.Errorf("%w: %s is not a child of %s", ErrNodeNotFound, pos.after, newParent)
		}
		next := g.neighbor(pos.after, Right)
		if err := g.addEdge(pos.after, Right, id, true); err != nil {
			return err
		}
		if next != "" {
			if err := g.addEdge(id, Right, next, true); err != nil {
				return err
			}
		}
	}

	if info, ok := g.meta[id]; ok && info != nil {
		info.ParentID = newParent
	}
	return nil
}

func (g *DirectionalGraph) parentOf(id string) string {
	if _, ok := g.edges[id]; !ok {
		return ""
	}
	return g.parent(id)
}

// unsplice detaches id from its parent and sibling chain, reconnecting the
// neighbors it leaves behind. The node's Down subtree is untouched.
func (g *DirectionalGraph) unsplice(id string) {
	up := g.neighbor(id, Up)
	left := g.neighbor(id, Left)
	right := g.neighbor(id, Right)

	g.removeEdge(id, Up)
	g.removeEdge(id, Left)
	g.removeEdge(id, Right)

	if up != "" && right != "" {
		// id was the chain head; promote its right sibling
		_ = g.addEdge(up, Down, right, true)
	}
	if left != "" && right != "" {
		_ = g.addEdge(left, Right, right, true)
	}
}

// RemoveSubtree deletes id and everything below it, returning the removed
// ids with id first.
func (g *DirectionalGraph) RemoveSubtree(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[id]; !ok {
		return nil
	}

	removed := append([]string{id}, g.descendants(id)...)
	g.unsplice(id)
	for _, rid := range removed {
		if e, ok := g.edges[rid]; ok {
			for d := range e {
				g.removeEdge(rid, Direction(d))
			}
		}
		delete(g.edges, rid)
		delete(g.meta, rid)
	}
	return removed
}

// Info returns the node's metadata.
func (g *DirectionalGraph) Info(id string) (*types.NodeInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	info, ok := g.meta[id]
	return info, ok
}

// Has reports whether the node exists.
func (g *DirectionalGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[id]
	return ok
}

// Nodes returns every node id in the graph, unordered.
func (g *DirectionalGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.edges))
	for id := range g.edges {
		out = append(out, id)
	}
	return out
}

// Len returns the number of nodes.
func (g *DirectionalGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}
