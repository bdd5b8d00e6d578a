package trm

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/graph"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/types"
)

// credentialKeywords mark abstracts that likely produced reusable secrets.
var credentialKeywords = []string{"crack", "hash", "password", "credential"}

// CredentialSource points at a prior node that may hold usable credentials.
type CredentialSource struct {
	NodeID    string `json:"node_id"`
	Abstract  string `json:"abstract"`
	Direction string `json:"direction"`
}

// NodeView is the compatibility view of one node: its metadata enriched
// with parent and children computed from the graph.
type NodeView struct {
	NodeID      string       `json:"node_id"`
	Abstract    string       `json:"abstract"`
	Description string       `json:"description"`
	Status      types.Status `json:"status"`
	Depth       int          `json:"depth"`
	ParentID    string       `json:"parent_id,omitempty"`
	Children    []string     `json:"children,omitempty"`
}

// Manager owns one task's directional graph and its diagram artifact.
// Structural changes redraw the diagram as a side effect; the redraw is
// best-effort and never fails the operation.
type Manager struct {
	mu        sync.Mutex
	graph     *graph.DirectionalGraph
	graphFile string
	rootID    string
	logger    zerolog.Logger
}

// New returns a Manager that writes its diagram to graphFile.
func New(graphFile string) *Manager {
	return &Manager{
		graph:     graph.New(),
		graphFile: graphFile,
		logger:    log.WithComponent("trm"),
	}
}

// Graph exposes the underlying graph for structural queries.
func (m *Manager) Graph() *graph.DirectionalGraph {
	return m.graph
}

// RootID returns the root node id, or "" before AddRoot.
func (m *Manager) RootID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rootID
}

// GenerateNodeID returns a random 6-digit node id not yet in the graph.
func (m *Manager) GenerateNodeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateNodeID()
}

func (m *Manager) generateNodeID() string {
	for {
		id := fmt.Sprintf("n%06d", 100000+rand.IntN(900000))
		if !m.graph.Has(id) {
			return id
		}
	}
}

// AddRoot registers the task's root node.
func (m *Manager) AddRoot(nodeID, abstract, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.graph.CreateNode(nodeID, &types.NodeInfo{
		Abstract:    abstract,
		Description: description,
		Status:      types.StatusPending,
	})
	if err != nil {
		return err
	}
	m.rootID = nodeID
	m.drawGraph()
	return nil
}

// AddSubTasks registers the plan's children under parentID: the first as
// the parent's Down neighbor, the rest chained Right in plan order.
// Returns the assigned node ids.
func (m *Manager) AddSubTasks(parentID string, subs []types.SubTask) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parentInfo, ok := m.graph.Info(parentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, parentID)
	}

	ids := make([]string, 0, len(subs))
	for i, sub := range subs {
		id := m.generateNodeID()
		err := m.graph.CreateNode(id, &types.NodeInfo{
			Abstract:    sub.Abstract,
			Description: sub.Description,
			ParentID:    parentID,
			Depth:       parentInfo.Depth + 1,
			Status:      types.StatusPending,
		})
		if err != nil {
			return ids, err
		}

		if i == 0 {
			err = m.graph.AddEdge(parentID, graph.Down, id, false)
		} else {
			err = m.graph.AddEdge(ids[i-1], graph.Right, id, false)
		}
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}

	m.drawGraph()
	return ids, nil
}

// UpdateNodeStatus writes the rendering copy of a node's status. The
// manager's node registry stays authoritative; this copy only feeds the
// diagram.
func (m *Manager) UpdateNodeStatus(nodeID string, status types.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.graph.Info(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", graph.ErrNodeNotFound, nodeID)
	}
	info.Status = status
	m.drawGraph()
	return nil
}

// RemoveNode deletes the node and its subtree, returning the removed ids.
func (m *Manager) RemoveNode(nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.graph.RemoveSubtree(nodeID)
	if nodeID == m.rootID {
		m.rootID = ""
	}
	m.drawGraph()
	return removed
}

// GetUpperChainAdvice formats the node's context: its parent's abstract and
// the previously completed sibling steps, oldest first.
func (m *Manager) GetUpperChainAdvice(nodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.graph.Has(nodeID) {
		return ""
	}

	var parts []string
	if parentID := m.graph.GetParent(nodeID); parentID != "" {
		if info, ok := m.graph.Info(parentID); ok {
			parts = append(parts, fmt.Sprintf("Parent task: %s", info.Abstract))
		}
	}

	prev := m.graph.GetPrevSiblings(nodeID)
	if len(prev) > 0 {
		parts = append(parts, "Previous steps completed:")
		for i := len(prev) - 1; i >= 0; i-- {
			if info, ok := m.graph.Info(prev[i]); ok {
				parts = append(parts, fmt.Sprintf("  - %s (%s)", info.Abstract, info.Status))
			}
		}
	}

	return strings.Join(parts, "\n")
}

// MoveNodeToNewParent re-scopes a node under a different parent, appending
// the reason to its abstract so the diagram records why.
func (m *Manager) MoveNodeToNewParent(nodeID, newParentID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason != "" {
		if info, ok := m.graph.Info(nodeID); ok {
			info.Abstract = fmt.Sprintf("%s [Re-scoped: %s]", info.Abstract, reason)
		}
	}

	if err := m.graph.MoveNode(nodeID, newParentID, graph.Last()); err != nil {
		return err
	}
	m.drawGraph()
	return nil
}

// AddSiblingVariant inserts a new node as the reference node's Right
// sibling and returns its id. Used for retry variants of a step.
func (m *Manager) AddSiblingVariant(refNodeID, abstract, description string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refInfo, ok := m.graph.Info(refNodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", graph.ErrNodeNotFound, refNodeID)
	}

	id := m.generateNodeID()
	err := m.graph.CreateNode(id, &types.NodeInfo{
		Abstract:    abstract,
		Description: description,
		ParentID:    refInfo.ParentID,
		Depth:       refInfo.Depth,
		Status:      types.StatusPending,
	})
	if err != nil {
		return "", err
	}

	if err := m.graph.AddEdge(refNodeID, graph.Right, id, true); err != nil {
		return "", err
	}
	m.drawGraph()
	return id, nil
}

// GetCredentialChain scans previous siblings then ancestors for nodes whose
// abstract suggests prior credential acquisition, in traversal order.
func (m *Manager) GetCredentialChain(nodeID string) []CredentialSource {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sources []CredentialSource
	match := func(abstract string) bool {
		lower := strings.ToLower(abstract)
		for _, kw := range credentialKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	}

	for _, sid := range m.graph.GetPrevSiblings(nodeID) {
		if info, ok := m.graph.Info(sid); ok && match(info.Abstract) {
			sources = append(sources, CredentialSource{NodeID: sid, Abstract: info.Abstract, Direction: "LEFT"})
		}
	}
	for _, aid := range m.graph.GetAncestors(nodeID) {
		if info, ok := m.graph.Info(aid); ok && match(info.Abstract) {
			sources = append(sources, CredentialSource{NodeID: aid, Abstract: info.Abstract, Direction: "UP"})
		}
	}
	return sources
}

// Nodes returns the compatibility view: every node's metadata joined with
// parent and children derived from the graph.
func (m *Manager) Nodes() map[string]NodeView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]NodeView)
	for _, id := range m.graph.Nodes() {
		info, ok := m.graph.Info(id)
		if !ok || info == nil {
			continue
		}
		out[id] = NodeView{
			NodeID:      id,
			Abstract:    info.Abstract,
			Description: info.Description,
			Status:      info.Status,
			Depth:       info.Depth,
			ParentID:    m.graph.GetParent(id),
			Children:    m.graph.GetChildren(id),
		}
	}
	return out
}

// GraphContent returns the current diagram text, or a placeholder if no
// diagram has been drawn yet.
func (m *Manager) GraphContent() string {
	data, err := os.ReadFile(m.graphFile)
	if err != nil {
		return "graph TD\n    root[No graph generated yet]"
	}
	return string(data)
}

// GraphFile returns the diagram artifact path.
func (m *Manager) GraphFile() string {
	return m.graphFile
}

// drawGraph renders the diagram and writes it to the artifact file.
// Callers hold m.mu. A failed write is logged and swallowed.
func (m *Manager) drawGraph() {
	content := m.render()
	if err := os.WriteFile(m.graphFile, []byte(content), 0o644); err != nil {
		m.logger.Warn().Err(err).Str("file", m.graphFile).Msg("failed to write graph diagram")
	}
}

func (m *Manager) render() string {
	ids := m.graph.Nodes()
	sort.Strings(ids)

	lines := []string{"graph TD"}

	for _, id := range ids {
		info, ok := m.graph.Info(id)
		if !ok || info == nil {
			continue
		}
		abstract := info.Abstract
		if runes := []rune(abstract); len(runes) > 50 {
			abstract = string(runes[:50])
		}
		label := strings.ReplaceAll(fmt.Sprintf("%s %s", types.StatusIcon(info.Status), abstract), `"`, "'")
		lines = append(lines, fmt.Sprintf("    %s[\"%s\"]", id, label))
	}

	// Only DOWN and RIGHT edges are drawn; UP and LEFT are implicit.
	for _, id := range ids {
		if child := m.graph.Neighbor(id, graph.Down); child != "" {
			lines = append(lines, fmt.Sprintf("    %s --> %s", id, child))
		}
		if right := m.graph.Neighbor(id, graph.Right); right != "" {
			lines = append(lines, fmt.Sprintf("    %s -.-> %s", id, right))
		}
	}

	lines = append(lines,
		"",
		"    %% Enhanced styling for dark mode",
		"    classDef completed fill:#2e7d32,stroke:#4caf50,stroke-width:3px,color:#ffffff",
		"    classDef working fill:#f57c00,stroke:#ff9800,stroke-width:3px,color:#ffffff",
		"    classDef planning fill:#1976d2,stroke:#2196f3,stroke-width:3px,color:#ffffff",
		"    classDef failed fill:#c62828,stroke:#f44336,stroke-width:3px,color:#ffffff",
		"    classDef cancelled fill:#616161,stroke:#9e9e9e,stroke-width:3px,color:#ffffff",
		"    classDef impossible fill:#6a1b9a,stroke:#9c27b0,stroke-width:3px,color:#ffffff",
		"    classDef pending fill:#37474f,stroke:#607d8b,stroke-width:2px,color:#e0e0e0",
	)

	for _, id := range ids {
		if info, ok := m.graph.Info(id); ok && info != nil {
			status := info.Status
			if status == "" {
				status = types.StatusPending
			}
			lines = append(lines, fmt.Sprintf("    class %s %s", id, status))
		}
	}

	return strings.Join(lines, "\n")
}
