package manager

import (
	"fmt"
	"os"
	"time"

	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/types"
)

// RegisterNode initializes the authoritative record for a node and opens
// its log file. The node must already exist in the task's TRM.
func (m *Manager) RegisterNode(taskID, nodeID string, info types.NodeInfo) error {
	status := info.Status
	if status == "" {
		status = types.StatusPending
	}
	rec := &types.NodeRecord{
		NodeID:         nodeID,
		TaskID:         taskID,
		Abstract:       info.Abstract,
		ParentID:       info.ParentID,
		Status:         status,
		Depth:          info.Depth,
		CreatedAt:      time.Now(),
		TerminalOutput: []string{},
		LLMResponses:   []string{},
	}

	m.nodesMu.Lock()
	if _, exists := m.nodes[nodeID]; exists {
		m.nodesMu.Unlock()
		return fmt.Errorf("node %s already registered", nodeID)
	}
	m.nodes[nodeID] = rec
	m.persistNodeLocked(rec)
	m.nodesMu.Unlock()

	metrics.NodesTotal.WithLabelValues(string(status)).Inc()

	m.loggersMu.Lock()
	nl, err := newNodeLogger(m.cfg.LogDir, rec)
	if err != nil {
		m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("failed to open node log")
	} else {
		m.loggers[nodeID] = nl
	}
	m.loggersMu.Unlock()

	m.syncNodeStatus(taskID, nodeID, status)
	return nil
}

// UpdateNodeStatus is the one writer for node status: it updates the
// authoritative record, timestamps terminal transitions, and syncs the
// TRM's rendering copy. Terminal nodes are never mutated again.
func (m *Manager) UpdateNodeStatus(nodeID string, status types.Status, errMsg string) {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	if !ok || rec.Status.IsTerminal() {
		m.nodesMu.Unlock()
		return
	}
	old := rec.Status
	rec.Status = status
	if errMsg != "" {
		rec.Error = errMsg
	}
	if status.IsTerminal() {
		rec.CompletedAt = &now
	}
	taskID := rec.TaskID
	m.persistNodeLocked(rec)
	m.nodesMu.Unlock()

	swapNodeGauge(old, status)
	m.syncNodeStatus(taskID, nodeID, status)
}

// CancelNode sets the node's cancelled flag and, if it is still running,
// moves it to cancelled. Workers observe the flag at their next
// check-point.
func (m *Manager) CancelNode(nodeID string) bool {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		m.nodesMu.Unlock()
		return false
	}
	rec.Cancelled = true
	synced := false
	if !rec.Status.IsTerminal() {
		swapNodeGauge(rec.Status, types.StatusCancelled)
		rec.Status = types.StatusCancelled
		rec.CompletedAt = &now
		synced = true
	}
	taskID := rec.TaskID
	m.persistNodeLocked(rec)
	m.nodesMu.Unlock()

	if synced {
		m.syncNodeStatus(taskID, nodeID, types.StatusCancelled)
	}
	return true
}

// MarkNodeComplete force-completes a non-terminal node.
func (m *Manager) MarkNodeComplete(nodeID string) bool {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	if !ok || rec.Status.IsTerminal() {
		m.nodesMu.Unlock()
		return false
	}
	old := rec.Status
	rec.Status = types.StatusCompleted
	rec.CompletedAt = &now
	taskID := rec.TaskID
	m.persistNodeLocked(rec)
	m.nodesMu.Unlock()

	swapNodeGauge(old, types.StatusCompleted)
	m.syncNodeStatus(taskID, nodeID, types.StatusCompleted)
	return true
}

// ForceStartNode clears a pending or cancelled node back to working.
// This is the only path that reopens a cancelled node.
func (m *Manager) ForceStartNode(nodeID string) error {
	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		m.nodesMu.Unlock()
		return fmt.Errorf("node %s not found", nodeID)
	}
	if rec.Status != types.StatusPending && rec.Status != types.StatusCancelled {
		status := rec.Status
		m.nodesMu.Unlock()
		return fmt.Errorf("cannot force-start node %s from status %s", nodeID, status)
	}
	old := rec.Status
	rec.Cancelled = false
	rec.Status = types.StatusWorking
	rec.CompletedAt = nil
	rec.Error = ""
	taskID := rec.TaskID
	m.persistNodeLocked(rec)
	m.nodesMu.Unlock()

	swapNodeGauge(old, types.StatusWorking)
	m.syncNodeStatus(taskID, nodeID, types.StatusWorking)
	return nil
}

// RestartNode creates a new pending node as the target's RIGHT sibling
// with an improved description. The original node stays terminal; the new
// id is returned.
func (m *Manager) RestartNode(nodeID, comments string) (string, error) {
	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	var taskID, abstract, parentID string
	var depth int
	if ok {
		taskID = rec.TaskID
		abstract = rec.Abstract
		parentID = rec.ParentID
		depth = rec.Depth
	}
	m.nodesMu.Unlock()
	if !ok {
		return "", fmt.Errorf("node %s not found", nodeID)
	}

	relations := m.taskTRM(taskID)
	if relations == nil {
		return "", fmt.Errorf("task %s has no active graph", taskID)
	}

	description := ""
	if view, ok := relations.Nodes()[nodeID]; ok {
		description = view.Description
	}
	if comments != "" {
		description += "\n\nImprove on the previous attempt: " + comments
	} else {
		description += fmt.Sprintf("\n\nPrevious attempt %s did not complete; try a different approach.", nodeID)
	}

	newID, err := relations.AddSiblingVariant(nodeID, abstract, description)
	if err != nil {
		return "", fmt.Errorf("failed to add sibling variant: %w", err)
	}

	if err := m.RegisterNode(taskID, newID, types.NodeInfo{
		Abstract:    abstract,
		Description: description,
		ParentID:    parentID,
		Depth:       depth,
		Status:      types.StatusPending,
	}); err != nil {
		return "", err
	}
	m.logger.Info().Str("node_id", nodeID).Str("new_node_id", newID).Msg("node restarted as sibling")
	return newID, nil
}

// RemoveNode cancels the node and deletes it and its entire subtree from
// both the registry and the TRM.
func (m *Manager) RemoveNode(nodeID string) error {
	m.nodesMu.Lock()
	rec, ok := m.nodes[nodeID]
	var taskID string
	if ok {
		taskID = rec.TaskID
	}
	m.nodesMu.Unlock()
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}

	m.CancelNode(nodeID)

	removed := []string{nodeID}
	if relations := m.taskTRM(taskID); relations != nil {
		removed = relations.RemoveNode(nodeID)
	}

	m.nodesMu.Lock()
	for _, id := range removed {
		if n, ok := m.nodes[id]; ok {
			metrics.NodesTotal.WithLabelValues(string(n.Status)).Dec()
			delete(m.nodes, id)
		}
	}
	m.nodesMu.Unlock()

	m.loggersMu.Lock()
	for _, id := range removed {
		if nl, ok := m.loggers[id]; ok {
			nl.Close()
			delete(m.loggers, id)
		}
	}
	m.loggersMu.Unlock()

	if m.store != nil {
		for _, id := range removed {
			if err := m.store.DeleteNode(id); err != nil {
				m.logger.Warn().Err(err).Str("node_id", id).Msg("failed to delete archived node")
			}
		}
	}
	m.logger.Info().Str("node_id", nodeID).Int("removed", len(removed)).Msg("node subtree removed")
	return nil
}

// IsNodeCancelled reports the node's cooperative cancellation flag.
func (m *Manager) IsNodeCancelled(nodeID string) bool {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	if rec, ok := m.nodes[nodeID]; ok {
		return rec.Cancelled
	}
	return false
}

// NodeOutputCallback returns the sink for a node's output streams. Each
// chunk lands in the in-memory record and the node's log file.
func (m *Manager) NodeOutputCallback(nodeID string) types.OutputCallback {
	return func(kind types.OutputKind, content string) {
		m.nodesMu.Lock()
		if rec, ok := m.nodes[nodeID]; ok {
			switch kind {
			case types.OutputTerminal:
				rec.TerminalOutput = append(rec.TerminalOutput, content)
			case types.OutputModel:
				rec.LLMResponses = append(rec.LLMResponses, content)
			}
		}
		m.nodesMu.Unlock()

		m.loggersMu.Lock()
		nl := m.loggers[nodeID]
		m.loggersMu.Unlock()
		if nl != nil {
			nl.Write(kind, content)
		}
	}
}

// GetNodeDetails returns a snapshot of the node's record.
func (m *Manager) GetNodeDetails(nodeID string) (*types.NodeRecord, bool) {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	rec, ok := m.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return cloneNode(rec), true
}

// GetNodeLog returns the node's log file content.
func (m *Manager) GetNodeLog(nodeID string) (string, error) {
	m.loggersMu.Lock()
	nl := m.loggers[nodeID]
	m.loggersMu.Unlock()

	path := ""
	if nl != nil {
		path = nl.Path()
	} else {
		m.nodesMu.Lock()
		rec, ok := m.nodes[nodeID]
		if ok {
			path = nodeLogPath(m.cfg.LogDir, rec.TaskID, nodeID)
		}
		m.nodesMu.Unlock()
		if !ok {
			return "", fmt.Errorf("node %s not found", nodeID)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read node log: %w", err)
	}
	return string(data), nil
}
