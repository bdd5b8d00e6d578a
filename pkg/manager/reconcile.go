package manager

import (
	"os"
	"strings"
	"time"

	"github.com/sentinelops/taskforge/pkg/agent"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/types"
)

// Start launches the status reconciliation loop. It runs every
// ReconcileInterval until Stop is called.
func (m *Manager) Start() {
	if m.reconcileStop != nil {
		return
	}
	m.reconcileStop = make(chan struct{})
	m.reconcileDone = make(chan struct{})
	go m.reconcileLoop()
	m.logger.Info().Dur("interval", limits.Get().ReconcileInterval).Msg("reconcile loop started")
}

// Stop halts the reconciliation loop and waits for the current tick to
// finish.
func (m *Manager) Stop() {
	if m.reconcileStop == nil {
		return
	}
	close(m.reconcileStop)
	<-m.reconcileDone
	m.reconcileStop = nil
	m.reconcileDone = nil
}

func (m *Manager) reconcileLoop() {
	defer close(m.reconcileDone)

	ticker := time.NewTicker(limits.Get().ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.reconcileStop:
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}

// Reconcile repairs status drift from log evidence: any non-terminal node
// whose log already contains the completion marker is promoted to
// completed. This is the only background writer of node status; it uses
// the same one-writer path as the workers. Returns the number of nodes
// promoted.
func (m *Manager) Reconcile() int {
	type candidate struct {
		nodeID string
		path   string
	}

	m.nodesMu.Lock()
	var candidates []candidate
	for _, rec := range m.nodes {
		if rec.Status.IsTerminal() {
			continue
		}
		candidates = append(candidates, candidate{
			nodeID: rec.NodeID,
			path:   nodeLogPath(m.cfg.LogDir, rec.TaskID, rec.NodeID),
		})
	}
	m.nodesMu.Unlock()

	promoted := 0
	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		if !strings.Contains(string(data), agent.DoneMarker) {
			continue
		}
		m.logger.Info().Str("node_id", c.nodeID).Msg("reconcile: promoting node with completion marker")
		m.UpdateNodeStatus(c.nodeID, types.StatusCompleted, "")
		metrics.ReconcilePromotions.Inc()
		promoted++
	}
	return promoted
}
