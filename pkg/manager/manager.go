package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/node"
	"github.com/sentinelops/taskforge/pkg/scheduler"
	"github.com/sentinelops/taskforge/pkg/storage"
	"github.com/sentinelops/taskforge/pkg/trm"
	"github.com/sentinelops/taskforge/pkg/types"
)

// Config wires the Manager into the rest of the system.
type Config struct {
	// WorkDir holds per-task diagram artifacts.
	WorkDir string
	// LogDir holds per-node log files under nodes/<task-id>/.
	LogDir string

	LLM      node.LLM
	Executor node.Executor
	Store    storage.Store
	Counters *metrics.Counters

	// Workers bounds the shared pool. Zero means limits.MaxWorkers.
	Workers int
}

// Manager owns the set of tasks, the authoritative node registry, one TRM
// per task, and the per-node log writers. Every status change in the
// system funnels through UpdateNodeStatus; the TRM only carries a
// rendering copy.
//
// Lock order: trms, then nodes, then loggers. tasks shares the nodes lock.
type Manager struct {
	cfg Config

	trmsMu sync.Mutex
	trms   map[string]*trm.Manager

	nodesMu sync.Mutex
	tasks   map[string]*types.TaskRecord
	nodes   map[string]*types.NodeRecord

	loggersMu sync.Mutex
	loggers   map[string]*nodeLogger

	pool     *scheduler.Pool
	store    storage.Store
	counters *metrics.Counters
	logger   zerolog.Logger

	reconcileStop chan struct{}
	reconcileDone chan struct{}
}

// New builds a Manager, creating its directories and restoring any
// archived records from the store.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.LogDir, "nodes"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = limits.Get().MaxWorkers
	}
	counters := cfg.Counters
	if counters == nil {
		counters = metrics.Default
	}

	m := &Manager{
		cfg:      cfg,
		trms:     make(map[string]*trm.Manager),
		tasks:    make(map[string]*types.TaskRecord),
		nodes:    make(map[string]*types.NodeRecord),
		loggers:  make(map[string]*nodeLogger),
		pool:     scheduler.NewPool(workers),
		store:    cfg.Store,
		counters: counters,
		logger:   log.WithComponent("manager"),
	}

	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore loads archived task and node records so history survives a
// restart. Records still non-terminal at shutdown stay as they were; the
// reconcile loop may promote them from log evidence.
func (m *Manager) restore() error {
	if m.store == nil {
		return nil
	}

	tasks, err := m.store.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to restore tasks: %w", err)
	}
	nodes, err := m.store.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to restore nodes: %w", err)
	}

	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	for _, t := range tasks {
		m.tasks[t.TaskID] = t
	}
	for _, n := range nodes {
		m.nodes[n.NodeID] = n
	}
	if len(tasks) > 0 || len(nodes) > 0 {
		m.logger.Info().Int("tasks", len(tasks)).Int("nodes", len(nodes)).Msg("restored records from store")
	}
	return nil
}

// Close stops the reconcile loop, waits for in-flight workers, and closes
// every node logger. The store is owned by the caller.
func (m *Manager) Close() error {
	m.Stop()
	m.pool.Wait()

	m.loggersMu.Lock()
	defer m.loggersMu.Unlock()
	for _, nl := range m.loggers {
		nl.Close()
	}
	m.loggers = make(map[string]*nodeLogger)
	return nil
}

// CreateTask records a new task and submits its root worker. Returns the
// assigned 8-character task id.
func (m *Manager) CreateTask(task types.Task) (string, error) {
	if task.Abstract == "" {
		return "", errors.New("task abstract is required")
	}

	taskID := uuid.NewString()[:8]
	rec := &types.TaskRecord{
		TaskID:    taskID,
		Task:      task,
		Status:    types.StatusPending,
		GraphFile: filepath.Join(m.cfg.WorkDir, taskID+".mermaid"),
		CreatedAt: time.Now(),
	}

	m.nodesMu.Lock()
	m.tasks[taskID] = rec
	m.nodesMu.Unlock()

	metrics.TasksTotal.WithLabelValues(string(types.StatusPending)).Inc()
	m.persistTask(rec)

	m.logger.Info().Str("task_id", taskID).Str("abstract", task.Abstract).Msg("task created")
	m.pool.Submit(func() { m.runTask(taskID) })
	metrics.NodesDispatched.Inc()
	return taskID, nil
}

// runTask is the root worker: it builds the task's TRM, registers the
// root node, and drives it to a terminal state.
func (m *Manager) runTask(taskID string) {
	logger := log.WithTaskID(taskID)

	m.setTaskStatus(taskID, types.StatusPlanning)

	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok {
		m.nodesMu.Unlock()
		return
	}
	task := rec.Task
	graphFile := rec.GraphFile
	m.nodesMu.Unlock()

	relations := trm.New(graphFile)
	m.trmsMu.Lock()
	m.trms[taskID] = relations
	m.trmsMu.Unlock()

	rootID := relations.GenerateNodeID()
	if err := relations.AddRoot(rootID, task.Abstract, task.Description); err != nil {
		m.finishTask(taskID, "", fmt.Errorf("failed to add root node: %w", err))
		return
	}

	m.nodesMu.Lock()
	if rec, ok := m.tasks[taskID]; ok {
		rec.RootNodeID = rootID
	}
	m.nodesMu.Unlock()

	if err := m.RegisterNode(taskID, rootID, types.NodeInfo{
		Abstract:    task.Abstract,
		Description: task.Description,
		Status:      types.StatusPending,
	}); err != nil {
		m.finishTask(taskID, "", fmt.Errorf("failed to register root node: %w", err))
		return
	}

	m.setTaskStatus(taskID, types.StatusWorking)
	logger.Info().Str("root_node", rootID).Msg("root worker started")

	root := node.New(node.Config{
		TaskID:   taskID,
		NodeID:   rootID,
		Task:     task,
		Depth:    0,
		TRM:      relations,
		LLM:      m.cfg.LLM,
		Executor: m.cfg.Executor,
		Manager:  m,
		Pool:     m.pool,
		Counters: m.counters,
	})

	result, err := root.Execute(context.Background(), "")
	if err != nil {
		m.finishTask(taskID, "", err)
		return
	}
	m.finishTask(taskID, result.Result, nil)
}

// finishTask records the root worker's outcome. A task the user already
// cancelled keeps its cancelled status regardless of how the root returns.
func (m *Manager) finishTask(taskID, result string, err error) {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok {
		m.nodesMu.Unlock()
		return
	}
	if rec.Status == types.StatusCancelled {
		m.nodesMu.Unlock()
		m.logger.Info().Str("task_id", taskID).Msg("task finished after cancellation")
		return
	}

	old := rec.Status
	switch {
	case err == nil:
		rec.Status = types.StatusCompleted
		rec.Result = result
	case errors.Is(err, types.ErrImpossible):
		rec.Status = types.StatusImpossible
		rec.Error = err.Error()
	default:
		rec.Status = types.StatusFailed
		rec.Error = err.Error()
	}
	rec.CompletedAt = &now
	status := rec.Status
	snapshot := cloneTask(rec)
	m.nodesMu.Unlock()

	swapTaskGauge(old, status)
	m.persistTaskRecord(snapshot)

	if err != nil {
		m.logger.Warn().Str("task_id", taskID).Str("status", string(status)).Err(err).Msg("task finished")
	} else {
		m.logger.Info().Str("task_id", taskID).Str("status", string(status)).Msg("task finished")
	}
	if fired := m.counters.Fired(); len(fired) > 0 {
		m.logger.Info().Strs("kill_switches", fired).Msg("kill-switch summary")
	}
}

// TaskStatusView is the submit contract's status snapshot: the task record
// joined with the diagram and the root node's output streams.
type TaskStatusView struct {
	TaskID         string       `json:"task_id"`
	Status         types.Status `json:"status"`
	Abstract       string       `json:"abstract"`
	Description    string       `json:"description"`
	Verification   string       `json:"verification"`
	Result         string       `json:"result,omitempty"`
	Error          string       `json:"error,omitempty"`
	Graph          string       `json:"graph,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	TerminalOutput []string     `json:"terminal_output"`
	LLMResponses   []string     `json:"llm_responses"`
}

// GetTaskStatus returns the task snapshot, or false if the id is unknown.
func (m *Manager) GetTaskStatus(taskID string) (*TaskStatusView, bool) {
	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok {
		m.nodesMu.Unlock()
		return nil, false
	}
	view := &TaskStatusView{
		TaskID:       rec.TaskID,
		Status:       rec.Status,
		Abstract:     rec.Task.Abstract,
		Description:  rec.Task.Description,
		Verification: rec.Task.Verification,
		Result:       rec.Result,
		Error:        rec.Error,
		CreatedAt:    rec.CreatedAt,
		CompletedAt:  rec.CompletedAt,
	}
	if root, ok := m.nodes[rec.RootNodeID]; ok {
		view.TerminalOutput = append([]string(nil), root.TerminalOutput...)
		view.LLMResponses = append([]string(nil), root.LLMResponses...)
	}
	graphFile := rec.GraphFile
	m.nodesMu.Unlock()

	if data, err := os.ReadFile(graphFile); err == nil {
		view.Graph = string(data)
	}
	return view, true
}

// TaskListEntry is one row of the flat listing: a root entry per task
// followed by a node entry per node the task owns.
type TaskListEntry struct {
	Type      string       `json:"type"`
	TaskID    string       `json:"task_id"`
	NodeID    string       `json:"node_id,omitempty"`
	Status    types.Status `json:"status"`
	Abstract  string       `json:"abstract"`
	ParentID  string       `json:"parent_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ListAllTasks returns every task and node, statuses read from the
// authoritative registry.
func (m *Manager) ListAllTasks() []TaskListEntry {
	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()

	taskIDs := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Slice(taskIDs, func(i, j int) bool {
		return m.tasks[taskIDs[i]].CreatedAt.Before(m.tasks[taskIDs[j]].CreatedAt)
	})

	nodesByTask := make(map[string][]*types.NodeRecord)
	for _, n := range m.nodes {
		nodesByTask[n.TaskID] = append(nodesByTask[n.TaskID], n)
	}
	for _, ns := range nodesByTask {
		sort.Slice(ns, func(i, j int) bool {
			if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
				return ns[i].NodeID < ns[j].NodeID
			}
			return ns[i].CreatedAt.Before(ns[j].CreatedAt)
		})
	}

	var out []TaskListEntry
	for _, tid := range taskIDs {
		t := m.tasks[tid]
		out = append(out, TaskListEntry{
			Type:      "root",
			TaskID:    tid,
			Status:    t.Status,
			Abstract:  t.Task.Abstract,
			CreatedAt: t.CreatedAt,
		})
		for _, n := range nodesByTask[tid] {
			out = append(out, TaskListEntry{
				Type:      "node",
				TaskID:    tid,
				NodeID:    n.NodeID,
				Status:    n.Status,
				Abstract:  n.Abstract,
				ParentID:  n.ParentID,
				CreatedAt: n.CreatedAt,
			})
		}
	}
	return out
}

// TaskNodeView is one node in the hierarchical listing: structure from
// the TRM, status from the registry.
type TaskNodeView struct {
	NodeID   string       `json:"node_id"`
	Abstract string       `json:"abstract"`
	Status   types.Status `json:"status"`
	Depth    int          `json:"depth"`
	ParentID string       `json:"parent_id,omitempty"`
}

// GetTaskNodes returns the task's nodes in DFS order.
func (m *Manager) GetTaskNodes(taskID string) ([]TaskNodeView, bool) {
	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	var rootID string
	if ok {
		rootID = rec.RootNodeID
	}
	m.nodesMu.Unlock()
	if !ok {
		return nil, false
	}

	relations := m.taskTRM(taskID)
	if relations == nil || rootID == "" {
		return []TaskNodeView{}, true
	}
	ids := append([]string{rootID}, relations.Graph().GetDescendants(rootID)...)

	m.nodesMu.Lock()
	defer m.nodesMu.Unlock()
	views := make([]TaskNodeView, 0, len(ids))
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok {
			continue
		}
		views = append(views, TaskNodeView{
			NodeID:   id,
			Abstract: n.Abstract,
			Status:   n.Status,
			Depth:    n.Depth,
			ParentID: n.ParentID,
		})
	}
	return views, true
}

// CancelTask moves a non-terminal task to cancelled and cancels every
// node it owns. Returns false if the task is unknown or already terminal,
// which makes a second call a no-op.
func (m *Manager) CancelTask(taskID string) bool {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok || rec.Status.IsTerminal() {
		m.nodesMu.Unlock()
		return false
	}
	old := rec.Status
	rec.Status = types.StatusCancelled
	rec.CompletedAt = &now

	cancelled := m.cancelTaskNodesLocked(taskID, now)
	taskSnap := cloneTask(rec)
	m.nodesMu.Unlock()

	swapTaskGauge(old, types.StatusCancelled)
	m.persistTaskRecord(taskSnap)
	for _, nodeID := range cancelled {
		m.syncNodeStatus(taskID, nodeID, types.StatusCancelled)
	}
	m.logger.Info().Str("task_id", taskID).Int("nodes", len(cancelled)).Msg("task cancelled")
	return true
}

// MarkTaskComplete force-completes a task and every non-terminal node it
// owns.
func (m *Manager) MarkTaskComplete(taskID string) bool {
	now := time.Now()

	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok || rec.Status.IsTerminal() {
		m.nodesMu.Unlock()
		return false
	}
	old := rec.Status
	rec.Status = types.StatusCompleted
	rec.CompletedAt = &now

	var completed []string
	for _, n := range m.nodes {
		if n.TaskID != taskID || n.Status.IsTerminal() {
			continue
		}
		swapNodeGauge(n.Status, types.StatusCompleted)
		n.Status = types.StatusCompleted
		n.CompletedAt = &now
		completed = append(completed, n.NodeID)
		m.persistNodeLocked(n)
	}
	taskSnap := cloneTask(rec)
	m.nodesMu.Unlock()

	swapTaskGauge(old, types.StatusCompleted)
	m.persistTaskRecord(taskSnap)
	for _, nodeID := range completed {
		m.syncNodeStatus(taskID, nodeID, types.StatusCompleted)
	}
	return true
}

// RestartTask creates a new task with the same spec, optionally extended
// with operator comments. The original task is left untouched.
func (m *Manager) RestartTask(taskID, comments string) (string, error) {
	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	var task types.Task
	if ok {
		task = rec.Task
	}
	m.nodesMu.Unlock()
	if !ok {
		return "", fmt.Errorf("task %s not found", taskID)
	}

	if comments != "" {
		task.Description += "\n\nOperator notes from previous run: " + comments
	}
	return m.CreateTask(task)
}

// GetTaskGraph returns the task's diagram artifact text.
func (m *Manager) GetTaskGraph(taskID string) (string, bool) {
	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	var graphFile string
	if ok {
		graphFile = rec.GraphFile
	}
	m.nodesMu.Unlock()
	if !ok {
		return "", false
	}

	data, err := os.ReadFile(graphFile)
	if err != nil {
		return "", true
	}
	return string(data), true
}

// cancelTaskNodesLocked cancels every non-terminal node of the task.
// Caller holds nodesMu. Returns the affected node ids.
func (m *Manager) cancelTaskNodesLocked(taskID string, now time.Time) []string {
	var cancelled []string
	for _, n := range m.nodes {
		if n.TaskID != taskID {
			continue
		}
		n.Cancelled = true
		if n.Status.IsTerminal() {
			continue
		}
		swapNodeGauge(n.Status, types.StatusCancelled)
		n.Status = types.StatusCancelled
		n.CompletedAt = &now
		cancelled = append(cancelled, n.NodeID)
		m.persistNodeLocked(n)
	}
	return cancelled
}

func (m *Manager) setTaskStatus(taskID string, status types.Status) {
	m.nodesMu.Lock()
	rec, ok := m.tasks[taskID]
	if !ok || rec.Status.IsTerminal() {
		m.nodesMu.Unlock()
		return
	}
	old := rec.Status
	rec.Status = status
	snapshot := cloneTask(rec)
	m.nodesMu.Unlock()

	swapTaskGauge(old, status)
	m.persistTaskRecord(snapshot)
}

// taskTRM returns the task's TRM, or nil for unknown or restored tasks.
func (m *Manager) taskTRM(taskID string) *trm.Manager {
	m.trmsMu.Lock()
	defer m.trmsMu.Unlock()
	return m.trms[taskID]
}

// syncNodeStatus pushes a status into the TRM's rendering copy.
func (m *Manager) syncNodeStatus(taskID, nodeID string, status types.Status) {
	relations := m.taskTRM(taskID)
	if relations == nil {
		return
	}
	if err := relations.UpdateNodeStatus(nodeID, status); err != nil {
		m.logger.Debug().Err(err).Str("node_id", nodeID).Msg("trm status sync skipped")
	}
}

func (m *Manager) persistTask(rec *types.TaskRecord) {
	m.nodesMu.Lock()
	snapshot := cloneTask(rec)
	m.nodesMu.Unlock()
	m.persistTaskRecord(snapshot)
}

func (m *Manager) persistTaskRecord(snapshot *types.TaskRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTask(snapshot); err != nil {
		m.logger.Warn().Err(err).Str("task_id", snapshot.TaskID).Msg("failed to persist task")
	}
}

// persistNodeLocked snapshots and saves a node record. Caller holds nodesMu.
func (m *Manager) persistNodeLocked(rec *types.NodeRecord) {
	if m.store == nil {
		return
	}
	snapshot := cloneNode(rec)
	if err := m.store.SaveNode(snapshot); err != nil {
		m.logger.Warn().Err(err).Str("node_id", snapshot.NodeID).Msg("failed to persist node")
	}
}

func cloneTask(rec *types.TaskRecord) *types.TaskRecord {
	c := *rec
	return &c
}

func cloneNode(rec *types.NodeRecord) *types.NodeRecord {
	c := *rec
	c.TerminalOutput = append([]string(nil), rec.TerminalOutput...)
	c.LLMResponses = append([]string(nil), rec.LLMResponses...)
	return &c
}

func swapTaskGauge(old, next types.Status) {
	if old != "" {
		metrics.TasksTotal.WithLabelValues(string(old)).Dec()
	}
	metrics.TasksTotal.WithLabelValues(string(next)).Inc()
}

func swapNodeGauge(old, next types.Status) {
	if old != "" {
		metrics.NodesTotal.WithLabelValues(string(old)).Dec()
	}
	metrics.NodesTotal.WithLabelValues(string(next)).Inc()
}
