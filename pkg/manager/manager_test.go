package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/taskforge/pkg/agent"
	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/storage"
	"github.com/sentinelops/taskforge/pkg/trm"
	"github.com/sentinelops/taskforge/pkg/types"
)

type llmFunc func(ctx context.Context, temperature float64, messages []gateway.Message) (string, error)

func (f llmFunc) Chat(ctx context.Context, temperature float64, messages []gateway.Message) (string, error) {
	return f(ctx, temperature, messages)
}

type execFunc func(ctx context.Context, opts agent.Options) (string, error)

func (f execFunc) ExecuteTask(ctx context.Context, opts agent.Options) (string, error) {
	return f(ctx, opts)
}

// singleTaskLLM answers every planner call with a one-task plan echoing
// the prompt's task, and gives fixed critic/digest verdicts.
func singleTaskLLM(summary string) llmFunc {
	return func(ctx context.Context, temp float64, msgs []gateway.Message) (string, error) {
		user := msgs[len(msgs)-1].Content
		switch {
		case strings.Contains(user, "needs to be broken down"):
			return `{"needs_branching": false, "reasoning": "atomic", "task_chain": {"strategy": "direct", "tasks": [{"abstract": "step", "description": "d", "verification": "v"}]}}`, nil
		case strings.HasSuffix(user, "Met?"):
			return `{"criteria_met": true, "reasoning": "ok"}`, nil
		case strings.HasSuffix(user, "Summary?"):
			return fmt.Sprintf(`{"summary": %q}`, summary), nil
		}
		return "", fmt.Errorf("unexpected prompt")
	}
}

func doneExecutor(marker string) execFunc {
	return func(ctx context.Context, opts agent.Options) (string, error) {
		if opts.Output != nil {
			opts.Output(types.OutputModel, marker)
			opts.Output(types.OutputTerminal, "$ ping -c 3 8.8.8.8\n3 packets received")
		}
		return marker, nil
	}
}

func fastLimits(t *testing.T) {
	t.Helper()
	old := limits.Get()
	t.Cleanup(func() { limits.Set(old) })

	l := limits.Defaults()
	l.BatchSize = 2
	l.StaggerDelay = time.Millisecond
	l.BaseLeafTimeout = 5 * time.Second
	l.TimeoutPerLevel = time.Second
	l.ParentBuffer = 5 * time.Second
	l.ReconcileInterval = 20 * time.Millisecond
	limits.Set(l)
}

func newTestManager(t *testing.T, llm llmFunc, executor execFunc) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(Config{
		WorkDir:  filepath.Join(dir, "work"),
		LogDir:   filepath.Join(dir, "logs"),
		LLM:      llm,
		Executor: executor,
		Counters: metrics.NewCounters(),
		Workers:  4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// seedTask installs a task record and TRM directly, bypassing the worker,
// so node operations can be tested in isolation.
func seedTask(t *testing.T, m *Manager, taskID string) (*trm.Manager, string) {
	t.Helper()
	relations := trm.New(filepath.Join(m.cfg.WorkDir, taskID+".mermaid"))
	rootID := relations.GenerateNodeID()
	require.NoError(t, relations.AddRoot(rootID, "seeded root", "seed"))

	m.trmsMu.Lock()
	m.trms[taskID] = relations
	m.trmsMu.Unlock()

	m.nodesMu.Lock()
	m.tasks[taskID] = &types.TaskRecord{
		TaskID:     taskID,
		Task:       types.Task{Abstract: "seeded root", Description: "seed", Verification: "v"},
		Status:     types.StatusWorking,
		GraphFile:  relations.GraphFile(),
		RootNodeID: rootID,
		CreatedAt:  time.Now(),
	}
	m.nodesMu.Unlock()

	require.NoError(t, m.RegisterNode(taskID, rootID, types.NodeInfo{
		Abstract: "seeded root", Description: "seed", Status: types.StatusWorking,
	}))
	return relations, rootID
}

func TestCreateTaskRunsToCompletion(t *testing.T) {
	fastLimits(t)
	m := newTestManager(t, singleTaskLLM("pinged three times"), doneExecutor("DONE: 3 replies received"))

	taskID, err := m.CreateTask(types.Task{Abstract: "Ping 8.8.8.8", Description: "Send 3 ICMP pings", Verification: "See 3 replies"})
	require.NoError(t, err)
	assert.Len(t, taskID, 8)

	require.Eventually(t, func() bool {
		view, ok := m.GetTaskStatus(taskID)
		return ok && view.Status == types.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	view, ok := m.GetTaskStatus(taskID)
	require.True(t, ok)
	assert.Equal(t, "pinged three times", view.Result)
	assert.NotNil(t, view.CompletedAt)
	assert.Contains(t, view.Graph, "graph TD")
	assert.Contains(t, view.Graph, "completed")
	assert.NotEmpty(t, view.LLMResponses)
	assert.NotEmpty(t, view.TerminalOutput)
}

func TestCreateTaskRequiresAbstract(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	_, err := m.CreateTask(types.Task{})
	assert.Error(t, err)
}

func TestGetTaskStatusUnknown(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	_, ok := m.GetTaskStatus("missing")
	assert.False(t, ok)
}

func TestCancelTaskIsIdempotent(t *testing.T) {
	fastLimits(t)

	release := make(chan struct{})
	executor := execFunc(func(ctx context.Context, opts agent.Options) (string, error) {
		for !opts.Cancelled() {
			select {
			case <-release:
				return "DONE: finished anyway", nil
			case <-time.After(5 * time.Millisecond):
			}
		}
		return "", types.ErrCancelled
	})
	m := newTestManager(t, singleTaskLLM("x"), executor)
	defer close(release)

	taskID, err := m.CreateTask(types.Task{Abstract: "long running recon"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, ok := m.GetTaskStatus(taskID)
		return ok && view.Status == types.StatusWorking
	}, 5*time.Second, 5*time.Millisecond)

	assert.True(t, m.CancelTask(taskID))
	assert.False(t, m.CancelTask(taskID), "second cancel must be a no-op")

	require.Eventually(t, func() bool {
		view, _ := m.GetTaskStatus(taskID)
		return view.Status == types.StatusCancelled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRestartTaskReturnsNewID(t *testing.T) {
	fastLimits(t)
	m := newTestManager(t, singleTaskLLM("first run"), doneExecutor("DONE: ok"))

	taskID, err := m.CreateTask(types.Task{Abstract: "scan host", Description: "base description"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, _ := m.GetTaskStatus(taskID)
		return view != nil && view.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	newID, err := m.RestartTask(taskID, "use a different port range")
	require.NoError(t, err)
	assert.NotEqual(t, taskID, newID)

	view, ok := m.GetTaskStatus(newID)
	require.True(t, ok)
	assert.Contains(t, view.Description, "base description")
	assert.Contains(t, view.Description, "use a different port range")

	original, _ := m.GetTaskStatus(taskID)
	assert.Equal(t, types.StatusCompleted, original.Status)
}

func TestMarkTaskCompleteCascades(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0001")
	ids, err := relations.AddSubTasks(rootID, []types.SubTask{{Abstract: "child"}})
	require.NoError(t, err)
	require.NoError(t, m.RegisterNode("task0001", ids[0], types.NodeInfo{Abstract: "child", ParentID: rootID, Depth: 1}))

	assert.True(t, m.MarkTaskComplete("task0001"))
	assert.False(t, m.MarkTaskComplete("task0001"))

	for _, id := range []string{rootID, ids[0]} {
		rec, ok := m.GetNodeDetails(id)
		require.True(t, ok)
		assert.Equal(t, types.StatusCompleted, rec.Status)
		assert.NotNil(t, rec.CompletedAt)
	}
}

func TestUpdateNodeStatusTerminalIsImmutable(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0002")

	m.UpdateNodeStatus(rootID, types.StatusCompleted, "")
	m.UpdateNodeStatus(rootID, types.StatusWorking, "")

	rec, ok := m.GetNodeDetails(rootID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.Equal(t, types.StatusCompleted, relations.Nodes()[rootID].Status)
}

func TestCancelAndForceStartNode(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	_, rootID := seedTask(t, m, "task0003")

	assert.True(t, m.CancelNode(rootID))
	assert.True(t, m.IsNodeCancelled(rootID))
	rec, _ := m.GetNodeDetails(rootID)
	assert.Equal(t, types.StatusCancelled, rec.Status)

	require.NoError(t, m.ForceStartNode(rootID))
	assert.False(t, m.IsNodeCancelled(rootID))
	rec, _ = m.GetNodeDetails(rootID)
	assert.Equal(t, types.StatusWorking, rec.Status)
	assert.Nil(t, rec.CompletedAt)

	m.UpdateNodeStatus(rootID, types.StatusCompleted, "")
	assert.Error(t, m.ForceStartNode(rootID), "force-start is only legal from pending or cancelled")
}

func TestMarkNodeComplete(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	_, rootID := seedTask(t, m, "task0004")

	assert.True(t, m.MarkNodeComplete(rootID))
	assert.False(t, m.MarkNodeComplete(rootID))
	assert.False(t, m.MarkNodeComplete("missing"))
}

func TestRestartNodeCreatesSibling(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0005")
	ids, err := relations.AddSubTasks(rootID, []types.SubTask{{Abstract: "crack hashes", Description: "first try"}})
	require.NoError(t, err)
	require.NoError(t, m.RegisterNode("task0005", ids[0], types.NodeInfo{Abstract: "crack hashes", ParentID: rootID, Depth: 1}))
	m.UpdateNodeStatus(ids[0], types.StatusFailed, "wordlist exhausted")

	newID, err := m.RestartNode(ids[0], "use rockyou with rules")
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], newID)

	rec, ok := m.GetNodeDetails(newID)
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.Equal(t, rootID, rec.ParentID)

	view := relations.Nodes()[newID]
	assert.Contains(t, view.Description, "first try")
	assert.Contains(t, view.Description, "use rockyou with rules")

	// The original stays terminal and untouched.
	orig, _ := m.GetNodeDetails(ids[0])
	assert.Equal(t, types.StatusFailed, orig.Status)
}

func TestRemoveNodeCascades(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0006")
	ids, err := relations.AddSubTasks(rootID, []types.SubTask{{Abstract: "a"}, {Abstract: "b"}})
	require.NoError(t, err)
	grand, err := relations.AddSubTasks(ids[0], []types.SubTask{{Abstract: "a1"}})
	require.NoError(t, err)
	for _, id := range append(append([]string{}, ids...), grand...) {
		require.NoError(t, m.RegisterNode("task0006", id, types.NodeInfo{Abstract: "n", ParentID: rootID}))
	}

	require.NoError(t, m.RemoveNode(ids[0]))

	_, ok := m.GetNodeDetails(ids[0])
	assert.False(t, ok)
	_, ok = m.GetNodeDetails(grand[0])
	assert.False(t, ok, "subtree must be removed with its root")
	_, ok = m.GetNodeDetails(ids[1])
	assert.True(t, ok, "sibling outside the subtree survives")
	assert.False(t, relations.Graph().Has(ids[0]))

	assert.Error(t, m.RemoveNode("missing"))
}

func TestNodeOutputCallbackWritesRecordAndLog(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	_, rootID := seedTask(t, m, "task0007")

	cb := m.NodeOutputCallback(rootID)
	cb(types.OutputModel, "thinking about ports")
	cb(types.OutputTerminal, "$ nmap -sV target")
	cb(types.OutputTerminal, "22/tcp open ssh")

	rec, ok := m.GetNodeDetails(rootID)
	require.True(t, ok)
	assert.Equal(t, []string{"thinking about ports"}, rec.LLMResponses)
	assert.Len(t, rec.TerminalOutput, 2)

	logText, err := m.GetNodeLog(rootID)
	require.NoError(t, err)
	assert.Contains(t, logText, "NODE METADATA (JSON)")
	assert.Equal(t, 1, strings.Count(logText, "NODE METADATA (JSON)"), "metadata header written exactly once")
	assert.Contains(t, logText, "--- LLM RESPONSES ---")
	assert.Contains(t, logText, "--- TERMINAL OUTPUT ---")
	assert.Contains(t, logText, "22/tcp open ssh")
}

func TestReconcilePromotesNodesWithMarker(t *testing.T) {
	fastLimits(t)
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0008")

	// Log evidence of completion with a status the worker never fixed.
	m.NodeOutputCallback(rootID)(types.OutputModel, "DONE: target enumerated")

	promoted := m.Reconcile()
	assert.Equal(t, 1, promoted)

	rec, _ := m.GetNodeDetails(rootID)
	assert.Equal(t, types.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, types.StatusCompleted, relations.Nodes()[rootID].Status)

	// A second tick finds nothing non-terminal.
	assert.Equal(t, 0, m.Reconcile())
}

func TestReconcileLoopStartStop(t *testing.T) {
	fastLimits(t)
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))

	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()
	// Stop twice is safe.
	m.Stop()
}

func TestListAllTasksAndGetTaskNodes(t *testing.T) {
	m := newTestManager(t, singleTaskLLM("x"), doneExecutor("DONE: x"))
	relations, rootID := seedTask(t, m, "task0009")
	ids, err := relations.AddSubTasks(rootID, []types.SubTask{{Abstract: "a"}, {Abstract: "b"}})
	require.NoError(t, err)
	for i, id := range ids {
		require.NoError(t, m.RegisterNode("task0009", id, types.NodeInfo{Abstract: string(rune('a' + i)), ParentID: rootID, Depth: 1}))
	}
	m.UpdateNodeStatus(ids[0], types.StatusCompleted, "")

	entries := m.ListAllTasks()
	require.Len(t, entries, 4)
	assert.Equal(t, "root", entries[0].Type)
	assert.Equal(t, "task0009", entries[0].TaskID)
	for _, e := range entries[1:] {
		assert.Equal(t, "node", e.Type)
	}

	views, ok := m.GetTaskNodes("task0009")
	require.True(t, ok)
	require.Len(t, views, 3)
	assert.Equal(t, rootID, views[0].NodeID)
	assert.Equal(t, ids[0], views[1].NodeID, "DFS order puts the first child before its sibling")
	assert.Equal(t, types.StatusCompleted, views[1].Status)

	_, ok = m.GetTaskNodes("missing")
	assert.False(t, ok)
}

func TestStoreRoundTrip(t *testing.T) {
	fastLimits(t)
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)

	m, err := New(Config{
		WorkDir:  filepath.Join(dir, "work"),
		LogDir:   filepath.Join(dir, "logs"),
		LLM:      singleTaskLLM("persisted"),
		Executor: doneExecutor("DONE: ok"),
		Store:    store,
		Counters: metrics.NewCounters(),
		Workers:  2,
	})
	require.NoError(t, err)

	taskID, err := m.CreateTask(types.Task{Abstract: "persist me"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, _ := m.GetTaskStatus(taskID)
		return view != nil && view.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())

	restored, err := New(Config{
		WorkDir:  filepath.Join(dir, "work"),
		LogDir:   filepath.Join(dir, "logs"),
		LLM:      singleTaskLLM("x"),
		Executor: doneExecutor("DONE: x"),
		Store:    store,
		Counters: metrics.NewCounters(),
		Workers:  2,
	})
	require.NoError(t, err)
	defer restored.Close()
	defer store.Close()

	view, ok := restored.GetTaskStatus(taskID)
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, view.Status)
	assert.Equal(t, "persisted", view.Result)
}
