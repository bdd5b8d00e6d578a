package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/taskforge/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)

	rec := &types.TaskRecord{
		TaskID:    "a1b2c3d4",
		Task:      types.Task{Abstract: "Scan host", Description: "nmap sweep", Verification: "open ports listed"},
		Status:    types.StatusWorking,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveTask(rec))

	got, err := s.GetTask("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, rec.Task.Abstract, got.Task.Abstract)
	assert.Equal(t, types.StatusWorking, got.Status)

	// Save is an upsert
	rec.Status = types.StatusCompleted
	require.NoError(t, s.SaveTask(rec))
	got, err = s.GetTask("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask("missing")
	assert.Error(t, err)
}

func TestListAndDeleteTasks(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveTask(&types.TaskRecord{TaskID: "t1"}))
	require.NoError(t, s.SaveTask(&types.TaskRecord{TaskID: "t2"}))

	tasks, err := s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	require.NoError(t, s.DeleteTask("t1"))
	tasks, err = s.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, "t2", tasks[0].TaskID)
}

func TestNodesByTask(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveNode(&types.NodeRecord{NodeID: "n1", TaskID: "t1", Status: types.StatusPending}))
	require.NoError(t, s.SaveNode(&types.NodeRecord{NodeID: "n2", TaskID: "t1", Status: types.StatusWorking}))
	require.NoError(t, s.SaveNode(&types.NodeRecord{NodeID: "n3", TaskID: "t2", Status: types.StatusPending}))

	nodes, err := s.ListNodesByTask("t1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	all, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteNode("n2"))
	nodes, err = s.ListNodesByTask("t1")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID)
}
