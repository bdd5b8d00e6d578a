package storage

import (
	"github.com/sentinelops/taskforge/pkg/types"
)

// Store is the archive of task and node records. The manager's in-memory
// maps stay authoritative while a task runs; the store is the write-through
// copy that survives restarts.
type Store interface {
	// Tasks
	SaveTask(task *types.TaskRecord) error
	GetTask(id string) (*types.TaskRecord, error)
	ListTasks() ([]*types.TaskRecord, error)
	DeleteTask(id string) error

	// Nodes
	SaveNode(node *types.NodeRecord) error
	GetNode(id string) (*types.NodeRecord, error)
	ListNodes() ([]*types.NodeRecord, error)
	ListNodesByTask(taskID string) ([]*types.NodeRecord, error)
	DeleteNode(id string) error

	// Utility
	Close() error
}
