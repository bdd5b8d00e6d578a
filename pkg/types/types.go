package types

import (
	"time"
)

// Status is the lifecycle state shared by tasks and nodes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusWorking    Status = "working"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusImpossible Status = "impossible"
)

// IsTerminal reports whether a status admits no further transitions.
// Terminal nodes are never mutated; restart creates a new node instead.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusImpossible:
		return true
	}
	return false
}

// StatusIcon maps a status to the icon used in diagram artifacts.
func StatusIcon(s Status) string {
	switch s {
	case StatusPending:
		return "⏳"
	case StatusPlanning:
		return "🧠"
	case StatusWorking:
		return "⚙️"
	case StatusCompleted:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusCancelled:
		return "🚫"
	case StatusImpossible:
		return "⛔"
	default:
		return "◯"
	}
}

// Task is a top-level user request: what to do, how, and how to tell it worked.
type Task struct {
	Abstract     string `json:"abstract" yaml:"abstract"`
	Description  string `json:"description" yaml:"description"`
	Verification string `json:"verification" yaml:"verification"`
}

// TaskRecord is the manager's bookkeeping for one submitted task.
type TaskRecord struct {
	TaskID      string     `json:"task_id"`
	Task        Task       `json:"task"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	GraphFile   string     `json:"graph_file"`
	RootNodeID  string     `json:"root_node_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NodeRecord is the authoritative per-node state held by the manager.
// Status here wins over the TRM's rendering copy.
type NodeRecord struct {
	NodeID      string     `json:"node_id"`
	TaskID      string     `json:"task_id"`
	Abstract    string     `json:"abstract"`
	ParentID    string     `json:"parent_id,omitempty"`
	Status      Status     `json:"status"`
	Depth       int        `json:"depth"`
	Error       string     `json:"error,omitempty"`
	Cancelled   bool       `json:"cancelled"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Append-only output streams captured by the node's output callback.
	TerminalOutput []string `json:"terminal_output"`
	LLMResponses   []string `json:"llm_responses"`
}

// NodeInfo carries the per-node metadata shared by the graph and the manager.
type NodeInfo struct {
	Abstract    string
	Description string
	ParentID    string
	Depth       int
	Status      Status
}

// SubTask is one entry of a planner-produced decomposition. Ordering matters:
// later siblings see earlier siblings as context.
type SubTask struct {
	Abstract     string `json:"abstract"`
	Description  string `json:"description"`
	Verification string `json:"verification"`
	Rationale    string `json:"rationale"`
}

// TaskChain is an ordered decomposition plus the strategy behind it.
type TaskChain struct {
	Strategy string    `json:"strategy"`
	Tasks    []SubTask `json:"tasks"`
}

// BranchDecision is the planner's verdict on whether a task needs branching.
type BranchDecision struct {
	NeedsBranching bool      `json:"needs_branching"`
	Reasoning      string    `json:"reasoning"`
	TaskChain      TaskChain `json:"task_chain"`
}

// TaskResult is what a node returns upward after completion.
type TaskResult struct {
	TaskID       string     `json:"task_id"`
	Abstract     string     `json:"abstract"`
	Description  string     `json:"description"`
	Verification string     `json:"verification"`
	Status       Status     `json:"status"`
	Result       string     `json:"result,omitempty"`
	Graph        string     `json:"graph,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// OutputKind tags chunks flowing through a node's output callback.
type OutputKind string

const (
	// OutputTerminal carries command lines and container output.
	OutputTerminal OutputKind = "terminal"
	// OutputModel carries raw model text.
	OutputModel OutputKind = "model"
)

// OutputCallback receives every output chunk a node produces.
type OutputCallback func(kind OutputKind, content string)
