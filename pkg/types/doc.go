/*
Package types defines the shared data model for Taskforge.

A Task is a user-submitted request with three fields: an abstract (one-line
summary), a description (what to do), and a verification criterion (how to
tell it worked). Execution decomposes a task into a tree of nodes; TaskRecord
and NodeRecord are the manager's authoritative bookkeeping for both.

Statuses form a single alphabet shared by tasks and nodes:

	pending → planning → working → {completed, failed, impossible}
	any non-terminal → cancelled

Terminal statuses (completed, failed, cancelled, impossible) are final; the
system never mutates a terminal node. Restart creates a new sibling node
instead, preserving audit history.

The planner types (SubTask, TaskChain, BranchDecision) mirror the JSON shape
returned by the planning model, and OutputCallback is the funnel through which
every byte of terminal and model output reaches the per-node logs.
*/
package types
