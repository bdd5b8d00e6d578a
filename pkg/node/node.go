package node

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/agent"
	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/scheduler"
	"github.com/sentinelops/taskforge/pkg/trm"
	"github.com/sentinelops/taskforge/pkg/types"
)

// LLM is the slice of the gateway a node needs for planning, critique,
// and digestion.
type LLM interface {
	Chat(ctx context.Context, temperature float64, messages []gateway.Message) (string, error)
}

// Executor runs the leaf loop for a node.
type Executor interface {
	ExecuteTask(ctx context.Context, opts agent.Options) (string, error)
}

// TaskManager is the slice of the task manager a node talks to. All status
// writes go through it; nodes never write status to the TRM directly.
type TaskManager interface {
	RegisterNode(taskID, nodeID string, info types.NodeInfo) error
	UpdateNodeStatus(nodeID string, status types.Status, errMsg string)
	IsNodeCancelled(nodeID string) bool
	NodeOutputCallback(nodeID string) types.OutputCallback
	RemoveNode(nodeID string) error
}

// Config wires one Node into the shared machinery.
type Config struct {
	TaskID   string
	NodeID   string
	Task     types.Task
	Depth    int
	TRM      *trm.Manager
	LLM      LLM
	Executor Executor
	Manager  TaskManager
	Pool     *scheduler.Pool
	Counters *metrics.Counters
}

// Node is one unit of work in a task's decomposition tree. It plans,
// then either drives the executor loop itself or branches into children
// dispatched on the shared pool.
type Node struct {
	taskID string
	nodeID string
	task   types.Task
	depth  int

	trm      *trm.Manager
	llm      LLM
	executor Executor
	mgr      TaskManager
	pool     *scheduler.Pool
	counters *metrics.Counters
	logger   zerolog.Logger

	replanCount int
	llmFailures int
}

// New builds a Node from cfg.
func New(cfg Config) *Node {
	counters := cfg.Counters
	if counters == nil {
		counters = metrics.Default
	}
	return &Node{
		taskID:   cfg.TaskID,
		nodeID:   cfg.NodeID,
		task:     cfg.Task,
		depth:    cfg.Depth,
		trm:      cfg.TRM,
		llm:      cfg.LLM,
		executor: cfg.Executor,
		mgr:      cfg.Manager,
		pool:     cfg.Pool,
		counters: counters,
		logger:   log.WithNodeID(cfg.NodeID),
	}
}

// NodeID returns the node's id.
func (n *Node) NodeID() string {
	return n.nodeID
}

// Timeout returns the node's depth-scaled execution allowance.
func (n *Node) Timeout() time.Duration {
	return limits.Get().DepthTimeout(n.depth)
}

// Execute runs the node to a terminal state. rebranchHint carries the
// failure context of a previous plan when a parent replans.
func (n *Node) Execute(ctx context.Context, rebranchHint string) (*types.TaskResult, error) {
	result, err := n.execute(ctx, rebranchHint)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrCancelled):
			n.updateStatus(types.StatusCancelled, err.Error())
			return nil, fmt.Errorf("%w: %v", types.ErrImpossible, err)
		case errors.Is(err, types.ErrImpossible):
			n.counters.Increment(metrics.TaskImpossible)
			n.updateStatus(types.StatusImpossible, err.Error())
			return nil, err
		default:
			n.updateStatus(types.StatusFailed, err.Error())
			return nil, err
		}
	}
	return result, nil
}

func (n *Node) execute(ctx context.Context, rebranchHint string) (*types.TaskResult, error) {
	if n.mgr.IsNodeCancelled(n.nodeID) {
		n.counters.Increment(metrics.Cancellations)
		return nil, types.ErrCancelled
	}

	n.logger.Info().Int("depth", n.depth).Dur("timeout", n.Timeout()).Str("abstract", n.task.Abstract).Msg("executing node")

	advice := n.collectAdvice(rebranchHint)
	n.updateStatus(types.StatusPlanning, "")

	decision := n.plan(ctx, advice)

	if len(decision.TaskChain.Tasks) > 1 {
		n.logger.Info().Int("subtasks", len(decision.TaskChain.Tasks)).Msg("branching")
		return n.branchAndExecute(ctx, decision)
	}
	n.logger.Info().Msg("direct execution")
	return n.directExecute(ctx, advice)
}

// collectAdvice assembles the context a node carries into planning and
// execution: the replan hint, the upper-chain advice, and any credential
// sources discovered by earlier work.
func (n *Node) collectAdvice(rebranchHint string) string {
	var parts []string
	if rebranchHint != "" {
		parts = append(parts, fmt.Sprintf("REPLANNING: %s", rebranchHint))
	}

	if advice := n.trm.GetUpperChainAdvice(n.nodeID); advice != "" {
		parts = append(parts, advice)
	}

	if creds := n.trm.GetCredentialChain(n.nodeID); len(creds) > 0 {
		credParts := []string{"\n=== AVAILABLE CREDENTIALS ==="}
		for _, c := range creds {
			credParts = append(credParts, fmt.Sprintf("From %s (%s): %s", c.Direction, c.NodeID, c.Abstract))
		}
		parts = append(parts, strings.Join(credParts, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// directExecute drives the executor loop with retries. A mid-transcript
// DONE: marker is trusted and skips the critic; otherwise the critic
// decides whether to digest or retry with augmented advice.
func (n *Node) directExecute(ctx context.Context, advice string) (*types.TaskResult, error) {
	l := limits.Get()
	n.updateStatus(types.StatusWorking, "")

	execCtx, cancel := context.WithTimeout(ctx, n.Timeout())
	defer cancel()

	for attempt := 1; attempt <= l.TaskDirectRetries; attempt++ {
		if n.mgr.IsNodeCancelled(n.nodeID) {
			n.counters.Increment(metrics.Cancellations)
			return nil, types.ErrCancelled
		}

		n.logger.Info().Int("attempt", attempt).Int("max", l.TaskDirectRetries).Msg("running executor loop")

		transcript, err := n.executor.ExecuteTask(execCtx, agent.Options{
			SystemPrompt: executorSystemPrompt(n.task, advice),
			Abstract:     n.task.Abstract,
			Output:       n.mgr.NodeOutputCallback(n.nodeID),
			Cancelled:    func() bool { return n.mgr.IsNodeCancelled(n.nodeID) },
		})
		if err != nil {
			if errors.Is(err, types.ErrCancelled) || errors.Is(err, types.ErrImpossible) {
				return nil, err
			}
			return nil, fmt.Errorf("executor loop failed: %w", err)
		}

		if strings.Contains(transcript, agent.DoneMarker) {
			// The model declared success; trust it and skip the critic
			n.updateStatus(types.StatusCompleted, "")
			return n.buildResult(n.digest(ctx, transcript)), nil
		}

		if n.critique(ctx, transcript) {
			n.logger.Info().Msg("verification passed")
			n.updateStatus(types.StatusCompleted, "")
			return n.buildResult(n.digest(ctx, transcript)), nil
		}

		n.logger.Warn().Int("attempt", attempt).Msg("verification failed")
		if attempt < l.TaskDirectRetries {
			advice += fmt.Sprintf("\n\nPrevious failed: %v\nTry different approach.", types.ErrNeedRetry)
		}
	}

	n.counters.Increment(metrics.TaskRetriesExhausted)
	return nil, fmt.Errorf("%w: failed after %d attempts: %v", types.ErrImpossible, l.TaskDirectRetries, types.ErrNeedRetry)
}

// branchAndExecute registers the plan's children, dispatches them in
// staggered batches, and aggregates their summaries. A child raising
// impossible triggers a replan up to the budget.
func (n *Node) branchAndExecute(ctx context.Context, decision *types.BranchDecision) (*types.TaskResult, error) {
	l := limits.Get()
	subs := decision.TaskChain.Tasks

	childIDs, err := n.trm.AddSubTasks(n.nodeID, subs)
	if err != nil {
		return nil, fmt.Errorf("failed to register sub-tasks: %w", err)
	}

	children := make([]*Node, len(subs))
	for i, sub := range subs {
		children[i] = New(Config{
			TaskID:   n.taskID,
			NodeID:   childIDs[i],
			Task:     types.Task{Abstract: sub.Abstract, Description: sub.Description, Verification: sub.Verification},
			Depth:    n.depth + 1,
			TRM:      n.trm,
			LLM:      n.llm,
			Executor: n.executor,
			Manager:  n.mgr,
			Pool:     n.pool,
			Counters: n.counters,
		})

		if err := n.mgr.RegisterNode(n.taskID, childIDs[i], types.NodeInfo{
			Abstract:    sub.Abstract,
			Description: sub.Description,
			ParentID:    n.nodeID,
			Depth:       n.depth + 1,
			Status:      types.StatusPending,
		}); err != nil {
			return nil, fmt.Errorf("failed to register node %s: %w", childIDs[i], err)
		}
	}

	n.updateStatus(types.StatusWorking, "")

	results, failures := n.dispatchChildren(ctx, children)

	if len(failures) > 0 {
		summary := make([]string, 0, len(failures))
		for _, f := range failures {
			summary = append(summary, fmt.Sprintf("- %s: %s", truncateRunes(f.abstract, 60), f.reason))
		}
		branchErr := fmt.Errorf("%w: %d/%d sub-tasks failed:\n%s",
			types.ErrImpossible, len(failures), len(children), strings.Join(summary, "\n"))

		if n.replanCount < l.TaskMaxReplans {
			n.replanCount++
			n.logger.Warn().Int("replan", n.replanCount).Int("max", l.TaskMaxReplans).Msg("replanning after child failure")
			for _, id := range childIDs {
				if err := n.mgr.RemoveNode(id); err != nil {
					n.logger.Warn().Err(err).Str("child", id).Msg("failed to remove child subtree")
				}
			}
			hint := fmt.Sprintf("Previous failed: %v\nAttempt %d/%d", branchErr, n.replanCount+1, l.TaskMaxReplans+1)
			return n.execute(ctx, hint)
		}
		return nil, branchErr
	}

	n.updateStatus(types.StatusCompleted, "")
	return n.aggregate(results), nil
}

type childFailure struct {
	abstract string
	reason   string
}

type childOutcome struct {
	idx    int
	result *types.TaskResult
	err    error
}

// dispatchChildren submits the children in staggered batches and collects
// their outcomes under the parent's deadline. Children still unfinished at
// the deadline are reported as failures with reason "Execution timeout".
func (n *Node) dispatchChildren(ctx context.Context, children []*Node) ([]*types.TaskResult, []childFailure) {
	l := limits.Get()
	parentTimeout := l.ParentTimeout(n.depth+1, len(children))
	deadline := time.NewTimer(parentTimeout)
	defer deadline.Stop()

	n.logger.Info().Int("children", len(children)).Dur("timeout", parentTimeout).Msg("dispatching children")

	outcomes := make(chan childOutcome, len(children))
	jobs := make([]scheduler.Job, len(children))
	for i, child := range children {
		i, child := i, child
		jobs[i] = func() {
			res, err := child.Execute(ctx, "")
			outcomes <- childOutcome{idx: i, result: res, err: err}
		}
	}

	go func() {
		if err := n.pool.Dispatch(ctx, jobs, l.BatchSize, l.StaggerDelay); err != nil {
			n.logger.Warn().Err(err).Msg("dispatch aborted")
		}
	}()

	results := make([]*types.TaskResult, len(children))
	done := make([]bool, len(children))
	var failures []childFailure

	received := 0
	for received < len(children) {
		select {
		case out := <-outcomes:
			received++
			done[out.idx] = true
			if out.err != nil {
				n.logger.Warn().Err(out.err).Str("child", children[out.idx].nodeID).Msg("child failed")
				failures = append(failures, childFailure{abstract: children[out.idx].task.Abstract, reason: out.err.Error()})
			} else {
				results[out.idx] = out.result
			}
		case <-deadline.C:
			for i, child := range children {
				if !done[i] {
					n.logger.Warn().Str("child", child.nodeID).Msg("child unfinished at parent deadline")
					failures = append(failures, childFailure{abstract: child.task.Abstract, reason: "Execution timeout"})
				}
			}
			return compact(results), failures
		}
	}

	return compact(results), failures
}

// aggregate joins child summaries ordered by sub-task index. A single
// result passes through untouched.
func (n *Node) aggregate(results []*types.TaskResult) *types.TaskResult {
	if len(results) == 1 {
		return results[0]
	}

	parts := make([]string, 0, len(results))
	for i, r := range results {
		if r != nil && r.Result != "" {
			parts = append(parts, fmt.Sprintf("Sub-task %d: %s", i+1, r.Result))
		}
	}
	return n.buildResult(strings.Join(parts, "\n\n"))
}

func (n *Node) buildResult(summary string) *types.TaskResult {
	now := time.Now()
	return &types.TaskResult{
		TaskID:       n.taskID,
		Abstract:     n.task.Abstract,
		Description:  n.task.Description,
		Verification: n.task.Verification,
		Status:       types.StatusCompleted,
		Result:       summary,
		Graph:        n.trm.GraphContent(),
		CreatedAt:    now,
		CompletedAt:  &now,
	}
}

func (n *Node) updateStatus(status types.Status, errMsg string) {
	n.mgr.UpdateNodeStatus(n.nodeID, status, errMsg)
}

func compact(results []*types.TaskResult) []*types.TaskResult {
	out := results[:0:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
