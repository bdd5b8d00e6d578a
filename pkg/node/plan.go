package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/types"
)

// Temperatures per role. Planning benefits from some variation; critique
// and digestion must be deterministic.
const (
	plannerTemperature = 0.3
	criticTemperature  = 0
	digestTemperature  = 0
)

// transcriptCap bounds how much transcript the critic and digester see.
const transcriptCap = 2000

// plan asks the planner whether this task needs decomposition. Every
// failure path degrades to a single-task plan so execution always
// proceeds; a node that has seen too many consecutive planner failures
// bypasses the model entirely.
func (n *Node) plan(ctx context.Context, advice string) *types.BranchDecision {
	l := limits.Get()

	if n.llmFailures >= l.TaskLLMFailureThreshold {
		n.counters.Increment(metrics.LLMCircuitBreaks)
		n.logger.Warn().Int("failures", n.llmFailures).Msg("planner circuit breaker: executing directly")
		return n.singleTaskPlan("Circuit breaker triggered", "Circuit breaker fallback")
	}

	userPrompt := plannerUserPrompt(n.task, advice, n.depth)
	response, err := n.llm.Chat(ctx, plannerTemperature, []gateway.Message{
		{Role: gateway.RoleSystem, Content: plannerSystemPrompt},
		{Role: gateway.RoleUser, Content: userPrompt},
	})
	if err != nil {
		n.llmFailures++
		n.logger.Warn().Err(err).Int("failures", n.llmFailures).Msg("planner call failed")
		return n.singleTaskPlan(fmt.Sprintf("Planner failed: %v", err), "Fallback")
	}
	n.llmFailures = 0

	var decision types.BranchDecision
	if err := json.Unmarshal([]byte(ExtractJSON(response)), &decision); err != nil {
		n.logger.Warn().Err(err).Msg("planner response unparsable")
		return n.singleTaskPlan(fmt.Sprintf("Planner response unparsable: %v", err), "Fallback")
	}
	if len(decision.TaskChain.Tasks) == 0 {
		return n.singleTaskPlan("Planner returned empty chain", "Fallback")
	}

	n.logger.Info().Int("tasks", len(decision.TaskChain.Tasks)).Bool("branching", decision.NeedsBranching).Msg("plan parsed")
	return &decision
}

func (n *Node) singleTaskPlan(reasoning, rationale string) *types.BranchDecision {
	return &types.BranchDecision{
		NeedsBranching: false,
		Reasoning:      reasoning,
		TaskChain: types.TaskChain{
			Strategy: "Direct execution",
			Tasks: []types.SubTask{{
				Abstract:     n.task.Abstract,
				Description:  n.task.Description,
				Verification: n.task.Verification,
				Rationale:    rationale,
			}},
		},
	}
}

// critique asks the critic whether the transcript satisfies the task's
// verification criterion. Anything that goes wrong counts as not met.
func (n *Node) critique(ctx context.Context, transcript string) bool {
	userPrompt := fmt.Sprintf("Task: %s\n\nVerification: %s\n\nOutput: %s\n\nMet?",
		n.task.Abstract, n.task.Verification, truncateRunes(transcript, transcriptCap))

	response, err := n.llm.Chat(ctx, criticTemperature, []gateway.Message{
		{Role: gateway.RoleSystem, Content: criticSystemPrompt},
		{Role: gateway.RoleUser, Content: userPrompt},
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("critic call failed")
		return false
	}

	var verdict struct {
		CriteriaMet bool   `json:"criteria_met"`
		Reasoning   string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(response)), &verdict); err != nil {
		n.logger.Warn().Err(err).Msg("critic response unparsable")
		return false
	}
	return verdict.CriteriaMet
}

// digest reduces the transcript to a short user-facing summary, falling
// back to a raw prefix when the model cannot be parsed.
func (n *Node) digest(ctx context.Context, transcript string) string {
	fallback := truncateRunes(transcript, 200)

	userPrompt := fmt.Sprintf("Task: %s\n\nOutput: %s\n\nSummary?",
		n.task.Abstract, truncateRunes(transcript, transcriptCap))

	response, err := n.llm.Chat(ctx, digestTemperature, []gateway.Message{
		{Role: gateway.RoleSystem, Content: digestSystemPrompt},
		{Role: gateway.RoleUser, Content: userPrompt},
	})
	if err != nil {
		n.logger.Warn().Err(err).Msg("digest call failed")
		return fallback
	}

	var digest struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(ExtractJSON(response)), &digest); err != nil || digest.Summary == "" {
		return fallback
	}
	return digest.Summary
}
