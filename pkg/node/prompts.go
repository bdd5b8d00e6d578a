package node

import (
	"fmt"

	"github.com/sentinelops/taskforge/pkg/types"
)

const plannerSystemPrompt = `Penetration testing task planner.

Analyze and decide decomposition.

Guidelines:
- Atomic → needs_branching=false, 1 task
- Complex → needs_branching=true, 2-5 independent sub-tasks
- Independent sub-tasks only
- Design for parallelization
- Simple decomposition at deep levels

Return valid JSON.`

const criticSystemPrompt = `Task verification critic.

Return JSON:
{
    "criteria_met": true/false,
    "reasoning": "explanation"
}
`

const digestSystemPrompt = `Summarize accomplishment.

Return JSON:
{
    "summary": "2-3 sentences"
}
`

func plannerUserPrompt(task types.Task, advice string, depth int) string {
	return fmt.Sprintf(`Analyze this task and decide if it needs to be broken down:

Task: %s
Description: %s
Verification: %s

Context: %s
Current depth: %d

Return JSON:
{
    "needs_branching": true/false,
    "reasoning": "explanation",
    "task_chain": {
        "strategy": "approach",
        "tasks": [
            {
                "abstract": "brief summary",
                "description": "what to do",
                "verification": "how to verify",
                "rationale": "why needed"
            }
        ]
    }
}

RULES:
- Atomic task → needs_branching=false, 1 task
- Complex → needs_branching=true, 2-5 independent sub-tasks
- At depth %d, prefer fewer sub-tasks (2-3 max)
- Each sub-task MUST be independently executable
- Maximum depth recommended: 3-4 levels
`, task.Abstract, task.Description, task.Verification, advice, depth, depth)
}

func executorSystemPrompt(task types.Task, advice string) string {
	context := advice
	if context == "" {
		context = "No previous context"
	}
	return fmt.Sprintf(`You are an expert penetration tester executing a specific task in a Kali Linux container.

ENVIRONMENT:
- You have access to a Kali Linux container with standard pentesting tools
- Tools are auto-installed if missing (nmap, subfinder, amass, gobuster, etc.)
- Working directory: /app/work (save all output files here)
- You can execute any bash command

YOUR TASK:
Abstract: %s

Description: %s

Verification Criteria: %s

CONTEXT FROM PREVIOUS WORK:
%s

EXECUTION RULES:
1. Execute ONE command at a time
2. Each response must be an EXECUTABLE command (not comments)
3. DO NOT output only bash comments like "# Let's check..."
4. After each command, you'll receive its output
5. Save results to files in /app/work/
6. When verification criteria are met, respond: "DONE: brief summary of what was accomplished"
7. If the task cannot be completed at all, respond: "IMPOSSIBLE: reason"

CRITICAL - HANDLING MISSING RESOURCES:
If you encounter missing API keys, unavailable services, or blocked resources:
- DO NOT get stuck in a loop checking for them
- Try alternative approaches (different tools, public sources, workarounds)
- If truly impossible after 3 attempts, respond: "DONE: Unable to complete - reason"
- Example: If SecurityTrails API key missing, use crt.sh, Shodan, or other passive DNS sources

COMMAND FORMAT:
Your response should be a single executable command, for example:
  nmap -sV scanme.nmap.org
  subfinder -d example.com -o /app/work/subdomains.txt
  curl -s "https://crt.sh/?q=%%.example.com&output=json" > /app/work/certs.json

AVOID:
- Multiple commands in one response (execute one at a time)
- Only comments without actual commands
- Checking for the same thing repeatedly
- Infinite loops looking for missing resources

BEGIN EXECUTION:
Execute commands step-by-step to complete the task. Respond with your first command now.`,
		task.Abstract, task.Description, task.Verification, context)
}
