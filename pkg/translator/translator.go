// Package translator turns free-text requests into structured tasks.
// Input that is already a valid task object passes through untouched;
// everything else is expanded by the model into an abstract, a detailed
// plan, and verification criteria.
package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/node"
	"github.com/sentinelops/taskforge/pkg/types"
)

// translateTemperature leaves the model room to enrich terse requests.
const translateTemperature = 0.3

const systemPrompt = `You are a task translator for penetration testing and security assessment work.

Your ONLY job is to convert a user's brief request into a structured JSON object with the fields:

{
  "abstract": "Brief one-line summary of the task",
  "description": "Detailed step-by-step description of what needs to be done",
  "verification": "Criteria to verify task completion and expected deliverables"
}

CRITICAL RULES:
1. Return ONLY valid JSON that matches the schema above
2. Do NOT execute the task - just re-phrase and expand it
3. Do NOT include explanations, markdown, or code blocks
4. The JSON should be the entire response

Guidelines for expansion:
- abstract: A concise one-line summary (e.g., "Passive reconnaissance of domain example.com")
- description: Detailed step-by-step plan including specific tools to use (nmap, gobuster, nikto, searchsploit, etc.), enumeration techniques, data to gather, and report generation steps. Be creative and thorough.
- verification: Clear success criteria including expected outputs, file locations, minimum data points to collect, and quality standards.

Example input: "scan website x"
Example output:
{
  "abstract": "Comprehensive web application security assessment of x",
  "description": "Perform a thorough security assessment of the target website x. Steps: 1) Run nmap port scan to identify web services and versions, 2) Use gobuster/dirb for directory enumeration to find hidden paths, 3) Execute nikto web vulnerability scanner, 4) Check for common vulnerabilities (SQL injection, XSS, CSRF), 5) Analyze HTTP headers and security configurations, 6) Compile all results into a structured report in /app/work/report.txt with severity ratings.",
  "verification": "A comprehensive report file at /app/work/report.txt containing: discovered directories/files, identified vulnerabilities with severity ratings, service versions, security header analysis, and at least 3 actionable findings or recommendations."
}

Remember: Return ONLY the JSON object, nothing else.`

// LLM is the slice of the gateway the translator needs.
type LLM interface {
	Chat(ctx context.Context, temperature float64, messages []gateway.Message) (string, error)
}

// Translator expands free-text requests into tasks.
type Translator struct {
	llm    LLM
	logger zerolog.Logger
}

// New returns a Translator backed by llm.
func New(llm LLM) *Translator {
	return &Translator{
		llm:    llm,
		logger: log.WithComponent("translator"),
	}
}

// Translate returns the structured task for a user request. A request
// that already parses as a complete task is returned as-is.
func (t *Translator) Translate(ctx context.Context, request string) (types.Task, error) {
	if task, ok := parseStructured(request); ok {
		t.logger.Debug().Str("abstract", task.Abstract).Msg("request already structured")
		return task, nil
	}

	userPrompt := fmt.Sprintf("Turn the following sentence into a structured task object. Do NOT execute the task, just re-phrase it.\n\nSentence: %s", request)

	response, err := t.llm.Chat(ctx, translateTemperature, []gateway.Message{
		{Role: gateway.RoleSystem, Content: systemPrompt},
		{Role: gateway.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return types.Task{}, fmt.Errorf("task translation failed: %w", err)
	}

	var task types.Task
	if err := json.Unmarshal([]byte(node.ExtractJSON(response)), &task); err != nil {
		return types.Task{}, fmt.Errorf("model returned invalid task structure: %w", err)
	}
	if task.Abstract == "" {
		return types.Task{}, fmt.Errorf("model returned task without abstract")
	}
	t.logger.Info().Str("abstract", task.Abstract).Msg("request translated")
	return task, nil
}

// parseStructured reports whether the request is already a complete task
// object.
func parseStructured(request string) (types.Task, bool) {
	trimmed := strings.TrimSpace(request)
	if !strings.HasPrefix(trimmed, "{") {
		return types.Task{}, false
	}
	var task types.Task
	if err := json.Unmarshal([]byte(trimmed), &task); err != nil {
		return types.Task{}, false
	}
	if task.Abstract == "" || task.Description == "" || task.Verification == "" {
		return types.Task{}, false
	}
	return task, true
}
