package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/gateway"
	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/metrics"
	"github.com/sentinelops/taskforge/pkg/runtime"
	"github.com/sentinelops/taskforge/pkg/types"
)

// Terminal markers a model may emit instead of a command.
const (
	DoneMarker       = "DONE:"
	ImpossibleMarker = "IMPOSSIBLE:"
)

const (
	commentNudge = "SYSTEM: Your last response contained only comments. Respond with an executable command, or terminate with 'DONE: reason'."
	emptyNudge   = "SYSTEM: Recent commands produced little or no output. If the task is finished or cannot progress, you may terminate with 'DONE: reason'."
)

var codeBlockRe = regexp.MustCompile("(?s)```(?:bash|sh)?\\s*\n(.*?)\n```")

// explanationPhrases mark lines of model chatter rather than commands.
var explanationPhrases = []string{
	"let me", "i will", "i need to", "i'll", "first,", "next,",
	"now,", "i apologize", "i see", "i notice", "sorry",
}

// Options configures one executor run.
type Options struct {
	// SystemPrompt frames the model as the task's executor.
	SystemPrompt string
	// Abstract seeds the kick-off user message.
	Abstract string
	// Output receives every model reply and terminal chunk. May be nil.
	Output types.OutputCallback
	// Cancelled is polled at the start of each iteration. May be nil.
	Cancelled func() bool
}

// LLM is the slice of the gateway the agent needs.
type LLM interface {
	Chat(ctx context.Context, temperature float64, messages []gateway.Message) (string, error)
}

/// Agent drives one leaf node: it alternates model-produced shell commands
// with sandbox output until the model terminates or a kill-switch fires.
type Agent struct {
	llm      LLM
	runner   runtime.Runner
	counters *metrics.Counters
	logger   zerolog.Logger
}

// New returns an Agent bound to the shared gateway and sandbox runner.
func New(llm LLM, runner runtime.Runner, counters *metrics.Counters) *Agent {
	if counters == nil {
		counters = metrics.Default
	}
	return &Agent{
		llm:      llm,
		runner:   runner,
		counters: counters,
		logger:   log.WithComponent("agent"),
	}
}

// ExecuteTask runs the executor loop and returns the accumulated
// transcript. A transcript is returned even on early termination so the
// critic can judge partial work; only cancellation and gateway exhaustion
// return an error.
func (a *Agent) ExecuteTask(ctx context.Context, opts Options) (string, error) {
	l := limits.Get()

	messages := []gateway.Message{
		{Role: gateway.RoleSystem, Content: opts.SystemPrompt},
		{Role: gateway.RoleUser, Content: fmt.Sprintf("Begin working on this task: %s", opts.Abstract)},
	}

	var transcript []string
	consecutiveComments := 0
	consecutiveEmpty := 0

	emit := func(kind types.OutputKind, content string) {
		if opts.Output != nil {
			opts.Output(kind, content)
		}
	}

	for iteration := 0; iteration < l.MCPMaxIterations; iteration++ {
		if opts.Cancelled != nil && opts.Cancelled() {
			a.counters.Increment(metrics.Cancellations)
			return join(transcript), types.ErrCancelled
		}

		raw, err := a.llm.Chat(ctx, 0, messages)
		if err != nil {
			return join(transcript), err
		}

		cmd := ExtractCommand(raw)
		messages = append(messages, gateway.Message{Role: gateway.RoleAssistant, Content: cmd})
		emit(types.OutputModel, cmd)

		if strings.HasPrefix(cmd, DoneMarker) {
			summary := strings.TrimSpace(strings.TrimPrefix(cmd, DoneMarker))
			footer := fmt.Sprintf("\n=== TASK COMPLETED ===\n%s\n", summary)
			transcript = append(transcript, footer)
			emit(types.OutputTerminal, footer)
			return join(transcript), nil
		}

		if strings.HasPrefix(cmd, ImpossibleMarker) {
			reason := strings.TrimSpace(strings.TrimPrefix(cmd, ImpossibleMarker))
			footer := fmt.Sprintf("\n=== TASK IMPOSSIBLE ===\n%s\n", reason)
			transcript = append(transcript, footer)
			emit(types.OutputTerminal, footer)
			return join(transcript), fmt.Errorf("%w: %s", types.ErrImpossible, reason)
		}

		if isCommentOnly(cmd) {
			consecutiveComments++
			if consecutiveComments >= l.MCPCommentOnlyThreshold {
				a.counters.Increment(metrics.MCPCommentLoops)
				a.logger.Warn().Int("iterations", consecutiveComments).Msg("comment loop kill-switch fired")
				footer := "\n[STUCK LOOP] Model produced only comments; execution stopped\n"
				transcript = append(transcript, footer)
				emit(types.OutputTerminal, footer)
				return join(transcript), nil
			}
			messages = append(messages, gateway.Message{Role: gateway.RoleUser, Content: commentNudge})
			continue
		}
		consecutiveComments = 0

		output, _ := a.runner.Execute(ctx, cmd)
		terminal := fmt.Sprintf("$ %s\n%s\n", cmd, output)
		transcript = append(transcript, terminal)
		emit(types.OutputTerminal, terminal)

		if len(strings.TrimSpace(output)) < 10 {
			consecutiveEmpty++
			if consecutiveEmpty >= l.MCPEmptyOutputThreshold {
				messages = append(messages, gateway.Message{Role: gateway.RoleUser, Content: emptyNudge})
				consecutiveEmpty = 0
			}
		} else {
			consecutiveEmpty = 0
		}

		messages = append(messages, gateway.Message{
			Role:    gateway.RoleUser,
			Content: fmt.Sprintf("Command output:\n%s", output),
		})
	}

	a.counters.Increment(metrics.MCPIterationLimits)
	a.logger.Warn().Int("max_iterations", l.MCPMaxIterations).Msg("iteration budget exhausted")
	transcript = append(transcript, "\n[TIMEOUT] Maximum iterations reached\n")
	return join(transcript), nil
}

func join(transcript []string) string {
	return strings.Join(transcript, "\n")
}

// isCommentOnly reports whether every non-empty line is a bash comment.
func isCommentOnly(text string) bool {
	sawLine := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sawLine = true
		if !strings.HasPrefix(line, "#") {
			return false
		}
	}
	return sawLine
}

// ExtractCommand reduces a model reply to the command it intends to run:
// terminal markers pass through, fenced code blocks win, and explanatory
// chatter lines are dropped.
func ExtractCommand(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, DoneMarker) || strings.HasPrefix(response, ImpossibleMarker) {
		return response
	}

	if m := codeBlockRe.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}

	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		chatter := false
		for _, phrase := range explanationPhrases {
			if strings.Contains(lower, phrase) {
				chatter = true
				break
			}
		}
		if !chatter {
			return line
		}
	}

	return response
}
