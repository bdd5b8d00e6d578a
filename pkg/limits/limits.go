package limits

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits holds every configurable kill-switch threshold in the system.
// The values are soft limits: they stop runaway loops and stuck models
// without hard-killing processes that could corrupt sandbox state.
type Limits struct {
	// Executor loop (MCP agent)
	MCPMaxIterations        int           `yaml:"mcp_max_iterations"`
	MCPEmptyOutputThreshold int           `yaml:"mcp_empty_output_threshold"`
	MCPCommentOnlyThreshold int           `yaml:"mcp_comment_only_threshold"`
	MCPCommandTimeout       time.Duration `yaml:"mcp_command_timeout"`

	// LLM gateway
	LLMMaxRetries  int           `yaml:"llm_max_retries"`
	LLMBaseDelay   time.Duration `yaml:"llm_base_delay"`
	LLMCallTimeout time.Duration `yaml:"llm_call_timeout"`

	// Task node
	TaskDirectRetries       int `yaml:"task_direct_retries"`
	TaskMaxReplans          int `yaml:"task_max_replans"`
	TaskLLMFailureThreshold int `yaml:"task_llm_failure_threshold"`

	// Concurrency
	MaxWorkers       int `yaml:"max_workers"`
	MaxLLMConcurrent int `yaml:"max_llm_concurrent"`

	// Scheduling
	BatchSize       int           `yaml:"batch_size"`
	StaggerDelay    time.Duration `yaml:"stagger_delay"`
	BaseLeafTimeout time.Duration `yaml:"base_leaf_timeout"`
	TimeoutPerLevel time.Duration `yaml:"timeout_per_level"`
	ParentBuffer    time.Duration `yaml:"parent_buffer"`

	// Container exec
	ContainerExecTimeout   time.Duration `yaml:"container_exec_timeout"`
	ContainerKillOnTimeout bool          `yaml:"container_kill_on_timeout"`

	// Background reconciliation
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Observability
	EnableMetrics   bool `yaml:"enable_metrics"`
	LogSlowCommands bool `yaml:"log_slow_commands"`
}

// Defaults returns the built-in limit values.
func Defaults() Limits {
	return Limits{
		MCPMaxIterations:        20,
		MCPEmptyOutputThreshold: 5,
		MCPCommentOnlyThreshold: 5,
		MCPCommandTimeout:       300 * time.Second,

		LLMMaxRetries:  5,
		LLMBaseDelay:   2 * time.Second,
		LLMCallTimeout: 90 * time.Second,

		TaskDirectRetries:       3,
		TaskMaxReplans:          2,
		TaskLLMFailureThreshold: 3,

		MaxWorkers:       10,
		MaxLLMConcurrent: 3,

		BatchSize:       2,
		StaggerDelay:    180 * time.Second,
		BaseLeafTimeout: 300 * time.Second,
		TimeoutPerLevel: 300 * time.Second,
		ParentBuffer:    600 * time.Second,

		ContainerExecTimeout:   300 * time.Second,
		ContainerKillOnTimeout: false,

		ReconcileInterval: 300 * time.Second,

		EnableMetrics:   true,
		LogSlowCommands: true,
	}
}

// FromEnv builds Limits from environment variables, falling back to Defaults
// for anything unset or unparsable.
func FromEnv() Limits {
	l := Defaults()

	l.MCPMaxIterations = envInt("MCP_MAX_ITERATIONS", l.MCPMaxIterations)
	l.MCPEmptyOutputThreshold = envInt("MCP_EMPTY_THRESHOLD", l.MCPEmptyOutputThreshold)
	l.MCPCommentOnlyThreshold = envInt("MCP_COMMENT_THRESHOLD", l.MCPCommentOnlyThreshold)
	l.MCPCommandTimeout = envSeconds("MCP_COMMAND_TIMEOUT", l.MCPCommandTimeout)

	l.LLMMaxRetries = envInt("LLM_MAX_RETRIES", l.LLMMaxRetries)
	l.LLMBaseDelay = envSeconds("LLM_BASE_DELAY", l.LLMBaseDelay)
	l.LLMCallTimeout = envSeconds("LLM_CALL_TIMEOUT", l.LLMCallTimeout)

	l.TaskDirectRetries = envInt("TASK_DIRECT_RETRIES", l.TaskDirectRetries)
	l.TaskMaxReplans = envInt("TASK_MAX_REPLANS", l.TaskMaxReplans)
	l.TaskLLMFailureThreshold = envInt("TASK_LLM_FAILURE_THRESHOLD", l.TaskLLMFailureThreshold)

	l.MaxWorkers = envInt("MAX_WORKERS", l.MaxWorkers)
	l.MaxLLMConcurrent = envInt("MAX_LLM_CONCURRENT", l.MaxLLMConcurrent)

	l.BatchSize = envInt("BATCH_SIZE", l.BatchSize)
	l.StaggerDelay = envSeconds("STAGGER_DELAY", l.StaggerDelay)
	l.BaseLeafTimeout = envSeconds("BASE_LEAF_TIMEOUT", l.BaseLeafTimeout)
	l.TimeoutPerLevel = envSeconds("TIMEOUT_PER_LEVEL", l.TimeoutPerLevel)
	l.ParentBuffer = envSeconds("PARENT_BUFFER", l.ParentBuffer)

	l.ContainerExecTimeout = envSeconds("CONTAINER_EXEC_TIMEOUT", l.ContainerExecTimeout)
	l.ContainerKillOnTimeout = envBool("CONTAINER_KILL_ON_TIMEOUT", l.ContainerKillOnTimeout)

	l.ReconcileInterval = envSeconds("RECONCILE_INTERVAL", l.ReconcileInterval)

	l.EnableMetrics = envBool("ENABLE_METRICS", l.EnableMetrics)
	l.LogSlowCommands = envBool("LOG_SLOW_COMMANDS", l.LogSlowCommands)

	return l
}

// Wire is the external form of Limits, shared by the YAML limits file and
// the HTTP API: durations are plain seconds, and absent fields keep the
// values they are overlaid onto.
type Wire struct {
	MCPMaxIterations        *int  `yaml:"mcp_max_iterations" json:"mcp_max_iterations,omitempty"`
	MCPEmptyOutputThreshold *int  `yaml:"mcp_empty_output_threshold" json:"mcp_empty_output_threshold,omitempty"`
	MCPCommentOnlyThreshold *int  `yaml:"mcp_comment_only_threshold" json:"mcp_comment_only_threshold,omitempty"`
	MCPCommandTimeout       *int  `yaml:"mcp_command_timeout" json:"mcp_command_timeout,omitempty"`
	LLMMaxRetries           *int  `yaml:"llm_max_retries" json:"llm_max_retries,omitempty"`
	LLMBaseDelay            *int  `yaml:"llm_base_delay" json:"llm_base_delay,omitempty"`
	LLMCallTimeout          *int  `yaml:"llm_call_timeout" json:"llm_call_timeout,omitempty"`
	TaskDirectRetries       *int  `yaml:"task_direct_retries" json:"task_direct_retries,omitempty"`
	TaskMaxReplans          *int  `yaml:"task_max_replans" json:"task_max_replans,omitempty"`
	TaskLLMFailureThreshold *int  `yaml:"task_llm_failure_threshold" json:"task_llm_failure_threshold,omitempty"`
	MaxWorkers              *int  `yaml:"max_workers" json:"max_workers,omitempty"`
	MaxLLMConcurrent        *int  `yaml:"max_llm_concurrent" json:"max_llm_concurrent,omitempty"`
	BatchSize               *int  `yaml:"batch_size" json:"batch_size,omitempty"`
	StaggerDelay            *int  `yaml:"stagger_delay" json:"stagger_delay,omitempty"`
	BaseLeafTimeout         *int  `yaml:"base_leaf_timeout" json:"base_leaf_timeout,omitempty"`
	TimeoutPerLevel         *int  `yaml:"timeout_per_level" json:"timeout_per_level,omitempty"`
	ParentBuffer            *int  `yaml:"parent_buffer" json:"parent_buffer,omitempty"`
	ContainerExecTimeout    *int  `yaml:"container_exec_timeout" json:"container_exec_timeout,omitempty"`
	ContainerKillOnTimeout  *bool `yaml:"container_kill_on_timeout" json:"container_kill_on_timeout,omitempty"`
	ReconcileInterval       *int  `yaml:"reconcile_interval" json:"reconcile_interval,omitempty"`
	EnableMetrics           *bool `yaml:"enable_metrics" json:"enable_metrics,omitempty"`
	LogSlowCommands         *bool `yaml:"log_slow_commands" json:"log_slow_commands,omitempty"`
}

// Overlay applies the wire document's set fields onto base.
func (w Wire) Overlay(base Limits) Limits {
	l := base
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *int) {
		if src != nil {
			*dst = time.Duration(*src) * time.Second
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setInt(&l.MCPMaxIterations, w.MCPMaxIterations)
	setInt(&l.MCPEmptyOutputThreshold, w.MCPEmptyOutputThreshold)
	setInt(&l.MCPCommentOnlyThreshold, w.MCPCommentOnlyThreshold)
	setDur(&l.MCPCommandTimeout, w.MCPCommandTimeout)
	setInt(&l.LLMMaxRetries, w.LLMMaxRetries)
	setDur(&l.LLMBaseDelay, w.LLMBaseDelay)
	setDur(&l.LLMCallTimeout, w.LLMCallTimeout)
	setInt(&l.TaskDirectRetries, w.TaskDirectRetries)
	setInt(&l.TaskMaxReplans, w.TaskMaxReplans)
	setInt(&l.TaskLLMFailureThreshold, w.TaskLLMFailureThreshold)
	setInt(&l.MaxWorkers, w.MaxWorkers)
	setInt(&l.MaxLLMConcurrent, w.MaxLLMConcurrent)
	setInt(&l.BatchSize, w.BatchSize)
	setDur(&l.StaggerDelay, w.StaggerDelay)
	setDur(&l.BaseLeafTimeout, w.BaseLeafTimeout)
	setDur(&l.TimeoutPerLevel, w.TimeoutPerLevel)
	setDur(&l.ParentBuffer, w.ParentBuffer)
	setDur(&l.ContainerExecTimeout, w.ContainerExecTimeout)
	setBool(&l.ContainerKillOnTimeout, w.ContainerKillOnTimeout)
	setDur(&l.ReconcileInterval, w.ReconcileInterval)
	setBool(&l.EnableMetrics, w.EnableMetrics)
	setBool(&l.LogSlowCommands, w.LogSlowCommands)

	return l
}

// Wire returns l fully populated in wire form.
func (l Limits) Wire() Wire {
	sec := func(d time.Duration) *int {
		s := int(d / time.Second)
		return &s
	}
	num := func(n int) *int { return &n }
	flag := func(b bool) *bool { return &b }

	return Wire{
		MCPMaxIterations:        num(l.MCPMaxIterations),
		MCPEmptyOutputThreshold: num(l.MCPEmptyOutputThreshold),
		MCPCommentOnlyThreshold: num(l.MCPCommentOnlyThreshold),
		MCPCommandTimeout:       sec(l.MCPCommandTimeout),
		LLMMaxRetries:           num(l.LLMMaxRetries),
		LLMBaseDelay:            sec(l.LLMBaseDelay),
		LLMCallTimeout:          sec(l.LLMCallTimeout),
		TaskDirectRetries:       num(l.TaskDirectRetries),
		TaskMaxReplans:          num(l.TaskMaxReplans),
		TaskLLMFailureThreshold: num(l.TaskLLMFailureThreshold),
		MaxWorkers:              num(l.MaxWorkers),
		MaxLLMConcurrent:        num(l.MaxLLMConcurrent),
		BatchSize:               num(l.BatchSize),
		StaggerDelay:            sec(l.StaggerDelay),
		BaseLeafTimeout:         sec(l.BaseLeafTimeout),
		TimeoutPerLevel:         sec(l.TimeoutPerLevel),
		ParentBuffer:            sec(l.ParentBuffer),
		ContainerExecTimeout:    sec(l.ContainerExecTimeout),
		ContainerKillOnTimeout:  flag(l.ContainerKillOnTimeout),
		ReconcileInterval:       sec(l.ReconcileInterval),
		EnableMetrics:           flag(l.EnableMetrics),
		LogSlowCommands:         flag(l.LogSlowCommands),
	}
}

// FromFile reads Limits from a YAML file. Fields absent from the file keep
// the values of base.
func FromFile(path string, base Limits) (Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read limits file: %w", err)
	}

	var w Wire
	if err := yaml.Unmarshal(data, &w); err != nil {
		return base, fmt.Errorf("failed to parse limits file: %w", err)
	}
	return w.Overlay(base), nil
}

var (
	mu      sync.RWMutex
	current = Defaults()
)

// Get returns the process-wide limits snapshot.
func Get() Limits {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Set atomically replaces the process-wide limits.
func Set(l Limits) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// Init loads limits from the environment and installs them globally.
func Init() Limits {
	l := FromEnv()
	Set(l)
	return l
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// DepthTimeout returns the execution deadline for a node at the given depth.
// Deeper nodes run simpler commands but inherit queueing delay from their
// ancestors, so the allowance grows linearly with depth.
func (l Limits) DepthTimeout(depth int) time.Duration {
	if depth < 0 {
		depth = 0
	}
	return l.BaseLeafTimeout + time.Duration(depth)*l.TimeoutPerLevel
}

// ParentTimeout returns how long a parent waits for its children: the
// slowest child's own allowance, plus the stagger delay the scheduler will
// insert, plus a fixed buffer for digestion and critique.
func (l Limits) ParentTimeout(childDepth, childCount int) time.Duration {
	if childCount < 1 {
		childCount = 1
	}
	batches := (childCount + l.BatchSize - 1) / l.BatchSize
	stagger := time.Duration(batches-1) * l.StaggerDelay
	return l.DepthTimeout(childDepth) + stagger + l.ParentBuffer
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
