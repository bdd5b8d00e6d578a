package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Kill-switch counter names. Every limit that can fire has exactly one
// counter, so a run's snapshot tells you which guards did the stopping.
const (
	MCPTimeouts           = "mcp_timeouts"
	MCPIterationLimits    = "mcp_iteration_limits"
	MCPCommentLoops       = "mcp_comment_loops"
	LLMRateLimits         = "llm_rate_limits"
	LLMFailures           = "llm_failures"
	LLMCircuitBreaks      = "llm_circuit_breaks"
	TaskRetriesExhausted  = "task_retries_exhausted"
	TaskImpossible        = "task_impossible"
	Cancellations         = "cancellations"
	ContainerTimeouts     = "docker_timeouts"
	ContainerSlowCommands = "docker_slow_commands"
)

// KnownCounters lists every kill-switch counter name. Snapshot always
// returns all of them, zero-valued or not.
var KnownCounters = []string{
	MCPTimeouts,
	MCPIterationLimits,
	MCPCommentLoops,
	LLMRateLimits,
	LLMFailures,
	LLMCircuitBreaks,
	TaskRetriesExhausted,
	TaskImpossible,
	Cancellations,
	ContainerTimeouts,
	ContainerSlowCommands,
}

var (
	// Kill-switch metrics
	KillSwitchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_killswitch_total",
			Help: "Total number of kill-switch activations by counter name",
		},
		[]string{"name"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_nodes_total",
			Help: "Total number of task nodes by status",
		},
		[]string{"status"},
	)

	NodesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_nodes_dispatched_total",
			Help: "Total number of nodes handed to the worker pool",
		},
	)

	// Reconcile metrics
	ReconcilePromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskforge_reconcile_promotions_total",
			Help: "Total number of stuck nodes promoted to completed from log evidence",
		},
	)

	// LLM metrics
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_llm_calls_total",
			Help: "Total number of LLM calls by outcome",
		},
		[]string{"outcome"},
	)

	LLMCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskforge_llm_call_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Container metrics
	ContainerExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskforge_container_exec_duration_seconds",
			Help:    "Container command execution duration in seconds",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(KillSwitchTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesDispatched)
	prometheus.MustRegister(ReconcilePromotions)
	prometheus.MustRegister(LLMCallsTotal)
	prometheus.MustRegister(LLMCallDuration)
	prometheus.MustRegister(ContainerExecDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Counters is the in-process kill-switch ledger. Unlike the Prometheus
// mirrors it can be snapshotted and reset per run, which is what the
// end-of-task summary reports.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounters returns an empty ledger.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int)}
}

// Increment bumps the named counter and its Prometheus mirror.
func (c *Counters) Increment(name string) {
	c.mu.Lock()
	c.counts[name]++
	c.mu.Unlock()
	KillSwitchTotal.WithLabelValues(name).Inc()
}

// Get returns a single counter's value.
func (c *Counters) Get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns a copy of all counters, including zero-valued ones.
func (c *Counters) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(KnownCounters))
	for _, name := range KnownCounters {
		out[name] = c.counts[name]
	}
	return out
}

// Reset zeroes the ledger. The Prometheus mirrors are monotonic and are
// left alone.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

// Fired returns the names of counters with nonzero values, sorted.
func (c *Counters) Fired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var fired []string
	for name, n := range c.counts {
		if n > 0 {
			fired = append(fired, name)
		}
	}
	sort.Strings(fired)
	return fired
}

// Default is the process-wide ledger used by components that are not
// handed an explicit one.
var Default = NewCounters()
