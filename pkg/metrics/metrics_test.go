package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	c := NewCounters()

	c.Increment(MCPTimeouts)
	c.Increment(MCPTimeouts)
	c.Increment(LLMRateLimits)

	assert.Equal(t, 2, c.Get(MCPTimeouts))
	assert.Equal(t, 1, c.Get(LLMRateLimits))
	assert.Equal(t, 0, c.Get(Cancellations))
}

func TestCountersSnapshotIncludesZeroes(t *testing.T) {
	c := NewCounters()
	c.Increment(TaskImpossible)

	snap := c.Snapshot()
	assert.Len(t, snap, len(KnownCounters))
	assert.Equal(t, 1, snap[TaskImpossible])
	assert.Equal(t, 0, snap[ContainerTimeouts])
}

func TestCountersReset(t *testing.T) {
	c := NewCounters()
	c.Increment(LLMFailures)
	c.Reset()

	assert.Equal(t, 0, c.Get(LLMFailures))
	assert.Empty(t, c.Fired())
}

func TestCountersFired(t *testing.T) {
	c := NewCounters()
	c.Increment(LLMCircuitBreaks)
	c.Increment(Cancellations)

	assert.Equal(t, []string{Cancellations, LLMCircuitBreaks}, c.Fired())
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment(MCPIterationLimits)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, c.Get(MCPIterationLimits))
}
