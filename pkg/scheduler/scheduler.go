package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/log"
)

// Job is one unit of work submitted to the pool.
type Job func()

// Pool is a bounded worker pool. Submission never blocks the caller; the
// pool size caps how many jobs run at once.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewPool returns a pool running at most size jobs concurrently.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		slots:  make(chan struct{}, size),
		logger: log.WithComponent("scheduler"),
	}
}

// Submit queues a job. The job starts once a worker slot frees up.
func (p *Pool) Submit(job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.slots <- struct{}{}
		defer func() { <-p.slots }()
		job()
	}()
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Dispatch submits jobs in batches of batchSize, pausing stagger between
// successive batches. Submission itself is non-blocking; the pause is the
// wall-clock offset between batch start times, which smears LLM start-up
// bursts across minutes. Dispatch returns once every job is submitted, or
// early with ctx.Err() if the context ends mid-stagger; jobs already
// submitted keep running.
func (p *Pool) Dispatch(ctx context.Context, jobs []Job, batchSize int, stagger time.Duration) error {
	if batchSize < 1 {
		batchSize = 1
	}

	for start := 0; start < len(jobs); start += batchSize {
		if start > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		p.logger.Debug().Int("batch_start", start).Int("batch_end", end).Int("total", len(jobs)).Msg("dispatching batch")
		for _, job := range jobs[start:end] {
			p.Submit(job)
		}
	}
	return nil
}
