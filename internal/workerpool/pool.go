package workerpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrPoolBusy is returned when no slot frees up within the acquire timeout.
var ErrPoolBusy = errors.New("worker pool busy")

// Metrics is a snapshot of pool activity.
type Metrics struct {
	Size            int           `json:"pool_size"`
	InUse           int           `json:"in_use"`
	TotalAcquired   int64         `json:"total_acquired"`
	TotalReleased   int64         `json:"total_released"`
	AcquireFailures int64         `json:"acquire_failures"`
	WaitTime        time.Duration `json:"wait_time_ns"`
}

// Pool bounds the number of CPU-bound jobs running at once.
type Pool struct {
	sem            *semaphore.Weighted
	size           int
	acquireTimeout time.Duration

	mu      sync.Mutex
	metrics Metrics
}

// New creates a pool with size slots. A zero acquireTimeout waits as long as
// the caller's context allows.
func New(size int, acquireTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:            semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: acquireTimeout,
		metrics:        Metrics{Size: size},
	}
}

// Do runs fn on a pool slot. If ctx ends while fn is running, Do returns
// ctx.Err() immediately and fn keeps running; the slot is released once fn
// returns. Callers must not read state written by fn unless Do returned nil.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer p.release()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) acquire(ctx context.Context) error {
	start := time.Now()
	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	err := p.sem.Acquire(acquireCtx, 1)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.WaitTime += time.Since(start)
	if err != nil {
		p.metrics.AcquireFailures++
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrPoolBusy
	}
	p.metrics.InUse++
	p.metrics.TotalAcquired++
	return nil
}

func (p *Pool) release() {
	p.sem.Release(1)

	p.mu.Lock()
	p.metrics.InUse--
	p.metrics.TotalReleased++
	p.mu.Unlock()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
