package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/bytedance/gopkg/util/gopool"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("task pool is closed")

// Func is a unit of background work. The context carries the task timeout.
type Func func(ctx context.Context) error

// Pool runs background jobs (call termination, notifications, uploads) on a
// bounded set of workers with a per-task timeout. Jobs outlive the request
// that submitted them: only the timeout cancels their context.
type Pool struct {
	name           string
	pool           gopool.Pool
	defaultTimeout time.Duration

	wg       sync.WaitGroup
	closed   atomic.Bool
	failed   atomic.Int64
	finished atomic.Int64
}

// NewPool creates a pool of at most size concurrent workers.
func NewPool(name string, size int, defaultTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		name:           name,
		pool:           gopool.NewPool(name, int32(size), gopool.NewConfig()),
		defaultTimeout: defaultTimeout,
	}
	p.pool.SetPanicHandler(func(ctx context.Context, r interface{}) {
		p.failed.Add(1)
		logger.Base().Error("Background task panic", zap.String("pool", name), zap.Any("panic", r))
	})
	return p
}

// Submit schedules fn with the pool's default timeout.
func (p *Pool) Submit(ctx context.Context, name string, fn Func) error {
	return p.SubmitWithTimeout(ctx, name, p.defaultTimeout, fn)
}

// SubmitWithTimeout schedules fn; values from ctx are kept but its
// cancellation is not.
func (p *Pool) SubmitWithTimeout(ctx context.Context, name string, timeout time.Duration, fn Func) error {
	if p.closed.Load() {
		return fmt.Errorf("%s: %w", name, ErrPoolClosed)
	}
	p.wg.Add(1)
	base := context.WithoutCancel(ctx)
	p.pool.CtxGo(base, func() {
		defer p.wg.Done()
		defer p.finished.Add(1)

		taskCtx, cancel := base, context.CancelFunc(func() {})
		if timeout > 0 {
			taskCtx, cancel = context.WithTimeout(base, timeout)
		}
		defer cancel()

		start := time.Now()
		if err := fn(taskCtx); err != nil {
			p.failed.Add(1)
			logger.Base().Warn("Background task failed",
				zap.String("pool", p.name),
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return
		}
		logger.Base().Debug("Background task completed",
			zap.String("pool", p.name),
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)))
	})
	return nil
}

// Wait blocks until every submitted task finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new tasks; running tasks are left to finish.
func (p *Pool) Close() {
	p.closed.Store(true)
}

// PoolStats are cumulative task counters.
type PoolStats struct {
	Workers  int32 `json:"workers"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:  p.pool.WorkerCount(),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
	}
}
