package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrBackpressureTimeout is returned when a blocking push timed out and the
// queue had to shed its oldest frames.
var ErrBackpressureTimeout = errors.New("output queue backpressure timeout")

// QueueConfig sizes an OutputQueue and its backpressure policy.
type QueueConfig struct {
	Capacity    int
	PacingLevel int
	PacingDelay time.Duration
	PushTimeout time.Duration
	MaxDrop     int
}

// PushResult describes what the producer went through for a single push.
type PushResult struct {
	Paced   bool
	Blocked bool
	Dropped int
	// Shed holds the queued frames discarded to make room, oldest first.
	Shed []Frame
}

// OutputQueue is a bounded FIFO of outbound frames between the output
// producer and the TX pacing loop. Size is always within [0, Capacity].
type OutputQueue struct {
	frames chan Frame
	cfg    QueueConfig

	pushed  atomic.Int64
	popped  atomic.Int64
	paced   atomic.Int64
	dropped atomic.Int64
	cleared atomic.Int64
}

// NewOutputQueue creates a queue. PacingLevel defaults to 60% of capacity
// and MaxDrop to 1 when left zero.
func NewOutputQueue(cfg QueueConfig) *OutputQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.PacingLevel <= 0 || cfg.PacingLevel > cfg.Capacity {
		cfg.PacingLevel = cfg.Capacity * 6 / 10
		if cfg.PacingLevel == 0 {
			cfg.PacingLevel = cfg.Capacity
		}
	}
	if cfg.MaxDrop <= 0 {
		cfg.MaxDrop = 1
	}
	return &OutputQueue{
		frames: make(chan Frame, cfg.Capacity),
		cfg:    cfg,
	}
}

// Push enqueues a frame under the backpressure policy:
//   - at or above the pacing level the producer sleeps one pacing delay first;
//   - when full it blocks for at most PushTimeout;
//   - on timeout it drops at most MaxDrop of the oldest frames and enqueues.
//
// A non-nil error is either ctx's error (frame not enqueued) or
// ErrBackpressureTimeout (frame enqueued after a bounded drop).
func (q *OutputQueue) Push(ctx context.Context, f Frame) (PushResult, error) {
	var res PushResult

	if len(q.frames) >= q.cfg.PacingLevel {
		res.Paced = true
		q.paced.Add(1)
		if err := sleepCtx(ctx, q.cfg.PacingDelay); err != nil {
			return res, err
		}
	}

	select {
	case q.frames <- f:
		q.pushed.Add(1)
		return res, nil
	default:
	}

	res.Blocked = true
	timer := time.NewTimer(q.cfg.PushTimeout)
	defer timer.Stop()

	select {
	case q.frames <- f:
		q.pushed.Add(1)
		return res, nil
	case <-ctx.Done():
		return res, ctx.Err()
	case <-timer.C:
	}

	// Consumer is stalled: shed a bounded number of the oldest frames.
drain:
	for res.Dropped < q.cfg.MaxDrop {
		select {
		case old := <-q.frames:
			res.Shed = append(res.Shed, old)
			res.Dropped++
		default:
			break drain
		}
	}
	q.dropped.Add(int64(res.Dropped))

	select {
	case q.frames <- f:
		q.pushed.Add(1)
	default:
		// Another producer refilled the freed slots; count this frame as lost too.
		res.Dropped++
		q.dropped.Add(1)
	}
	return res, fmt.Errorf("%w: dropped %d oldest frames", ErrBackpressureTimeout, res.Dropped)
}

// TryPop removes the head frame without blocking.
func (q *OutputQueue) TryPop() (Frame, bool) {
	select {
	case f := <-q.frames:
		q.popped.Add(1)
		return f, true
	default:
		return Frame{}, false
	}
}

// Clear discards every queued frame and returns how many were removed.
func (q *OutputQueue) Clear() int {
	n := 0
	for {
		select {
		case <-q.frames:
			n++
		default:
			q.cleared.Add(int64(n))
			return n
		}
	}
}

// Len is a point-in-time snapshot safe to read from any goroutine.
func (q *OutputQueue) Len() int { return len(q.frames) }

// Cap returns the configured capacity.
func (q *OutputQueue) Cap() int { return cap(q.frames) }

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Pushed  int64
	Popped  int64
	Paced   int64
	Dropped int64
	Cleared int64
}

// Stats returns the counters accumulated so far.
func (q *OutputQueue) Stats() QueueStats {
	return QueueStats{
		Pushed:  q.pushed.Load(),
		Popped:  q.popped.Load(),
		Paced:   q.paced.Load(),
		Dropped: q.dropped.Load(),
		Cleared: q.cleared.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
