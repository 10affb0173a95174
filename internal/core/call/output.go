package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/config"
	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/model/provider"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type outputCmdKind int

const (
	outputDelta outputCmdKind = iota
	outputFinish
	outputClip
)

type outputCmd struct {
	kind       outputCmdKind
	responseID string
	pcm        []byte
	clip       [][]byte
}

type outputResultKind int

const (
	resultFirstFrame outputResultKind = iota
	resultChecked
	resultShed
	resultDrained
)

type outputResult struct {
	kind       outputResultKind
	responseID string
	report     provider.FrameReport
	err        error
	shed       int
}

// Output turns provider audio into paced telephony frames. A single producer
// goroutine frames deltas into the OutputQueue under backpressure; the TX
// loop drains one frame per period into the transport.
type Output struct {
	callID      string
	queue       *audio.OutputQueue
	transport   Transport
	accountant  *provider.FrameAccountant
	sourceRate  int
	framePeriod time.Duration
	log         *zap.Logger

	cmds     chan outputCmd
	inflight atomic.Int64
	holding  atomic.Bool

	mu        sync.Mutex
	cancelled map[string]struct{}
	results   []outputResult
	notify    chan struct{}

	// producer-owned
	framers map[string]*audio.Framer
	started map[string]bool

	sent      atomic.Int64
	shed      atomic.Int64
	discarded atomic.Int64

	shedLog rate.Sometimes
}

// NewOutput builds the output stage for provider audio at sourceRate.
// accountant may be nil when frame accounting is not wanted.
func NewOutput(callID string, cfg config.CallConfig, transport Transport, accountant *provider.FrameAccountant, sourceRate int) *Output {
	return &Output{
		callID: callID,
		queue: audio.NewOutputQueue(audio.QueueConfig{
			Capacity:    cfg.OutputQueueCapacity,
			PacingLevel: cfg.PacingLevel(),
			PacingDelay: cfg.PacingDelay,
			PushTimeout: cfg.PushTimeout,
			MaxDrop:     cfg.MaxDropOnTimeout,
		}),
		transport:   transport,
		accountant:  accountant,
		sourceRate:  sourceRate,
		framePeriod: cfg.FramePeriod,
		log:         logger.ForCall(callID),
		cmds:        make(chan outputCmd, cfg.OutputQueueCapacity),
		cancelled:   make(map[string]struct{}),
		notify:      make(chan struct{}, 1),
		framers:     make(map[string]*audio.Framer),
		started:     make(map[string]bool),
		shedLog:     rate.Sometimes{Interval: 2 * time.Second},
	}
}

// Run starts the producer and runs the TX loop until ctx is done.
func (o *Output) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.produce(ctx)
	}()
	o.transmit(ctx)
	wg.Wait()
}

// Enqueue hands one provider delta to the producer.
func (o *Output) Enqueue(ctx context.Context, responseID string, pcm []byte) {
	o.submit(ctx, outputCmd{kind: outputDelta, responseID: responseID, pcm: pcm})
}

// Finish flushes the response's partial frame and reconciles its accounting.
func (o *Output) Finish(ctx context.Context, responseID string) {
	o.submit(ctx, outputCmd{kind: outputFinish, responseID: responseID})
}

// PlayClip queues pre-encoded μ-law frames, e.g. the fallback apology.
func (o *Output) PlayClip(ctx context.Context, frames [][]byte) {
	o.submit(ctx, outputCmd{kind: outputClip, clip: frames})
}

func (o *Output) submit(ctx context.Context, cmd outputCmd) {
	o.inflight.Add(1)
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		o.inflight.Add(-1)
	}
}

// Cancel stops playback of responseID: later audio for it is discarded and
// everything queued locally and at the far end is flushed.
func (o *Output) Cancel(responseID string) int {
	o.Reject(responseID)
	cleared := o.queue.Clear()
	if n, err := o.transport.SendClear(); err != nil {
		o.log.Warn("Failed to clear transport audio", zap.String("response_id", responseID), zap.Error(err))
	} else {
		cleared += n
	}
	o.discarded.Add(int64(cleared))
	return cleared
}

// Reject discards future audio for responseID without touching queued audio.
func (o *Output) Reject(responseID string) {
	if responseID == "" {
		return
	}
	o.mu.Lock()
	o.cancelled[responseID] = struct{}{}
	o.mu.Unlock()
}

// IsCancelled reports whether audio for responseID is being discarded.
func (o *Output) IsCancelled(responseID string) bool {
	if responseID == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[responseID]
	return ok
}

// Speaking is true iff frames are waiting in the output queue or the
// transport TX queue.
func (o *Output) Speaking() bool {
	return o.queue.Len()+o.transport.TXLen() > 0 || o.holding.Load()
}

// Idle is true when nothing is queued and the producer has no pending work.
func (o *Output) Idle() bool {
	return !o.Speaking() && o.inflight.Load() == 0
}

// QueueLen is the output queue depth.
func (o *Output) QueueLen() int { return o.queue.Len() }

// Notify signals that results are ready for Results.
func (o *Output) Notify() <-chan struct{} { return o.notify }

// Results returns and clears pending producer and TX results.
func (o *Output) Results() []outputResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.results
	o.results = nil
	return out
}

func (o *Output) report(r outputResult) {
	o.mu.Lock()
	o.results = append(o.results, r)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Output) produce(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.cmds:
			o.handle(ctx, cmd)
			o.inflight.Add(-1)
			if o.Idle() {
				o.report(outputResult{kind: resultDrained})
			}
		}
	}
}

func (o *Output) handle(ctx context.Context, cmd outputCmd) {
	rid := cmd.responseID
	switch cmd.kind {
	case outputDelta:
		if o.IsCancelled(rid) {
			delete(o.framers, rid)
			return
		}
		fr, ok := o.framers[rid]
		if !ok {
			fr = audio.NewFramer(o.sourceRate)
			o.framers[rid] = fr
		}
		for _, f := range fr.Push(cmd.pcm, time.Now()) {
			if !o.push(ctx, rid, f) {
				return
			}
		}

	case outputFinish:
		fr := o.framers[rid]
		delete(o.framers, rid)
		delete(o.started, rid)
		if o.IsCancelled(rid) {
			return
		}
		if fr != nil {
			if f, ok := fr.Flush(time.Now()); ok {
				if !o.push(ctx, rid, f) {
					return
				}
			}
		}
		if o.accountant != nil {
			report, err := o.accountant.Check(rid)
			o.report(outputResult{kind: resultChecked, responseID: rid, report: report, err: err})
		}

	case outputClip:
		for i, payload := range cmd.clip {
			f := audio.NewFrame(payload, uint64(i+1), audio.DirectionOut, time.Now())
			if !o.push(ctx, "", f) {
				return
			}
		}
	}
}

// push enqueues one frame; false means the frame was not queued and the
// rest of the command should be abandoned.
func (o *Output) push(ctx context.Context, rid string, f audio.Frame) bool {
	if o.IsCancelled(rid) {
		o.discarded.Add(1)
		return false
	}
	res, err := o.queue.Push(ctx, f.WithResponse(rid))
	if err != nil && !errors.Is(err, audio.ErrBackpressureTimeout) {
		return false
	}

	if rid != "" {
		if o.accountant != nil {
			o.accountant.Forwarded(rid, 1)
		}
		if !o.started[rid] {
			o.started[rid] = true
			o.report(outputResult{kind: resultFirstFrame, responseID: rid})
		}
	}

	if len(res.Shed) > 0 {
		for _, old := range res.Shed {
			if o.accountant != nil && old.ResponseID() != "" {
				o.accountant.Shed(old.ResponseID(), 1)
			}
		}
		o.shed.Add(int64(len(res.Shed)))
		o.report(outputResult{kind: resultShed, responseID: rid, shed: len(res.Shed)})
		o.shedLog.Do(func() {
			o.log.Warn("Output queue stalled, shed oldest frames",
				zap.String("response_id", rid),
				zap.Int("shed", len(res.Shed)),
				zap.Int64("shed_total", o.shed.Load()),
				zap.Error(err))
		})
	}
	return true
}

func (o *Output) transmit(ctx context.Context) {
	ticker := time.NewTicker(o.framePeriod)
	defer ticker.Stop()

	var held *audio.Frame
	wasBusy := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if held == nil {
				if f, ok := o.queue.TryPop(); ok {
					held = &f
				}
			}
			if held != nil {
				switch {
				case o.IsCancelled(held.ResponseID()):
					o.discarded.Add(1)
					held = nil
				case o.transport.TrySend(*held):
					o.sent.Add(1)
					held = nil
				}
			}
			o.holding.Store(held != nil)

			busy := !o.Idle()
			if wasBusy && !busy {
				o.report(outputResult{kind: resultDrained})
			}
			wasBusy = busy
		}
	}
}

// OutputStats are cumulative frame counters for a call.
type OutputStats struct {
	Sent      int64
	Shed      int64
	Discarded int64
	Queue     audio.QueueStats
}

func (o *Output) Stats() OutputStats {
	return OutputStats{
		Sent:      o.sent.Load(),
		Shed:      o.shed.Load(),
		Discarded: o.discarded.Load(),
		Queue:     o.queue.Stats(),
	}
}
