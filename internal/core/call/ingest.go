package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Caller voice detection used for activity tracking.
const (
	ingestVADThreshold = 0.02
	ingestVADOnset     = 3
	ingestVADHangover  = 25
)

// Ingest decodes caller frames and forwards them to the provider while the
// session accepts audio. Frames are always read so the transport never
// backs up; they are discarded once the session is closing.
type Ingest struct {
	callID    string
	sink      AudioSink
	resampler *audio.Resampler
	vad       *audio.EnergyVAD
	accept    func() bool
	touch     func(time.Time)
	log       *zap.Logger

	received  atomic.Int64
	forwarded atomic.Int64
	discarded atomic.Int64

	sendErrLog rate.Sometimes
}

// NewIngest creates the ingest stage. accept gates forwarding; touch is
// called with the frame time whenever forwarded audio carries caller voice.
func NewIngest(callID string, sink AudioSink, accept func() bool, touch func(time.Time)) *Ingest {
	return &Ingest{
		callID:     callID,
		sink:       sink,
		resampler:  audio.NewResampler(audio.TelephonySampleRate, sink.InputSampleRate()),
		vad:        audio.NewEnergyVAD(ingestVADThreshold, ingestVADOnset, ingestVADHangover),
		accept:     accept,
		touch:      touch,
		log:        logger.ForCall(callID),
		sendErrLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// Run consumes frames until the channel closes or ctx is done.
func (in *Ingest) Run(ctx context.Context, frames <-chan audio.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			in.Handle(ctx, f)
		}
	}
}

// Handle processes one inbound frame and reports whether it was forwarded.
func (in *Ingest) Handle(ctx context.Context, f audio.Frame) bool {
	in.received.Add(1)
	if !in.accept() {
		in.discarded.Add(1)
		return false
	}

	pcm := audio.MulawToPCM16(f.Payload())
	in.vad.Process(pcm)
	if err := in.sink.SendAudio(ctx, in.resampler.Process(pcm)); err != nil {
		in.discarded.Add(1)
		in.sendErrLog.Do(func() {
			in.log.Warn("Failed to forward caller audio", zap.Uint64("seq", f.Seq()), zap.Error(err))
		})
		return false
	}
	in.forwarded.Add(1)
	if in.vad.Speaking() {
		in.touch(f.ArrivedAt())
	}
	return true
}

// IngestStats are cumulative inbound frame counters.
type IngestStats struct {
	Received  int64
	Forwarded int64
	Discarded int64
}

func (in *Ingest) Stats() IngestStats {
	return IngestStats{
		Received:  in.received.Load(),
		Forwarded: in.forwarded.Load(),
		Discarded: in.discarded.Load(),
	}
}
