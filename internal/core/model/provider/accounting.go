package provider

import (
	"math"
	"sync"

	"github.com/ClareAI/astra-voice-bridge/internal/core/audio"
)

// FrameAccountant reconciles, per response, how many telephony frames the
// provider's audio should yield against how many the output stage actually
// accounted for (forwarded or knowingly dropped).
type FrameAccountant struct {
	sampleRate int
	tolerance  int

	mu        sync.Mutex
	responses map[string]*frameTally
}

type frameTally struct {
	samples   int
	forwarded int
	dropped   int
}

// FrameReport is the reconciliation result for one response.
type FrameReport struct {
	ResponseID string
	Expected   int
	Forwarded  int
	Dropped    int
}

// Delta is the number of frames unaccounted for (negative when more frames
// were forwarded than expected).
func (r FrameReport) Delta() int {
	return r.Expected - r.Forwarded - r.Dropped
}

// NewFrameAccountant creates an accountant for provider audio at sampleRate.
// tolerance absorbs resampler rounding at delta boundaries.
func NewFrameAccountant(sampleRate, tolerance int) *FrameAccountant {
	if tolerance < 0 {
		tolerance = 0
	}
	return &FrameAccountant{
		sampleRate: sampleRate,
		tolerance:  tolerance,
		responses:  make(map[string]*frameTally),
	}
}

func (a *FrameAccountant) tally(responseID string) *frameTally {
	t, ok := a.responses[responseID]
	if !ok {
		t = &frameTally{}
		a.responses[responseID] = t
	}
	return t
}

// Expect records PCM16 bytes emitted by the provider for responseID.
func (a *FrameAccountant) Expect(responseID string, pcmBytes int) {
	a.mu.Lock()
	a.tally(responseID).samples += pcmBytes / 2
	a.mu.Unlock()
}

// Forwarded records frames handed to the output queue.
func (a *FrameAccountant) Forwarded(responseID string, frames int) {
	a.mu.Lock()
	a.tally(responseID).forwarded += frames
	a.mu.Unlock()
}

// Dropped records frames deliberately shed by backpressure.
func (a *FrameAccountant) Dropped(responseID string, frames int) {
	a.mu.Lock()
	a.tally(responseID).dropped += frames
	a.mu.Unlock()
}

// Shed moves frames that were forwarded and later discarded by the output
// queue from the forwarded to the dropped count. Unknown responses are ignored.
func (a *FrameAccountant) Shed(responseID string, frames int) {
	a.mu.Lock()
	if t, ok := a.responses[responseID]; ok {
		t.forwarded -= frames
		t.dropped += frames
	}
	a.mu.Unlock()
}

// Discard forgets a response whose audio was cancelled mid-stream.
func (a *FrameAccountant) Discard(responseID string) {
	a.mu.Lock()
	delete(a.responses, responseID)
	a.mu.Unlock()
}

// Check reconciles and forgets responseID. It returns a frame accounting
// error when the unaccounted delta exceeds the tolerance.
func (a *FrameAccountant) Check(responseID string) (FrameReport, error) {
	a.mu.Lock()
	t, ok := a.responses[responseID]
	delete(a.responses, responseID)
	a.mu.Unlock()

	report := FrameReport{ResponseID: responseID}
	if !ok {
		return report, nil
	}
	report.Expected = expectedFrames(t.samples, a.sampleRate)
	report.Forwarded = t.forwarded
	report.Dropped = t.dropped

	delta := report.Delta()
	if delta < 0 {
		delta = -delta
	}
	if delta > a.tolerance {
		return report, NewAccountingError(responseID, report.Expected, report.Forwarded+report.Dropped)
	}
	return report, nil
}

func expectedFrames(samples, sampleRate int) int {
	if samples == 0 || sampleRate <= 0 {
		return 0
	}
	telephonySamples := float64(samples) * audio.TelephonySampleRate / float64(sampleRate)
	return int(math.Ceil(telephonySamples / audio.FrameSize))
}
