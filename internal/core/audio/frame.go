package audio

import (
	"time"
)

const (
	// TelephonySampleRate is the μ-law rate on the telephony leg.
	TelephonySampleRate = 8000
	// FrameSize is one 20ms μ-law frame at 8kHz.
	FrameSize = 160
	// FrameDuration is the playout time of one frame.
	FrameDuration = 20 * time.Millisecond
	// MulawSilence is the μ-law encoding of a zero sample.
	MulawSilence byte = 0xFF
)

// Direction tags which leg a frame travels on.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Frame is an immutable 20ms μ-law audio frame. The payload is copied on
// construction and must not be modified through Payload().
type Frame struct {
	payload    []byte
	seq        uint64
	direction  Direction
	arrivedAt  time.Time
	responseID string
}

// NewFrame copies payload into a new frame.
func NewFrame(payload []byte, seq uint64, dir Direction, arrivedAt time.Time) Frame {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return Frame{payload: buf, seq: seq, direction: dir, arrivedAt: arrivedAt}
}

// WithResponse returns a copy of the frame tagged with the response that produced it.
func (f Frame) WithResponse(responseID string) Frame {
	f.responseID = responseID
	return f
}

func (f Frame) Payload() []byte      { return f.payload }
func (f Frame) Seq() uint64          { return f.seq }
func (f Frame) Direction() Direction { return f.direction }
func (f Frame) ArrivedAt() time.Time { return f.arrivedAt }
func (f Frame) ResponseID() string   { return f.responseID }
func (f Frame) Len() int             { return len(f.payload) }
