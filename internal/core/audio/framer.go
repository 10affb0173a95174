package audio

import "time"

// Framer turns irregular PCM16 provider deltas into fixed 160-byte μ-law
// frames. Bytes that do not fill a whole frame are held for the next delta.
// Not safe for concurrent use; owned by the output producer.
type Framer struct {
	resampler *Resampler
	oddByte   []byte
	remainder []byte
	seq       uint64
}

// NewFramer creates a framer for provider audio at sourceRate.
func NewFramer(sourceRate int) *Framer {
	return &Framer{resampler: NewResampler(sourceRate, TelephonySampleRate)}
}

// Push converts one delta and returns every complete frame it produced.
func (f *Framer) Push(pcm []byte, now time.Time) []Frame {
	if len(f.oddByte) > 0 {
		pcm = append(append([]byte(nil), f.oddByte...), pcm...)
		f.oddByte = f.oddByte[:0]
	}
	if len(pcm)%2 == 1 {
		f.oddByte = append(f.oddByte, pcm[len(pcm)-1])
		pcm = pcm[:len(pcm)-1]
	}

	samples := f.resampler.Process(BytesToPCM16(pcm))
	f.remainder = append(f.remainder, PCM16ToMulaw(samples)...)

	var frames []Frame
	for len(f.remainder) >= FrameSize {
		f.seq++
		frames = append(frames, NewFrame(f.remainder[:FrameSize], f.seq, DirectionOut, now))
		f.remainder = f.remainder[FrameSize:]
	}
	if len(f.remainder) == 0 {
		f.remainder = nil
	}
	return frames
}

// Flush pads the held remainder with μ-law silence into a last frame.
func (f *Framer) Flush(now time.Time) (Frame, bool) {
	if len(f.remainder) == 0 {
		return Frame{}, false
	}
	buf := make([]byte, FrameSize)
	n := copy(buf, f.remainder)
	for i := n; i < FrameSize; i++ {
		buf[i] = MulawSilence
	}
	f.remainder = nil
	f.seq++
	return NewFrame(buf, f.seq, DirectionOut, now), true
}

// Reset discards buffered bytes, used when a response is cancelled.
func (f *Framer) Reset() {
	f.remainder = nil
	f.oddByte = nil
	f.resampler.Reset()
}

// Pending is the number of μ-law bytes held back waiting for a full frame.
func (f *Framer) Pending() int {
	return len(f.remainder)
}
