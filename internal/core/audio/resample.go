package audio

import "math"

// ResampleLinear performs a one-shot linear resample of a complete buffer.
func ResampleLinear(in []int16, fromRate, toRate int) []int16 {
	if len(in) == 0 || fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return append([]int16(nil), in...)
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(math.Round(float64(len(in)) / ratio))
	if outLen <= 0 {
		return []int16{}
	}

	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		s0 := int(srcPos)
		if s0 >= len(in) {
			s0 = len(in) - 1
		}
		s1 := s0 + 1
		if s1 >= len(in) {
			s1 = len(in) - 1
		}
		frac := srcPos - float64(s0)
		out[i] = int16((1-frac)*float64(in[s0]) + frac*float64(in[s1]))
	}
	return out
}

// Resampler is a streaming linear resampler. It carries the last input sample
// and the fractional read position across calls so chunk boundaries do not
// duplicate or skip samples. Not safe for concurrent use.
type Resampler struct {
	fromRate int
	toRate   int
	step     float64
	pos      float64
	prev     int16
	hasPrev  bool
}

// NewResampler creates a streaming resampler between two rates.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{
		fromRate: fromRate,
		toRate:   toRate,
		step:     float64(fromRate) / float64(toRate),
	}
}

// Passthrough reports whether the rates match.
func (r *Resampler) Passthrough() bool {
	return r.fromRate == r.toRate
}

// Process resamples the next chunk of the stream.
func (r *Resampler) Process(in []int16) []int16 {
	if r.Passthrough() || len(in) == 0 {
		return append([]int16(nil), in...)
	}

	buf := in
	if r.hasPrev {
		buf = make([]int16, 0, len(in)+1)
		buf = append(buf, r.prev)
		buf = append(buf, in...)
	}

	last := float64(len(buf) - 1)
	out := make([]int16, 0, int(float64(len(in))/r.step)+2)
	for r.pos < last {
		i := int(r.pos)
		frac := r.pos - float64(i)
		v := (1-frac)*float64(buf[i]) + frac*float64(buf[i+1])
		out = append(out, int16(math.Round(v)))
		r.pos += r.step
	}

	r.pos -= last
	r.prev = buf[len(buf)-1]
	r.hasPrev = true
	return out
}

// Reset drops carried state, e.g. after a flush on barge-in.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
}
