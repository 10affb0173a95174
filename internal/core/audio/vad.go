package audio

import "math"

// EnergyVAD is a frame-level RMS voice detector with onset and hangover
// counts. Not safe for concurrent use.
type EnergyVAD struct {
	threshold      float64
	onsetFrames    int
	hangoverFrames int

	voicedRun int
	silentRun int
	speaking  bool
}

// VADEvent is the edge reported by EnergyVAD.Process.
type VADEvent int

const (
	VADNone VADEvent = iota
	VADSpeechStart
	VADSpeechEnd
)

// NewEnergyVAD creates a detector. threshold is normalized RMS in [0,1].
func NewEnergyVAD(threshold float64, onsetFrames, hangoverFrames int) *EnergyVAD {
	if onsetFrames <= 0 {
		onsetFrames = 1
	}
	if hangoverFrames <= 0 {
		hangoverFrames = 1
	}
	return &EnergyVAD{threshold: threshold, onsetFrames: onsetFrames, hangoverFrames: hangoverFrames}
}

// Process feeds one frame of PCM16 and reports a speech edge, if any.
func (v *EnergyVAD) Process(samples []int16) VADEvent {
	if RMS(samples) >= v.threshold {
		v.voicedRun++
		v.silentRun = 0
		if !v.speaking && v.voicedRun >= v.onsetFrames {
			v.speaking = true
			return VADSpeechStart
		}
		return VADNone
	}

	v.silentRun++
	v.voicedRun = 0
	if v.speaking && v.silentRun >= v.hangoverFrames {
		v.speaking = false
		return VADSpeechEnd
	}
	return VADNone
}

// Speaking reports the current detector state.
func (v *EnergyVAD) Speaking() bool { return v.speaking }

// Reset returns the detector to silence.
func (v *EnergyVAD) Reset() {
	v.voicedRun, v.silentRun, v.speaking = 0, 0, false
}

// RMS returns the normalized root-mean-square level of samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
