package audio

import (
	"encoding/binary"

	"github.com/zaf/g711"
)

// MulawToPCM16 decodes μ-law bytes into PCM16 samples.
func MulawToPCM16(mulaw []byte) []int16 {
	out := make([]int16, len(mulaw))
	for i, b := range mulaw {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// PCM16ToMulaw encodes PCM16 samples as μ-law bytes.
func PCM16ToMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// BytesToPCM16 interprets little-endian bytes as PCM16. A trailing odd byte is ignored.
func BytesToPCM16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// PCM16ToBytes serializes samples as little-endian bytes.
func PCM16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
