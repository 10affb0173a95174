package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hajimehoshi/go-mp3"
)

type clipCacheEntry struct {
	once   sync.Once
	frames [][]byte
	err    error
}

var clipCache sync.Map // map[string]*clipCacheEntry

// LoadClipFrames loads and caches an mp3 clip as 160-byte μ-law frames.
func LoadClipFrames(path string) ([][]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("clip path not configured")
	}

	entryAny, _ := clipCache.LoadOrStore(path, &clipCacheEntry{})
	entry := entryAny.(*clipCacheEntry)

	entry.once.Do(func() {
		file, err := os.Open(path)
		if err != nil {
			entry.err = fmt.Errorf("failed to open clip: %w", err)
			return
		}
		defer file.Close()
		entry.frames, entry.err = DecodeMP3Frames(file)
	})

	return entry.frames, entry.err
}

// DecodeMP3Frames decodes an mp3 stream into 8kHz μ-law frames. The last
// frame is padded with μ-law silence.
func DecodeMP3Frames(r io.Reader) ([][]byte, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to read MP3 data: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("empty MP3 data")
	}

	// go-mp3 always emits 16-bit little-endian stereo.
	n := len(raw) / 4
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[4*i:]))
		r := int16(binary.LittleEndian.Uint16(raw[4*i+2:]))
		mono[i] = int16((int32(l) + int32(r)) / 2)
	}

	sampleRate := decoder.SampleRate()
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	return SplitFrames(PCM16ToMulaw(ResampleLinear(mono, sampleRate, TelephonySampleRate))), nil
}

// SplitFrames cuts μ-law bytes into FrameSize frames, padding the tail.
func SplitFrames(mulaw []byte) [][]byte {
	frames := make([][]byte, 0, len(mulaw)/FrameSize+1)
	for off := 0; off < len(mulaw); off += FrameSize {
		frame := make([]byte, FrameSize)
		n := copy(frame, mulaw[off:])
		for i := n; i < FrameSize; i++ {
			frame[i] = MulawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}
