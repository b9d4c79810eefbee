package audio

import (
	"time"
)

// Telephony media streams carry 8 kHz mono G.711 mu-law.
const (
	Encoding      = "mulaw"
	SampleRate    = 8000
	FrameDuration = 20 * time.Millisecond
	FrameBytes    = SampleRate * int(FrameDuration/time.Millisecond) / 1000

	// MulawSilence is the mu-law code for a zero sample.
	MulawSilence byte = 0xFF
)

type Direction uint8

const (
	Inbound Direction = iota + 1
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Frame is one small chunk of encoded audio. Frames are never persisted.
type Frame struct {
	Direction Direction
	Payload   []byte
}

func (f Frame) Empty() bool { return len(f.Payload) == 0 }

// Duration estimates the playback length of a mu-law payload.
func (f Frame) Duration() time.Duration {
	return time.Duration(len(f.Payload)) * time.Second / SampleRate
}

// Chunk splits payload into frames of at most size bytes, preserving order.
func Chunk(dir Direction, payload []byte, size int) []Frame {
	if len(payload) == 0 {
		return nil
	}
	if size <= 0 {
		size = FrameBytes
	}
	out := make([]Frame, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		out = append(out, Frame{Direction: dir, Payload: chunk})
	}
	return out
}

// Silence returns d worth of mu-law silence.
func Silence(d time.Duration) []byte {
	n := int(d * SampleRate / time.Second)
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = MulawSilence
	}
	return buf
}
