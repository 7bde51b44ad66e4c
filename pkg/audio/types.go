package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// TargetSampleRate is the rate, in Hz, of every captured [Frame].
	TargetSampleRate = 16000

	// FrameSamples is the fixed number of samples carried by a [Frame]
	// (100 ms at [TargetSampleRate]).
	FrameSamples = 1600

	// FrameBytes is the size of a [Frame] on the wire.
	FrameBytes = FrameSamples * 2

	// PlaybackSampleRate is the rate, in Hz, of the PCM16 chunks accepted by
	// the playback scheduler.
	PlaybackSampleRate = 24000
)

// Frame is one unit of captured microphone audio: exactly [FrameSamples]
// signed 16-bit mono samples at [TargetSampleRate]. It is an array type so a
// short frame cannot be represented.
type Frame [FrameSamples]int16

// Bytes encodes the frame in its wire format: [FrameBytes] bytes of
// little-endian int16 PCM.
func (f *Frame) Bytes() []byte {
	out := make([]byte, FrameBytes)
	for i, s := range f {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Duration returns the playback length of a frame (always 100 ms).
func (f *Frame) Duration() time.Duration {
	return FrameSamples * time.Second / TargetSampleRate
}

// FrameFromBytes parses a wire-format frame. It fails unless b is exactly
// [FrameBytes] long.
func FrameFromBytes(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameBytes {
		return f, fmt.Errorf("audio: frame must be %d bytes, got %d", FrameBytes, len(b))
	}
	for i := range f {
		f[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return f, nil
}

// Buffer is decoded linear PCM ready to be placed on an output device
// timeline. Samples are mono and normalised to [-1, 1].
type Buffer struct {
	// Samples holds the normalised mono samples.
	Samples []float32

	// SampleRate in Hz. Always [PlaybackSampleRate] for buffers produced by
	// [DecodePCM16Base64].
	SampleRate int
}

// Duration returns how long the buffer plays at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
