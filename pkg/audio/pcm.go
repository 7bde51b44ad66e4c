package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// FloatToPCM16 clamps s to [-1, 1] and scales it to int16 using the standard
// asymmetric PCM16 convention: negative values scale by 0x8000, positive
// values by 0x7FFF. The result is truncated toward zero. No dither is
// applied.
func FloatToPCM16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// PlaybackToPCM16 is the inverse of [PCM16ToFloat] used on the output side:
// it scales by 32768, rounds to the nearest integer and clamps to the int16
// range, so decoded samples come back unchanged.
func PlaybackToPCM16(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// PCM16ToFloat normalises a PCM16 sample to [-1, 1) by dividing by 32768.
func PCM16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// DecodePCM16 converts little-endian int16 mono PCM into a [Buffer] at
// sampleRate. It fails with [ErrDecode] for an empty or odd-length payload.
func DecodePCM16(pcm []byte, sampleRate int) (*Buffer, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: empty PCM payload", ErrDecode)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: odd PCM16 byte count %d", ErrDecode, len(pcm))
	}
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// DecodePCM16Base64 decodes one playback chunk: base64 text carrying
// little-endian int16 mono PCM at [PlaybackSampleRate]. Standard padded
// base64 is expected; unpadded input is accepted as well.
func DecodePCM16Base64(chunk string) (*Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil && !strings.HasSuffix(chunk, "=") {
		raw, err = base64.RawStdEncoding.DecodeString(chunk)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return DecodePCM16(raw, PlaybackSampleRate)
}

// EncodePCM16 converts int16 samples to little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// EncodePCM16Base64 is the inverse of [DecodePCM16Base64].
func EncodePCM16Base64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DownmixInterleaved averages interleaved multi-channel float samples into
// mono. With channels <= 1 the input is returned unchanged.
func DownmixInterleaved(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
