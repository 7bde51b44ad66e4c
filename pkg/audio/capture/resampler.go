package capture

import (
	"fmt"
	"math"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Resampler decimates a native-rate float stream to [audio.TargetSampleRate]
// and packs the result into fixed-size frames.
//
// Decimation is plain nearest-neighbour: one input sample is kept every
// ratio samples, with no low-pass filtering beforehand. Content above 8 kHz
// in the native stream aliases into the output. Downstream speech models
// are tuned against this exact quantisation, so it is kept as is.
//
// A Resampler is not safe for concurrent use; it belongs to the device
// callback that feeds it.
type Resampler struct {
	ratio float64
	index float64 // fractional phase, 0 <= index < ratio between calls
	acc   []int16 // quantised samples not yet packed into a frame
}

// NewResampler configures decimation from nativeRate down to
// [audio.TargetSampleRate]. It fails with [audio.ErrInvalidRate] unless
// nativeRate is finite and at least the target rate.
func NewResampler(nativeRate float64) (*Resampler, error) {
	if math.IsNaN(nativeRate) || math.IsInf(nativeRate, 0) || nativeRate <= 0 {
		return nil, fmt.Errorf("%w: %v Hz is not a finite positive rate", audio.ErrInvalidRate, nativeRate)
	}
	if nativeRate < audio.TargetSampleRate {
		return nil, fmt.Errorf("%w: %v Hz is below %d Hz and up-sampling is unsupported",
			audio.ErrInvalidRate, nativeRate, audio.TargetSampleRate)
	}
	return &Resampler{
		ratio: nativeRate / audio.TargetSampleRate,
		acc:   make([]int16, 0, 2*audio.FrameSamples),
	}, nil
}

// Ratio returns nativeRate / TargetSampleRate.
func (r *Resampler) Ratio() float64 { return r.ratio }

// Pending returns the number of kept samples waiting for a full frame.
func (r *Resampler) Pending() int { return len(r.acc) }

// Process consumes one native block and returns every frame completed by it,
// in order. Leftover samples stay buffered for the next call.
//
// The phase is carried by subtracting the ratio rather than resetting it, so
// fractional error does not accumulate into rate drift across blocks.
func (r *Resampler) Process(block []float32) []audio.Frame {
	for _, s := range block {
		r.index++
		if r.index >= r.ratio {
			r.index -= r.ratio
			r.acc = append(r.acc, audio.FloatToPCM16(s))
		}
	}

	if len(r.acc) < audio.FrameSamples {
		return nil
	}

	frames := make([]audio.Frame, 0, len(r.acc)/audio.FrameSamples)
	off := 0
	for len(r.acc)-off >= audio.FrameSamples {
		var f audio.Frame
		copy(f[:], r.acc[off:off+audio.FrameSamples])
		frames = append(frames, f)
		off += audio.FrameSamples
	}
	n := copy(r.acc, r.acc[off:])
	r.acc = r.acc[:n]
	return frames
}
