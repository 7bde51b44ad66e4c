// Package audio defines the frame and buffer types, device abstractions and
// PCM helpers shared by the capture engine and the playback scheduler.
//
// The two device abstractions are:
//
//   - [InputDevice]: a microphone that pushes native-rate float blocks into a
//     processing callback running on the device's own real-time goroutine.
//   - [OutputDevice]: a speaker with its own clock that plays decoded
//     [Buffer] values at absolute times on that clock.
//
// Implementations live in adapter packages (audio/wavdev for files, audio/mock
// for tests). This package lives under pkg/ because hosts are expected to
// bring their own hardware adapters.
package audio

import (
	"context"
	"time"
)

// Constraints are the processing hints requested from an input device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Channels is the number of channels delivered to the processing
	// callback. The capture engine only ever asks for mono.
	Channels int
}

// DefaultConstraints is the fixed device request used by the capture engine.
// It is not caller-tunable.
var DefaultConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
	Channels:         1,
}

// InputDevice acquires microphone streams.
type InputDevice interface {
	// Open acquires the device. The supplied ctx governs the acquisition
	// only. A permission or hardware failure is returned as an error and no
	// stream is left open.
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// InputStream is an acquired, not yet running, input device.
type InputStream interface {
	// SampleRate reports the native rate of the blocks passed to process.
	SampleRate() float64

	// Start begins delivering blocks of mono float samples in [-1, 1] to
	// process. process runs on the device's goroutine and must not block.
	// The block slice is only valid for the duration of the call.
	Start(process func(block []float32)) error

	// Close releases the device. Once Close returns, process is never called
	// again. Close is idempotent.
	Close() error
}

// OutputDevice plays decoded buffers on its own clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// CurrentTime reads the device clock. It advances independently of the
	// caller.
	CurrentTime() time.Duration

	// Schedule starts buf at the absolute device time at. onEnded is called
	// once when playback completes naturally. It is never called from
	// inside Schedule, and it is not called for sources halted with
	// [Source.Stop].
	Schedule(buf *Buffer, at time.Duration, onEnded func()) (Source, error)
}

// Source is a buffer scheduled on an [OutputDevice].
type Source interface {
	// Stop halts playback immediately. It returns [ErrSourceFinished] when
	// the source has already ended or was already stopped.
	Stop() error
}

// ClockedOutput is an [OutputDevice] whose clock is driven by the caller
// instead of by hardware, such as an offline renderer.
type ClockedOutput interface {
	OutputDevice

	// AdvanceTo moves the device clock to t. Moving backwards is a no-op.
	AdvanceTo(t time.Duration) error

	// Close plays out whatever is still scheduled and releases the device.
	// It must be idempotent.
	Close() error
}
