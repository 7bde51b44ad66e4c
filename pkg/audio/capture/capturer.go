// Package capture turns a live microphone stream at the device's native rate
// into fixed-size 16 kHz PCM16 frames.
//
// Decimation runs inside the device's real-time processing callback. Frames
// cross to the caller through a bounded single-producer/single-consumer
// channel: the callback never waits, and a dispatcher goroutine delivers
// frames to the caller's handler in production order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrAlreadyStarted is returned by [Capturer.Start] while a capture session
// is running.
var ErrAlreadyStarted = errors.New("capture: already started")

// DefaultFrameBuffer is the handoff channel capacity used when
// [WithFrameBuffer] is not supplied. 64 frames is 6.4 s of audio.
const DefaultFrameBuffer = 64

// Hooks receive capture telemetry. OnBlock and OnDrop run on the device's
// real-time goroutine and must return immediately. Nil hooks are skipped.
type Hooks struct {
	// OnBlock is called once per native block with its sample count.
	OnBlock func(samples int)

	// OnDrop is called when a completed frame is discarded because the
	// handoff channel is full.
	OnDrop func()
}

// Option configures a [Capturer].
type Option func(*Capturer)

// WithFrameBuffer sets the capacity of the handoff channel between the device
// callback and the frame handler. Values below 1 are ignored.
func WithFrameBuffer(n int) Option {
	return func(c *Capturer) {
		if n > 0 {
			c.frameBuffer = n
		}
	}
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Capturer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHooks installs telemetry hooks.
func WithHooks(h Hooks) Option {
	return func(c *Capturer) {
		c.hooks = h
	}
}

// Capturer owns one input device and at most one running capture session.
//
// All exported methods are safe for concurrent use.
type Capturer struct {
	device      audio.InputDevice
	logger      *slog.Logger
	frameBuffer int
	hooks       Hooks

	mu   sync.Mutex
	sess *session
}

// New creates a Capturer for device. Nothing is acquired until
// [Capturer.Start].
func New(device audio.InputDevice, opts ...Option) *Capturer {
	c := &Capturer{
		device:      device,
		logger:      slog.Default(),
		frameBuffer: DefaultFrameBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// session is the state of one Start/Stop cycle. The resampler is touched
// only by the device goroutine; frames is written only by the device
// goroutine and read only by the dispatcher.
type session struct {
	stream    audio.InputStream
	resampler *Resampler
	hooks     Hooks
	frames    chan audio.Frame
	quit      chan struct{}
	done      chan struct{}
	dropped   atomic.Int64
}

// Start acquires the input device with [audio.DefaultConstraints] and begins
// delivering frames to onFrame on a dedicated goroutine. onFrame may take as
// long as it likes; it does not stall the device callback. It must not call
// [Capturer.Stop].
//
// If the device cannot be acquired the returned error wraps
// [audio.ErrDeviceUnavailable] and the capturer stays stopped. A native rate
// that cannot be decimated yields [audio.ErrInvalidRate] and the device is
// released again.
func (c *Capturer) Start(ctx context.Context, onFrame func(audio.Frame)) error {
	if onFrame == nil {
		return errors.New("capture: onFrame must not be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return ErrAlreadyStarted
	}

	stream, err := c.device.Open(ctx, audio.DefaultConstraints)
	if err != nil {
		c.logger.Warn("capture: input device unavailable", "err", err)
		return fmt.Errorf("capture: open input: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	rs, err := NewResampler(stream.SampleRate())
	if err != nil {
		c.closeStream(stream)
		return fmt.Errorf("capture: configure: %w", err)
	}

	s := &session{
		stream:    stream,
		resampler: rs,
		hooks:     c.hooks,
		frames:    make(chan audio.Frame, c.frameBuffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.dispatch(onFrame)

	if err := stream.Start(s.process); err != nil {
		close(s.quit)
		<-s.done
		c.closeStream(stream)
		c.logger.Warn("capture: input device failed to start", "err", err)
		return fmt.Errorf("capture: start input: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	c.sess = s
	c.logger.Info("capture started",
		"native_rate", stream.SampleRate(),
		"ratio", rs.Ratio(),
		"frame_buffer", c.frameBuffer,
	)
	return nil
}

// Stop releases the input device and discards frames that were not yet
// delivered. It is idempotent and safe to call when Start never succeeded.
func (c *Capturer) Stop() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s == nil {
		return
	}

	c.closeStream(s.stream)
	close(s.quit)
	<-s.done

	c.logger.Info("capture stopped", "dropped_frames", s.dropped.Load())
}

// Running reports whether a capture session is active.
func (c *Capturer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Backlog returns the number of completed frames waiting for the dispatcher.
// It is zero when capture is not running.
func (c *Capturer) Backlog() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return len(c.sess.frames)
}

func (c *Capturer) closeStream(stream audio.InputStream) {
	if err := stream.Close(); err != nil {
		c.logger.Warn("capture: close input device", "err", err)
	}
}

// process is the real-time block callback. It never blocks.
func (s *session) process(block []float32) {
	if s.hooks.OnBlock != nil {
		s.hooks.OnBlock(len(block))
	}
	for _, f := range s.resampler.Process(block) {
		select {
		case s.frames <- f:
		default:
			s.dropped.Add(1)
			if s.hooks.OnDrop != nil {
				s.hooks.OnDrop()
			}
		}
	}
}

// dispatch delivers frames to onFrame until quit is closed.
func (s *session) dispatch(onFrame func(audio.Frame)) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			audio.DrainPending(s.frames)
			return
		case f := <-s.frames:
			onFrame(f)
		}
	}
}
