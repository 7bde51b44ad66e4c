// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{Rate: 48000}
//	c := capture.New(in)
//	_ = c.Start(ctx, onFrame)
//	in.Stream().Emit(block) // runs the processing callback synchronously
//
//	out := &mock.OutputDevice{}
//	s := playback.New(out)
//	s.Push(chunk)
//	out.Advance(time.Second) // fires onEnded for finished sources
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice   = (*InputDevice)(nil)
	_ audio.InputStream   = (*InputStream)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
	_ audio.ClockedOutput = (*ClockedOutput)(nil)
	_ audio.Source        = (*Source)(nil)
)

// ─── Input ────────────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Rate is the native sample rate reported by opened streams.
	Rate float64

	// OpenErr is returned by Open when non-nil (e.g. a permission error).
	OpenErr error

	// StartErr is returned by [InputStream.Start] when non-nil.
	StartErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Constraints holds the constraints passed to each Open call.
	Constraints []audio.Constraints

	stream *InputStream
}

// Open implements [audio.InputDevice].
func (d *InputDevice) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.Constraints = append(d.Constraints, c)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.stream = &InputStream{rate: d.Rate, startErr: d.StartErr}
	return d.stream, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// InputStream is the stream returned by [InputDevice.Open].
type InputStream struct {
	mu       sync.Mutex
	rate     float64
	startErr error
	process  func([]float32)
	closed   bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() float64 { return s.rate }

// Start implements [audio.InputStream].
func (s *InputStream) Start(process func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.process = process
	return nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.process = nil
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit runs the processing callback with block on the calling goroutine, the
// way a device thread would. It reports false when the stream is not started
// or already closed.
func (s *InputStream) Emit(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil {
		return false
	}
	s.process(block)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// ScheduleCall records one [OutputDevice.Schedule] invocation.
type ScheduleCall struct {
	// At is the requested start time.
	At time.Duration

	// Duration is the buffer's playback length.
	Duration time.Duration

	// Buffer is the scheduled buffer.
	Buffer *audio.Buffer

	// Source is the handle returned to the caller.
	Source *Source
}

// OutputDevice is a mock [audio.OutputDevice] with a manually driven clock.
type OutputDevice struct {
	mu    sync.Mutex
	clock time.Duration

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// Calls records every successful Schedule call in order.
	Calls []ScheduleCall
}

// CurrentTime implements [audio.OutputDevice].
func (d *OutputDevice) CurrentTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	src := &Source{end: at + buf.Duration(), onEnded: onEnded}
	d.Calls = append(d.Calls, ScheduleCall{
		At:       at,
		Duration: buf.Duration(),
		Buffer:   buf,
		Source:   src,
	})
	return src, nil
}

// SetTime moves the clock to t without firing any end notifications.
func (d *OutputDevice) SetTime(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = t
}

// Advance moves the clock forward by delta and fires onEnded, on the calling
// goroutine, for every source whose end time has been reached.
func (d *OutputDevice) Advance(delta time.Duration) {
	d.mu.Lock()
	d.clock += delta
	now := d.clock
	var fire []func()
	for _, c := range d.Calls {
		if cb := c.Source.finishAt(now); cb != nil {
			fire = append(fire, cb)
		}
	}
	d.mu.Unlock()

	for _, cb := range fire {
		cb()
	}
}

// Scheduled returns a copy of the recorded Schedule calls.
func (d *OutputDevice) Scheduled() []ScheduleCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ScheduleCall, len(d.Calls))
	copy(out, d.Calls)
	return out
}

// ClockedOutput is a mock [audio.ClockedOutput]. AdvanceTo drives the
// embedded OutputDevice's clock; Close advances past every scheduled source.
type ClockedOutput struct {
	OutputDevice

	// AdvanceErr is returned by AdvanceTo when non-nil.
	AdvanceErr error

	closeMu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// AdvanceTo implements [audio.ClockedOutput].
func (d *ClockedOutput) AdvanceTo(t time.Duration) error {
	if d.AdvanceErr != nil {
		return d.AdvanceErr
	}
	if now := d.CurrentTime(); t > now {
		d.Advance(t - now)
	}
	return nil
}

// Close implements [audio.ClockedOutput].
func (d *ClockedOutput) Close() error {
	d.closeMu.Lock()
	d.CallCountClose++
	d.closeMu.Unlock()

	var end time.Duration
	for _, c := range d.Scheduled() {
		end = max(end, c.At+c.Duration)
	}
	return d.AdvanceTo(end)
}

// Closes returns how many times Close was called.
func (d *ClockedOutput) Closes() int {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	return d.CallCountClose
}

// Source is the handle returned by [OutputDevice.Schedule].
type Source struct {
	mu      sync.Mutex
	end     time.Duration
	onEnded func()
	ended   bool
	stopped bool

	// StopErr, when non-nil, is returned by Stop instead of the normal
	// result.
	StopErr error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	if s.StopErr != nil {
		return s.StopErr
	}
	if s.ended || s.stopped {
		return audio.ErrSourceFinished
	}
	s.stopped = true
	return nil
}

// Stopped reports whether Stop halted the source.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// finishAt marks the source ended if now has reached its end and returns the
// callback to fire, or nil.
func (s *Source) finishAt(now time.Duration) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.stopped || now < s.end {
		return nil
	}
	s.ended = true
	return s.onEnded
}

// ErrPermissionDenied is a convenience error for simulating a refused
// microphone prompt.
var ErrPermissionDenied = errors.New("mock: permission denied")
