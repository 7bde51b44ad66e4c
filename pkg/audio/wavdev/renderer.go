package wavdev

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/voicelink/pkg/audio"
)

var (
	_ audio.OutputDevice = (*Renderer)(nil)
	_ audio.Source       = (*renderSource)(nil)
)

// errRendererClosed is returned by [Renderer.Schedule] after Close.
var errRendererClosed = errors.New("wavdev: renderer closed")

// flushChunk bounds the size of a single encoder write.
const flushChunk = audio.PlaybackSampleRate

// RendererOption configures a [Renderer].
type RendererOption func(*Renderer)

// WithRendererLogger sets the logger. The default is [slog.Default].
func WithRendererLogger(l *slog.Logger) RendererOption {
	return func(r *Renderer) {
		if l != nil {
			r.logger = l
		}
	}
}

// Renderer is an [audio.OutputDevice] with a virtual clock that mixes
// scheduled buffers into a mono 16-bit WAV file at
// [audio.PlaybackSampleRate].
//
// The clock only moves when [Renderer.Advance] or [Renderer.AdvanceTo] is
// called. Advancing writes every sample up to the new clock to the file and
// then fires onEnded, on the advancing goroutine, for each source whose end
// has been reached. Overlapping sources are summed.
type Renderer struct {
	rate   int
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	enc      *wav.Encoder
	clock    time.Duration
	written  int64     // samples already handed to the encoder
	timeline []float32 // pending samples starting at written
	sources  []*renderSource
	closed   bool
}

// NewRenderer creates the WAV file at path and returns a Renderer writing to
// it. The clock starts at zero.
func NewRenderer(path string, opts ...RendererOption) (*Renderer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavdev: create %q: %w", path, err)
	}
	r := &Renderer{
		rate:   audio.PlaybackSampleRate,
		logger: slog.Default(),
		file:   f,
		enc:    wav.NewEncoder(f, audio.PlaybackSampleRate, 16, 1, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// CurrentTime implements [audio.OutputDevice].
func (r *Renderer) CurrentTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock
}

// Schedule implements [audio.OutputDevice]. Samples that would fall before
// the already-written part of the file are skipped.
func (r *Renderer) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	if buf == nil {
		return nil, errors.New("wavdev: schedule: nil buffer")
	}
	if buf.SampleRate != r.rate {
		return nil, fmt.Errorf("wavdev: schedule: buffer rate %d Hz, renderer runs at %d Hz", buf.SampleRate, r.rate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errRendererClosed
	}

	start := r.sampleAt(at)
	samples := buf.Samples
	if start < r.written {
		skip := min(int(r.written-start), len(samples))
		samples = samples[skip:]
		start = r.written
	}

	off := int(start - r.written)
	if need := off + len(samples); need > len(r.timeline) {
		r.timeline = append(r.timeline, make([]float32, need-len(r.timeline))...)
	}
	for i, v := range samples {
		r.timeline[off+i] += v
	}

	src := &renderSource{
		r:       r,
		start:   start,
		end:     start + int64(len(samples)),
		samples: samples,
		onEnded: onEnded,
	}
	r.sources = append(r.sources, src)
	return src, nil
}

// Advance moves the clock forward by d.
func (r *Renderer) Advance(d time.Duration) error {
	r.mu.Lock()
	t := r.clock + d
	r.mu.Unlock()
	return r.AdvanceTo(t)
}

// AdvanceTo moves the clock to t, writing rendered audio up to t. Moving the
// clock backwards is a no-op.
func (r *Renderer) AdvanceTo(t time.Duration) error {
	r.mu.Lock()
	if r.closed || t <= r.clock {
		r.mu.Unlock()
		return nil
	}
	r.clock = t
	err := r.flushLocked(r.sampleAt(t))
	fire := r.collectEndedLocked()
	r.mu.Unlock()

	for _, cb := range fire {
		cb()
	}
	return err
}

// Rendered returns how much audio has been written to the file.
func (r *Renderer) Rendered() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.written) * time.Second / time.Duration(r.rate)
}

// Close plays out everything still scheduled, firing the remaining onEnded
// callbacks, and finalises the WAV file. Close is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	tail := r.written + int64(len(r.timeline))
	end := time.Duration(tail) * time.Second / time.Duration(r.rate)
	r.mu.Unlock()

	advErr := r.AdvanceTo(end)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return advErr
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	r.logger.Debug("wav renderer closed", "path", r.file.Name(), "rendered", time.Duration(r.written)*time.Second/time.Duration(r.rate))
	return errors.Join(advErr, encErr, fileErr)
}

// sampleAt converts a clock time into the nearest sample index. Buffer
// durations are truncated to whole nanoseconds, so a chunk's end time can
// fall just short of its last sample boundary.
func (r *Renderer) sampleAt(t time.Duration) int64 {
	if t <= 0 {
		return 0
	}
	return (int64(t)*int64(r.rate) + int64(time.Second)/2) / int64(time.Second)
}

// flushLocked writes samples up to target to the encoder. Caller holds r.mu.
func (r *Renderer) flushLocked(target int64) error {
	n := int(target - r.written)
	if n <= 0 {
		return nil
	}
	ints := make([]int, min(n, flushChunk))
	var werr error
	for done := 0; done < n; {
		k := min(n-done, len(ints))
		for i := range k {
			var v float32
			if done+i < len(r.timeline) {
				v = r.timeline[done+i]
			}
			ints[i] = int(audio.PlaybackToPCM16(v))
		}
		if err := r.enc.Write(pcmBuffer(ints[:k], r.rate)); err != nil && werr == nil {
			werr = fmt.Errorf("wavdev: write: %w", err)
		}
		done += k
	}

	if n >= len(r.timeline) {
		r.timeline = r.timeline[:0]
	} else {
		r.timeline = append(r.timeline[:0], r.timeline[n:]...)
	}
	r.written = target
	return werr
}

// collectEndedLocked removes sources that have finished playing and returns
// their callbacks. Caller holds r.mu.
func (r *Renderer) collectEndedLocked() []func() {
	var fire []func()
	kept := r.sources[:0]
	for _, s := range r.sources {
		if s.end > r.written {
			kept = append(kept, s)
			continue
		}
		s.done = true
		if s.onEnded != nil {
			fire = append(fire, s.onEnded)
		}
	}
	clear(r.sources[len(kept):])
	r.sources = kept
	return fire
}

// removeLocked drops s from the active list. Caller holds r.mu.
func (r *Renderer) removeLocked(s *renderSource) {
	for i, x := range r.sources {
		if x == s {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return
		}
	}
}

// renderSource is the [audio.Source] handle returned by [Renderer.Schedule].
type renderSource struct {
	r          *Renderer
	start, end int64
	samples    []float32
	onEnded    func()
	done       bool // ended or stopped; guarded by r.mu
}

// Stop silences the part of the source that has not been written yet. It
// returns [audio.ErrSourceFinished] if the source already ended or was
// stopped. onEnded is not called for a stopped source.
func (s *renderSource) Stop() error {
	r := s.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.done {
		return audio.ErrSourceFinished
	}
	s.done = true
	r.removeLocked(s)

	from := max(s.start, r.written)
	for i := from; i < s.end; i++ {
		r.timeline[i-r.written] -= s.samples[i-s.start]
	}
	return nil
}
