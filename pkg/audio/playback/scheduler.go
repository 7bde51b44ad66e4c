// Package playback renders an irregularly paced stream of base64 PCM16
// chunks as continuous audio on an [audio.OutputDevice].
//
// Each decoded chunk is placed on the device timeline at a "next play time"
// cursor that advances by the chunk's duration, so chunks that arrive in time
// play back to back with no gap and no overlap. When the cursor has fallen
// behind the device clock (an underrun) it snaps forward to the clock rather
// than scheduling into the past.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// State is the coarse state of a [Scheduler].
type State int

const (
	// StateIdle means no drain is running. It is both the initial state and
	// the state after [Scheduler.Stop].
	StateIdle State = iota

	// StateDraining means pending chunks are being decoded and scheduled.
	StateDraining
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Hooks receive scheduling telemetry. They are called without the scheduler
// lock held, so they may call back into the scheduler. Nil hooks are skipped.
//
// For a given source OnScheduled always returns before OnSourceEnded is
// called, even when the device reports the end on another goroutine first.
type Hooks struct {
	// OnScheduled is called after a chunk has been placed on the timeline.
	OnScheduled func(start, duration time.Duration)

	// OnUnderrun is called when the cursor had fallen behind the device clock
	// by lag and was snapped forward. A cursor at zero, fresh or rewound by
	// [Scheduler.ResetScheduling], snaps without calling it.
	OnUnderrun func(lag time.Duration)

	// OnDecodeError is called for every dropped chunk. err wraps
	// [audio.ErrDecode] or the device's scheduling error.
	OnDecodeError func(err error)

	// OnSourceEnded is called when a source finishes playing naturally.
	OnSourceEnded func()
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHooks installs telemetry hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) {
		s.hooks = h
	}
}

// scheduled is one in-flight source. The registry is keyed by pointer, so two
// acoustically identical sources are still distinct entries.
type scheduled struct {
	src   audio.Source
	start time.Duration
	end   time.Duration

	// announced is set once OnScheduled has returned; ended records an
	// onEnded that arrived before that. Both are guarded by Scheduler.mu.
	announced bool
	ended     bool
}

// Scheduler is the playback half of the audio core.
//
// All exported methods are safe for concurrent use. A single mutex guards the
// pending queue, the active-source registry and the cursor; it is never held
// while decoding, while calling into [audio.Source.Stop], or while running
// hooks.
type Scheduler struct {
	out    audio.OutputDevice
	logger *slog.Logger
	hooks  Hooks

	mu       sync.Mutex
	pending  []string
	active   map[*scheduled]struct{}
	next     time.Duration // next scheduled start time on the device clock
	draining bool
	gen      uint64 // bumped by Stop; a drain discards work from an older generation
}

// New creates a Scheduler that plays on out.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		logger: slog.Default(),
		active: make(map[*scheduled]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Push enqueues one base64 PCM16 chunk at [audio.PlaybackSampleRate] and
// drains the queue. Decoding and scheduling happen synchronously on the
// caller's goroutine; if a drain is already running, Push only enqueues and
// returns. A malformed chunk is dropped without affecting later ones.
func (s *Scheduler) Push(chunk string) {
	s.mu.Lock()
	s.pending = append(s.pending, chunk)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	s.drain()
}

// drain schedules pending chunks until the queue is empty. Only one drain
// runs at a time; the draining flag is owned by whoever set it.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		chunk := s.pending[0]
		s.pending[0] = ""
		s.pending = s.pending[1:]
		gen := s.gen
		s.mu.Unlock()

		buf, err := audio.DecodePCM16Base64(chunk)
		if err != nil {
			s.logger.Warn("playback: dropping undecodable chunk", "err", err, "chunk_len", len(chunk))
			if s.hooks.OnDecodeError != nil {
				s.hooks.OnDecodeError(err)
			}
			continue
		}

		s.schedule(buf, gen)
	}
}

// schedule places buf at the cursor, snapping the cursor to the device clock
// first if it has fallen behind.
func (s *Scheduler) schedule(buf *audio.Buffer, gen uint64) {
	dur := buf.Duration()

	s.mu.Lock()
	if s.gen != gen {
		// Stop ran while this chunk was being decoded.
		s.mu.Unlock()
		return
	}

	now := s.out.CurrentTime()
	var lag time.Duration
	if s.next < now {
		// A rewound cursor joins the clock without counting as an underrun.
		if s.next > 0 {
			lag = now - s.next
		}
		s.next = now
	}

	entry := &scheduled{start: s.next, end: s.next + dur}
	src, err := s.out.Schedule(buf, entry.start, func() { s.sourceEnded(entry) })
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("playback: output device rejected chunk", "err", err, "at", entry.start)
		if s.hooks.OnDecodeError != nil {
			s.hooks.OnDecodeError(err)
		}
		return
	}
	entry.src = src
	s.active[entry] = struct{}{}
	s.next = entry.end
	s.mu.Unlock()

	if lag > 0 {
		s.logger.Debug("playback: underrun, realigned to device clock", "lag", lag)
		if s.hooks.OnUnderrun != nil {
			s.hooks.OnUnderrun(lag)
		}
	}
	if s.hooks.OnScheduled != nil {
		s.hooks.OnScheduled(entry.start, dur)
	}

	s.mu.Lock()
	entry.announced = true
	endedEarly := entry.ended
	s.mu.Unlock()
	if endedEarly && s.hooks.OnSourceEnded != nil {
		s.hooks.OnSourceEnded()
	}
}

// sourceEnded removes a naturally finished source from the registry.
func (s *Scheduler) sourceEnded(entry *scheduled) {
	s.mu.Lock()
	_, ok := s.active[entry]
	delete(s.active, entry)
	if ok && !entry.announced {
		// schedule reports the end after OnScheduled.
		entry.ended = true
		ok = false
	}
	s.mu.Unlock()

	if ok && s.hooks.OnSourceEnded != nil {
		s.hooks.OnSourceEnded()
	}
}

// Stop cancels all playback immediately: the pending queue is cleared, every
// active source is halted, the registry is emptied and the cursor returns to
// zero. A source that already finished is not an error. Stop is safe to call
// at any time, including before the first Push.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.pending = nil
	s.gen++
	victims := s.active
	s.active = make(map[*scheduled]struct{})
	s.next = 0
	s.mu.Unlock()

	for entry := range victims {
		if err := entry.src.Stop(); err != nil && !errors.Is(err, audio.ErrSourceFinished) {
			s.logger.Warn("playback: stop source", "err", err)
		}
	}
	if len(victims) > 0 {
		s.logger.Debug("playback stopped", "halted_sources", len(victims))
	}
}

// ResetScheduling rewinds the cursor to zero without touching queued or
// playing audio. The next chunk then starts as soon as possible on the
// device clock instead of continuing a stale schedule. Call it when a new
// conversational turn begins.
func (s *Scheduler) ResetScheduling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

// NextPlayTime returns the cursor: the device time at which the next chunk
// would start if it arrived in time.
func (s *Scheduler) NextPlayTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Active returns the number of sources scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns the number of chunks waiting to be decoded.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// State reports whether a drain is in progress.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return StateDraining
	}
	return StateIdle
}
