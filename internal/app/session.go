package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/events"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
)

// ErrSessionStarted is returned by [Session.Run] when the session has already
// been run.
var ErrSessionStarted = errors.New("app: session already started")

// drainPoll is how often the capture half checks whether the dispatcher has
// caught up after the input ran dry.
const drainPoll = 5 * time.Millisecond

// FrameSink receives captured frames in production order.
type FrameSink interface {
	WriteFrame(audio.Frame) error
}

// SessionConfig holds the devices and streams for one [Session]. Either half
// may be left out: a nil Input disables capture, a nil Output disables
// playback.
type SessionConfig struct {
	// Input is the microphone. If it also has a Done() <-chan struct{}
	// method, capture ends by itself once that channel closes.
	Input audio.InputDevice

	// FrameBuffer is the capture handoff capacity. Zero uses
	// [capture.DefaultFrameBuffer].
	FrameBuffer int

	// Sink receives every captured frame. May be nil.
	Sink FrameSink

	// Output is the speaker. The session drives its clock from event
	// timestamps and closes it when the event stream ends.
	Output audio.ClockedOutput

	// Events is the server event stream. Required when Output is set.
	Events io.Reader

	// Realtime paces playback by wall-clock time.
	Realtime bool

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session runs one capture half and one playback half side by side.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     SessionConfig
	logger  *slog.Logger
	metrics *observe.Metrics

	capturer *capture.Capturer
	sched    *playback.Scheduler

	frames   atomic.Int64
	sinkErrs atomic.Int64
	playing  atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	stats   events.Stats
	turns   []events.Turn
}

// NewSession validates cfg and returns a Session ready to [Session.Run].
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Input == nil && cfg.Output == nil {
		return nil, errors.New("app: session needs an input or an output device")
	}
	if cfg.Output != nil && cfg.Events == nil {
		return nil, errors.New("app: playback needs an event stream")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	s.logger = cfg.Logger.With("session_id", s.id)

	if cfg.Input != nil {
		s.capturer = capture.New(cfg.Input,
			capture.WithFrameBuffer(cfg.FrameBuffer),
			capture.WithLogger(s.logger),
			capture.WithHooks(s.captureHooks()),
		)
	}
	if cfg.Output != nil {
		s.sched = playback.New(cfg.Output,
			playback.WithLogger(s.logger),
			playback.WithHooks(s.playbackHooks()),
		)
	}
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts both halves and blocks until they have finished. Capture ends
// when the input runs dry; playback ends when the event stream does. Run
// returns nil when ctx is cancelled or [Session.Stop] is called, and the
// first failure of either half otherwise. A failing half stops the other.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrSessionStarted
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "session.run",
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
	defer span.End()
	log := observe.WithTrace(ctx, s.logger)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log.Info("session started", "capture", s.capturer != nil, "playback", s.sched != nil)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	if s.capturer != nil {
		g.Go(func() error { return s.runCapture(gctx, log) })
	}
	if s.sched != nil {
		g.Go(func() error { return s.runPlayback(gctx, log) })
	}
	err := g.Wait()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("session failed", "err", err)
		return err
	}

	log.Info("session finished",
		"elapsed", time.Since(start),
		"frames", s.frames.Load(),
		"turns", len(s.Turns()),
	)
	return nil
}

// Stop cancels a running session and waits for [Session.Run] to return. It
// is safe to call before Run and more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// ─── Capture half ────────────────────────────────────────────────────────────

func (s *Session) captureHooks() capture.Hooks {
	ctx := context.Background()
	return capture.Hooks{
		OnBlock: func(n int) {
			s.metrics.CaptureBlocks.Add(ctx, 1)
			s.metrics.CaptureSamples.Add(ctx, int64(n))
		},
		OnDrop: func() {
			s.metrics.FramesDropped.Add(ctx, 1)
		},
	}
}

func (s *Session) runCapture(ctx context.Context, log *slog.Logger) error {
	onFrame := func(f audio.Frame) {
		s.frames.Add(1)
		s.metrics.FramesEmitted.Add(ctx, 1)
		if s.cfg.Sink == nil {
			return
		}
		if err := s.cfg.Sink.WriteFrame(f); err != nil {
			s.metrics.SinkErrors.Add(ctx, 1)
			if s.sinkErrs.Add(1) == 1 {
				log.Warn("frame sink failed, later failures are counted only", "err", err)
			}
		}
	}
	if err := s.capturer.Start(ctx, onFrame); err != nil {
		return fmt.Errorf("app: session %s: %w", s.id, err)
	}
	defer s.capturer.Stop()

	var exhausted <-chan struct{}
	if f, ok := s.cfg.Input.(interface{ Done() <-chan struct{} }); ok {
		exhausted = f.Done()
	}
	select {
	case <-ctx.Done():
		return nil
	case <-exhausted:
	}

	// The input ran dry. Let the dispatcher hand over what is queued before
	// Stop discards it.
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for s.capturer.Backlog() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
	log.Debug("capture input exhausted", "frames", s.frames.Load())
	return nil
}

// ─── Playback half ───────────────────────────────────────────────────────────

func (s *Session) playbackHooks() playback.Hooks {
	ctx := context.Background()
	return playback.Hooks{
		OnScheduled: func(_, dur time.Duration) {
			s.metrics.RecordScheduled(ctx, dur)
		},
		OnUnderrun: func(lag time.Duration) {
			s.metrics.RecordUnderrun(ctx, lag)
		},
		OnDecodeError: func(error) {
			s.metrics.DecodeErrors.Add(ctx, 1)
		},
		OnSourceEnded: func() {
			s.metrics.ActiveSources.Add(ctx, -1)
		},
	}
}

// runPlayback replays the event stream. The output clock follows the event
// timestamps, relative to the first event, so a recorded session renders
// with its original pacing.
func (s *Session) runPlayback(ctx context.Context, log *slog.Logger) error {
	s.playing.Store(true)
	defer s.playing.Store(false)

	var (
		dec     = events.NewDecoder(s.cfg.Events)
		tracker events.Tracker
		first   int64
		seen    bool
		last    time.Duration
		wall    = time.Now()
	)
	for {
		if ctx.Err() != nil {
			return s.abortPlayback(log)
		}

		e, err := dec.Next()
		switch {
		case errors.Is(err, io.EOF):
			return s.finishPlayback(ctx, log, &tracker, wall)
		case errors.Is(err, events.ErrUnknownType):
			log.Debug("skipping event", "err", err)
			continue
		case err != nil && e.Type != "":
			log.Warn("skipping malformed event", "err", err)
			continue
		case err != nil:
			s.abortPlayback(log)
			return fmt.Errorf("app: session %s: %w", s.id, err)
		}

		if !seen {
			first, seen = e.TS, true
		}
		// Out-of-order timestamps never rewind the clock.
		at := max(time.Duration(e.TS-first)*time.Millisecond, last)
		last = at

		if s.cfg.Realtime {
			if err := sleepUntil(ctx, wall.Add(at)); err != nil {
				return s.abortPlayback(log)
			}
		}
		if err := s.cfg.Output.AdvanceTo(at); err != nil {
			s.abortPlayback(log)
			return fmt.Errorf("app: session %s: advance output: %w", s.id, err)
		}

		if tracker.Observe(e) {
			s.sched.ResetScheduling()
			log.Debug("turn started", "at", at)
		}
		s.handleEvent(ctx, log, e)
	}
}

func (s *Session) handleEvent(ctx context.Context, log *slog.Logger, e events.Event) {
	switch e.Type {
	case events.TypeTTSChunk:
		s.metrics.ChunksPushed.Add(ctx, 1)
		s.sched.Push(e.Audio)
	case events.TypeSTTOutput:
		log.Info("transcript", "text", e.Transcript)
	case events.TypeToolCall:
		log.Debug("tool call", "id", e.ID, "name", e.Name)
	case events.TypeToolResult:
		log.Debug("tool result", "id", e.ToolCallID, "name", e.Name)
	case events.TypeAgentEnd:
		log.Debug("agent finished", "next_play_time", s.sched.NextPlayTime())
	}
}

// finishPlayback lets scheduled audio play out, closes the output and
// records turn latencies.
func (s *Session) finishPlayback(ctx context.Context, log *slog.Logger, tracker *events.Tracker, wall time.Time) error {
	if s.cfg.Realtime {
		if err := sleepUntil(ctx, wall.Add(s.sched.NextPlayTime())); err != nil {
			return s.abortPlayback(log)
		}
	}
	closeErr := s.cfg.Output.Close()

	turns := tracker.Finish()
	s.mu.Lock()
	s.turns = turns
	for _, t := range turns {
		if !s.stats.Record(t) {
			continue
		}
		stt, agent, tts, _ := t.Latencies()
		s.metrics.RecordTurnStage(ctx, observe.StageSTT, stt)
		s.metrics.RecordTurnStage(ctx, observe.StageAgent, agent)
		s.metrics.RecordTurnStage(ctx, observe.StageTTS, tts)
		s.metrics.RecordTurnStage(ctx, observe.StageTotal, stt+agent+tts)
	}
	stats := s.stats
	s.mu.Unlock()

	if avg, lo, hi, ok := stats.Summary(); ok {
		log.Info("turn latency", "turns", stats.Turns, "avg", avg, "min", lo, "max", hi)
	}
	if closeErr != nil {
		return fmt.Errorf("app: session %s: close output: %w", s.id, closeErr)
	}
	return nil
}

// abortPlayback halts everything that is scheduled and releases the output.
// Halted sources never report ending, so the gauge is settled here.
func (s *Session) abortPlayback(log *slog.Logger) error {
	n := s.sched.Active()
	s.sched.Stop()
	s.metrics.ActiveSources.Add(context.Background(), -int64(n))
	if err := s.cfg.Output.Close(); err != nil {
		log.Warn("close output", "err", err)
	}
	log.Debug("playback aborted", "halted_sources", n)
	return nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// CaptureRunning reports whether the capture half holds the input device.
func (s *Session) CaptureRunning() bool {
	return s.capturer != nil && s.capturer.Running()
}

// PlaybackRunning reports whether the playback half is replaying events.
func (s *Session) PlaybackRunning() bool { return s.playing.Load() }

// FramesCaptured returns the number of frames delivered so far.
func (s *Session) FramesCaptured() int64 { return s.frames.Load() }

// Stats returns latency statistics for the completed turns. It is empty
// until playback has finished.
func (s *Session) Stats() events.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Turns returns every turn seen by playback once it has finished.
func (s *Session) Turns() []events.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
