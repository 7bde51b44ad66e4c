package app

import (
	"errors"

	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrSinkOpen is returned for frames skipped while the sink's breaker is
// open.
var ErrSinkOpen = errors.New("app: frame sink paused after repeated failures")

// guardedSink stops calling a failing sink until its breaker lets a probe
// through.
type guardedSink struct {
	sink    FrameSink
	breaker *resilience.Breaker
}

func newGuardedSink(sink FrameSink, cfg resilience.BreakerConfig) *guardedSink {
	return &guardedSink{sink: sink, breaker: resilience.NewBreaker(cfg)}
}

func (g *guardedSink) WriteFrame(f audio.Frame) error {
	err := g.breaker.Do(func() error { return g.sink.WriteFrame(f) })
	if errors.Is(err, resilience.ErrOpen) {
		return ErrSinkOpen
	}
	return err
}
