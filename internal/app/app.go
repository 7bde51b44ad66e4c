// Package app wires the voicelink subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the devices named in
// the config and connects them to a [Session], Run executes the session, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithLogger, WithHealth) and register mock devices in the
// [config.Registry] passed to New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/wavdev"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler

	session *Session
	running atomic.Bool

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithHealth registers the app's readiness check on h.
func WithHealth(h *health.Handler) Option {
	return func(a *App) { a.health = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Devices are built through reg. The event log
// and the frame output file are opened here, so a bad path fails fast.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	sc, err := a.build(reg)
	if err != nil {
		a.closeAll(context.Background())
		return nil, fmt.Errorf("app: %w", err)
	}
	a.session, err = NewSession(sc)
	if err != nil {
		a.closeAll(context.Background())
		return nil, err
	}

	if a.health != nil {
		a.health.Add(health.Running("session", a.running.Load))
	}
	return a, nil
}

// build creates the devices and streams for the session and registers their
// closers.
func (a *App) build(reg *config.Registry) (SessionConfig, error) {
	sc := SessionConfig{
		FrameBuffer: a.cfg.Capture.FrameBuffer,
		Realtime:    a.cfg.Playback.Realtime,
		Metrics:     a.metrics,
		Logger:      a.logger,
	}

	if dev := a.cfg.Capture.Device; dev.Name != "" {
		in, err := a.buildInput(reg)
		if err != nil {
			return sc, err
		}
		sc.Input = in
		a.logger.Info("input device ready", "device", dev.Name, "fallbacks", len(a.cfg.Capture.Fallbacks))
	}

	if path := a.cfg.Capture.OutputPath; path != "" {
		w, err := wavdev.NewFrameWriter(path)
		if err != nil {
			return sc, err
		}
		sc.Sink = newGuardedSink(w, resilience.BreakerConfig{
			Name:         "frame-sink",
			MaxFailures:  a.cfg.Capture.SinkBreaker.MaxFailures,
			ResetTimeout: a.cfg.Capture.SinkBreaker.ResetTimeout,
			Logger:       a.logger,
		})
		a.closers = append(a.closers, w.Close)
	}

	if dev := a.cfg.Playback.Device; dev.Name != "" {
		out, err := reg.CreateOutput(dev)
		if err != nil {
			return sc, fmt.Errorf("create output %q: %w", dev.Name, err)
		}
		sc.Output = out
		a.closers = append(a.closers, out.Close)
		a.logger.Info("output device ready", "device", dev.Name)

		f, err := os.Open(a.cfg.Playback.EventsPath)
		if err != nil {
			return sc, fmt.Errorf("open events: %w", err)
		}
		sc.Events = f
		a.closers = append(a.closers, f.Close)
	}
	return sc, nil
}

// buildInput creates the configured input device. With fallbacks configured
// the devices are chained so the first one that opens is used.
func (a *App) buildInput(reg *config.Registry) (audio.InputDevice, error) {
	primary := a.cfg.Capture.Device
	in, err := reg.CreateInput(primary)
	if err != nil {
		return nil, fmt.Errorf("create input %q: %w", primary.Name, err)
	}
	if len(a.cfg.Capture.Fallbacks) == 0 {
		return in, nil
	}

	chain := resilience.NewInputFallback(primary.Name, in, resilience.BreakerConfig{
		MaxFailures: 1,
		Logger:      a.logger,
	})
	for i, fb := range a.cfg.Capture.Fallbacks {
		dev, err := reg.CreateInput(fb)
		if err != nil {
			return nil, fmt.Errorf("create fallback input %d %q: %w", i, fb.Name, err)
		}
		chain.AddFallback(fmt.Sprintf("%s#%d", fb.Name, i+1), dev)
	}
	return chain, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the session and blocks until it finishes or ctx is
// cancelled. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)
	return a.session.Run(ctx)
}

// Session returns the session driven by Run.
func (a *App) Session() *Session { return a.session }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and closes every device and file in
// reverse-init order. It respects the context deadline: if ctx expires,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		stopped := make(chan struct{})
		go func() {
			a.session.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded while stopping session")
			shutdownErr = ctx.Err()
			return
		}

		shutdownErr = a.closeAll(ctx)
		if shutdownErr == nil {
			a.logger.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil && !errors.Is(err, os.ErrClosed) {
			a.logger.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}

// Compile-time check that the frame writer can serve as a sink.
var _ FrameSink = (*wavdev.FrameWriter)(nil)

// Compile-time check that the renderer can serve as a clocked output.
var _ audio.ClockedOutput = (*wavdev.Renderer)(nil)
