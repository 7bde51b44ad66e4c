package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all members failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds equivalent components in preference order, each behind its
// own [Breaker].
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns an empty Group. cfg is the template for every member's
// breaker; its Name is replaced by the member name.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends a member. Members are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// Try calls fn on each member in order until one succeeds and returns that
// member's result and name. When all fail the error wraps [ErrAllFailed] and
// every member's error.
func Try[T, R any](g *Group[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		var res R
		err := m.breaker.Do(func() error {
			var err error
			res, err = fn(m.value)
			return err
		})
		if err == nil {
			return res, m.name, nil
		}
		if errors.Is(err, ErrOpen) {
			g.cfg.logger().Debug("skipping member, circuit open", "member", m.name)
		} else {
			g.cfg.logger().Warn("member failed, trying next", "member", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

func (c BreakerConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ─── Input failover ──────────────────────────────────────────────────────────

// Compile-time interface assertion.
var _ audio.InputDevice = (*InputFallback)(nil)

// InputFallback is an [audio.InputDevice] that opens the first available of
// several devices. A device that keeps failing is skipped until its breaker
// lets a probe through again.
type InputFallback struct {
	group *Group[audio.InputDevice]

	mu     sync.Mutex
	active audio.InputDevice
}

// NewInputFallback returns an InputFallback preferring primary.
func NewInputFallback(primaryName string, primary audio.InputDevice, cfg BreakerConfig) *InputFallback {
	g := NewGroup[audio.InputDevice](cfg)
	g.Add(primaryName, primary)
	return &InputFallback{group: g}
}

// AddFallback appends a device to try after those already added.
func (f *InputFallback) AddFallback(name string, dev audio.InputDevice) {
	f.group.Add(name, dev)
}

// Open implements [audio.InputDevice]. The returned error wraps
// [ErrAllFailed] and each device's error when none could be opened.
func (f *InputFallback) Open(ctx context.Context, c audio.Constraints) (audio.InputStream, error) {
	var opened audio.InputDevice
	stream, name, err := Try(f.group, func(d audio.InputDevice) (audio.InputStream, error) {
		s, err := d.Open(ctx, c)
		if err == nil {
			opened = d
		}
		return s, err
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.active = opened
	f.mu.Unlock()
	f.group.cfg.logger().Info("input device selected", "device", name)
	return stream, nil
}

// Done forwards the completion channel of the device that was opened last,
// when it has one. It returns nil otherwise, which blocks forever.
func (f *InputFallback) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.active.(interface{ Done() <-chan struct{} }); ok {
		return d.Done()
	}
	return nil
}
