// Package wavdev implements the [audio.InputDevice] and [audio.OutputDevice]
// abstractions on top of files, so the capture engine and the playback
// scheduler can run headless: WAV files (or a tone generator) stand in for
// the microphone, and a virtual-clock renderer writes scheduled playback to a
// WAV file.
package wavdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Input)(nil)
	_ audio.InputDevice = (*Generator)(nil)
	_ audio.InputStream = (*blockStream)(nil)
)

// DefaultBlockSize is the number of native samples per processing block,
// matching the render quantum of common real-time audio APIs.
const DefaultBlockSize = 128

// InputOption configures an [Input] or a [Generator].
type InputOption func(*inputConfig)

type inputConfig struct {
	blockSize int
	realtime  bool
	logger    *slog.Logger
}

// WithBlockSize sets the number of samples per processing block.
func WithBlockSize(n int) InputOption {
	return func(c *inputConfig) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithRealtime paces block delivery at the native rate instead of delivering
// blocks as fast as the callback returns.
func WithRealtime(on bool) InputOption {
	return func(c *inputConfig) { c.realtime = on }
}

// WithInputLogger sets the logger. The default is [slog.Default].
func WithInputLogger(l *slog.Logger) InputOption {
	return func(c *inputConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func newInputConfig(opts []InputOption) inputConfig {
	c := inputConfig{blockSize: DefaultBlockSize, logger: slog.Default()}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// ─── WAV file input ──────────────────────────────────────────────────────────

// Input is an [audio.InputDevice] that plays a WAV file into the processing
// callback once, at the file's own sample rate. Multi-channel files are
// downmixed to mono.
type Input struct {
	path string
	cfg  inputConfig

	mu   sync.Mutex
	done chan struct{}
}

// NewInput creates an Input for the WAV file at path. The file is read on
// [Input.Open].
func NewInput(path string, opts ...InputOption) *Input {
	return &Input{path: path, cfg: newInputConfig(opts), done: make(chan struct{})}
}

// Open implements [audio.InputDevice]. It decodes the whole file up front.
// Processing hints in c are accepted and ignored; a file has no echo to
// cancel.
func (in *Input) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	samples, rate, err := readMonoWAV(in.path)
	if err != nil {
		return nil, err
	}
	in.cfg.logger.Debug("wav input opened",
		"path", in.path,
		"sample_rate", rate,
		"samples", len(samples),
		"echo_cancellation", c.EchoCancellation,
	)

	done := make(chan struct{})
	in.mu.Lock()
	in.done = done
	in.mu.Unlock()

	off := 0
	read := func(dst []float32) int {
		n := copy(dst, samples[off:])
		off += n
		return n
	}
	return newBlockStream(float64(rate), in.cfg, read, done), nil
}

// Done returns a channel that is closed once the most recently opened stream
// has delivered the last block of the file.
func (in *Input) Done() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.done
}

// readMonoWAV decodes path into normalised mono float samples.
func readMonoWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wavdev: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("wavdev: %q is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wavdev: decode %q: %w", path, err)
	}

	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = buf.SourceBitDepth
	}
	if depth != 16 && depth != 24 && depth != 32 {
		return nil, 0, fmt.Errorf("wavdev: %q has unsupported bit depth %d", path, depth)
	}
	scale := float32(math.Exp2(float64(depth - 1)))

	interleaved := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		interleaved[i] = float32(v) / scale
	}
	return audio.DownmixInterleaved(interleaved, int(dec.NumChans)), int(dec.SampleRate), nil
}

// ─── Tone generator input ────────────────────────────────────────────────────

// Generator is an [audio.InputDevice] that synthesises a sine tone (or
// silence, at frequency 0) for a fixed duration.
type Generator struct {
	rate      float64
	frequency float64
	amplitude float32
	duration  time.Duration
	cfg       inputConfig

	mu   sync.Mutex
	done chan struct{}
}

// NewGenerator creates a Generator reporting native rate rate. A frequency of
// zero produces silence.
func NewGenerator(rate float64, frequency float64, amplitude float32, duration time.Duration, opts ...InputOption) *Generator {
	return &Generator{
		rate:      rate,
		frequency: frequency,
		amplitude: amplitude,
		duration:  duration,
		cfg:       newInputConfig(opts),
		done:      make(chan struct{}),
	}
}

// Open implements [audio.InputDevice].
func (g *Generator) Open(context.Context, audio.Constraints) (audio.InputStream, error) {
	if g.duration <= 0 {
		return nil, errors.New("wavdev: generator duration must be positive")
	}
	total := int(g.rate * g.duration.Seconds())
	done := make(chan struct{})
	g.mu.Lock()
	g.done = done
	g.mu.Unlock()

	pos := 0
	step := 2 * math.Pi * g.frequency / g.rate
	read := func(dst []float32) int {
		n := min(len(dst), total-pos)
		for i := range n {
			if g.frequency == 0 {
				dst[i] = 0
				continue
			}
			dst[i] = g.amplitude * float32(math.Sin(step*float64(pos+i)))
		}
		pos += n
		return n
	}
	return newBlockStream(g.rate, g.cfg, read, done), nil
}

// Done returns a channel closed once the most recently opened stream has
// delivered its last block.
func (g *Generator) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// ─── Block stream ────────────────────────────────────────────────────────────

// blockStream delivers samples from read to the processing callback in
// fixed-size blocks on its own goroutine.
type blockStream struct {
	rate     float64
	cfg      inputConfig
	read     func(dst []float32) int
	finished chan struct{}

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	exited  chan struct{}
	closed  bool
}

func newBlockStream(rate float64, cfg inputConfig, read func([]float32) int, finished chan struct{}) *blockStream {
	return &blockStream{
		rate:     rate,
		cfg:      cfg,
		read:     read,
		finished: finished,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// SampleRate implements [audio.InputStream].
func (s *blockStream) SampleRate() float64 { return s.rate }

// Start implements [audio.InputStream].
func (s *blockStream) Start(process func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wavdev: stream closed")
	}
	if s.started {
		return errors.New("wavdev: stream already started")
	}
	s.started = true
	go s.run(process)
	return nil
}

func (s *blockStream) run(process func([]float32)) {
	defer close(s.exited)

	block := make([]float32, s.cfg.blockSize)
	var tick <-chan time.Time
	if s.cfg.realtime {
		period := time.Duration(float64(time.Second) * float64(s.cfg.blockSize) / s.rate)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		n := s.read(block)
		if n == 0 {
			close(s.finished)
			return
		}
		if tick != nil {
			select {
			case <-s.quit:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.quit:
				return
			default:
			}
		}
		process(block[:n])
	}
}

// Close implements [audio.InputStream]. It waits for the delivery goroutine
// to exit, so the callback is never invoked after Close returns.
func (s *blockStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.quit)
	s.mu.Unlock()

	if started {
		<-s.exited
	}
	return nil
}

// pcmBuffer wraps mono int16-range samples for the WAV encoder.
func pcmBuffer(samples []int, rate int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
}
