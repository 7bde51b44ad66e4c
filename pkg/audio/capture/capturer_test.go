package capture_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
)

// frameCollector returns an onFrame callback that records frames and a
// function that waits until n frames have arrived.
func frameCollector(t *testing.T) (func(audio.Frame), func(n int) []audio.Frame) {
	t.Helper()
	var mu sync.Mutex
	var frames []audio.Frame
	onFrame := func(f audio.Frame) {
		mu.Lock()
		defer mu.Unlock()
		frames = append(frames, f)
	}
	wait := func(n int) []audio.Frame {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			if len(frames) >= n {
				out := make([]audio.Frame, len(frames))
				copy(out, frames)
				mu.Unlock()
				return out
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timed out waiting for %d frames, got %d", n, len(frames))
		return nil
	}
	return onFrame, wait
}

func TestCapturer_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 48000}
	c := capture.New(dev)
	defer c.Stop()

	onFrame, wait := frameCollector(t)
	if err := c.Start(context.Background(), onFrame); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Three frames' worth of native audio, each frame tagged with a distinct level.
	for k, level := range []float32{0.1, 0.2, 0.3} {
		block := make([]float32, 4800)
		for i := range block {
			block[i] = level
		}
		if !dev.Stream().Emit(block) {
			t.Fatalf("Emit %d: stream not running", k)
		}
	}

	frames := wait(3)
	for k, level := range []float32{0.1, 0.2, 0.3} {
		want := audio.FloatToPCM16(level)
		if frames[k][0] != want || frames[k][audio.FrameSamples-1] != want {
			t.Errorf("frame %d: got %d, want %d", k, frames[k][0], want)
		}
	}
}

func TestCapturer_RequestsFixedConstraints(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 16000}
	c := capture.New(dev)
	defer c.Stop()

	if err := c.Start(context.Background(), func(audio.Frame) {}); err != nil {
		t.Fatal(err)
	}
	if len(dev.Constraints) != 1 || dev.Constraints[0] != audio.DefaultConstraints {
		t.Fatalf("constraints = %+v, want %+v", dev.Constraints, audio.DefaultConstraints)
	}
	if !dev.Constraints[0].EchoCancellation || !dev.Constraints[0].NoiseSuppression || !dev.Constraints[0].AutoGainControl {
		t.Error("processing hints must all be enabled")
	}
}

func TestCapturer_DeviceUnavailable(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 48000, OpenErr: mock.ErrPermissionDenied}
	c := capture.New(dev)

	err := c.Start(context.Background(), func(audio.Frame) {
		t.Error("no frame expected after a failed start")
	})
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !errors.Is(err, mock.ErrPermissionDenied) {
		t.Errorf("err = %v, want cause preserved", err)
	}
	if c.Running() {
		t.Error("capturer must stay stopped")
	}

	// A later attempt with a working device succeeds.
	dev.OpenErr = nil
	if err := c.Start(context.Background(), func(audio.Frame) {}); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	c.Stop()
}

func TestCapturer_StartFailureReleasesDevice(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 48000, StartErr: errors.New("stream busy")}
	c := capture.New(dev)

	if err := c.Start(context.Background(), func(audio.Frame) {}); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if !dev.Stream().Closed() {
		t.Error("stream must be closed after a failed start")
	}
	if c.Running() {
		t.Error("capturer must stay stopped")
	}
}

func TestCapturer_InvalidNativeRate(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 8000}
	c := capture.New(dev)

	if err := c.Start(context.Background(), func(audio.Frame) {}); !errors.Is(err, audio.ErrInvalidRate) {
		t.Fatalf("err = %v, want ErrInvalidRate", err)
	}
	if !dev.Stream().Closed() {
		t.Error("stream must be released when the rate is rejected")
	}
}

func TestCapturer_AlreadyStarted(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 16000}
	c := capture.New(dev)
	defer c.Stop()

	if err := c.Start(context.Background(), func(audio.Frame) {}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background(), func(audio.Frame) {}); !errors.Is(err, capture.ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestCapturer_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 16000}
	c := capture.New(dev)

	// Never started.
	c.Stop()
	c.Stop()

	if err := c.Start(context.Background(), func(audio.Frame) {}); err != nil {
		t.Fatal(err)
	}
	stream := dev.Stream()
	c.Stop()
	c.Stop()

	if stream.CallCountClose != 1 {
		t.Errorf("Close called %d times, want 1", stream.CallCountClose)
	}
	if stream.Emit(make([]float32, 1600)) {
		t.Error("stream still running after Stop")
	}
	if c.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestCapturer_DropsWhenConsumerStalls(t *testing.T) {
	t.Parallel()

	var dropped atomic.Int64
	var blocks atomic.Int64
	dev := &mock.InputDevice{Rate: 16000}
	c := capture.New(dev,
		capture.WithFrameBuffer(1),
		capture.WithHooks(capture.Hooks{
			OnDrop:  func() { dropped.Add(1) },
			OnBlock: func(int) { blocks.Add(1) },
		}),
	)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	if err := c.Start(context.Background(), func(audio.Frame) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}); err != nil {
		t.Fatal(err)
	}

	stream := dev.Stream()
	stream.Emit(make([]float32, audio.FrameSamples)) // taken by the dispatcher, which then blocks
	<-entered
	stream.Emit(make([]float32, audio.FrameSamples)) // fills the buffer
	done := make(chan struct{})
	go func() {
		stream.Emit(make([]float32, audio.FrameSamples)) // must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("device callback blocked on a stalled consumer")
	}

	if dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", dropped.Load())
	}
	if blocks.Load() != 3 {
		t.Errorf("blocks = %d, want 3", blocks.Load())
	}
	close(release)
	c.Stop()
}

func TestCapturer_NilHandler(t *testing.T) {
	t.Parallel()

	c := capture.New(&mock.InputDevice{Rate: 16000})
	if err := c.Start(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestCapturer_Backlog(t *testing.T) {
	t.Parallel()

	dev := &mock.InputDevice{Rate: 16000}
	c := capture.New(dev)
	if c.Backlog() != 0 {
		t.Fatalf("Backlog before Start = %d, want 0", c.Backlog())
	}

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	if err := c.Start(context.Background(), func(audio.Frame) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}); err != nil {
		t.Fatal(err)
	}

	stream := dev.Stream()
	stream.Emit(make([]float32, audio.FrameSamples))
	<-entered
	stream.Emit(make([]float32, 2*audio.FrameSamples))
	if got := c.Backlog(); got != 2 {
		t.Errorf("Backlog with stalled consumer = %d, want 2", got)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for c.Backlog() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := c.Backlog(); got != 0 {
		t.Errorf("Backlog after release = %d, want 0", got)
	}
	c.Stop()
	if c.Backlog() != 0 {
		t.Error("Backlog after Stop should be 0")
	}
}
