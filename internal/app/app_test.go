package app_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/app"
	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/audio/wavdev"
)

// testRegistry registers a one-second tone input and a mock clocked output.
// The output created last is stored in *out.
func testRegistry(out **mock.ClockedOutput) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterInput("tone", func(e config.DeviceEntry) (audio.InputDevice, error) {
		return wavdev.NewGenerator(e.Float("rate", 48000), 440, 0.3, time.Second), nil
	})
	reg.RegisterOutput("mock", func(config.DeviceEntry) (audio.ClockedOutput, error) {
		o := &mock.ClockedOutput{}
		*out = o
		return o, nil
	})
	return reg
}

// testConfig returns a config with both halves enabled and files in dir.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	events := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(events, []byte(sampleLog()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Capture.Device = config.DeviceEntry{Name: "tone"}
	cfg.Capture.OutputPath = filepath.Join(dir, "frames.pcm")
	cfg.Playback.Device = config.DeviceEntry{Name: "mock"}
	cfg.Playback.EventsPath = events
	return cfg
}

func TestNew_UnknownDevice(t *testing.T) {
	t.Parallel()

	var out *mock.ClockedOutput
	cfg := testConfig(t, t.TempDir())
	cfg.Capture.Device.Name = "nope"

	if _, err := app.New(cfg, testRegistry(&out)); !errors.Is(err, config.ErrDeviceNotRegistered) {
		t.Errorf("err = %v, want ErrDeviceNotRegistered", err)
	}
}

func TestNew_MissingEventsClosesOutput(t *testing.T) {
	t.Parallel()

	var out *mock.ClockedOutput
	cfg := testConfig(t, t.TempDir())
	cfg.Playback.EventsPath = filepath.Join(t.TempDir(), "missing.jsonl")

	if _, err := app.New(cfg, testRegistry(&out)); err == nil {
		t.Fatal("expected error for missing events file")
	}
	if out == nil || out.Closes() != 1 {
		t.Error("output created before the failure was not closed")
	}
}

func TestNew_NothingConfigured(t *testing.T) {
	t.Parallel()

	var out *mock.ClockedOutput
	if _, err := app.New(config.Default(), testRegistry(&out)); err == nil {
		t.Error("expected error when neither half is configured")
	}
}

func TestApp_RunToCompletion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out *mock.ClockedOutput
	m, _ := newTestMetrics(t)
	h := health.New()

	a, err := app.New(testConfig(t, dir), testRegistry(&out),
		app.WithMetrics(m),
		app.WithHealth(h),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := a.Session().FramesCaptured(); got != 10 {
		t.Errorf("FramesCaptured = %d, want 10", got)
	}
	info, err := os.Stat(filepath.Join(dir, "frames.pcm"))
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(10 * audio.FrameBytes); info.Size() != want {
		t.Errorf("frames file is %d bytes, want %d", info.Size(), want)
	}
	if len(out.Scheduled()) != 3 {
		t.Errorf("scheduled %d sources, want 3", len(out.Scheduled()))
	}

	// Not ready once the session is over.
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after run = %d, want 503", rec.Code)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	var out *mock.ClockedOutput
	m, _ := newTestMetrics(t)
	h := health.New()
	in := &mock.InputDevice{Rate: 16000}
	reg := testRegistry(&out)
	reg.RegisterInput("mic", func(config.DeviceEntry) (audio.InputDevice, error) { return in, nil })

	cfg := config.Default()
	cfg.Capture.Device = config.DeviceEntry{Name: "mic"}
	a, err := app.New(cfg, reg, app.WithMetrics(m), app.WithHealth(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Session().CaptureRunning() {
		if time.Now().After(deadline) {
			t.Fatal("capture never started")
		}
		time.Sleep(time.Millisecond)
	}

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz while running = %d, want 200", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	if !in.Stream().Closed() {
		t.Error("input stream not closed")
	}
	// Shutdown is idempotent.
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestApp_WAVRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rendered := filepath.Join(dir, "speaker.wav")

	reg := config.NewRegistry()
	reg.RegisterOutput("wav", func(e config.DeviceEntry) (audio.ClockedOutput, error) {
		return wavdev.NewRenderer(e.String("path", ""))
	})

	events := filepath.Join(dir, "session.jsonl")
	log := fmt.Sprintf("{\"type\":\"stt_output\",\"ts\":0,\"transcript\":\"x\"}\n"+
		"{\"type\":\"tts_chunk\",\"ts\":500,\"audio\":%q}\n", chunk(4800))
	if err := os.WriteFile(events, []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Playback.Device = config.DeviceEntry{Name: "wav", Options: map[string]any{"path": rendered}}
	cfg.Playback.EventsPath = events

	m, _ := newTestMetrics(t)
	a, err := app.New(cfg, reg, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	info, err := os.Stat(rendered)
	if err != nil {
		t.Fatal(err)
	}
	// 500ms of leading silence plus 200ms of speech at 24 kHz, 16-bit, plus
	// the 44-byte header.
	if want := int64(44 + 2*(12000+4800)); info.Size() != want {
		t.Errorf("rendered WAV is %d bytes, want %d", info.Size(), want)
	}
}

func TestApp_InputFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out *mock.ClockedOutput
	denied := &mock.InputDevice{OpenErr: mock.ErrPermissionDenied}
	reg := testRegistry(&out)
	reg.RegisterInput("denied", func(config.DeviceEntry) (audio.InputDevice, error) { return denied, nil })

	cfg := testConfig(t, dir)
	cfg.Capture.Device = config.DeviceEntry{Name: "denied"}
	cfg.Capture.Fallbacks = []config.DeviceEntry{{Name: "tone", Options: map[string]any{"rate": 16000}}}

	m, _ := newTestMetrics(t)
	a, err := app.New(cfg, reg, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if denied.CallCountOpen != 1 {
		t.Errorf("primary opened %d times, want 1", denied.CallCountOpen)
	}
	if got := a.Session().FramesCaptured(); got != 10 {
		t.Errorf("FramesCaptured = %d, want 10", got)
	}
}

func TestNew_UnknownFallback(t *testing.T) {
	t.Parallel()

	var out *mock.ClockedOutput
	cfg := testConfig(t, t.TempDir())
	cfg.Capture.Fallbacks = []config.DeviceEntry{{Name: "nope"}}

	_, err := app.New(cfg, testRegistry(&out))
	if !errors.Is(err, config.ErrDeviceNotRegistered) {
		t.Errorf("err = %v, want ErrDeviceNotRegistered", err)
	}
	// Inputs are built first, so the output never was.
	if out != nil {
		t.Error("output should not have been created")
	}
}
