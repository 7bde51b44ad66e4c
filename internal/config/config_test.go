package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  log_format: json

capture:
  device:
    name: wav
    options:
      path: mic.wav
      realtime: true
  fallbacks:
    - name: silence
      options:
        duration: 10s
  frame_buffer: 16
  output_path: frames.pcm
  sink_breaker:
    max_failures: 3
    reset_timeout: 2s

playback:
  device:
    name: wav
    options:
      path: out.wav
  events_path: session.jsonl
  realtime: false

telemetry:
  service_name: voicelink-test
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func wantErrContaining(t *testing.T, yaml, substr string) {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not mention %q", err, substr)
	}
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("log_format: got %q", cfg.Server.LogFormat)
	}
	if cfg.Capture.Device.Name != "wav" || cfg.Capture.Device.String("path", "") != "mic.wav" {
		t.Errorf("capture.device: got %+v", cfg.Capture.Device)
	}
	if !cfg.Capture.Device.Bool("realtime", false) {
		t.Error("capture.device.options.realtime: want true")
	}
	if len(cfg.Capture.Fallbacks) != 1 || cfg.Capture.Fallbacks[0].Name != "silence" {
		t.Errorf("capture.fallbacks: got %+v", cfg.Capture.Fallbacks)
	}
	if cfg.Capture.SinkBreaker != (config.BreakerConfig{MaxFailures: 3, ResetTimeout: 2 * time.Second}) {
		t.Errorf("capture.sink_breaker: got %+v", cfg.Capture.SinkBreaker)
	}
	if cfg.Capture.FrameBuffer != 16 {
		t.Errorf("frame_buffer: got %d", cfg.Capture.FrameBuffer)
	}
	if cfg.Playback.EventsPath != "session.jsonl" {
		t.Errorf("events_path: got %q", cfg.Playback.EventsPath)
	}
	if cfg.Telemetry.ServiceName != "voicelink-test" {
		t.Errorf("service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	def := config.Default()
	if cfg.Server != def.Server {
		t.Errorf("server: got %+v, want %+v", cfg.Server, def.Server)
	}
	if cfg.Capture.FrameBuffer != 64 {
		t.Errorf("frame_buffer default: got %d, want 64", cfg.Capture.FrameBuffer)
	}
	if cfg.Telemetry.ServiceName != "voicelink" {
		t.Errorf("service_name default: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	wantErrContaining(t, "server:\n  listen_adr: \":1\"\n", "listen_adr")
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voicelink.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of missing file: expected error")
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{
			name:   "invalid log level",
			yaml:   "server:\n  log_level: verbose\n",
			substr: "server.log_level",
		},
		{
			name:   "invalid log format",
			yaml:   "server:\n  log_format: xml\n",
			substr: "server.log_format",
		},
		{
			name:   "non-positive frame buffer",
			yaml:   "capture:\n  frame_buffer: 0\n",
			substr: "capture.frame_buffer",
		},
		{
			name:   "playback device without events",
			yaml:   "playback:\n  device:\n    name: wav\n",
			substr: "playback.events_path is required",
		},
		{
			name:   "events without playback device",
			yaml:   "playback:\n  events_path: x.jsonl\n",
			substr: "playback.device.name is empty",
		},
		{
			name:   "unnamed fallback",
			yaml:   "capture:\n  device:\n    name: wav\n  fallbacks:\n    - options: {}\n",
			substr: "capture.fallbacks[0].name",
		},
		{
			name:   "fallbacks without device",
			yaml:   "capture:\n  fallbacks:\n    - name: tone\n",
			substr: "capture.device.name is empty",
		},
		{
			name:   "negative breaker failures",
			yaml:   "capture:\n  sink_breaker:\n    max_failures: -1\n",
			substr: "capture.sink_breaker.max_failures",
		},
		{
			name:   "empty service name",
			yaml:   "telemetry:\n  service_name: \"\"\n",
			substr: "telemetry.service_name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			wantErrContaining(t, tt.yaml, tt.substr)
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	cfg.Capture.FrameBuffer = -1

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "capture.frame_buffer"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

// ── device options ───────────────────────────────────────────────────────────

func TestDeviceEntry_Options(t *testing.T) {
	t.Parallel()
	d := config.DeviceEntry{Options: map[string]any{
		"path":     "a.wav",
		"rate":     48000,
		"gain":     0.5,
		"realtime": true,
		"length":   "1.5s",
		"seconds":  2,
		"bogus":    []any{1},
	}}

	if got := d.String("path", ""); got != "a.wav" {
		t.Errorf("String: got %q", got)
	}
	if got := d.String("missing", "def"); got != "def" {
		t.Errorf("String default: got %q", got)
	}
	if got := d.Float("rate", 0); got != 48000 {
		t.Errorf("Float int: got %v", got)
	}
	if got := d.Float("gain", 0); got != 0.5 {
		t.Errorf("Float float: got %v", got)
	}
	if got := d.Float("path", 7); got != 7 {
		t.Errorf("Float wrong type: got %v, want default", got)
	}
	if !d.Bool("realtime", false) {
		t.Error("Bool: want true")
	}

	if got, err := d.Duration("length", 0); err != nil || got != 1500*time.Millisecond {
		t.Errorf("Duration string: got %v, %v", got, err)
	}
	if got, err := d.Duration("seconds", 0); err != nil || got != 2*time.Second {
		t.Errorf("Duration number: got %v, %v", got, err)
	}
	if got, err := d.Duration("missing", time.Minute); err != nil || got != time.Minute {
		t.Errorf("Duration default: got %v, %v", got, err)
	}
	if _, err := d.Duration("bogus", 0); err == nil {
		t.Error("Duration of list: expected error")
	}
	if _, err := d.Duration("path", 0); err == nil {
		t.Error("Duration of non-duration string: expected error")
	}
}

// ── registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	if _, err := reg.CreateInput(config.DeviceEntry{Name: "nope"}); !errors.Is(err, config.ErrDeviceNotRegistered) {
		t.Errorf("CreateInput: err = %v, want ErrDeviceNotRegistered", err)
	}
	if _, err := reg.CreateOutput(config.DeviceEntry{Name: "nope"}); !errors.Is(err, config.ErrDeviceNotRegistered) {
		t.Errorf("CreateOutput: err = %v, want ErrDeviceNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	in := &mock.InputDevice{Rate: 48000}
	var gotEntry config.DeviceEntry
	reg.RegisterInput("fake", func(e config.DeviceEntry) (audio.InputDevice, error) {
		gotEntry = e
		return in, nil
	})
	reg.RegisterInput("alpha", func(config.DeviceEntry) (audio.InputDevice, error) { return in, nil })
	reg.RegisterOutput("clocked", func(config.DeviceEntry) (audio.ClockedOutput, error) { return &mock.ClockedOutput{}, nil })

	entry := config.DeviceEntry{Name: "fake", Options: map[string]any{"k": "v"}}
	dev, err := reg.CreateInput(entry)
	if err != nil {
		t.Fatalf("CreateInput: %v", err)
	}
	if _, err := dev.Open(context.Background(), audio.DefaultConstraints); err != nil {
		t.Errorf("Open: %v", err)
	}
	if gotEntry.String("k", "") != "v" {
		t.Errorf("factory received %+v", gotEntry)
	}
	if _, err := reg.CreateOutput(config.DeviceEntry{Name: "clocked"}); err != nil {
		t.Errorf("CreateOutput: %v", err)
	}

	if got := reg.Inputs(); !slices.Equal(got, []string{"alpha", "fake"}) {
		t.Errorf("Inputs = %v", got)
	}
	if got := reg.Outputs(); !slices.Equal(got, []string{"clocked"}) {
		t.Errorf("Outputs = %v", got)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterInput("bad", func(config.DeviceEntry) (audio.InputDevice, error) { return nil, boom })

	if _, err := reg.CreateInput(config.DeviceEntry{Name: "bad"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
