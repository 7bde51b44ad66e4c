// Package config provides the configuration schema, loader, hot-reload
// watcher and device registry for voicelink.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler used for output.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns a Config populated with the values used for any field the
// YAML file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
			LogFormat:  LogFormatText,
		},
		Capture: CaptureConfig{
			FrameBuffer: 64,
			SinkBreaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "voicelink",
		},
	}
}

// ServerConfig holds the observability listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied live when the file changes.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`
}

// DeviceEntry selects a registered device implementation. The Name field is
// used to look up the constructor in the [Registry].
type DeviceEntry struct {
	// Name selects the registered device (e.g., "wav", "tone").
	Name string `yaml:"name"`

	// Options holds device-specific settings. Values may be strings,
	// numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// String returns the string option key, or def when absent or not a string.
func (d DeviceEntry) String(key, def string) string {
	if s, ok := d.Options[key].(string); ok {
		return s
	}
	return def
}

// Float returns the numeric option key, or def when absent or not a number.
func (d DeviceEntry) Float(key string, def float64) float64 {
	switch v := d.Options[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// Bool returns the boolean option key, or def when absent or not a boolean.
func (d DeviceEntry) Bool(key string, def bool) bool {
	if b, ok := d.Options[key].(bool); ok {
		return b
	}
	return def
}

// Duration returns the option key parsed with [time.ParseDuration]. Plain
// numbers are taken as seconds.
func (d DeviceEntry) Duration(key string, def time.Duration) (time.Duration, error) {
	switch v := d.Options[key].(type) {
	case nil:
		return def, nil
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("config: option %q: %w", key, err)
		}
		return dur, nil
	case int, int64, float64:
		return time.Duration(d.Float(key, 0) * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("config: option %q: unsupported value %v", key, v)
	}
}

// CaptureConfig configures the microphone half of a session.
type CaptureConfig struct {
	// Device selects the input device. Empty disables capture.
	Device DeviceEntry `yaml:"device"`

	// Fallbacks are tried in order when Device cannot be opened.
	Fallbacks []DeviceEntry `yaml:"fallbacks"`

	// FrameBuffer is the number of completed frames that may wait for the
	// consumer before new frames are dropped.
	FrameBuffer int `yaml:"frame_buffer"`

	// OutputPath receives the captured frames. A ".wav" suffix writes a
	// WAV file; anything else writes raw 3200-byte frames.
	OutputPath string `yaml:"output_path"`

	// SinkBreaker stops writing to OutputPath for a while after repeated
	// write failures.
	SinkBreaker BreakerConfig `yaml:"sink_breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open it.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long it stays open before probing again
	// (e.g., "30s").
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PlaybackConfig configures the speaker half of a session.
type PlaybackConfig struct {
	// Device selects the output device. Empty disables playback.
	Device DeviceEntry `yaml:"device"`

	// EventsPath is a JSON-lines server event log to replay.
	EventsPath string `yaml:"events_path"`

	// Realtime paces the replay by wall-clock time instead of running as
	// fast as possible.
	Realtime bool `yaml:"realtime"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}
