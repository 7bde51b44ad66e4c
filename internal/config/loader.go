package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownDevices lists the built-in device names per direction. Used by
// [Validate] to warn about unrecognised names.
var KnownDevices = map[string][]string{
	"input":  {"wav", "tone", "silence"},
	"output": {"wav"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	// Capture
	if cfg.Capture.FrameBuffer <= 0 {
		errs = append(errs, fmt.Errorf("capture.frame_buffer must be positive, got %d", cfg.Capture.FrameBuffer))
	}
	validateDeviceName("input", cfg.Capture.Device.Name)
	for i, fb := range cfg.Capture.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("capture.fallbacks[%d].name is empty", i))
			continue
		}
		validateDeviceName("input", fb.Name)
	}
	if len(cfg.Capture.Fallbacks) > 0 && cfg.Capture.Device.Name == "" {
		errs = append(errs, errors.New("capture.fallbacks is set but capture.device.name is empty"))
	}
	if cfg.Capture.SinkBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("capture.sink_breaker.max_failures must not be negative, got %d", cfg.Capture.SinkBreaker.MaxFailures))
	}
	if cfg.Capture.SinkBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.sink_breaker.reset_timeout must not be negative, got %v", cfg.Capture.SinkBreaker.ResetTimeout))
	}
	if cfg.Capture.Device.Name != "" && cfg.Capture.OutputPath == "" {
		slog.Warn("capture.output_path is empty; captured frames will be counted and discarded")
	}

	// Playback
	validateDeviceName("output", cfg.Playback.Device.Name)
	if cfg.Playback.Device.Name != "" && cfg.Playback.EventsPath == "" {
		errs = append(errs, errors.New("playback.events_path is required when playback.device is configured"))
	}
	if cfg.Playback.Device.Name == "" && cfg.Playback.EventsPath != "" {
		errs = append(errs, errors.New("playback.events_path is set but playback.device.name is empty"))
	}

	if cfg.Capture.Device.Name == "" && cfg.Playback.Device.Name == "" {
		slog.Warn("neither capture nor playback is configured; there is nothing to run")
	}

	// Telemetry
	if cfg.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name must not be empty"))
	}

	return errors.Join(errs...)
}

// validateDeviceName logs a warning if name is non-empty and not found in
// the [KnownDevices] list for the given direction.
func validateDeviceName(direction, name string) {
	if name == "" {
		return
	}
	if slices.Contains(KnownDevices[direction], name) {
		return
	}
	slog.Warn("unknown device name; it must be registered before the session starts",
		"direction", direction,
		"name", name,
		"known", KnownDevices[direction],
	)
}
