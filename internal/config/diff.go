package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. The log level is
// the only setting applied live; every other change is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired holds the YAML paths of changed settings that only
	// take effect on the next start.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("capture.device", !sameDevice(old.Capture.Device, new.Capture.Device))
	restart("capture.fallbacks", !slices.EqualFunc(old.Capture.Fallbacks, new.Capture.Fallbacks, sameDevice))
	restart("capture.sink_breaker", old.Capture.SinkBreaker != new.Capture.SinkBreaker)
	restart("capture.frame_buffer", old.Capture.FrameBuffer != new.Capture.FrameBuffer)
	restart("capture.output_path", old.Capture.OutputPath != new.Capture.OutputPath)
	restart("playback.device", !sameDevice(old.Playback.Device, new.Playback.Device))
	restart("playback.events_path", old.Playback.EventsPath != new.Playback.EventsPath)
	restart("playback.realtime", old.Playback.Realtime != new.Playback.Realtime)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)

	return d
}

func sameDevice(a, b DeviceEntry) bool {
	if a.Name != b.Name || len(a.Options) != len(b.Options) {
		return false
	}
	return len(a.Options) == 0 || reflect.DeepEqual(a.Options, b.Options)
}
