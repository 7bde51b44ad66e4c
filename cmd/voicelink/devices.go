package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/wavdev"
)

// Defaults for the generated inputs.
const (
	defaultToneRate      = 48000
	defaultToneFrequency = 440
	defaultToneAmplitude = 0.5
	defaultToneDuration  = 5 * time.Second
)

// registerBuiltinDevices wires the file-backed device factories into reg.
// The names match [config.KnownDevices].
func registerBuiltinDevices(reg *config.Registry) {
	// ── Input ─────────────────────────────────────────────────────────────────

	reg.RegisterInput("wav", func(e config.DeviceEntry) (audio.InputDevice, error) {
		path := e.String("path", "")
		if path == "" {
			return nil, fmt.Errorf("wav input: options.path is required")
		}
		return wavdev.NewInput(path, inputOptions(e)...), nil
	})

	reg.RegisterInput("tone", func(e config.DeviceEntry) (audio.InputDevice, error) {
		return newGenerator(e, e.Float("frequency", defaultToneFrequency))
	})

	reg.RegisterInput("silence", func(e config.DeviceEntry) (audio.InputDevice, error) {
		return newGenerator(e, 0)
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("wav", func(e config.DeviceEntry) (audio.ClockedOutput, error) {
		path := e.String("path", "")
		if path == "" {
			return nil, fmt.Errorf("wav output: options.path is required")
		}
		return wavdev.NewRenderer(path, wavdev.WithRendererLogger(slog.Default()))
	})

	for dir, names := range config.KnownDevices {
		for _, name := range names {
			slog.Debug("registered device", "direction", dir, "name", name)
		}
	}
}

func newGenerator(e config.DeviceEntry, frequency float64) (audio.InputDevice, error) {
	d, err := e.Duration("duration", defaultToneDuration)
	if err != nil {
		return nil, err
	}
	rate := e.Float("rate", defaultToneRate)
	amp := float32(e.Float("amplitude", defaultToneAmplitude))
	return wavdev.NewGenerator(rate, frequency, amp, d, inputOptions(e)...), nil
}

// inputOptions maps the shared input options: realtime and block_size.
func inputOptions(e config.DeviceEntry) []wavdev.InputOption {
	return []wavdev.InputOption{
		wavdev.WithRealtime(e.Bool("realtime", false)),
		wavdev.WithBlockSize(int(e.Float("block_size", wavdev.DefaultBlockSize))),
		wavdev.WithInputLogger(slog.Default()),
	}
}
