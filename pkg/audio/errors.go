package audio

import "errors"

var (
	// ErrInvalidRate is returned when a native sample rate cannot be
	// decimated to [TargetSampleRate]: it is not finite, not positive, or
	// below the target (up-sampling is not supported).
	ErrInvalidRate = errors.New("audio: invalid sample rate")

	// ErrDeviceUnavailable is returned when an input device cannot be
	// acquired, e.g. because microphone permission was denied.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDecode is returned for an encoded playback chunk that is not valid
	// base64 PCM16.
	ErrDecode = errors.New("audio: decode chunk")

	// ErrSourceFinished is returned by [Source.Stop] when the source already
	// finished or was already stopped. Callers treat it as benign.
	ErrSourceFinished = errors.New("audio: source already finished")
)
