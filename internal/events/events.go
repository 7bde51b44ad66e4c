// Package events decodes the server event stream that drives a voice
// session: transcription progress, agent output, tool activity and
// synthesised speech chunks.
//
// Events arrive as JSON objects, one per line in a recorded log. Every event
// carries a "type" discriminator and a "ts" timestamp in Unix milliseconds.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Type discriminates server events.
type Type string

// Known event types.
const (
	TypeSTTChunk   Type = "stt_chunk"
	TypeSTTOutput  Type = "stt_output"
	TypeAgentChunk Type = "agent_chunk"
	TypeAgentEnd   Type = "agent_end"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeTTSChunk   Type = "tts_chunk"
)

// ErrUnknownType is returned for an event whose type is not one of the known
// [Type] values.
var ErrUnknownType = errors.New("events: unknown event type")

// Event is one server event. Only the fields relevant to its Type are set.
type Event struct {
	Type Type  `json:"type"`
	TS   int64 `json:"ts"`

	// Transcript is set on stt_chunk (partial) and stt_output (final).
	Transcript string `json:"transcript,omitempty"`

	// Text is a streamed fragment of the agent's reply (agent_chunk).
	Text string `json:"text,omitempty"`

	// ID, Name and Args describe a tool_call.
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// ToolCallID and Result describe a tool_result. Name is shared with
	// tool_call.
	ToolCallID string `json:"toolCallId,omitempty"`
	Result     string `json:"result,omitempty"`

	// Audio is base64 PCM16 mono at 24 kHz (tts_chunk).
	Audio string `json:"audio,omitempty"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.TS) }

// Validate reports whether e is a well-formed event.
func (e Event) Validate() error {
	switch e.Type {
	case TypeSTTChunk, TypeSTTOutput, TypeAgentChunk, TypeAgentEnd, TypeToolResult:
		return nil
	case TypeToolCall:
		if e.Name == "" {
			return errors.New("events: tool_call without name")
		}
		return nil
	case TypeTTSChunk:
		if e.Audio == "" {
			return errors.New("events: tts_chunk without audio")
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrUnknownType)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// Decoder reads a stream of events.
type Decoder struct {
	dec *json.Decoder
	n   int
}

// NewDecoder returns a Decoder reading from r. Whitespace (including
// newlines) between objects is ignored.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next returns the next event. It returns [io.EOF] when the stream is
// exhausted. An event that fails [Event.Validate] is returned together with
// the validation error so callers may skip it and continue.
func (d *Decoder) Next() (Event, error) {
	var e Event
	if err := d.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("events: decode event %d: %w", d.n+1, err)
	}
	d.n++
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("events: event %d: %w", d.n, err)
	}
	return e, nil
}

// ReadAll decodes every event from r. Events with an unknown type are
// skipped; any other error aborts.
func ReadAll(r io.Reader) ([]Event, error) {
	d := NewDecoder(r)
	var out []Event
	for {
		e, err := d.Next()
		switch {
		case errors.Is(err, io.EOF):
			return out, nil
		case errors.Is(err, ErrUnknownType):
			continue
		case err != nil:
			return out, err
		}
		out = append(out, e)
	}
}
