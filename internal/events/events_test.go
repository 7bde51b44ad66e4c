package events_test

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/events"
)

const sampleLog = `{"type":"stt_chunk","transcript":"what's the","ts":1000}
{"type":"stt_output","transcript":"what's the weather","ts":1400}
{"type":"agent_chunk","text":"Let me ","ts":1500}
{"type":"tool_call","id":"call_1","name":"get_weather","args":{"city":"Oslo"},"ts":1600}
{"type":"tool_result","toolCallId":"call_1","name":"get_weather","result":"rain","ts":1700}
{"type":"agent_chunk","text":"check. Rain.","ts":1800}
{"type":"agent_end","ts":1850}
{"type":"tts_chunk","audio":"AAAA","ts":1900}
{"type":"tts_chunk","audio":"AAAA","ts":2100}
`

func TestDecoder_AllTypes(t *testing.T) {
	t.Parallel()

	evs, err := events.ReadAll(strings.NewReader(sampleLog))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(evs) != 9 {
		t.Fatalf("got %d events, want 9", len(evs))
	}

	call := evs[3]
	if call.Type != events.TypeToolCall || call.ID != "call_1" || call.Name != "get_weather" {
		t.Errorf("tool_call = %+v", call)
	}
	if got := call.Args["city"]; got != "Oslo" {
		t.Errorf("tool_call args city = %v, want Oslo", got)
	}
	if res := evs[4]; res.ToolCallID != "call_1" || res.Result != "rain" {
		t.Errorf("tool_result = %+v", res)
	}
	if tts := evs[7]; tts.Audio != "AAAA" || tts.TS != 1900 {
		t.Errorf("tts_chunk = %+v", tts)
	}
	if got, want := evs[0].Time(), time.UnixMilli(1000); !got.Equal(want) {
		t.Errorf("Time = %v, want %v", got, want)
	}
}

func TestDecoder_UnknownTypeIsSkippable(t *testing.T) {
	t.Parallel()

	in := `{"type":"user_input","ts":1}
{"type":"agent_end","ts":2}`
	d := events.NewDecoder(strings.NewReader(in))

	_, err := d.Next()
	if !errors.Is(err, events.ErrUnknownType) {
		t.Fatalf("first Next: err = %v, want ErrUnknownType", err)
	}
	e, err := d.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if e.Type != events.TypeAgentEnd {
		t.Errorf("Type = %q, want agent_end", e.Type)
	}
	if _, err := d.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("third Next: err = %v, want io.EOF", err)
	}

	evs, err := events.ReadAll(strings.NewReader(in))
	if err != nil || len(evs) != 1 {
		t.Errorf("ReadAll = %d events, err %v; want 1, nil", len(evs), err)
	}
}

func TestDecoder_Malformed(t *testing.T) {
	t.Parallel()

	_, err := events.ReadAll(strings.NewReader(`{"type":"stt_chunk","ts":1}
{"type":`))
	if err == nil {
		t.Fatal("expected error for truncated event")
	}
	if errors.Is(err, events.ErrUnknownType) {
		t.Errorf("truncated JSON reported as unknown type: %v", err)
	}
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   events.Event
		wantErr bool
	}{
		{name: "stt chunk", event: events.Event{Type: events.TypeSTTChunk}},
		{name: "tts without audio", event: events.Event{Type: events.TypeTTSChunk}, wantErr: true},
		{name: "tool call without name", event: events.Event{Type: events.TypeToolCall}, wantErr: true},
		{name: "missing type", event: events.Event{}, wantErr: true},
		{name: "tool result", event: events.Event{Type: events.TypeToolResult, Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
