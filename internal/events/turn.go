package events

import (
	"slices"
	"time"
)

// Turn is one user/agent exchange reconstructed from the event stream.
// Timestamps are Unix milliseconds; zero means the stage was never observed.
type Turn struct {
	Start      int64
	STTStart   int64
	STTEnd     int64
	AgentStart int64
	AgentEnd   int64
	TTSStart   int64
	TTSEnd     int64

	Transcript string
	Response   string
	ToolCalls  []string
}

// Latencies returns the duration of each pipeline stage. ok is false unless
// all three stages have both a start and an end.
func (t Turn) Latencies() (stt, agent, tts time.Duration, ok bool) {
	span := func(from, to int64) (time.Duration, bool) {
		if from == 0 || to == 0 {
			return 0, false
		}
		return time.Duration(to-from) * time.Millisecond, true
	}
	stt, ok1 := span(t.STTStart, t.STTEnd)
	agent, ok2 := span(t.AgentStart, t.AgentEnd)
	tts, ok3 := span(t.TTSStart, t.TTSEnd)
	return stt, agent, tts, ok1 && ok2 && ok3
}

// Tracker folds events into turns. A turn starts on the first transcription
// event after the previous turn finished (or at the beginning of the
// stream) and finishes on agent_end. Speech chunks that trail agent_end
// still belong to the finished turn until the next one starts.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	cur     Turn
	active  bool
	started bool
	done    []Turn
}

// Observe folds e into the current turn. It reports true when e started a
// new turn.
func (tr *Tracker) Observe(e Event) bool {
	var began bool
	switch e.Type {
	case TypeSTTChunk, TypeSTTOutput:
		if !tr.active {
			tr.flush()
			tr.cur = Turn{Start: e.TS}
			tr.active = true
			tr.started = true
			began = true
		}
		if tr.cur.STTStart == 0 {
			tr.cur.STTStart = e.TS
		}
		tr.cur.Transcript = e.Transcript
		if e.Type == TypeSTTOutput {
			tr.cur.STTEnd = e.TS
		}
	case TypeAgentChunk:
		if tr.cur.AgentStart == 0 {
			tr.cur.AgentStart = e.TS
		}
		tr.cur.AgentEnd = e.TS
		tr.cur.Response += e.Text
	case TypeToolCall:
		tr.cur.ToolCalls = append(tr.cur.ToolCalls, e.Name)
	case TypeAgentEnd:
		tr.active = false
	case TypeTTSChunk:
		if tr.cur.TTSStart == 0 {
			tr.cur.TTSStart = e.TS
		}
		tr.cur.TTSEnd = e.TS
	}
	return began
}

// Active reports whether a turn is in progress.
func (tr *Tracker) Active() bool { return tr.active }

// Current returns the turn being assembled.
func (tr *Tracker) Current() Turn { return tr.cur }

// Finish closes the current turn, if any, and returns every completed turn.
func (tr *Tracker) Finish() []Turn {
	tr.flush()
	tr.active = false
	return slices.Clone(tr.done)
}

func (tr *Tracker) flush() {
	if !tr.started {
		return
	}
	tr.done = append(tr.done, tr.cur)
	tr.started = false
}

// Stats summarises the stage latencies of completed turns.
type Stats struct {
	Turns int
	STT   []time.Duration
	Agent []time.Duration
	TTS   []time.Duration
	Total []time.Duration
}

// Record adds t to the stats when all of its stage latencies are known.
func (s *Stats) Record(t Turn) bool {
	stt, agent, tts, ok := t.Latencies()
	if !ok {
		return false
	}
	s.Turns++
	s.STT = append(s.STT, stt)
	s.Agent = append(s.Agent, agent)
	s.TTS = append(s.TTS, tts)
	s.Total = append(s.Total, stt+agent+tts)
	return true
}

// Summary returns the mean, minimum and maximum total latency. ok is false
// when no turn has been recorded.
func (s *Stats) Summary() (avg, lo, hi time.Duration, ok bool) {
	if len(s.Total) == 0 {
		return 0, 0, 0, false
	}
	var sum time.Duration
	for _, d := range s.Total {
		sum += d
	}
	return sum / time.Duration(len(s.Total)), slices.Min(s.Total), slices.Max(s.Total), true
}
