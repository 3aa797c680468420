package reasoning

import "strings"

// Markers delimiting reasoning text in the annotated transcript.
const (
	OpenMarker  = "<think>"
	CloseMarker = "</think>"
)

// Phase is the tagger's position in the reasoning-to-answer transition.
// It only moves forward within a stream; once answering has begun it never
// reverts, even if a later delta unexpectedly carries reasoning text again.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseReasoning
	PhaseAnswering
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseReasoning:
		return "reasoning"
	case PhaseAnswering:
		return "answering"
	default:
		return "unknown"
	}
}

// Delta is one incremental unit of a streamed model response. An empty field
// means the delta carries no content of that kind; presence is decided by
// emptiness, nothing else.
type Delta struct {
	Reasoning string
	Answer    string
}

// Event is one piece of annotated output text to relay downstream.
type Event struct {
	Text string
}

// Tagger splices reasoning markers into a token stream. The opening marker
// is prepended exactly once, to the first non-empty reasoning text; the
// closing marker exactly once, to the first non-empty answer text that
// follows any reasoning. A stream with no reasoning gets no markers at all.
//
// One Tagger serves exactly one stream and is not safe for concurrent use.
type Tagger struct {
	phase     Phase
	reasoning strings.Builder
	answer    strings.Builder
}

func NewTagger() *Tagger {
	return &Tagger{}
}

// Process consumes one delta and returns zero, one, or two events. When a
// delta carries both kinds of text, reasoning is handled before the answer.
// Deltas with neither field set produce nothing and change nothing.
func (t *Tagger) Process(d Delta) []Event {
	var events []Event

	if d.Reasoning != "" {
		text := d.Reasoning
		if t.phase == PhaseNotStarted {
			t.phase = PhaseReasoning
			text = OpenMarker + text
		}
		t.reasoning.WriteString(text)
		events = append(events, Event{Text: text})
	}

	if d.Answer != "" {
		text := d.Answer
		if t.phase == PhaseReasoning {
			t.phase = PhaseAnswering
			text = CloseMarker + text
		}
		t.answer.WriteString(text)
		events = append(events, Event{Text: text})
	}

	return events
}

// Phase returns the current phase of the stream.
func (t *Tagger) Phase() Phase {
	return t.phase
}

// Reasoning returns every reasoning text emitted so far, concatenated in
// order, opening marker included.
func (t *Tagger) Reasoning() string {
	return t.reasoning.String()
}

// Answer returns every answer text emitted so far, concatenated in order,
// closing marker included.
func (t *Tagger) Answer() string {
	return t.answer.String()
}

// Annotate wraps a complete (non-streamed) reasoning text in markers and
// prepends it to the answer. With no reasoning the answer passes through
// untouched.
func Annotate(reasoning, answer string) string {
	if reasoning == "" {
		return answer
	}
	return OpenMarker + reasoning + CloseMarker + answer
}
