package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *Tagger, deltas []Delta) []string {
	var texts []string
	for _, d := range deltas {
		for _, ev := range t.Process(d) {
			texts = append(texts, ev.Text)
		}
	}
	return texts
}

func TestTagger_ReasoningThenAnswer(t *testing.T) {
	tagger := NewTagger()

	texts := collect(tagger, []Delta{
		{Reasoning: "a"},
		{Reasoning: "b"},
		{Answer: "c"},
	})

	assert.Equal(t, []string{"<think>a", "b", "</think>c"}, texts)
	assert.Equal(t, PhaseAnswering, tagger.Phase())
	assert.Equal(t, "<think>ab", tagger.Reasoning())
	assert.Equal(t, "</think>c", tagger.Answer())
}

func TestTagger_AnswerOnly_NoMarkers(t *testing.T) {
	tagger := NewTagger()

	texts := collect(tagger, []Delta{
		{Answer: "hello"},
		{Answer: " world"},
	})

	assert.Equal(t, []string{"hello", " world"}, texts)
	assert.Equal(t, PhaseNotStarted, tagger.Phase())
	joined := strings.Join(texts, "")
	assert.NotContains(t, joined, OpenMarker)
	assert.NotContains(t, joined, CloseMarker)
}

func TestTagger_EmptyReasoningIgnored(t *testing.T) {
	tagger := NewTagger()

	texts := collect(tagger, []Delta{
		{Reasoning: ""},
		{Answer: "x"},
	})

	// Empty reasoning never starts the reasoning phase, so no marker appears.
	assert.Equal(t, []string{"x"}, texts)
	assert.Equal(t, PhaseNotStarted, tagger.Phase())
}

func TestTagger_EmptyDelta_NoEvents(t *testing.T) {
	tagger := NewTagger()

	events := tagger.Process(Delta{})

	assert.Empty(t, events)
	assert.Equal(t, PhaseNotStarted, tagger.Phase())
	assert.Empty(t, tagger.Reasoning())
	assert.Empty(t, tagger.Answer())
}

func TestTagger_BothFieldsInOneDelta(t *testing.T) {
	tagger := NewTagger()

	events := tagger.Process(Delta{Reasoning: "thinking", Answer: "answer"})

	require.Len(t, events, 2)
	assert.Equal(t, "<think>thinking", events[0].Text)
	assert.Equal(t, "</think>answer", events[1].Text)
	assert.Equal(t, PhaseAnswering, tagger.Phase())
}

func TestTagger_MarkersExactlyOnce(t *testing.T) {
	tagger := NewTagger()

	texts := collect(tagger, []Delta{
		{Reasoning: "r1"},
		{Reasoning: "r2"},
		{Answer: "a1"},
		{Answer: "a2"},
		{Answer: "a3"},
	})

	joined := strings.Join(texts, "")
	assert.Equal(t, 1, strings.Count(joined, OpenMarker))
	assert.Equal(t, 1, strings.Count(joined, CloseMarker))
	assert.Less(t, strings.Index(joined, OpenMarker), strings.Index(joined, CloseMarker))
}

func TestTagger_PhaseIsMonotonic(t *testing.T) {
	tagger := NewTagger()

	collect(tagger, []Delta{
		{Reasoning: "r"},
		{Answer: "a"},
	})
	require.Equal(t, PhaseAnswering, tagger.Phase())

	// Late reasoning after answering is relayed unmarked and accumulated,
	// but the phase never reverts and no second marker appears.
	events := tagger.Process(Delta{Reasoning: "late"})
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].Text)
	assert.Equal(t, PhaseAnswering, tagger.Phase())
	assert.Equal(t, "<think>rlate", tagger.Reasoning())

	events = tagger.Process(Delta{Answer: "more"})
	require.Len(t, events, 1)
	assert.Equal(t, "more", events[0].Text)
}

func TestTagger_DirectAnswerThenReasoning(t *testing.T) {
	tagger := NewTagger()

	// A stream that starts answering before any reasoning: the opening
	// marker still applies to the first reasoning text, but the closing
	// marker is never emitted because answering was already underway.
	texts := collect(tagger, []Delta{
		{Answer: "a"},
		{Reasoning: "r"},
	})

	assert.Equal(t, []string{"a", "<think>r"}, texts)
	assert.Equal(t, PhaseReasoning, tagger.Phase())
}

func TestTagger_AccumulatorsMatchEmittedText(t *testing.T) {
	tagger := NewTagger()

	deltas := []Delta{
		{Reasoning: "first "},
		{Reasoning: "second"},
		{Reasoning: "", Answer: ""},
		{Answer: "the "},
		{Answer: "answer"},
	}

	var reasoningTexts, answerTexts []string
	for _, d := range deltas {
		events := tagger.Process(d)
		// Events keep the per-delta order: reasoning first, then answer.
		if d.Reasoning != "" {
			reasoningTexts = append(reasoningTexts, events[0].Text)
			events = events[1:]
		}
		if d.Answer != "" {
			answerTexts = append(answerTexts, events[0].Text)
		}
	}

	assert.Equal(t, strings.Join(reasoningTexts, ""), tagger.Reasoning())
	assert.Equal(t, strings.Join(answerTexts, ""), tagger.Answer())
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "not_started", PhaseNotStarted.String())
	assert.Equal(t, "reasoning", PhaseReasoning.String())
	assert.Equal(t, "answering", PhaseAnswering.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestAnnotate(t *testing.T) {
	assert.Equal(t, "answer", Annotate("", "answer"))
	assert.Equal(t, "<think>why</think>answer", Annotate("why", "answer"))
	assert.Equal(t, "<think>why</think>", Annotate("why", ""))
}
