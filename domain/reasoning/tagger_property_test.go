package reasoning

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genDelta produces deltas with possibly empty fields so the empty-field
// path is exercised alongside real content. Alpha strings cannot contain
// the marker characters, which keeps marker counting unambiguous.
func genDelta() gopter.Gen {
	return gen.Struct(reflect.TypeOf(Delta{}), map[string]gopter.Gen{
		"Reasoning": gen.AlphaString(),
		"Answer":    gen.AlphaString(),
	})
}

func runTagger(deltas []Delta) (*Tagger, string) {
	tagger := NewTagger()
	var out strings.Builder
	for _, d := range deltas {
		for _, ev := range tagger.Process(d) {
			out.WriteString(ev.Text)
		}
	}
	return tagger, out.String()
}

// expectedMarkers derives how many markers of each kind a delta sequence
// must produce: the opening marker appears iff any reasoning text occurs,
// the closing marker iff answer text occurs at or after the first
// reasoning (reasoning is processed before the answer within one delta).
func expectedMarkers(deltas []Delta) (opens, closes int) {
	firstReasoning := -1
	for i, d := range deltas {
		if d.Reasoning != "" {
			firstReasoning = i
			break
		}
	}
	if firstReasoning < 0 {
		return 0, 0
	}
	opens = 1
	for i := firstReasoning; i < len(deltas); i++ {
		if deltas[i].Answer != "" {
			closes = 1
			break
		}
	}
	return opens, closes
}

func TestProperty_MarkersExactlyOnceInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("marker counts match the stream shape", prop.ForAll(
		func(deltas []Delta) bool {
			_, out := runTagger(deltas)
			opens, closes := expectedMarkers(deltas)
			if strings.Count(out, OpenMarker) != opens {
				return false
			}
			if strings.Count(out, CloseMarker) != closes {
				return false
			}
			if closes == 1 && strings.Index(out, OpenMarker) > strings.Index(out, CloseMarker) {
				return false
			}
			return true
		},
		gen.SliceOf(genDelta()),
	))

	properties.Property("streams without reasoning get no markers", prop.ForAll(
		func(answers []string) bool {
			deltas := make([]Delta, len(answers))
			for i, a := range answers {
				deltas[i] = Delta{Answer: a}
			}
			_, out := runTagger(deltas)
			return !strings.Contains(out, OpenMarker) && !strings.Contains(out, CloseMarker)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestProperty_AccumulatorsEqualEmittedText(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("accumulators are the concatenation of emitted events", prop.ForAll(
		func(deltas []Delta) bool {
			tagger := NewTagger()
			var reasoningOut, answerOut strings.Builder
			for _, d := range deltas {
				events := tagger.Process(d)
				if d.Reasoning != "" {
					reasoningOut.WriteString(events[0].Text)
					events = events[1:]
				}
				if d.Answer != "" {
					answerOut.WriteString(events[0].Text)
				}
			}
			return tagger.Reasoning() == reasoningOut.String() &&
				tagger.Answer() == answerOut.String()
		},
		gen.SliceOf(genDelta()),
	))

	properties.Property("stripping markers recovers the raw text", prop.ForAll(
		func(deltas []Delta) bool {
			tagger, _ := runTagger(deltas)
			var rawReasoning, rawAnswer strings.Builder
			for _, d := range deltas {
				rawReasoning.WriteString(d.Reasoning)
				rawAnswer.WriteString(d.Answer)
			}
			gotReasoning := strings.Replace(tagger.Reasoning(), OpenMarker, "", 1)
			gotAnswer := strings.Replace(tagger.Answer(), CloseMarker, "", 1)
			return gotReasoning == rawReasoning.String() && gotAnswer == rawAnswer.String()
		},
		gen.SliceOf(genDelta()),
	))

	properties.TestingRun(t)
}

func TestProperty_PhaseNeverRegresses(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("phase is monotone over any delta sequence", prop.ForAll(
		func(deltas []Delta) bool {
			tagger := NewTagger()
			prev := tagger.Phase()
			for _, d := range deltas {
				tagger.Process(d)
				if tagger.Phase() < prev {
					return false
				}
				prev = tagger.Phase()
			}
			return true
		},
		gen.SliceOf(genDelta()),
	))

	properties.TestingRun(t)
}
