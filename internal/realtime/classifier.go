package realtime

import (
	"encoding/json"
	"strings"
)

// Event is one decoded control-channel message. The upstream event
// vocabulary is an open set, so only the fields used for shape
// matching are decoded; everything else is ignored.
type Event struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`

	// NotJSON is the raw payload when the frame did not parse as an
	// object. Some upstreams push bare text; it is treated as
	// translated output.
	NotJSON string
}

// FragmentKind tags what a classified event contributes to the
// current turn.
type FragmentKind int

const (
	Unrecognized FragmentKind = iota
	SourceFragment
	TargetFragment
	SourceCompleted
	ResponseCompleted
	ErrorEvent
)

// Fragment is one classification result. Completion fragments may
// carry the final text when the upstream included it.
type Fragment struct {
	Kind FragmentKind
	Text string
}

// Matcher inspects an event and reports whether it recognized it.
// Matchers run in order; registering extra matchers ahead of the
// defaults is how new upstream event shapes get adopted without
// touching the core set.
type Matcher func(Event) (Fragment, bool)

// Classifier turns upstream control-channel frames into turn
// fragments. Matching is heuristic on purpose: the event vocabulary
// drifts across upstream versions, so shapes are sniffed rather than
// matched exactly.
type Classifier struct {
	matchers []Matcher
}

// NewClassifier builds a classifier with the default matcher set.
// Extra matchers run before the defaults.
func NewClassifier(extra ...Matcher) *Classifier {
	matchers := make([]Matcher, 0, len(extra)+5)
	matchers = append(matchers, extra...)
	matchers = append(matchers,
		matchSourceCompleted,
		matchResponseCompleted,
		matchErrorEvent,
		matchSourceFragment,
		matchTargetFragment,
	)
	return &Classifier{matchers: matchers}
}

// ParseEvent decodes one raw control-channel frame. Frames that are
// not JSON objects come back with NotJSON set.
func ParseEvent(data []byte) Event {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		ev = Event{NotJSON: string(data)}
	}
	return ev
}

// Classify runs the matcher chain over one event. A single event can
// feed both sides of a turn, so up to one source-side and one
// target-side fragment are returned. Terminal fragments (completions,
// errors) stand alone.
func (c *Classifier) Classify(ev Event) []Fragment {
	if ev.NotJSON != "" {
		return []Fragment{{Kind: TargetFragment, Text: ev.NotJSON}}
	}
	var out []Fragment
	seen := map[FragmentKind]bool{}
	for _, m := range c.matchers {
		frag, ok := m(ev)
		if !ok || seen[frag.Kind] {
			continue
		}
		switch frag.Kind {
		case SourceCompleted, ResponseCompleted, ErrorEvent:
			return []Fragment{frag}
		}
		seen[frag.Kind] = true
		out = append(out, frag)
	}
	return out
}

// ClassifyRaw is Classify over an undecoded frame.
func (c *Classifier) ClassifyRaw(data []byte) []Fragment {
	return c.Classify(ParseEvent(data))
}

func matchSourceCompleted(ev Event) (Fragment, bool) {
	t := ev.Type
	if strings.Contains(t, "input_audio_transcription") && strings.Contains(t, "completed") {
		return Fragment{Kind: SourceCompleted, Text: ev.Transcript}, true
	}
	return Fragment{}, false
}

func matchResponseCompleted(ev Event) (Fragment, bool) {
	t := ev.Type
	if t == "response.done" || t == "response.completed" {
		return Fragment{Kind: ResponseCompleted}, true
	}
	if strings.HasPrefix(t, "response.") && strings.HasSuffix(t, ".done") && !strings.Contains(t, "delta") {
		// Part-level done markers (response.output_text.done etc.)
		// also close out the response; the buffers are idempotent
		// about repeat completions.
		return Fragment{Kind: ResponseCompleted}, true
	}
	if strings.Contains(t, "turn.end") {
		return Fragment{Kind: ResponseCompleted}, true
	}
	return Fragment{}, false
}

func matchErrorEvent(ev Event) (Fragment, bool) {
	if strings.Contains(ev.Type, "error") {
		return Fragment{Kind: ErrorEvent, Text: ev.Text}, true
	}
	return Fragment{}, false
}

// matchSourceFragment recognizes input-side transcription deltas:
// anything transcription-flavored carrying incremental text.
func matchSourceFragment(ev Event) (Fragment, bool) {
	t := ev.Type
	if (strings.Contains(t, "input_audio") || strings.Contains(t, "transcription") || strings.Contains(t, "asr")) && ev.Delta != "" {
		return Fragment{Kind: SourceFragment, Text: ev.Delta}, true
	}
	if (strings.Contains(t, "transcription") || strings.Contains(t, "input_transcript")) && ev.Text != "" {
		return Fragment{Kind: SourceFragment, Text: ev.Text}, true
	}
	return Fragment{}, false
}

// matchTargetFragment recognizes model-output text deltas.
func matchTargetFragment(ev Event) (Fragment, bool) {
	switch ev.Type {
	case "response.output_text.delta", "response.text.delta", "response.audio_transcript.delta":
		if ev.Delta != "" {
			return Fragment{Kind: TargetFragment, Text: ev.Delta}, true
		}
	}
	if strings.HasPrefix(ev.Type, "response.") {
		if ev.Text != "" {
			return Fragment{Kind: TargetFragment, Text: ev.Text}, true
		}
		if ev.Delta != "" {
			return Fragment{Kind: TargetFragment, Text: ev.Delta}, true
		}
	}
	return Fragment{}, false
}
