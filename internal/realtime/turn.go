package realtime

import (
	"strings"
	"sync"
	"time"
)

// Message is one finalized side of a conversation turn, ready for
// display. IsUser marks the speaker's own transcribed speech; the
// translated side arrives as a separate message with IsUser false.
type Message struct {
	Text           string `json:"text"`
	TranslatedText string `json:"translatedText"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	IsUser         bool   `json:"isUser"`
}

const defaultFlushDebounce = 600 * time.Millisecond

// TurnBuffer accumulates transcription and translation fragments for
// the turn in flight and emits finalized messages.
//
// Invariant: translated text is never surfaced for a turn in which no
// source speech was observed. Stray model output with no preceding
// transcription is held, and dropped when the response completes
// without one.
type TurnBuffer struct {
	mu         sync.Mutex
	src        strings.Builder
	tgt        strings.Builder
	sourceSeen bool

	srcLang string
	tgtLang string

	debounce time.Duration
	timer    *time.Timer
	timerGen uint64

	emit func(Message)
}

// NewTurnBuffer builds a buffer that calls emit for every finalized
// message. A zero debounce selects the default idle flush window.
func NewTurnBuffer(debounce time.Duration, emit func(Message)) *TurnBuffer {
	if debounce <= 0 {
		debounce = defaultFlushDebounce
	}
	return &TurnBuffer{debounce: debounce, emit: emit}
}

// SetLanguages records the pair stamped onto emitted messages.
func (b *TurnBuffer) SetLanguages(source, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.srcLang, b.tgtLang = source, target
}

// AppendSource adds one transcription fragment to the turn in flight.
func (b *TurnBuffer) AppendSource(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src.WriteString(text)
	b.sourceSeen = true
	b.armTimerLocked()
}

// AppendTarget adds one translation fragment to the turn in flight.
func (b *TurnBuffer) AppendTarget(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tgt.WriteString(text)
	b.armTimerLocked()
}

// CompleteSource flushes the source side immediately. When the
// upstream included the final transcript it replaces whatever deltas
// accumulated, which papers over any dropped fragments. The
// source-observed flag survives until the response completes, so the
// translated side that follows stays attributable to this turn.
func (b *TurnBuffer) CompleteSource(finalText string) {
	b.mu.Lock()
	text := b.src.String()
	if finalText != "" {
		text = finalText
	}
	b.src.Reset()
	if text != "" {
		b.sourceSeen = true
	}
	// The turn now waits on the response side, which can lag well
	// past the debounce window; the timer armed by the last source
	// fragment must not fire in that gap. Re-arm only if target text
	// is already buffered and needs a fallback flush.
	if b.tgt.Len() > 0 {
		b.armTimerLocked()
	} else {
		b.stopTimerLocked()
	}
	msg, ok := b.buildLocked(text, "", true)
	b.mu.Unlock()
	if ok {
		b.emit(msg)
	}
}

// CompleteResponse flushes the target side. Target text is emitted
// only when source speech was observed this turn; otherwise it is
// dropped, because the turn it belonged to can no longer be
// established. Either way the turn is over and the flag resets.
func (b *TurnBuffer) CompleteResponse() {
	b.mu.Lock()
	text := b.tgt.String()
	b.tgt.Reset()
	emitOK := b.sourceSeen && text != ""
	b.sourceSeen = false
	b.stopTimerLocked()
	var msg Message
	if emitOK {
		msg, emitOK = b.buildLocked("", text, false)
	}
	b.mu.Unlock()
	if emitOK {
		b.emit(msg)
	}
}

// Reset discards the turn in flight. Called on teardown.
func (b *TurnBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src.Reset()
	b.tgt.Reset()
	b.sourceSeen = false
	b.stopTimerLocked()
}

// armTimerLocked (re)schedules the idle flush. Each arm invalidates
// earlier pending fires via the generation counter.
func (b *TurnBuffer) armTimerLocked() {
	b.timerGen++
	gen := b.timerGen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() { b.idleFlush(gen) })
}

func (b *TurnBuffer) stopTimerLocked() {
	b.timerGen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// idleFlush fires when no fragment arrived for a full debounce
// window. Upstreams do not always send completion markers, so this is
// the fallback that keeps a finished turn from sitting in the buffer.
// Both sides go out as one combined message.
func (b *TurnBuffer) idleFlush(gen uint64) {
	b.mu.Lock()
	if gen != b.timerGen {
		b.mu.Unlock()
		return
	}
	if !b.sourceSeen {
		// Unattributed target text keeps waiting for its source.
		b.mu.Unlock()
		return
	}
	src := b.src.String()
	tgt := b.tgt.String()
	if src == "" && tgt == "" {
		// Nothing buffered yet; the turn stays open so a late
		// response is still attributed to the completed source.
		b.mu.Unlock()
		return
	}
	b.src.Reset()
	b.tgt.Reset()
	b.sourceSeen = false
	msg, ok := b.buildLocked(src, tgt, false)
	b.mu.Unlock()
	if ok {
		b.emit(msg)
	}
}

func (b *TurnBuffer) buildLocked(text, translated string, isUser bool) (Message, bool) {
	if text == "" && translated == "" {
		return Message{}, false
	}
	return Message{
		Text:           text,
		TranslatedText: translated,
		SourceLanguage: b.srcLang,
		TargetLanguage: b.tgtLang,
		IsUser:         isUser,
	}, true
}
