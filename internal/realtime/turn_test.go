package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messageCollector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *messageCollector) add(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *messageCollector) all() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *messageCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTurnScenarioSourceThenTarget(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(time.Hour, col.add)
	b.SetLanguages("zh", "th")

	b.AppendSource("你")
	b.AppendSource("好")
	b.CompleteSource("")

	b.AppendTarget("สวัส")
	b.AppendTarget("ดี")
	b.CompleteResponse()

	msgs := col.all()
	require.Len(t, msgs, 2)

	assert.Equal(t, Message{
		Text:           "你好",
		SourceLanguage: "zh",
		TargetLanguage: "th",
		IsUser:         true,
	}, msgs[0])
	assert.Equal(t, Message{
		TranslatedText: "สวัสดี",
		SourceLanguage: "zh",
		TargetLanguage: "th",
		IsUser:         false,
	}, msgs[1])
}

func TestCompleteSourcePrefersFinalTranscript(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(time.Hour, col.add)

	b.AppendSource("he")
	b.CompleteSource("hello there")

	msgs := col.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello there", msgs[0].Text)
	assert.True(t, msgs[0].IsUser)
}

func TestTargetWithoutSourceIsNeverSurfaced(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(20*time.Millisecond, col.add)

	b.AppendTarget("stray output")
	b.CompleteResponse()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, col.count())

	// The dropped text must not bleed into the next turn either.
	b.AppendSource("hi")
	b.CompleteSource("")
	b.CompleteResponse()
	msgs := col.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestTargetHeldByIdleFlushUntilSourceSeen(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(20*time.Millisecond, col.add)

	b.AppendTarget("early")
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, col.count(), "idle flush must hold unattributed target text")

	b.AppendSource("src")
	time.Sleep(80 * time.Millisecond)
	msgs := col.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "src", msgs[0].Text)
	assert.Equal(t, "early", msgs[0].TranslatedText)
	assert.False(t, msgs[0].IsUser)
}

func TestSlowResponseOutlivesDebounce(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(20*time.Millisecond, col.add)
	b.SetLanguages("zh", "th")

	b.AppendSource("你好")
	b.CompleteSource("")

	// The translated response arrives long after the debounce window
	// armed by the source fragments would have fired.
	time.Sleep(80 * time.Millisecond)
	b.AppendTarget("สวัสดี")
	b.CompleteResponse()

	msgs := col.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "你好", msgs[0].Text)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, Message{
		TranslatedText: "สวัสดี",
		SourceLanguage: "zh",
		TargetLanguage: "th",
		IsUser:         false,
	}, msgs[1])
}

func TestIdleFlushEmitsCombinedMessage(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(20*time.Millisecond, col.add)
	b.SetLanguages("en", "th")

	b.AppendSource("hello")
	b.AppendTarget("สวัสดี")

	time.Sleep(100 * time.Millisecond)
	msgs := col.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "สวัสดี", msgs[0].TranslatedText)

	// A flushed turn leaves nothing behind to fire again.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, col.count())
}

func TestFragmentsPostponeIdleFlush(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(60*time.Millisecond, col.add)

	b.AppendSource("a")
	time.Sleep(30 * time.Millisecond)
	b.AppendSource("b")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, col.count(), "flush fired while fragments were still arriving")

	time.Sleep(120 * time.Millisecond)
	msgs := col.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ab", msgs[0].Text)
}

func TestRepeatedCompletionsAreQuiet(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(time.Hour, col.add)

	b.AppendSource("hi")
	b.CompleteSource("")
	b.AppendTarget("สวัสดี")
	b.CompleteResponse()
	b.CompleteResponse()
	b.CompleteResponse()

	assert.Equal(t, 2, col.count())
}

func TestResetDiscardsTurnInFlight(t *testing.T) {
	col := &messageCollector{}
	b := NewTurnBuffer(20*time.Millisecond, col.add)

	b.AppendSource("half a sen")
	b.AppendTarget("ครึ่ง")
	b.Reset()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, col.count())

	b.CompleteResponse()
	assert.Zero(t, col.count())
}
