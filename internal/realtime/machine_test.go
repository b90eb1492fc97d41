package realtime

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/media"
)

type fakeCapture struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeCapture) ReadPCM(buf []byte) (int, error) {
	return 0, io.EOF
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSource struct {
	mu       sync.Mutex
	err      error
	acquired int
	captures []*fakeCapture
}

func (s *fakeSource) Acquire(ctx context.Context) (media.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	if s.err != nil {
		return nil, s.err
	}
	c := &fakeCapture{}
	s.captures = append(s.captures, c)
	return c, nil
}

func (s *fakeSource) acquireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

type fakeDataChannel struct {
	mu        sync.Mutex
	onOpen    func()
	onMessage func([]byte)
	sent      []string
	closed    bool
}

func (d *fakeDataChannel) OnOpen(f func())          { d.mu.Lock(); d.onOpen = f; d.mu.Unlock() }
func (d *fakeDataChannel) OnMessage(f func([]byte)) { d.mu.Lock(); d.onMessage = f; d.mu.Unlock() }

func (d *fakeDataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, text)
	return nil
}
func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDataChannel) open() {
	d.mu.Lock()
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *fakeDataChannel) deliver(frame string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f([]byte(frame))
	}
}

func (d *fakeDataChannel) sentFrames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

type fakePeer struct {
	mu     sync.Mutex
	dc     *fakeDataChannel
	remote string
	tracks int
	closed bool
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks++
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = &fakeDataChannel{}
	return p.dc, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 local offer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = desc.SDP
	return nil
}

func (p *fakePeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SignalingStateClosed
	}
	return webrtc.SignalingStateHaveLocalOffer
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) channel() *fakeDataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

type fakeNegotiator struct {
	mu          sync.Mutex
	createErr   error
	exchangeErr error
	blockCreate chan struct{}

	gotSource string
	gotTarget string
	gotOffer  string
	gotModel  string
	gotToken  string
}

func (n *fakeNegotiator) CreateSession(ctx context.Context, sourceLang, targetLang string) (*ephemeral.Credential, error) {
	n.mu.Lock()
	n.gotSource, n.gotTarget = sourceLang, targetLang
	block := n.blockCreate
	err := n.createErr
	n.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &ephemeral.Credential{
		APIKey:  "ek_test",
		Session: ephemeral.Session{Model: "gpt-realtime-2025-08-28"},
	}, nil
}

func (n *fakeNegotiator) ExchangeSDP(ctx context.Context, offerSDP, model, token string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gotOffer, n.gotModel, n.gotToken = offerSDP, model, token
	if n.exchangeErr != nil {
		return "", n.exchangeErr
	}
	return "v=0 remote answer", nil
}

type nopTrackWriter struct{}

func (nopTrackWriter) WritePCM([]byte) {}
func (nopTrackWriter) Close()          {}

type machineHarness struct {
	machine    *Machine
	source     *fakeSource
	negotiator *fakeNegotiator
	col        *messageCollector

	mu    sync.Mutex
	peers []*fakePeer
	errs  []*SessionError
}

func (h *machineHarness) lastPeer() *fakePeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.peers) == 0 {
		return nil
	}
	return h.peers[len(h.peers)-1]
}

func (h *machineHarness) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errs)
}

func newMachineHarness(t *testing.T, mutate func(*Options)) *machineHarness {
	t.Helper()
	h := &machineHarness{
		source:     &fakeSource{},
		negotiator: &fakeNegotiator{},
		col:        &messageCollector{},
	}
	vad := &ephemeral.TurnDetection{Type: "server_vad", Threshold: 0.5}
	opts := Options{
		Source:     h.source,
		Negotiator: h.negotiator,
		NewPeer: func(cfg webrtc.Configuration) (Peer, error) {
			p := &fakePeer{}
			h.mu.Lock()
			h.peers = append(h.peers, p)
			h.mu.Unlock()
			return p, nil
		},
		NewTrackWriter: func(*webrtc.TrackLocalStaticSample) (TrackWriter, error) {
			return nopTrackWriter{}, nil
		},
		SourceLanguage:      "zh",
		TargetLanguage:      "th",
		TranscribeModel:     "gpt-4o-transcribe",
		VAD:                 vad,
		FlushDebounce:       time.Hour,
		ChannelOpenAttempts: 3,
		ChannelOpenInterval: 20 * time.Millisecond,
		ReconnectDelay:      time.Millisecond,
		OnMessage:           h.col.add,
		OnError: func(e *SessionError) {
			h.mu.Lock()
			h.errs = append(h.errs, e)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewMachine(opts)
	require.NoError(t, err)
	h.machine = m
	return h
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestConnectEstablishesSession(t *testing.T) {
	h := newMachineHarness(t, nil)

	require.NoError(t, h.machine.Connect(context.Background()))
	assert.True(t, h.machine.IsConnected())
	assert.False(t, h.machine.IsConnecting())

	assert.Equal(t, "zh", h.negotiator.gotSource)
	assert.Equal(t, "th", h.negotiator.gotTarget)
	assert.Equal(t, "v=0 local offer", h.negotiator.gotOffer)
	assert.Equal(t, "gpt-realtime-2025-08-28", h.negotiator.gotModel)
	assert.Equal(t, "ek_test", h.negotiator.gotToken)

	peer := h.lastPeer()
	require.NotNil(t, peer)
	assert.Equal(t, "v=0 remote answer", peer.remote)
	assert.Equal(t, 1, peer.tracks)
}

func TestSessionConfigPushedOnChannelOpen(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))

	dc := h.lastPeer().channel()
	require.NotNil(t, dc)
	dc.open()

	waitUntil(t, func() bool { return len(dc.sentFrames()) > 0 }, "session.update sent")
	frame := dc.sentFrames()[0]
	assert.Contains(t, frame, `"type":"session.update"`)
	assert.Contains(t, frame, "gpt-4o-transcribe")
	assert.Contains(t, frame, "server_vad")
	// Credential carried no instructions, so the local fallback pair
	// prompt is pushed instead.
	assert.Contains(t, frame, `"instructions"`)
}

func TestChannelNeverOpeningIsNotFatal(t *testing.T) {
	h := newMachineHarness(t, func(o *Options) {
		o.ChannelOpenAttempts = 2
		o.ChannelOpenInterval = 10 * time.Millisecond
	})
	require.NoError(t, h.machine.Connect(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, h.machine.IsConnected())
	assert.Empty(t, h.lastPeer().channel().sentFrames())
	assert.Zero(t, h.errorCount())
}

func TestConnectWhileLiveIsNoOp(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))
	require.NoError(t, h.machine.Connect(context.Background()))

	assert.Equal(t, 1, h.source.acquireCount())
	h.mu.Lock()
	peerCount := len(h.peers)
	h.mu.Unlock()
	assert.Equal(t, 1, peerCount)
}

func TestDisconnectDuringConnectReleasesResources(t *testing.T) {
	h := newMachineHarness(t, nil)
	block := make(chan struct{})
	h.negotiator.blockCreate = block

	done := make(chan error, 1)
	go func() { done <- h.machine.Connect(context.Background()) }()

	waitUntil(t, func() bool { return h.source.acquireCount() == 1 }, "connect reached negotiation")
	h.machine.Disconnect()
	close(block)

	require.NoError(t, <-done)
	assert.False(t, h.machine.IsConnected())
	assert.False(t, h.machine.IsConnecting())
	assert.Zero(t, h.errorCount(), "a superseded attempt is not a failure")

	waitUntil(t, func() bool { return h.lastPeer().isClosed() }, "peer released")
	waitUntil(t, func() bool { return h.source.captures[0].isClosed() }, "capture released")
}

func TestPermissionDeniedClassified(t *testing.T) {
	h := newMachineHarness(t, nil)
	h.source.err = media.ErrPermissionDenied

	err := h.machine.Connect(context.Background())
	require.Error(t, err)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindPermission, serr.Kind)
	assert.False(t, h.machine.IsConnected())
	assert.Equal(t, 1, h.errorCount())
	assert.True(t, h.lastPeer().isClosed())
	require.NotNil(t, h.machine.LastError())
	assert.Equal(t, KindPermission, h.machine.LastError().Kind)
}

func TestNegotiationFailureClassified(t *testing.T) {
	h := newMachineHarness(t, nil)
	h.negotiator.exchangeErr = &strErr{"sdp exchange: status 401: invalid token"}

	err := h.machine.Connect(context.Background())
	require.Error(t, err)

	var serr *SessionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindNegotiation, serr.Kind)
	assert.True(t, strings.Contains(serr.Error(), "status 401"), "upstream status must survive classification")

	assert.True(t, h.lastPeer().isClosed())
	assert.True(t, h.source.captures[0].isClosed())
}

func TestEventsFlowThroughToMessages(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))

	dc := h.lastPeer().channel()
	dc.deliver(`{"type":"conversation.item.input_audio_transcription.delta","delta":"你"}`)
	dc.deliver(`{"type":"conversation.item.input_audio_transcription.delta","delta":"好"}`)
	dc.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"你好"}`)
	dc.deliver(`{"type":"response.output_text.delta","delta":"สวัสดี"}`)
	dc.deliver(`{"type":"response.done"}`)

	waitUntil(t, func() bool { return h.col.count() == 2 }, "two messages emitted")
	msgs := h.col.all()
	assert.Equal(t, "你好", msgs[0].Text)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "สวัสดี", msgs[1].TranslatedText)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, "zh", msgs[1].SourceLanguage)
	assert.Equal(t, "th", msgs[1].TargetLanguage)
}

func TestStaleEpochEventsDropped(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))
	staleDC := h.lastPeer().channel()

	h.machine.Disconnect()

	staleDC.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"late"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.col.count())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))

	h.machine.Disconnect()
	h.machine.Disconnect()

	assert.False(t, h.machine.IsConnected())
	assert.True(t, h.lastPeer().isClosed())
	assert.True(t, h.source.captures[0].isClosed())
}

func TestReconnectEstablishesFreshSession(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))
	first := h.lastPeer()

	h.machine.SetLanguages("en", "zh")
	require.NoError(t, h.machine.Reconnect(context.Background()))

	assert.True(t, h.machine.IsConnected())
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, h.source.acquireCount())
	assert.NotSame(t, first, h.lastPeer())
	assert.Equal(t, "en", h.negotiator.gotSource)
	assert.Equal(t, "zh", h.negotiator.gotTarget)
}

func TestHandleInterruptionTearsDown(t *testing.T) {
	h := newMachineHarness(t, nil)
	require.NoError(t, h.machine.Connect(context.Background()))

	h.machine.HandleInterruption("audio session lost")

	assert.False(t, h.machine.IsConnected())
	assert.True(t, h.lastPeer().isClosed())
	require.NotNil(t, h.machine.LastError())
	assert.Equal(t, KindInterruption, h.machine.LastError().Kind)
	assert.Equal(t, 1, h.errorCount())
}

type strErr struct{ s string }

func (e *strErr) Error() string { return e.s }
