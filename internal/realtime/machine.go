package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/media"
)

// TrackWriter consumes raw PCM and pushes it onto the outbound track.
type TrackWriter interface {
	WritePCM(pcm []byte)
	Close()
}

// TrackWriterFactory binds a writer to a freshly created track. The
// default encodes through the Opus pacer; tests substitute a no-op.
type TrackWriterFactory func(track *webrtc.TrackLocalStaticSample) (TrackWriter, error)

const (
	dataChannelLabel = "oai-events"

	defaultChannelOpenAttempts = 3
	defaultChannelOpenInterval = 2 * time.Second
	defaultReconnectDelay      = time.Second

	// 20ms of 48kHz mono s16le per capture read.
	captureChunkBytes = 1920

	// Mic audio retained for the diagnostic snapshot.
	recentAudioSeconds = 3
)

// Options configures a Machine. Source, Negotiator and NewPeer are
// required; everything else has a usable default.
type Options struct {
	Source         media.Source
	Negotiator     Negotiator
	NewPeer        PeerFactory
	NewTrackWriter TrackWriterFactory
	Logger         *zap.Logger

	SourceLanguage string
	TargetLanguage string

	STUNServers  []string
	TURNServer   string
	TURNUsername string
	TURNPassword string

	// TranscribeModel and VAD are pushed to the upstream over the
	// data channel once it opens.
	TranscribeModel string
	VAD             *ephemeral.TurnDetection

	FlushDebounce       time.Duration
	ChannelOpenAttempts int
	ChannelOpenInterval time.Duration
	ReconnectDelay      time.Duration

	// OnMessage receives finalized conversation messages.
	OnMessage func(Message)
	// OnError receives classified session failures.
	OnError func(*SessionError)
}

// Machine drives one realtime translation session through its
// lifecycle: idle, connecting, connected, torn down, reconnecting.
//
// All state lives behind one mutex. Every connect attempt captures
// the current epoch and re-validates it after each step that released
// the lock; a teardown or newer connect bumps the epoch, and the
// superseded attempt releases whatever it had acquired instead of
// committing it.
type Machine struct {
	opts       Options
	logger     *zap.Logger
	classifier *Classifier
	turns      *TurnBuffer
	recent     *media.Ring

	mu         sync.Mutex
	epoch      uint64
	connecting bool
	connected  bool
	lastErr    *SessionError

	pc      Peer
	dc      DataChannel
	capture media.Capture
	writer  TrackWriter
}

// NewMachine validates options and builds an idle machine.
func NewMachine(opts Options) (*Machine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("realtime: Source is required")
	}
	if opts.Negotiator == nil {
		return nil, fmt.Errorf("realtime: Negotiator is required")
	}
	if opts.NewPeer == nil {
		return nil, fmt.Errorf("realtime: NewPeer is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewTrackWriter == nil {
		opts.NewTrackWriter = func(track *webrtc.TrackLocalStaticSample) (TrackWriter, error) {
			return media.NewPacedWriter(track)
		}
	}
	if opts.ChannelOpenAttempts <= 0 {
		opts.ChannelOpenAttempts = defaultChannelOpenAttempts
	}
	if opts.ChannelOpenInterval <= 0 {
		opts.ChannelOpenInterval = defaultChannelOpenInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	m := &Machine{
		opts:       opts,
		logger:     opts.Logger,
		classifier: NewClassifier(),
		recent:     media.NewRing(recentAudioSeconds),
	}
	m.turns = NewTurnBuffer(opts.FlushDebounce, func(msg Message) {
		if opts.OnMessage != nil {
			opts.OnMessage(msg)
		}
	})
	m.turns.SetLanguages(opts.SourceLanguage, opts.TargetLanguage)
	return m, nil
}

// Connect establishes the session. Overlapping calls are no-ops while
// an attempt is in flight or a session is live; only an explicit
// Disconnect or Reconnect gets a new attempt started.
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connecting || m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.lastErr = nil
	m.epoch++
	ep := m.epoch
	src, tgt := m.opts.SourceLanguage, m.opts.TargetLanguage
	m.mu.Unlock()

	err := m.establish(ctx, ep, src, tgt)

	m.mu.Lock()
	if m.epoch == ep {
		m.connecting = false
	}
	m.mu.Unlock()

	if err != nil {
		var serr *SessionError
		if !errors.As(err, &serr) {
			serr = sessionErr(KindNetwork, "session setup failed", err)
		}
		m.mu.Lock()
		m.lastErr = serr
		m.mu.Unlock()
		m.logger.Warn("session connect failed",
			zap.String("kind", serr.Kind.String()),
			zap.Error(serr))
		if m.opts.OnError != nil {
			m.opts.OnError(serr)
		}
		return serr
	}
	return nil
}

// establish runs the connect sequence for one epoch. Resources stay
// in locals until the final commit; any epoch mismatch on the way
// releases them and returns nil, because a superseded attempt is not
// a failure.
func (m *Machine) establish(ctx context.Context, ep uint64, srcLang, tgtLang string) error {
	pc, err := m.opts.NewPeer(m.iceConfig())
	if err != nil {
		return sessionErr(KindNetwork, "peer connection", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel)
	if err != nil {
		pc.Close()
		return sessionErr(KindNetwork, "data channel", err)
	}
	opened := make(chan struct{})
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(opened) })
	})
	dc.OnMessage(func(data []byte) { m.handleEvent(ep, data) })

	capture, err := m.opts.Source.Acquire(ctx)
	if err != nil {
		pc.Close()
		kind := KindNetwork
		if errors.Is(err, media.ErrPermissionDenied) || errors.Is(err, media.ErrNoDevice) {
			kind = KindPermission
		}
		return sessionErr(kind, "microphone", err)
	}
	if !m.epochAlive(ep) {
		capture.Close()
		pc.Close()
		return nil
	}

	track, err := media.NewMicrophoneTrack()
	if err != nil {
		capture.Close()
		pc.Close()
		return sessionErr(KindNetwork, "audio track", err)
	}
	if err := pc.AddTrack(track); err != nil {
		capture.Close()
		pc.Close()
		return sessionErr(KindNetwork, "add track", err)
	}
	writer, err := m.opts.NewTrackWriter(track)
	if err != nil {
		capture.Close()
		pc.Close()
		return sessionErr(KindNetwork, "track writer", err)
	}

	release := func() {
		writer.Close()
		capture.Close()
		pc.Close()
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		release()
		return sessionErr(KindNegotiation, "create offer", err)
	}
	if !m.epochAlive(ep) {
		release()
		return nil
	}

	cred, err := m.opts.Negotiator.CreateSession(ctx, srcLang, tgtLang)
	if err != nil {
		release()
		return sessionErr(KindNegotiation, "ephemeral credential", err)
	}
	if !m.epochAlive(ep) {
		release()
		return nil
	}

	answerSDP, err := m.opts.Negotiator.ExchangeSDP(ctx, offer.SDP, cred.Session.Model, cred.APIKey)
	if err != nil {
		release()
		return sessionErr(KindNegotiation, "sdp exchange", err)
	}
	if !m.epochAlive(ep) {
		release()
		return nil
	}
	if pc.SignalingState() == webrtc.SignalingStateClosed {
		release()
		return nil
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		release()
		return sessionErr(KindNegotiation, "set remote description", err)
	}

	// Commit. A teardown between the last check and here shows up as
	// an epoch mismatch under the lock.
	m.mu.Lock()
	if m.epoch != ep {
		m.mu.Unlock()
		release()
		return nil
	}
	m.pc = pc
	m.dc = dc
	m.capture = capture
	m.writer = writer
	m.connected = true
	m.connecting = false
	m.mu.Unlock()

	m.logger.Info("session established",
		zap.String("source", srcLang),
		zap.String("target", tgtLang),
		zap.String("model", cred.Session.Model))

	instructions := cred.Session.Instructions
	if instructions == "" {
		instructions = ephemeral.FallbackInstructions(srcLang, tgtLang)
	}

	go m.pumpCapture(ep, capture, writer)
	go m.pushSessionConfig(ep, dc, opened, instructions)
	return nil
}

func (m *Machine) iceConfig() webrtc.Configuration {
	servers := []webrtc.ICEServer{}
	if len(m.opts.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: m.opts.STUNServers})
	}
	if m.opts.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{m.opts.TURNServer},
			Username:   m.opts.TURNUsername,
			Credential: m.opts.TURNPassword,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// pumpCapture streams microphone PCM into the paced writer until the
// capture ends or the epoch dies.
func (m *Machine) pumpCapture(ep uint64, capture media.Capture, writer TrackWriter) {
	buf := make([]byte, captureChunkBytes)
	for m.epochAlive(ep) {
		n, err := capture.ReadPCM(buf)
		if n > 0 {
			writer.WritePCM(buf[:n])
			m.recent.Write(buf[:n])
		}
		if err != nil {
			m.logger.Debug("capture ended", zap.Error(err))
			return
		}
	}
}

type sessionUpdate struct {
	Type    string              `json:"type"`
	Session sessionUpdateParams `json:"session"`
}

type sessionUpdateParams struct {
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioTranscription *transcriptionParams     `json:"input_audio_transcription,omitempty"`
	TurnDetection           *ephemeral.TurnDetection `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// pushSessionConfig sends the transcription and VAD settings once the
// data channel opens. The channel usually opens within the first
// wait; a channel that never opens is logged and tolerated, since the
// upstream falls back to its session defaults.
func (m *Machine) pushSessionConfig(ep uint64, dc DataChannel, opened <-chan struct{}, instructions string) {
	for attempt := 1; attempt <= m.opts.ChannelOpenAttempts; attempt++ {
		select {
		case <-opened:
			if !m.epochAlive(ep) {
				return
			}
			update := sessionUpdate{Type: "session.update"}
			update.Session.Instructions = instructions
			if m.opts.TranscribeModel != "" {
				update.Session.InputAudioTranscription = &transcriptionParams{Model: m.opts.TranscribeModel}
			}
			update.Session.TurnDetection = m.opts.VAD
			payload, err := json.Marshal(update)
			if err != nil {
				m.logger.Warn("marshal session update", zap.Error(err))
				return
			}
			if err := dc.SendText(string(payload)); err != nil {
				m.logger.Warn("send session update", zap.Error(err))
				return
			}
			m.logger.Debug("session config pushed")
			return
		case <-time.After(m.opts.ChannelOpenInterval):
			if !m.epochAlive(ep) {
				return
			}
		}
	}
	m.logger.Warn("data channel never opened, using upstream session defaults",
		zap.Int("attempts", m.opts.ChannelOpenAttempts))
}

// handleEvent classifies one control-channel frame and feeds the turn
// buffer. Frames from a superseded epoch are dropped on the floor.
func (m *Machine) handleEvent(ep uint64, data []byte) {
	if !m.epochAlive(ep) {
		return
	}
	for _, frag := range m.classifier.ClassifyRaw(data) {
		switch frag.Kind {
		case SourceFragment:
			m.turns.AppendSource(frag.Text)
		case TargetFragment:
			m.turns.AppendTarget(frag.Text)
		case SourceCompleted:
			m.turns.CompleteSource(frag.Text)
		case ResponseCompleted:
			m.turns.CompleteResponse()
		case ErrorEvent:
			m.logger.Warn("upstream error event", zap.String("message", frag.Text))
		}
	}
}

// Disconnect tears the session down. Safe to call at any point in the
// lifecycle, including mid-connect; an in-flight attempt notices the
// epoch bump and abandons itself.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.connecting = false
	m.connected = false
	pc, dc, capture, writer := m.pc, m.dc, m.capture, m.writer
	m.pc, m.dc, m.capture, m.writer = nil, nil, nil, nil
	m.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	if writer != nil {
		writer.Close()
	}
	if capture != nil {
		capture.Close()
	}
	if pc != nil {
		pc.Close()
	}
	m.turns.Reset()
}

// Reconnect tears down and re-establishes after a short settle delay,
// which lets OS-level device handles release before reacquisition.
func (m *Machine) Reconnect(ctx context.Context) error {
	m.Disconnect()
	select {
	case <-time.After(m.opts.ReconnectDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Connect(ctx)
}

// HandleInterruption reacts to an external lifecycle event by tearing
// down cleanly. The resulting error is informational.
func (m *Machine) HandleInterruption(reason string) {
	m.logger.Info("session interrupted", zap.String("reason", reason))
	m.Disconnect()
	serr := sessionErr(KindInterruption, reason, nil)
	m.mu.Lock()
	m.lastErr = serr
	m.mu.Unlock()
	if m.opts.OnError != nil {
		m.opts.OnError(serr)
	}
}

// SetLanguages changes the pair for subsequent sessions. A live
// session keeps its pair; callers Reconnect to apply.
func (m *Machine) SetLanguages(source, target string) {
	m.mu.Lock()
	m.opts.SourceLanguage = source
	m.opts.TargetLanguage = target
	m.mu.Unlock()
	m.turns.SetLanguages(source, target)
}

// IsConnected reports whether a session is live.
func (m *Machine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsConnecting reports whether a connect attempt is in flight.
func (m *Machine) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

// RecentAudio snapshots the last few seconds of sent microphone PCM.
// Diagnostic only; returns nil before any capture.
func (m *Machine) RecentAudio(seconds int) []byte {
	return m.recent.Snapshot(seconds)
}

// LastError returns the most recent classified failure, or nil.
func (m *Machine) LastError() *SessionError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) epochAlive(ep uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == ep
}
