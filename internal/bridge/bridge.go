package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/audio"
	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/metrics"
	"github.com/zvbo/kotoTHAI/internal/signaling"
)

// Issuer creates upstream session credentials for a language pair.
// Satisfied by *ephemeral.Issuer.
type Issuer interface {
	Issue(ctx context.Context, sourceLang, targetLang string) (*ephemeral.Credential, error)
}

// Notifier pushes events back to a signaling client. Satisfied by
// *signaling.Gateway.
type Notifier interface {
	SendToClient(id, event string, payload any)
	HasConnection(id string) bool
}

// upstreamConn is the subset of a websocket connection the bridge
// uses. Satisfied by *websocket.Conn.
type upstreamConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens an authenticated socket to the upstream realtime
// service.
type Dialer interface {
	Dial(ctx context.Context, token string) (upstreamConn, error)
}

// session is the per-connection upstream state: the streaming socket
// and the credential that opened it. Both are dropped on disconnect.
type session struct {
	conn    upstreamConn
	cred    *ephemeral.Credential
	writeMu sync.Mutex
	open    bool
}

// Bridge relays events between signaling clients and per-connection
// upstream realtime sessions. It implements signaling.Sink.
type Bridge struct {
	issuer     Issuer
	dialer     Dialer
	notifier   Notifier
	transcoder *audio.Transcoder
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Bridge.
func New(issuer Issuer, dialer Dialer, notifier Notifier, logger *zap.Logger) *Bridge {
	return &Bridge{
		issuer:     issuer,
		dialer:     dialer,
		notifier:   notifier,
		transcoder: audio.NewTranscoder(audio.DefaultConfig()),
		logger:     logger,
		sessions:   make(map[string]*session),
	}
}

// OfferReceived starts the upstream session for a new connection:
// credential, socket, relay registration. Runs asynchronously so the
// signaling read loop is never blocked on upstream calls.
func (b *Bridge) OfferReceived(ev signaling.OfferEvent) {
	go b.establish(ev)
}

func (b *Bridge) establish(ev signaling.OfferEvent) {
	logger := b.logger.With(zap.String("connection", ev.ConnectionID))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cred, err := b.issuer.Issue(ctx, ev.SourceLanguage, ev.TargetLanguage)
	if err != nil {
		metrics.CredentialFailuresTotal.Inc()
		logger.Error("credential issuance failed", zap.Error(err))
		b.notifier.SendToClient(ev.ConnectionID, "realtime-error", map[string]string{
			"message": "failed to establish realtime session",
		})
		return
	}
	metrics.CredentialIssuedTotal.Inc()

	dialStart := time.Now()
	conn, err := b.dialer.Dial(ctx, cred.APIKey)
	if err != nil {
		logger.Error("upstream dial failed", zap.Error(err))
		b.notifier.SendToClient(ev.ConnectionID, "realtime-error", map[string]string{
			"message": "failed to establish realtime session",
		})
		return
	}
	metrics.UpstreamDialSeconds.Observe(time.Since(dialStart).Seconds())

	sess := &session{conn: conn, cred: cred, open: true}
	b.mu.Lock()
	// The client may have disconnected while the credential and dial
	// were in flight. Its Disconnected callback has already run by
	// then, so registering now would leave the socket open forever.
	if !b.notifier.HasConnection(ev.ConnectionID) {
		b.mu.Unlock()
		_ = conn.Close()
		logger.Info("client gone before upstream session came up")
		return
	}
	// A racing offer may have already registered a session; if an old
	// one is still present, replace it.
	if old, ok := b.sessions[ev.ConnectionID]; ok {
		_ = old.conn.Close()
	}
	b.sessions[ev.ConnectionID] = sess
	b.mu.Unlock()
	metrics.ActiveUpstreamSessions.Inc()

	logger.Info("upstream session established",
		zap.String("source", ev.SourceLanguage),
		zap.String("target", ev.TargetLanguage),
	)

	b.notifier.SendToClient(ev.ConnectionID, "realtime-token", map[string]any{
		"token":   cred.APIKey,
		"session": cred.Session,
	})
	b.notifier.SendToClient(ev.ConnectionID, "realtime-ready", map[string]bool{"ok": true})

	go b.readLoop(ev.ConnectionID, sess)
}

// readLoop relays upstream frames to the client until the socket
// closes. Frames are parsed as JSON with a raw-text fallback; the
// socket is closed-on-first-error with no automatic reconnect.
func (b *Bridge) readLoop(id string, sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			b.logger.Info("upstream socket closed",
				zap.String("connection", id),
				zap.Error(err),
			)
			b.cleanup(id, sess)
			return
		}

		metrics.UpstreamMessagesTotal.WithLabelValues("inbound").Inc()
		b.forwardFrame(id, sess, data)
	}
}

// audioDelta is the shape of upstream frames carrying base64 audio in
// the session's negotiated output codec.
type audioDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// forwardFrame pushes one upstream frame to the client. Telephony
// audio deltas are transcoded to linear PCM16 before delivery so the
// client never has to know the wire codec; everything else is relayed
// as-is, with a raw-text fallback for non-JSON frames.
func (b *Bridge) forwardFrame(id string, sess *session, data []byte) {
	var ad audioDelta
	if err := json.Unmarshal(data, &ad); err == nil && isAudioDelta(ad) {
		if pcm, ok := b.decodeAudioDelta(sess, ad.Delta); ok {
			// Upstream audio runs at 24 kHz; the client render path
			// shares its 48 kHz capture clock.
			out := audio.Int16ToBytes(audio.Upsample24to48(audio.BytesToInt16(pcm)))
			b.notifier.SendToClient(id, "realtime-audio", map[string]any{
				"format":     string(audio.FormatPCM16),
				"sampleRate": 48000,
				"audio":      base64.StdEncoding.EncodeToString(out),
			})
			return
		}
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		parsed = string(data)
	}
	b.notifier.SendToClient(id, "realtime-event", parsed)
}

func isAudioDelta(ad audioDelta) bool {
	return strings.Contains(ad.Type, "audio") &&
		strings.Contains(ad.Type, "delta") &&
		!strings.Contains(ad.Type, "transcript") &&
		ad.Delta != ""
}

// decodeAudioDelta converts one base64 audio chunk from the session's
// output format to PCM16. PCM16 sessions pass through the transcoder
// unchanged. Undecodable chunks fall back to verbatim relay.
func (b *Bridge) decodeAudioDelta(sess *session, delta string) ([]byte, bool) {
	raw, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		return nil, false
	}
	format := audio.Format(sess.cred.Session.Audio.Output.Format)
	pcm, err := b.transcoder.Decode(raw, format)
	if err != nil {
		b.logger.Warn("audio delta transcode failed",
			zap.String("format", string(format)),
			zap.Error(err))
		return nil, false
	}
	return pcm, true
}

// AnswerReceived completes the client handshake; nothing to relay.
func (b *Bridge) AnswerReceived(ev signaling.AnswerEvent) {
	b.logger.Debug("client answer received", zap.String("connection", ev.ConnectionID))
}

// CandidateReceived is informational; ICE is exchanged peer-to-peer.
func (b *Bridge) CandidateReceived(ev signaling.CandidateEvent) {
	b.logger.Debug("client ice candidate", zap.String("connection", ev.ConnectionID))
}

// inputAppend is the client frame carrying captured audio destined
// for the upstream input buffer.
type inputAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// downsampleInput rewrites input_audio_buffer.append frames from the
// client's 48 kHz capture rate to the 24 kHz the upstream expects.
// Frames that do not parse as an append pass through untouched.
func downsampleInput(payload json.RawMessage) json.RawMessage {
	var in inputAppend
	if err := json.Unmarshal(payload, &in); err != nil ||
		in.Type != "input_audio_buffer.append" || in.Audio == "" {
		return payload
	}
	raw, err := base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		return payload
	}
	down := audio.Int16ToBytes(audio.Downsample48to24(audio.BytesToInt16(raw)))
	out, err := json.Marshal(inputAppend{
		Type:  in.Type,
		Audio: base64.StdEncoding.EncodeToString(down),
	})
	if err != nil {
		return payload
	}
	return out
}

// RelayReceived forwards a client event to the upstream socket,
// rewriting captured audio to the upstream sample rate on the way.
// Dropped with a warning if the socket is not open: stale commands
// must never be queued and replayed after a reconnect.
func (b *Bridge) RelayReceived(id string, payload json.RawMessage) {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		metrics.UpstreamDropsTotal.Inc()
		b.logger.Warn("dropping client event, no upstream session", zap.String("connection", id))
		return
	}

	payload = downsampleInput(payload)

	sess.writeMu.Lock()
	open := sess.open
	var err error
	if open {
		err = sess.conn.WriteMessage(websocket.TextMessage, payload)
	}
	sess.writeMu.Unlock()

	if !open {
		metrics.UpstreamDropsTotal.Inc()
		b.logger.Warn("dropping client event, upstream socket not open", zap.String("connection", id))
		return
	}
	if err != nil {
		metrics.UpstreamDropsTotal.Inc()
		b.logger.Warn("upstream write failed", zap.String("connection", id), zap.Error(err))
		return
	}
	metrics.UpstreamMessagesTotal.WithLabelValues("outbound").Inc()
}

// Disconnected implements signaling.Sink.
func (b *Bridge) Disconnected(id string) {
	b.Disconnect(id)
}

// Disconnect closes the upstream socket and discards the socket and
// credential records. Safe to call repeatedly.
func (b *Bridge) Disconnect(id string) {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	if ok {
		delete(b.sessions, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sess.writeMu.Lock()
	sess.open = false
	sess.writeMu.Unlock()
	_ = sess.conn.Close()
	metrics.ActiveUpstreamSessions.Dec()
	b.logger.Info("upstream session closed", zap.String("connection", id))
}

// cleanup removes the session after a socket-side close, but only if
// the registered session is still the one that failed.
func (b *Bridge) cleanup(id string, sess *session) {
	b.mu.Lock()
	cur, ok := b.sessions[id]
	if ok && cur == sess {
		delete(b.sessions, id)
	} else {
		ok = false
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	sess.writeMu.Lock()
	sess.open = false
	sess.writeMu.Unlock()
	_ = sess.conn.Close()
	metrics.ActiveUpstreamSessions.Dec()
}

// ActiveSessions returns the number of open upstream sockets.
func (b *Bridge) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Shutdown tears down every upstream session.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Disconnect(id)
	}
}
