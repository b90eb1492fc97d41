package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/metrics"
)

// State tracks a connection record's lifecycle.
type State int

const (
	StateNew State = iota
	StateAnswered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAnswered:
		return "answered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// clientConn is the write side of one signaling connection. Satisfied
// by *websocket.Conn.
type clientConn interface {
	WriteJSON(v any) error
	Close() error
}

// record is the per-connection state owned by the Gateway.
type record struct {
	id             string
	state          State
	offer          string
	answer         string
	sourceLanguage string
	targetLanguage string
	created        time.Time

	conn    clientConn
	writeMu sync.Mutex
}

// Gateway keeps one record per live signaling connection and re-emits
// inbound control messages as typed events. A record is attached at
// transport upgrade so pushes can be delivered during negotiation; the
// connection counts as active once its first offer arrives, and the
// record is destroyed on disconnect.
type Gateway struct {
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*record
	sink  Sink
}

// NewGateway creates an empty Gateway.
func NewGateway(logger *zap.Logger) *Gateway {
	return &Gateway{
		logger: logger,
		conns:  make(map[string]*record),
	}
}

// SetSink registers the consumer of signaling events. Must be called
// before connections are accepted.
func (g *Gateway) SetSink(sink Sink) {
	g.sink = sink
}

// register attaches a transport to a connection id before any offer
// has arrived, so pushes can be delivered during negotiation.
func (g *Gateway) register(id string, conn clientConn) {
	g.mu.Lock()
	g.conns[id] = &record{id: id, state: StateNew, conn: conn, created: time.Now()}
	g.mu.Unlock()
	metrics.ActiveConnections.Inc()
	g.logger.Info("signaling connection registered", zap.String("connection", id))
}

// SubmitOffer stores the offer and language pair on the connection
// record and emits an offer-received event.
func (g *Gateway) SubmitOffer(id, sdp, sourceLang, targetLang string) {
	g.mu.Lock()
	rec, ok := g.conns[id]
	if ok {
		rec.offer = sdp
		rec.sourceLanguage = sourceLang
		rec.targetLanguage = targetLang
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues("offer").Inc()
	if g.sink != nil {
		g.sink.OfferReceived(OfferEvent{
			ConnectionID:   id,
			SDP:            sdp,
			SourceLanguage: sourceLang,
			TargetLanguage: targetLang,
		})
	}
}

// SubmitAnswer records the answer if the connection still exists.
// A missing record means the peer already went away; that is expected
// and silently ignored.
func (g *Gateway) SubmitAnswer(id, sdp string) {
	g.mu.Lock()
	rec, ok := g.conns[id]
	if ok {
		rec.answer = sdp
		rec.state = StateAnswered
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues("answer").Inc()
	if g.sink != nil {
		g.sink.AnswerReceived(AnswerEvent{ConnectionID: id, SDP: sdp})
	}
}

// SubmitCandidate forwards an ICE candidate if the connection exists.
func (g *Gateway) SubmitCandidate(id string, cand CandidatePayload) {
	g.mu.RLock()
	_, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues("candidate").Inc()
	if g.sink != nil {
		g.sink.CandidateReceived(CandidateEvent{ConnectionID: id, Candidate: cand})
	}
}

// SubmitRelay hands a raw client event to the sink for upstream
// forwarding, if the connection exists.
func (g *Gateway) SubmitRelay(id string, payload json.RawMessage) {
	g.mu.RLock()
	_, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		return
	}

	metrics.SignalingMessagesTotal.WithLabelValues("relay").Inc()
	if g.sink != nil {
		g.sink.RelayReceived(id, payload)
	}
}

// SendToClient pushes an event to one connection. Fire and forget: if
// the connection is gone or the write fails, the event is dropped.
func (g *Gateway) SendToClient(id, event string, payload any) {
	g.mu.RLock()
	rec, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		metrics.SignalingDropsTotal.Inc()
		return
	}

	rec.writeMu.Lock()
	err := rec.conn.WriteJSON(map[string]any{"type": event, "payload": payload})
	rec.writeMu.Unlock()
	if err != nil {
		metrics.SignalingDropsTotal.Inc()
		g.logger.Warn("client push failed",
			zap.String("connection", id),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Disconnect removes the record and notifies the sink. Idempotent.
func (g *Gateway) Disconnect(id string) {
	g.mu.Lock()
	rec, ok := g.conns[id]
	if ok {
		rec.state = StateClosed
		delete(g.conns, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	_ = rec.conn.Close()
	metrics.ActiveConnections.Dec()
	if g.sink != nil {
		g.sink.Disconnected(id)
	}
	g.logger.Info("signaling connection closed",
		zap.String("connection", id),
		zap.Duration("lifetime", time.Since(rec.created)),
	)
}

// HasConnection reports whether the signaling connection is still
// live.
func (g *Gateway) HasConnection(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[id]
	return ok
}

// ActiveConnections returns the number of connections whose first
// offer has arrived. Registered transports still negotiating do not
// count.
func (g *Gateway) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, rec := range g.conns {
		if rec.offer != "" {
			n++
		}
	}
	return n
}

// Shutdown closes every connection.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Disconnect(id)
	}
}
