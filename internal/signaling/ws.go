package signaling

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The app is served from arbitrary origins (Expo dev, web).
		return true
	},
}

// ServeWS upgrades an HTTP request to a signaling connection and runs
// its read loop until the peer disconnects.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	g.register(id, conn)
	defer g.Disconnect(id)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		g.dispatch(id, data)
	}
}

// dispatch parses one inbound frame and routes it. Malformed frames
// are logged and dropped; a relay must not fail the connection over a
// single bad message.
func (g *Gateway) dispatch(id string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		g.logger.Warn("unparseable signaling frame", zap.String("connection", id), zap.Error(err))
		return
	}

	switch strings.ToLower(env.Type) {
	case "offer":
		var p OfferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SDP == "" {
			g.logger.Warn("invalid offer payload", zap.String("connection", id))
			return
		}
		g.SubmitOffer(id, p.SDP, p.SourceLanguage, p.TargetLanguage)
	case "answer":
		var p AnswerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.SDP == "" {
			return
		}
		g.SubmitAnswer(id, p.SDP)
	case "candidate":
		var p CandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Candidate == "" {
			return
		}
		g.SubmitCandidate(id, p)
	case "relay":
		if len(env.Payload) == 0 {
			return
		}
		g.SubmitRelay(id, env.Payload)
	default:
		// Unknown types are ignored for forward compatibility.
	}
}
