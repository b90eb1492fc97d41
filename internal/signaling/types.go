package signaling

import "encoding/json"

// Envelope is the wrapper for every message on the signaling socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OfferPayload carries the client's SDP offer and language pair.
type OfferPayload struct {
	SDP            string `json:"sdp"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// AnswerPayload carries a remote SDP answer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// OfferEvent is emitted when a connection submits its offer.
type OfferEvent struct {
	ConnectionID   string
	SDP            string
	SourceLanguage string
	TargetLanguage string
}

// AnswerEvent is emitted when a connection submits an answer.
type AnswerEvent struct {
	ConnectionID string
	SDP          string
}

// CandidateEvent is emitted for each ICE candidate a connection sends.
type CandidateEvent struct {
	ConnectionID string
	Candidate    CandidatePayload
}

// Sink receives typed signaling events. The bridge registers one; a
// nil sink drops events.
type Sink interface {
	OfferReceived(OfferEvent)
	AnswerReceived(AnswerEvent)
	CandidateReceived(CandidateEvent)
	// RelayReceived carries a raw client event destined for the
	// upstream session socket.
	RelayReceived(connectionID string, payload json.RawMessage)
	Disconnected(connectionID string)
}
