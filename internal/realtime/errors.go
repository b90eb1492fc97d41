package realtime

import "fmt"

// Kind classifies a session failure so the application can choose how
// to present it.
type Kind int

const (
	// KindPermission: microphone denied or absent. User-actionable.
	KindPermission Kind = iota
	// KindNegotiation: credential issuance or SDP exchange failed.
	// Transient; safe to retry via Reconnect.
	KindNegotiation
	// KindNetwork: socket or peer-connection failure after
	// establishment. Triggers full teardown.
	KindNetwork
	// KindInterruption: external lifecycle event (backgrounded,
	// network lost, competing audio session). Not an alarm.
	KindInterruption
)

func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "permission"
	case KindNegotiation:
		return "negotiation"
	case KindNetwork:
		return "network"
	case KindInterruption:
		return "interruption"
	default:
		return "unknown"
	}
}

// SessionError is one classified, human-readable connection failure.
type SessionError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionErr(kind Kind, message string, err error) *SessionError {
	return &SessionError{Kind: kind, Message: message, Err: err}
}
