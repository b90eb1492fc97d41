package ephemeral

// TurnDetection holds the server-side voice activity parameters sent
// with a session request.
type TurnDetection struct {
	Type            string  `json:"type"`
	Threshold       float64 `json:"threshold,omitempty"`
	PrefixPaddingMs int     `json:"prefix_padding_ms,omitempty"`
	SilenceDuration int     `json:"silence_duration_ms,omitempty"`
	CreateResponse  bool    `json:"create_response,omitempty"`
}

// AudioInput describes the client-to-upstream audio leg.
type AudioInput struct {
	Format string `json:"format"`
}

// AudioOutput describes the upstream-to-client audio leg.
type AudioOutput struct {
	Format string  `json:"format"`
	Voice  string  `json:"voice"`
	Speed  float64 `json:"speed"`
}

// Audio pairs the two legs of a session's audio configuration.
type Audio struct {
	Input  AudioInput  `json:"input"`
	Output AudioOutput `json:"output"`
}

// Session is the baseline configuration returned to the client along
// with a credential.
type Session struct {
	Model         string        `json:"model"`
	Instructions  string        `json:"instructions"`
	Voice         string        `json:"voice"`
	TurnDetection TurnDetection `json:"turn_detection"`
	Audio         Audio         `json:"audio"`
}

// Credential is a short-lived upstream token plus the session baseline.
// Never persisted; discarded when the connection ends.
type Credential struct {
	APIKey  string  `json:"apiKey"`
	Session Session `json:"session"`
}
