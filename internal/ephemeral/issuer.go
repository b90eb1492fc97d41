package ephemeral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Issuer requests short-lived session credentials from the upstream
// realtime service, scoped to a language pair via an interpreter
// persona.
type Issuer struct {
	baseURL         string
	apiKey          string
	model           string
	voice           string
	transcribeModel string
	vad             TurnDetection
	httpClient      *http.Client
	logger          *zap.Logger
}

// IssuerOptions configures an Issuer.
type IssuerOptions struct {
	BaseURL         string
	APIKey          string
	Model           string
	Voice           string
	TranscribeModel string
	VAD             TurnDetection
	Timeout         time.Duration
	Logger          *zap.Logger
}

// NewIssuer creates an Issuer with an explicit request deadline.
func NewIssuer(opts IssuerOptions) *Issuer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		baseURL:         opts.BaseURL,
		apiKey:          opts.APIKey,
		model:           opts.Model,
		voice:           opts.Voice,
		transcribeModel: opts.TranscribeModel,
		vad:             opts.VAD,
		httpClient:      &http.Client{Timeout: timeout},
		logger:          logger,
	}
}

type sessionRequest struct {
	Model        string         `json:"model"`
	Modalities   []string       `json:"modalities"`
	Voice        string         `json:"voice"`
	Instructions string         `json:"instructions"`
	Temperature  float64        `json:"temperature"`
	TurnDetect   TurnDetection  `json:"turn_detection"`
	Transcribe   map[string]any `json:"input_audio_transcription"`
}

type sessionResponse struct {
	ClientSecret struct {
		Value string `json:"value"`
	} `json:"client_secret"`
}

// Issue creates an upstream session for the language pair and returns
// the credential plus the baseline session configuration the client
// should apply.
func (i *Issuer) Issue(ctx context.Context, sourceLang, targetLang string) (*Credential, error) {
	instructions := BuildInstructions(sourceLang, targetLang)

	vad := i.vad
	if vad.Type == "" {
		vad.Type = "server_vad"
	}
	vad.CreateResponse = true

	body, err := json.Marshal(sessionRequest{
		Model:        i.model,
		Modalities:   []string{"text", "audio"},
		Voice:        i.voice,
		Instructions: instructions,
		Temperature:  0.7,
		TurnDetect:   vad,
		Transcribe:   map[string]any{"model": i.transcribeModel},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		i.baseURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create upstream session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream session request failed: status %d: %s", resp.StatusCode, payload)
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if sr.ClientSecret.Value == "" {
		return nil, fmt.Errorf("upstream session response carried no client secret")
	}

	i.logger.Info("upstream session created",
		zap.String("source", sourceLang),
		zap.String("target", targetLang),
		zap.String("model", i.model),
	)

	return &Credential{
		APIKey: sr.ClientSecret.Value,
		Session: Session{
			Model:         i.model,
			Instructions:  instructions,
			Voice:         i.voice,
			TurnDetection: vad,
			Audio: Audio{
				Input:  AudioInput{Format: "pcm16"},
				Output: AudioOutput{Format: "g711_ulaw", Voice: i.voice, Speed: 1.0},
			},
		},
	}, nil
}
