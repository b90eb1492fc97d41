package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zvbo/kotoTHAI/internal/ephemeral"
)

// Negotiator performs the two HTTP legs of session establishment:
// fetching an ephemeral credential and exchanging SDP with the
// realtime endpoint.
type Negotiator interface {
	CreateSession(ctx context.Context, sourceLang, targetLang string) (*ephemeral.Credential, error)
	ExchangeSDP(ctx context.Context, offerSDP, model, token string) (string, error)
}

// HTTPNegotiator talks to the agent server for credentials and to
// either the upstream directly or the server's SDP relay, depending
// on how SDPBaseURL is pointed.
type HTTPNegotiator struct {
	// ServerURL is the agent server base, e.g. http://localhost:8787.
	ServerURL string
	// SDPBaseURL receives the offer: the upstream /v1/realtime
	// endpoint for direct exchange, or the server's /api/realtime/sdp
	// relay when the client should not hold upstream reachability.
	SDPBaseURL string

	client *http.Client
}

const negotiateTimeout = 15 * time.Second

// NewHTTPNegotiator builds a negotiator with an explicit client
// timeout. http.DefaultClient never times out; a stalled negotiation
// would otherwise hang the connect sequence forever.
func NewHTTPNegotiator(serverURL, sdpBaseURL string, timeout time.Duration) *HTTPNegotiator {
	if timeout <= 0 {
		timeout = negotiateTimeout
	}
	return &HTTPNegotiator{
		ServerURL:  strings.TrimRight(serverURL, "/"),
		SDPBaseURL: strings.TrimRight(sdpBaseURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

type sessionParams struct {
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// CreateSession asks the agent server to mint an ephemeral upstream
// credential scoped to the given language pair.
func (n *HTTPNegotiator) CreateSession(ctx context.Context, sourceLang, targetLang string) (*ephemeral.Credential, error) {
	body, err := json.Marshal(sessionParams{SourceLanguage: sourceLang, TargetLanguage: targetLang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.ServerURL+"/api/ephemeral", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("create session: status %d: %s", resp.StatusCode, readErrBody(resp.Body))
	}
	var cred ephemeral.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("create session: decode: %w", err)
	}
	if cred.APIKey == "" {
		return nil, fmt.Errorf("create session: response missing credential")
	}
	return &cred, nil
}

// ExchangeSDP posts the local offer and returns the remote answer.
// Upstream failures come back with status and body intact so the
// caller sees the real rejection, not a paraphrase.
func (n *HTTPNegotiator) ExchangeSDP(ctx context.Context, offerSDP, model, token string) (string, error) {
	u := n.SDPBaseURL + "?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(offerSDP))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/sdp")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sdp exchange: status %d: %s", resp.StatusCode, readErrBody(resp.Body))
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: read answer: %w", err)
	}
	if len(answer) == 0 {
		return "", fmt.Errorf("sdp exchange: empty answer")
	}
	return string(answer), nil
}

func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(b))
}
