package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/metrics"
)

// CredentialIssuer mints short-lived upstream credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context, sourceLang, targetLang string) (*ephemeral.Credential, error)
}

// ConnectionCounter reports live signaling connections.
type ConnectionCounter interface {
	ActiveConnections() int
}

// SessionCounter reports live upstream bridge sessions.
type SessionCounter interface {
	ActiveSessions() int
}

// Handlers holds dependencies for the HTTP API.
type Handlers struct {
	logger      *zap.Logger
	issuer      CredentialIssuer
	connections ConnectionCounter
	sessions    SessionCounter

	upstreamBaseURL string
	model           string
	httpClient      *http.Client
	started         time.Time
}

// Options configures NewHandlers. Issuer is required; nil counters
// report zero.
type Options struct {
	Logger          *zap.Logger
	Issuer          CredentialIssuer
	Connections     ConnectionCounter
	Sessions        SessionCounter
	UpstreamBaseURL string
	Model           string
	HTTPTimeout     time.Duration
}

// NewHandlers creates the API handler set.
func NewHandlers(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	return &Handlers{
		logger:          opts.Logger,
		issuer:          opts.Issuer,
		connections:     opts.Connections,
		sessions:        opts.Sessions,
		upstreamBaseURL: strings.TrimRight(opts.UpstreamBaseURL, "/"),
		model:           opts.Model,
		httpClient:      &http.Client{Timeout: opts.HTTPTimeout},
		started:         time.Now(),
	}
}

type ephemeralRequest struct {
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
}

// CreateEphemeral handles POST /api/ephemeral: mints an upstream
// credential scoped to the requested language pair.
func (h *Handlers) CreateEphemeral(w http.ResponseWriter, r *http.Request) {
	var req ephemeralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceLanguage == "" || req.TargetLanguage == "" {
		writeError(w, http.StatusBadRequest, "sourceLanguage and targetLanguage are required")
		return
	}

	cred, err := h.issuer.Issue(r.Context(), req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		h.logger.Warn("credential issuance failed",
			zap.String("source", req.SourceLanguage),
			zap.String("target", req.TargetLanguage),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream credential issuance failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cred)
}

// RelaySDP handles POST /api/realtime/sdp: forwards the client's SDP
// offer to the upstream realtime endpoint and streams the answer
// back. Upstream rejections pass through with status and body intact
// so the client sees the real reason.
func (h *Handlers) RelaySDP(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = h.model
	}

	offer, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(offer) == 0 {
		writeError(w, http.StatusBadRequest, "missing sdp offer")
		return
	}

	u := fmt.Sprintf("%s/v1/realtime?model=%s", h.upstreamBaseURL, url.QueryEscape(model))
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, u, strings.NewReader(string(offer)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/sdp")
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	metrics.SDPExchangeSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		h.logger.Warn("sdp relay failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/sdp")
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// Status handles GET /api/status.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	conns, sessions := 0, 0
	if h.connections != nil {
		conns = h.connections.ActiveConnections()
	}
	if h.sessions != nil {
		sessions = h.sessions.ActiveSessions()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":            "ok",
		"model":             h.model,
		"uptimeSeconds":     int(time.Since(h.started).Seconds()),
		"activeConnections": conns,
		"activeSessions":    sessions,
	})
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
