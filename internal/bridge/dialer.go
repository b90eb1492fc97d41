package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens websocket connections to the upstream realtime
// service with an explicit handshake deadline.
type WSDialer struct {
	url     string
	timeout time.Duration
}

// NewWSDialer creates a dialer for the given realtime endpoint, e.g.
// wss://api.openai.com/v1/realtime.
func NewWSDialer(url string, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WSDialer{url: url, timeout: handshakeTimeout}
}

// Dial connects using the per-session ephemeral token.
func (d *WSDialer) Dial(ctx context.Context, token string) (upstreamConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.timeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial upstream realtime: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial upstream realtime: %w", err)
	}
	return conn, nil
}
