package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/bridge"
	"github.com/zvbo/kotoTHAI/internal/config"
	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/handler"
	"github.com/zvbo/kotoTHAI/internal/signaling"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	if cfg.UpstreamAPIKey == "" {
		logger.Fatal("UPSTREAM_API_KEY is required")
	}
	logger.Info("agent-server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("model", cfg.Model),
		zap.String("voice", cfg.Voice),
	)

	issuer := ephemeral.NewIssuer(ephemeral.IssuerOptions{
		BaseURL:         cfg.UpstreamBaseURL,
		APIKey:          cfg.UpstreamAPIKey,
		Model:           cfg.Model,
		Voice:           cfg.Voice,
		TranscribeModel: cfg.TranscribeModel,
		VAD: ephemeral.TurnDetection{
			Type:            "server_vad",
			Threshold:       cfg.VADThreshold,
			PrefixPaddingMs: cfg.VADPrefixMs,
			SilenceDuration: cfg.VADSilenceMs,
			CreateResponse:  true,
		},
		Timeout: cfg.HTTPTimeout,
		Logger:  logger,
	})

	gw := signaling.NewGateway(logger)
	dialer := bridge.NewWSDialer(
		cfg.UpstreamWSURL+"?model="+url.QueryEscape(cfg.Model),
		cfg.WSHandshakeTimeout,
	)
	br := bridge.New(issuer, dialer, gw, logger)
	gw.SetSink(br)

	h := handler.NewHandlers(handler.Options{
		Logger:          logger,
		Issuer:          issuer,
		Connections:     gw,
		Sessions:        br,
		UpstreamBaseURL: cfg.UpstreamBaseURL,
		Model:           cfg.Model,
		HTTPTimeout:     cfg.HTTPTimeout,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler.NewRouter(h, logger, gw.ServeWS),
		// No blanket read/write timeouts: /ws connections are
		// long-lived. Slowloris protection comes from the header
		// deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	br.Shutdown()
	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
