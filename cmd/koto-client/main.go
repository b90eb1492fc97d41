package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zvbo/kotoTHAI/internal/config"
	"github.com/zvbo/kotoTHAI/internal/ephemeral"
	"github.com/zvbo/kotoTHAI/internal/media"
	"github.com/zvbo/kotoTHAI/internal/realtime"
)

// koto-client is a headless session client: it reads 48kHz mono s16le
// PCM on stdin, drives one realtime translation session against the
// agent server, and prints finalized messages as JSON lines.
func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8787", "agent server base URL")
		source    = flag.String("source", "zh", "source language code")
		target    = flag.String("target", "th", "target language code")
		direct    = flag.String("sdp-url", "", "override SDP endpoint (defaults to the server relay)")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg := config.Load()

	sdpURL := *direct
	if sdpURL == "" {
		sdpURL = *serverURL + "/api/realtime/sdp"
	}
	negotiator := realtime.NewHTTPNegotiator(*serverURL, sdpURL, cfg.HTTPTimeout)

	newPeer, err := realtime.NewPionPeerFactory()
	if err != nil {
		logger.Fatal("webrtc setup failed", zap.Error(err))
	}

	out := json.NewEncoder(os.Stdout)
	machine, err := realtime.NewMachine(realtime.Options{
		Source:          &media.PCMSource{R: os.Stdin},
		Negotiator:      negotiator,
		NewPeer:         newPeer,
		Logger:          logger,
		SourceLanguage:  *source,
		TargetLanguage:  *target,
		TranscribeModel: cfg.TranscribeModel,
		VAD: &ephemeral.TurnDetection{
			Type:            "server_vad",
			Threshold:       cfg.VADThreshold,
			PrefixPaddingMs: cfg.VADPrefixMs,
			SilenceDuration: cfg.VADSilenceMs,
			CreateResponse:  true,
		},
		STUNServers:   cfg.STUNServers,
		TURNServer:    cfg.TURNServer,
		TURNUsername:  cfg.TURNUser,
		TURNPassword:  cfg.TURNPass,
		FlushDebounce: cfg.FlushDebounce,
		OnMessage: func(msg realtime.Message) {
			out.Encode(msg)
		},
		OnError: func(serr *realtime.SessionError) {
			fmt.Fprintf(os.Stderr, "session error (%s): %s\n", serr.Kind, serr.Message)
		},
	})
	if err != nil {
		logger.Fatal("client setup failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = machine.Connect(ctx)
	cancel()
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}
	logger.Info("session live",
		zap.String("source", *source),
		zap.String("target", *target))

	// First SIGINT is treated as an interruption (clean teardown with
	// a classified notification); a second one exits.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	machine.HandleInterruption("terminal interrupt")

	select {
	case <-quit:
	case <-time.After(2 * time.Second):
	}
	logger.Info("bye")
}
