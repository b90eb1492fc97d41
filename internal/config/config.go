package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds agent-server and client settings. All values come from
// the environment with working defaults for local development.
type Config struct {
	ListenAddr string

	// Upstream realtime service.
	UpstreamBaseURL string
	UpstreamWSURL   string
	UpstreamAPIKey  string
	Model           string
	Voice           string
	TranscribeModel string

	// Explicit deadlines on upstream calls. The original relied on
	// transport defaults; these are now configurable.
	HTTPTimeout        time.Duration
	WSHandshakeTimeout time.Duration

	// Server-side VAD parameters passed through session configuration.
	VADThreshold float64
	VADPrefixMs  int
	VADSilenceMs int

	// Relay servers offered to clients.
	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string

	// Client-side turn segmentation.
	FlushDebounce time.Duration
}

// Load reads environment variables (and an optional .env file) and
// returns a Config with defaults applied.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	return &Config{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8787"),
		UpstreamBaseURL:    getEnv("UPSTREAM_BASE_URL", "https://api.openai.com"),
		UpstreamWSURL:      getEnv("UPSTREAM_WS_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:     os.Getenv("UPSTREAM_API_KEY"),
		Model:              getEnv("REALTIME_MODEL", "gpt-realtime-2025-08-28"),
		Voice:              getEnv("REALTIME_VOICE", "marin"),
		TranscribeModel:    getEnv("TRANSCRIBE_MODEL", "gpt-4o-transcribe"),
		HTTPTimeout:        getDuration("UPSTREAM_HTTP_TIMEOUT", 15*time.Second),
		WSHandshakeTimeout: getDuration("UPSTREAM_WS_TIMEOUT", 10*time.Second),
		VADThreshold:       getFloat("VAD_THRESHOLD", 0.5),
		VADPrefixMs:        getInt("VAD_PREFIX_MS", 300),
		VADSilenceMs:       getInt("VAD_SILENCE_MS", 2200),
		STUNServers:        getList("STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		TURNServer:         os.Getenv("TURN_SERVER"),
		TURNUser:           os.Getenv("TURN_USER"),
		TURNPass:           os.Getenv("TURN_PASS"),
		FlushDebounce:      getDuration("FLUSH_DEBOUNCE", 600*time.Millisecond),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
