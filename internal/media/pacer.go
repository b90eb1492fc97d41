package media

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	sampleRate   = 48000
	frameSamples = 960 // 20ms at 48kHz
)

// NewMicrophoneTrack creates the outbound Opus track the client
// attaches to its peer connection.
func NewMicrophoneTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: sampleRate,
			Channels:  1,
		},
		"mic-audio",
		"koto-client",
	)
}

// PacedWriter encodes 48kHz mono s16le PCM into 20ms Opus frames and
// writes them to a WebRTC track at real-time pace.
type PacedWriter struct {
	enc    *opus.Encoder
	track  *webrtc.TrackLocalStaticSample
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
}

// NewPacedWriter constructs a writer and starts its pacing loop.
func NewPacedWriter(track *webrtc.TrackLocalStaticSample) (*PacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 256),
		stopCh: make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM buffers raw s16le bytes and emits full Opus frames.
func (w *PacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	need := len(pcmBytes) / 2
	start := len(w.pcmBuf)
	if cap(w.pcmBuf)-start < need {
		tmp := make([]int16, start, start+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:start+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[start+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= frameSamples {
		n, err := w.enc.Encode(w.pcmBuf[:frameSamples], opusBuf)
		if err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.push(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-frameSamples]
	}
}

// Reset drops queued frames and the partial PCM tail.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacing loop. Idempotent.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) pace() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

func (w *PacedWriter) push(pkt []byte) {
	select {
	case w.frames <- pkt:
	case <-w.stopCh:
	default:
		// Backlog full: drop the oldest to keep latency bounded.
		select {
		case <-w.frames:
		default:
		}
		select {
		case w.frames <- pkt:
		default:
		}
	}
}
