package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Format identifies the wire encoding of an audio buffer.
type Format string

const (
	FormatPCM16 Format = "pcm16"
	FormatULaw  Format = "g711_ulaw"
	FormatALaw  Format = "g711_alaw"
)

// Config describes the stream a Transcoder operates on.
type Config struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Format     Format
}

// DefaultConfig matches the upstream realtime service: 24kHz mono PCM16.
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		Channels:   1,
		BitDepth:   16,
		Format:     FormatPCM16,
	}
}

const muLawBias = 0x84

// Transcoder converts between linear PCM16 and the G.711 telephony
// codecs. It holds no mutable state and is safe for concurrent use.
type Transcoder struct {
	cfg Config
}

// NewTranscoder creates a Transcoder for the given stream config.
func NewTranscoder(cfg Config) *Transcoder {
	return &Transcoder{cfg: cfg}
}

// Config returns a copy of the transcoder's stream configuration.
func (t *Transcoder) Config() Config {
	return t.cfg
}

// Decode converts an encoded buffer to little-endian PCM16.
// PCM16 input passes through unchanged. The buffer must be aligned to
// whole frames for the configured format.
func (t *Transcoder) Decode(data []byte, format Format) ([]byte, error) {
	if err := t.validate(data, format); err != nil {
		return nil, err
	}
	switch format {
	case FormatPCM16:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case FormatULaw:
		out := make([]byte, len(data)*2)
		for i, b := range data {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeMuLawSample(b)))
		}
		return out, nil
	case FormatALaw:
		out := make([]byte, len(data)*2)
		for i, b := range data {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(DecodeALawSample(b)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decode: unsupported format %q", format)
	}
}

// Encode converts PCM16 to the configured output format. Only PCM16
// output is supported; the encode direction for the log codecs is
// handled upstream, so already-linear data passes through.
func (t *Transcoder) Encode(pcm []byte) ([]byte, error) {
	if err := t.validate(pcm, FormatPCM16); err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

// DecodeMuLawSample expands one μ-law byte to a linear 16-bit sample.
func DecodeMuLawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := int32(mantissa) << (exponent + 3)
	sample += muLawBias
	if exponent != 0 {
		sample += 1 << (exponent + 2)
	}
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// DecodeALawSample expands one A-law byte to a linear 16-bit sample.
func DecodeALawSample(a byte) int16 {
	sign := a & 0x80
	exponent := (a >> 4) & 0x07
	mantissa := int32(a & 0x0F)

	if exponent == 0 {
		mantissa <<= 4
	} else {
		mantissa = (mantissa<<4 | 0x08) << (exponent - 1)
	}
	if sign != 0 {
		return int16(-mantissa)
	}
	return int16(mantissa)
}

// Validate reports whether the buffer is non-empty and aligned to whole
// frames of the transcoder's configured format.
func (t *Transcoder) Validate(data []byte) error {
	return t.validate(data, t.cfg.Format)
}

func (t *Transcoder) validate(data []byte, format Format) error {
	if len(data) == 0 {
		return fmt.Errorf("audio: empty buffer")
	}
	align := t.frameAlignment(format)
	if len(data)%align != 0 {
		return fmt.Errorf("audio: buffer length %d not aligned to %d-byte frames", len(data), align)
	}
	return nil
}

// frameAlignment is the byte size of one frame: sample width times
// channel count. The log codecs are always one byte per sample.
func (t *Transcoder) frameAlignment(format Format) int {
	channels := t.cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	if format == FormatULaw || format == FormatALaw {
		return channels
	}
	bytesPerSample := t.cfg.BitDepth / 8
	if bytesPerSample <= 0 {
		bytesPerSample = 2
	}
	return bytesPerSample * channels
}

// Duration derives playback length from a PCM byte count. Diagnostic
// only; a misconfigured rate yields a wrong but harmless value.
func (t *Transcoder) Duration(data []byte) time.Duration {
	bytesPerSample := t.cfg.BitDepth / 8
	if bytesPerSample <= 0 || t.cfg.Channels <= 0 || t.cfg.SampleRate <= 0 {
		return 0
	}
	samples := len(data) / (bytesPerSample * t.cfg.Channels)
	return time.Duration(float64(samples) / float64(t.cfg.SampleRate) * float64(time.Second))
}
