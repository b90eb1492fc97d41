package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestDecodeMuLawSample(t *testing.T) {
	// 0xFF inverts to 0x00: sign=0, exponent=0, mantissa=0.
	// magnitude = (0 << 3) + 0x84 = 132, positive.
	if got := DecodeMuLawSample(0xFF); got != 132 {
		t.Errorf("DecodeMuLawSample(0xFF) = %d, want 132", got)
	}
	// 0x7F inverts to 0x80: sign set, exponent=0, mantissa=0 → -132.
	if got := DecodeMuLawSample(0x7F); got != -132 {
		t.Errorf("DecodeMuLawSample(0x7F) = %d, want -132", got)
	}
	// 0x00 inverts to 0xFF: sign set, exponent=7, mantissa=15.
	// magnitude = (15 << 10) + 0x84 + (1 << 9) = 15360 + 132 + 512.
	if got := DecodeMuLawSample(0x00); got != -16004 {
		t.Errorf("DecodeMuLawSample(0x00) = %d, want -16004", got)
	}
}

func TestDecodeALawSample(t *testing.T) {
	// exponent=0: mantissa shifted left 4.
	if got := DecodeALawSample(0x0F); got != 0xF0 {
		t.Errorf("DecodeALawSample(0x0F) = %d, want %d", got, 0xF0)
	}
	// sign bit negates.
	if got := DecodeALawSample(0x8F); got != -0xF0 {
		t.Errorf("DecodeALawSample(0x8F) = %d, want %d", got, -0xF0)
	}
	// exponent=7, mantissa=15: ((15<<4)|0x08) << 6 = 248 << 6.
	if got := DecodeALawSample(0x7F); got != 248<<6 {
		t.Errorf("DecodeALawSample(0x7F) = %d, want %d", got, 248<<6)
	}
}

func TestDecodeDoublesLength(t *testing.T) {
	tr := NewTranscoder(DefaultConfig())
	for _, format := range []Format{FormatULaw, FormatALaw} {
		in := make([]byte, 160)
		for i := range in {
			in[i] = byte(i)
		}
		out, err := tr.Decode(in, format)
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", format, err)
		}
		if len(out) != 2*len(in) {
			t.Errorf("Decode(%s): len = %d, want %d", format, len(out), 2*len(in))
		}
		// Deterministic: same input, same output.
		again, err := tr.Decode(in, format)
		if err != nil {
			t.Fatalf("Decode(%s) second pass failed: %v", format, err)
		}
		if !bytes.Equal(out, again) {
			t.Errorf("Decode(%s) is not deterministic", format)
		}
	}
}

func TestDecodePCMPassthrough(t *testing.T) {
	tr := NewTranscoder(DefaultConfig())
	in := []byte{0x01, 0x02, 0x03, 0x04}
	out, err := tr.Decode(in, FormatPCM16)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Error("PCM16 decode should pass through unchanged")
	}
	// Returned buffer must be a copy, not an alias.
	out[0] = 0xFF
	if in[0] == 0xFF {
		t.Error("Decode returned an aliased buffer")
	}
}

func TestValidateRejectsMisalignment(t *testing.T) {
	cases := []struct {
		name     string
		channels int
		bitDepth int
		length   int
		wantErr  bool
	}{
		{"mono16 aligned", 1, 16, 320, false},
		{"mono16 odd", 1, 16, 321, true},
		{"stereo16 aligned", 2, 16, 640, false},
		{"stereo16 off-by-two", 2, 16, 642, true},
		{"empty", 1, 16, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := NewTranscoder(Config{
				SampleRate: 24000,
				Channels:   tc.channels,
				BitDepth:   tc.bitDepth,
				Format:     FormatPCM16,
			})
			err := tr.Validate(make([]byte, tc.length))
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate(len=%d): err = %v, wantErr = %v", tc.length, err, tc.wantErr)
			}
		})
	}
}

func TestDecodeRejectsMisalignedULawStereo(t *testing.T) {
	tr := NewTranscoder(Config{SampleRate: 8000, Channels: 2, BitDepth: 16, Format: FormatULaw})
	if _, err := tr.Decode(make([]byte, 161), FormatULaw); err == nil {
		t.Error("expected alignment error for odd-length stereo μ-law buffer")
	}
	if _, err := tr.Decode(make([]byte, 160), FormatULaw); err != nil {
		t.Errorf("aligned stereo μ-law buffer rejected: %v", err)
	}
}

func TestDuration(t *testing.T) {
	tr := NewTranscoder(DefaultConfig())
	// 24000 samples of mono 16-bit = 48000 bytes = 1 second.
	if got := tr.Duration(make([]byte, 48000)); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := tr.Duration(make([]byte, 4800)); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
}

func TestResampleRoundTrip(t *testing.T) {
	in := []int16{100, 100, -200, -200, 300, 300}
	down := Downsample48to24(in)
	if len(down) != 3 {
		t.Fatalf("Downsample48to24 len = %d, want 3", len(down))
	}
	up := Upsample24to48(down)
	if len(up) != 6 {
		t.Fatalf("Upsample24to48 len = %d, want 6", len(up))
	}
	for i, s := range down {
		if up[i*2] != s || up[i*2+1] != s {
			t.Errorf("upsampled pair %d = (%d,%d), want (%d,%d)", i, up[i*2], up[i*2+1], s, s)
		}
	}
}

func TestInt16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := BytesToInt16(Int16ToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("round trip len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}
