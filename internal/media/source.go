package media

import (
	"context"
	"errors"
	"io"
)

// Capture failures the connection machine needs to distinguish: a
// denied permission is user-actionable, a missing device is not.
var (
	ErrPermissionDenied = errors.New("media: microphone permission denied")
	ErrNoDevice         = errors.New("media: no capture device available")
)

// Capture is an acquired audio input: a stream of 48kHz mono s16le
// PCM. Close releases the underlying device and is idempotent.
type Capture interface {
	// ReadPCM fills buf with raw s16le bytes and returns the count.
	// io.EOF marks the end of the stream.
	ReadPCM(buf []byte) (int, error)
	Close() error
}

// Source acquires local microphone media. Acquire returns
// ErrPermissionDenied or ErrNoDevice for the classified failure modes.
type Source interface {
	Acquire(ctx context.Context) (Capture, error)
}

// PCMSource adapts any s16le byte stream (a file, stdin, a pipe from a
// capture tool) into a Source. Used by the client binary.
type PCMSource struct {
	R io.Reader
}

// Acquire returns a Capture over the reader, or ErrNoDevice when no
// reader was configured.
func (s *PCMSource) Acquire(ctx context.Context) (Capture, error) {
	if s.R == nil {
		return nil, ErrNoDevice
	}
	return &readerCapture{r: s.R}, nil
}

type readerCapture struct {
	r      io.Reader
	closed bool
}

func (c *readerCapture) ReadPCM(buf []byte) (int, error) {
	if c.closed {
		return 0, io.EOF
	}
	return c.r.Read(buf)
}

func (c *readerCapture) Close() error {
	c.closed = true
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
