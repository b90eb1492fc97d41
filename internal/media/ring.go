package media

import "sync"

// bytesPerSecond for the capture format: 48kHz mono s16le.
const bytesPerSecond = sampleRate * 2

// Ring is a fixed-duration circular buffer of capture PCM. It backs
// the recent-audio diagnostic snapshot; the oldest audio is silently
// overwritten when full. Safe for one writer and any readers.
type Ring struct {
	mu       sync.Mutex
	buf      []byte
	writePos int
	capacity int
	written  int
}

// NewRing creates a ring holding the given number of seconds of audio.
func NewRing(seconds int) *Ring {
	capacity := seconds * bytesPerSecond
	return &Ring{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends PCM, overwriting the oldest audio when full.
func (r *Ring) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(data) > 0 {
		n := copy(r.buf[r.writePos:], data)
		data = data[n:]
		r.writePos = (r.writePos + n) % r.capacity
		r.written += n
	}
}

// Snapshot copies out the most recent N seconds, or everything
// written so far when less is available.
func (r *Ring) Snapshot(seconds int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	requested := seconds * bytesPerSecond
	if requested > r.capacity {
		requested = r.capacity
	}
	available := r.written
	if available > r.capacity {
		available = r.capacity
	}
	if requested > available {
		requested = available
	}
	if requested == 0 {
		return nil
	}

	out := make([]byte, requested)
	start := (r.writePos - requested + r.capacity) % r.capacity
	if start+requested <= r.capacity {
		copy(out, r.buf[start:start+requested])
	} else {
		first := r.capacity - start
		copy(out[:first], r.buf[start:])
		copy(out[first:], r.buf[:requested-first])
	}
	return out
}

// Available reports how many seconds of audio are currently stored.
func (r *Ring) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	available := r.written
	if available > r.capacity {
		available = r.capacity
	}
	return float64(available) / float64(bytesPerSecond)
}
