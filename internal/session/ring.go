package session

import "sync"

// ScrollbackCap bounds the per-session replay buffer. Oldest bytes are
// discarded on overflow.
const ScrollbackCap = 256 * 1024

type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size), size: size}
}

func (r *ringBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % r.size
		if r.pos == 0 {
			r.full = true
		}
	}
}

// Bytes returns a copy of the buffered output, oldest first.
func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesLocked()
}

func (r *ringBuffer) bytesLocked() []byte {
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...)
	}
	result := make([]byte, r.size)
	copy(result, r.buf[r.pos:])
	copy(result[r.size-r.pos:], r.buf[:r.pos])
	return result
}

// Take returns the buffered output and resets the buffer to empty.
// Used on reattach: the scrollback is flushed exactly once.
func (r *ringBuffer) Take() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.bytesLocked()
	r.pos = 0
	r.full = false
	return out
}

func (r *ringBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}
