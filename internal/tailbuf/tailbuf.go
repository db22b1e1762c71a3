// Package tailbuf provides a bounded append-only text buffer that retains
// only the most recent bytes written to it. It is used to keep the tail of
// the gateway's diagnostic stream for failure reporting.
package tailbuf

import "sync"

// DefaultCap is the character budget used when no explicit cap is given.
const DefaultCap = 8000

// Buffer keeps the trailing cap bytes of everything written to it.
// A push costs O(cap) in the worst case, never O(total bytes ever pushed).
// It implements io.Writer so it can be tee'd with log writers; writes from
// the child's stream pump never block on it beyond the internal lock.
type Buffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

// New returns a Buffer bounded to capacity bytes. A non-positive capacity
// falls back to DefaultCap.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Buffer{cap: capacity}
}

// Write appends p, trimming from the front so at most cap bytes remain.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) >= b.cap {
		// Larger than the whole budget: keep only the trailing slice.
		b.buf = append(b.buf[:0], p[len(p)-b.cap:]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.cap; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// Push appends a string fragment.
func (b *Buffer) Push(s string) {
	_, _ = b.Write([]byte(s))
}

// String returns the current contents.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Len returns the current number of retained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reset discards the retained contents, keeping the capacity.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}
