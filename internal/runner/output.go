package runner

import "sync"

// DefaultOutputLimit caps captured stdout/stderr per stream. Output past the
// cap is dropped, not buffered, so a chatty test process cannot exhaust
// memory.
const DefaultOutputLimit = 1 << 20 // 1 MB

const truncationMarker = "\n... output truncated ...\n"

// CappedBuffer is a concurrency-safe write buffer with a byte limit. It is
// the capture target for adapter stdout/stderr streams; Snapshot may be
// called while the process is still writing.
type CappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

// NewCappedBuffer creates a buffer that keeps at most limit bytes.
// A non-positive limit uses DefaultOutputLimit.
func NewCappedBuffer(limit int) *CappedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &CappedBuffer{limit: limit}
}

// Write implements io.Writer. It never returns an error: once the limit is
// reached further writes are counted as consumed and dropped, because a
// write error here would kill the pipe and with it the process.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return len(p), nil
	}

	remaining := b.limit - len(b.buf)
	if len(p) <= remaining {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}

	b.buf = append(b.buf, p[:remaining]...)
	b.buf = append(b.buf, truncationMarker...)
	b.truncated = true
	return len(p), nil
}

// Snapshot returns a copy of the bytes captured so far.
func (b *CappedBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Truncated reports whether the limit was hit.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
