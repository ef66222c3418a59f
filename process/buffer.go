package process

import "sync"

// trailingBuffer is an io.Writer that retains only the newest max bytes.
// Writes past the cap discard the oldest data.
type trailingBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newTrailingBuffer(max int) *trailingBuffer {
	return &trailingBuffer{max: max}
}

func (b *trailingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.max <= 0 {
		return len(p), nil
	}
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	b.data = append(b.data, p...)
	if overflow := len(b.data) - b.max; overflow > 0 {
		b.data = b.data[overflow:]
	}
	return len(p), nil
}

func (b *trailingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}
