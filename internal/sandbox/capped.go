package sandbox

import (
	"sync"

	"github.com/mattjoyce/quarry/internal/storage"
)

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest, so a chatty plugin cannot grow host memory through stdout.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - len(c.buf)
	if c.truncated || room <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		c.buf = append(c.buf, storage.TruncateUTF8(string(p), room)...)
		c.truncated = true
		return len(p), nil
	}
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return string(c.buf) + "\n[truncated]"
	}
	return string(c.buf)
}
