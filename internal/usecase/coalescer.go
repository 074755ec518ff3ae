package usecase

import (
	"strings"
	"sync"
	"time"
)

// Coalescer defaults.
const (
	DefaultFlushInterval = 2 * time.Second
	DefaultFlushBytes    = 1500
)

// Coalescer merges streamed chunks into fewer, larger updates. A buffer is
// flushed once the interval has passed since its first chunk, or as soon as it
// reaches maxBytes, and always on Close. Flushes happen one at a time and in
// chunk order.
type Coalescer struct {
	mu       sync.Mutex
	buf      strings.Builder
	interval time.Duration
	maxBytes int
	flush    func(text string)
	timer    *time.Timer
	gen      uint64 // bumped whenever the timer is armed or disarmed
	closed   bool
}

// NewCoalescer creates a coalescer that hands merged text to flush.
// flush must not call back into the coalescer.
func NewCoalescer(interval time.Duration, maxBytes int, flush func(text string)) *Coalescer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = DefaultFlushBytes
	}
	return &Coalescer{interval: interval, maxBytes: maxBytes, flush: flush}
}

// Write buffers a chunk. Chunks written after Close are dropped.
func (c *Coalescer) Write(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.buf.WriteString(text)
	if c.buf.Len() >= c.maxBytes {
		c.flushLocked()
		return
	}
	if c.timer == nil {
		c.gen++
		gen := c.gen
		c.timer = time.AfterFunc(c.interval, func() { c.onTimer(gen) })
	}
}

// onTimer flushes for the timer armed at gen. A callback that was already
// running when its timer got disarmed sees a newer gen and does nothing.
func (c *Coalescer) onTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.flushLocked()
}

// Close flushes anything buffered and stops the timer. It is safe to call more than once.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.flushLocked()
	c.closed = true
}

// flushLocked emits the buffer and disarms the timer. Caller holds c.mu.
func (c *Coalescer) flushLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.gen++
	}
	if c.buf.Len() == 0 {
		return
	}
	text := c.buf.String()
	c.buf.Reset()
	c.flush(text)
}
