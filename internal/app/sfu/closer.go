package sfu

import (
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
)

// closer tracks the closed state and close hooks of a media resource.
// Hooks run synchronously on the closing goroutine and must not block.
type closer struct {
	mu       sync.Mutex
	closed   bool
	reason   core.CloseReason
	handlers []func(core.CloseReason)
}

func (c *closer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *closer) OnClose(fn func(core.CloseReason)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// markClosed reports whether this call performed the open -> closed transition.
func (c *closer) markClosed(reason core.CloseReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	return true
}

func (c *closer) notify() {
	c.mu.Lock()
	handlers := c.handlers
	reason := c.reason
	c.handlers = nil
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
}
