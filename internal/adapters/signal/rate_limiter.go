package signal

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
)

// RequestLimiter admits at most limit room requests per connection within
// any sliding window.
type RequestLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	conns  map[core.SessionID]*attempts
}

// attempts is a ring of the latest admitted request times, oldest at head.
type attempts struct {
	at   []time.Time
	head int
}

func NewRequestLimiter(limit int, window time.Duration) *RequestLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RequestLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		conns:  make(map[core.SessionID]*attempts),
	}
}

func (l *RequestLimiter) Allow(sid core.SessionID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, ok := l.conns[sid]
	if !ok {
		a = &attempts{at: make([]time.Time, 0, l.limit)}
		l.conns[sid] = a
	}
	if len(a.at) < l.limit {
		a.at = append(a.at, now)
		return true
	}
	// Full ring: the oldest admitted request must have left the window.
	if now.Sub(a.at[a.head]) < l.window {
		return false
	}
	a.at[a.head] = now
	a.head = (a.head + 1) % l.limit
	return true
}

// Forget drops the history of a closed connection.
func (l *RequestLimiter) Forget(sid core.SessionID) {
	l.mu.Lock()
	delete(l.conns, sid)
	l.mu.Unlock()
}
