package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		var p core.Push
		require.NoError(t, json.Unmarshal(f, &p))
		out = append(out, p.Type)
	}
	return out
}

func TestRegistry_NotifyRoomSkipsSender(t *testing.T) {
	r := NewRegistry(nil)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	r.BindSignal("s1", a, nil)
	r.BindSignal("s2", b, nil)
	r.BindSignal("s3", c, nil)
	require.True(t, r.JoinRoom("s1", "room", "alice"))
	require.True(t, r.JoinRoom("s2", "room", "bob"))
	require.False(t, r.JoinRoom("nope", "room", "x"))

	r.NotifyRoom("room", "alice", core.Push{Type: core.PushNewProducer})
	r.NotifyParticipant("room", "alice", core.Push{Type: core.PushConsumerClosed})

	assert.Equal(t, []string{core.PushConsumerClosed}, a.types(t))
	assert.Equal(t, []string{core.PushNewProducer}, b.types(t))
	assert.Empty(t, c.types(t))

	room, pid, ok := r.RoomOf("s2")
	assert.True(t, ok)
	assert.EqualValues(t, "room", room)
	assert.EqualValues(t, "bob", pid)

	r.RemoveRoom("s2")
	_, _, ok = r.RoomOf("s2")
	assert.False(t, ok)
	r.Unbind("s3")
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_SlowConnectionIsKickedAfterLimit(t *testing.T) {
	r := NewRegistry(DropThenKick{Limit: 3})
	slow := &fakeConn{full: true}
	canceled := false
	_, cancel := context.WithCancel(context.Background())
	r.BindSignal("s1", slow, func() { canceled = true; cancel() })
	r.JoinRoom("s1", "room", "alice")

	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	assert.False(t, slow.closed)

	// A successful send resets the counter.
	slow.full = false
	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	slow.full = true
	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	assert.False(t, slow.closed)

	r.NotifyRoom("room", "", core.Push{Type: core.PushTranscription})
	assert.True(t, slow.closed)
	assert.True(t, canceled)
}

func TestDropThenKick_DefaultLimit(t *testing.T) {
	p := DropThenKick{}
	assert.Equal(t, DropFrame, p.OnBackPressure("s", DefaultDropLimit-1))
	assert.Equal(t, KickMember, p.OnBackPressure("s", DefaultDropLimit))
}
