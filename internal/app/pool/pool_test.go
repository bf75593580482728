package pool

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceGateway/internal/app/sfu/sfutest"
	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, n int) (*Pool, *sfutest.Engine) {
	t.Helper()
	engine := sfutest.NewEngine()
	p := New(engine.Factory(), WithRespawnDelay(time.Millisecond))
	require.NoError(t, p.Initialize(context.Background(), n))
	t.Cleanup(p.Shutdown)
	return p, engine
}

func counts(p *Pool) []int {
	var out []int
	for _, w := range p.Workers() {
		out = append(out, w.Routers)
	}
	return out
}

func spread(c []int) int {
	lo, hi := c[0], c[0]
	for _, v := range c {
		lo, hi = min(lo, v), max(hi, v)
	}
	return hi - lo
}

func TestPool_LeastLoadedWithLowestIndexTieBreak(t *testing.T) {
	p, _ := newPool(t, 3)
	ctx := context.Background()

	for m := 1; m <= 10; m++ {
		before := counts(p)
		lowest := 0
		for i, c := range before {
			if c < before[lowest] {
				lowest = i
			}
		}
		_, err := p.CreateRouter(ctx, domain.DefaultMediaCodecs())
		require.NoError(t, err)
		after := counts(p)
		assert.Equal(t, before[lowest]+1, after[lowest], "creation %d must land on worker %d", m, lowest)
		assert.LessOrEqual(t, spread(after), 1)
	}
	assert.Equal(t, []int{4, 3, 3}, counts(p))
}

func TestPool_CloseRouterReleasesLoad(t *testing.T) {
	p, _ := newPool(t, 2)
	ctx := context.Background()

	r1, err := p.CreateRouter(ctx, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	_, err = p.CreateRouter(ctx, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, counts(p))

	p.CloseRouter(r1.ID())
	assert.True(t, r1.Closed())
	assert.Equal(t, []int{0, 1}, counts(p))

	p.CloseRouter("unknown")
	assert.Equal(t, []int{0, 1}, counts(p))

	// A router closed directly also gives its slot back.
	r3, err := p.CreateRouter(ctx, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	r3.Close()
	assert.Equal(t, []int{0, 1}, counts(p))
}

func TestPool_PreferredWorker(t *testing.T) {
	p, _ := newPool(t, 2)
	ctx := context.Background()

	_, err := p.CreateRouterOn(ctx, 1, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, counts(p))

	_, err = p.CreateRouterOn(ctx, 5, domain.DefaultMediaCodecs())
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
	_, err = p.CreateRouterOn(ctx, -1, domain.DefaultMediaCodecs())
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestPool_InitializeFailureIsFatal(t *testing.T) {
	engine := sfutest.NewEngine()
	engine.FailSpawn = func(index int) error {
		if index == 1 {
			return errors.New("no binary")
		}
		return nil
	}
	p := New(engine.Factory())
	err := p.Initialize(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no binary")
	for _, w := range engine.Workers() {
		assert.True(t, w.Stopped(), "worker %d must be closed", w.Index())
	}

	assert.Error(t, New(engine.Factory()).Initialize(context.Background(), 0))
}

func TestPool_DeadWorkerIsReplacedAtSameIndex(t *testing.T) {
	replaced := make(chan int, 1)
	engine := sfutest.NewEngine()
	p := New(engine.Factory(), WithRespawnDelay(time.Millisecond), WithReplacedHook(func(i int) { replaced <- i }))
	require.NoError(t, p.Initialize(context.Background(), 2))
	t.Cleanup(p.Shutdown)
	ctx := context.Background()

	roomA, err := p.CreateRouterOn(ctx, 0, domain.DefaultMediaCodecs())
	require.NoError(t, err)
	roomB, err := p.CreateRouterOn(ctx, 0, domain.DefaultMediaCodecs())
	require.NoError(t, err)

	dead := engine.Live(0)
	dead.Kill(errors.New("segfault"))

	select {
	case idx := <-replaced:
		assert.Equal(t, 0, idx)
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not replaced")
	}
	assert.True(t, roomA.Closed())
	assert.True(t, roomB.Closed())
	assert.NotSame(t, dead, engine.Live(0))
	assert.Equal(t, 2, p.LiveWorkers())

	for range 4 {
		_, err := p.CreateRouter(ctx, domain.DefaultMediaCodecs())
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 2}, counts(p))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestPool_DeathLogCountsHostedRouters(t *testing.T) {
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	t.Cleanup(func() { log.Logger = prev })

	replaced := make(chan int, 1)
	engine := sfutest.NewEngine()
	p := New(engine.Factory(), WithRespawnDelay(time.Millisecond), WithReplacedHook(func(i int) { replaced <- i }))
	require.NoError(t, p.Initialize(context.Background(), 1))
	t.Cleanup(p.Shutdown)
	for range 3 {
		_, err := p.CreateRouter(context.Background(), domain.DefaultMediaCodecs())
		require.NoError(t, err)
	}

	engine.Live(0).Kill(errors.New("segfault"))
	select {
	case <-replaced:
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not replaced")
	}

	var death string
	for _, line := range out.lines() {
		if strings.Contains(line, `"module":"pool"`) && strings.Contains(line, `"message":"worker died"`) {
			death = line
		}
	}
	require.NotEmpty(t, death)
	assert.Contains(t, death, `"routers":3`)
	assert.Equal(t, []int{0}, counts(p))
}

func TestPool_ShutdownClosesRoutersThenWorkers(t *testing.T) {
	engine := sfutest.NewEngine()
	p := New(engine.Factory(), WithRespawnDelay(time.Millisecond))
	require.NoError(t, p.Initialize(context.Background(), 2))

	var order []string
	r, err := p.CreateRouter(context.Background(), domain.DefaultMediaCodecs())
	require.NoError(t, err)
	r.OnClose(func(reason core.CloseReason) {
		order = append(order, "router:"+string(reason))
	})

	p.Shutdown()
	p.Shutdown()

	assert.Equal(t, []string{"router:explicit"}, order)
	for _, w := range engine.Workers() {
		assert.True(t, w.Stopped())
	}
	_, err = p.CreateRouter(context.Background(), domain.DefaultMediaCodecs())
	assert.ErrorIs(t, err, domain.ErrRouterCreationFailed)

	spawned := len(engine.Workers())
	engine.Live(0).Kill(errors.New("late"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, engine.Workers(), spawned, "no respawn after shutdown")
}
