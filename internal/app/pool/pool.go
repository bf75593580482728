// Package pool balances routers over a fixed set of supervised media workers.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultRespawnDelay = 200 * time.Millisecond

type slot struct {
	worker  core.MediaWorker
	routers int
	alive   bool
}

type routerEntry struct {
	index  int
	worker core.MediaWorker
	router core.Router
}

// WorkerInfo is a point-in-time view of a pool slot.
type WorkerInfo struct {
	Index   int    `json:"index"`
	Handle  string `json:"handle"`
	Routers int    `json:"routers"`
	Alive   bool   `json:"alive"`
}

type Option func(*Pool)

// WithRespawnDelay sets the pause between failed replacement attempts.
func WithRespawnDelay(d time.Duration) Option {
	return func(p *Pool) { p.respawnDelay = d }
}

// WithReplacedHook is called after a dead worker has been replaced.
func WithReplacedHook(fn func(index int)) Option {
	return func(p *Pool) { p.onReplaced = fn }
}

type Pool struct {
	factory      core.WorkerFactory
	respawnDelay time.Duration
	onReplaced   func(index int)

	mu      sync.Mutex
	slots   []*slot
	routers map[domain.RouterID]routerEntry

	shuttingDown atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func New(factory core.WorkerFactory, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		factory:      factory,
		respawnDelay: defaultRespawnDelay,
		routers:      make(map[domain.RouterID]routerEntry),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Initialize spawns count workers in parallel. Any failure is fatal: the
// workers that did start are closed again.
func (p *Pool) Initialize(ctx context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("pool: worker count must be >= 1, got %d", count)
	}
	workers := make([]core.MediaWorker, count)
	g, gctx := errgroup.WithContext(ctx)
	for i := range count {
		g.Go(func() error {
			w, err := p.factory(gctx, i)
			if err != nil {
				return fmt.Errorf("pool: spawn worker %d: %w", i, err)
			}
			workers[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
		return err
	}

	p.mu.Lock()
	p.slots = make([]*slot, count)
	for i, w := range workers {
		p.slots[i] = &slot{worker: w, alive: true}
	}
	p.mu.Unlock()
	for i, w := range workers {
		p.wg.Add(1)
		go p.supervise(i, w)
	}
	log.Info().Str("module", "pool").Int("workers", count).Msg("worker pool initialized")
	return nil
}

// CreateRouter places a router on the least-loaded live worker, ties broken
// by the lowest index.
func (p *Pool) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	return p.createRouter(ctx, codecs, -1)
}

// CreateRouterOn places a router on the worker at index.
func (p *Pool) CreateRouterOn(ctx context.Context, index int, codecs []domain.RtpCodecCapability) (core.Router, error) {
	if index < 0 {
		return nil, domain.ErrWorkerNotFound.WithDetails(index)
	}
	return p.createRouter(ctx, codecs, index)
}

func (p *Pool) createRouter(ctx context.Context, codecs []domain.RtpCodecCapability, preferred int) (core.Router, error) {
	if p.shuttingDown.Load() {
		return nil, domain.ErrRouterCreationFailed.WithMessage("pool is shutting down")
	}
	p.mu.Lock()
	index := preferred
	if index >= 0 {
		if index >= len(p.slots) || !p.slots[index].alive {
			p.mu.Unlock()
			return nil, domain.ErrWorkerNotFound.WithDetails(index)
		}
	} else {
		index = p.leastLoadedLocked()
		if index < 0 {
			p.mu.Unlock()
			return nil, domain.ErrRouterCreationFailed.WithMessage("no live worker")
		}
	}
	s := p.slots[index]
	worker := s.worker
	// Reserve the slot so concurrent callers see the pending router.
	s.routers++
	p.mu.Unlock()

	router, err := worker.CreateRouter(ctx, codecs)
	if err != nil {
		p.release(index, worker)
		return nil, domain.ErrRouterCreationFailed.WithDetails(err.Error())
	}

	p.mu.Lock()
	p.routers[router.ID()] = routerEntry{index: index, worker: worker, router: router}
	p.mu.Unlock()
	id := router.ID()
	router.OnClose(func(reason core.CloseReason) {
		// onDied counts and drops the routers of a dead worker.
		if reason != core.CloseWorkerDied {
			p.forget(id)
		}
	})

	log.Debug().
		Str("module", "pool").
		Int("worker", index).
		Str("router", string(id)).
		Msg("router created")
	return router, nil
}

func (p *Pool) leastLoadedLocked() int {
	best := -1
	for i, s := range p.slots {
		if !s.alive {
			continue
		}
		if best < 0 || s.routers < p.slots[best].routers {
			best = i
		}
	}
	return best
}

func (p *Pool) release(index int, worker core.MediaWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < len(p.slots) && p.slots[index].worker == worker && p.slots[index].routers > 0 {
		p.slots[index].routers--
	}
}

func (p *Pool) forget(id domain.RouterID) {
	p.mu.Lock()
	entry, ok := p.routers[id]
	delete(p.routers, id)
	p.mu.Unlock()
	if ok {
		p.release(entry.index, entry.worker)
	}
}

// CloseRouter closes a router created by the pool.
func (p *Pool) CloseRouter(id domain.RouterID) {
	p.mu.Lock()
	entry, ok := p.routers[id]
	p.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "pool").Str("router", string(id)).Msg("close of unknown router")
		return
	}
	entry.router.Close()
}

func (p *Pool) supervise(index int, w core.MediaWorker) {
	defer p.wg.Done()
	select {
	case err := <-w.Died():
		p.onDied(index, w, err)
	case <-p.ctx.Done():
	}
}

func (p *Pool) onDied(index int, w core.MediaWorker, cause error) {
	p.mu.Lock()
	hosted := 0
	if s := p.slots[index]; s.worker == w {
		hosted = s.routers
		s.alive = false
		s.routers = 0
	}
	for id, e := range p.routers {
		if e.worker == w {
			delete(p.routers, id)
		}
	}
	p.mu.Unlock()

	log.Error().
		Str("module", "pool").
		Err(cause).
		Int("worker", index).
		Str("handle", w.Handle()).
		Int("routers", hosted).
		Msg("worker died")

	if p.shuttingDown.Load() {
		return
	}
	for {
		nw, err := p.factory(p.ctx, index)
		if err == nil {
			p.mu.Lock()
			if p.shuttingDown.Load() {
				p.mu.Unlock()
				nw.Close()
				return
			}
			p.slots[index] = &slot{worker: nw, alive: true}
			p.wg.Add(1)
			p.mu.Unlock()
			go p.supervise(index, nw)
			log.Info().
				Str("module", "pool").
				Int("worker", index).
				Str("handle", nw.Handle()).
				Msg("worker replaced")
			if p.onReplaced != nil {
				p.onReplaced(index)
			}
			return
		}
		log.Error().Str("module", "pool").Err(err).Int("worker", index).Msg("worker respawn failed")
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.respawnDelay):
		}
	}
}

// Workers returns a snapshot of every slot.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.slots))
	for i, s := range p.slots {
		out = append(out, WorkerInfo{Index: i, Handle: s.worker.Handle(), Routers: s.routers, Alive: s.alive})
	}
	return out
}

// LiveWorkers counts slots with a running worker.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.alive {
			n++
		}
	}
	return n
}

// Shutdown closes every router, then every worker. Safe to call twice.
func (p *Pool) Shutdown() {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	p.cancel()

	p.mu.Lock()
	routers := make([]core.Router, 0, len(p.routers))
	for _, e := range p.routers {
		routers = append(routers, e.router)
	}
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	for _, s := range slots {
		s.worker.Close()
	}
	p.wg.Wait()
	log.Info().Str("module", "pool").Msg("worker pool shut down")
}
