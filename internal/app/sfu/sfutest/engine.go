// Package sfutest provides an in-memory media engine for tests. It keeps the
// close cascades of the pion engine (router -> transports -> producers ->
// consumers) without any network I/O.
package sfutest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
)

type hooks struct {
	mu       sync.Mutex
	closed   bool
	reason   core.CloseReason
	handlers []func(core.CloseReason)
}

func (h *hooks) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *hooks) OnClose(fn func(core.CloseReason)) {
	h.mu.Lock()
	if h.closed {
		r := h.reason
		h.mu.Unlock()
		fn(r)
		return
	}
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

func (h *hooks) begin(reason core.CloseReason) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed, h.reason = true, reason
	return true
}

func (h *hooks) fire() {
	h.mu.Lock()
	fns, r := h.handlers, h.reason
	h.handlers = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// Engine spawns fake workers and remembers all of them.
type Engine struct {
	mu      sync.Mutex
	workers []*Worker
	// FailSpawn, when set, makes the factory fail for the returned error.
	FailSpawn func(index int) error
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) Factory() core.WorkerFactory {
	return func(ctx context.Context, index int) (core.MediaWorker, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.FailSpawn != nil {
			if err := e.FailSpawn(index); err != nil {
				return nil, err
			}
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		w := &Worker{
			index:   index,
			handle:  fmt.Sprintf("fake-%d-%d", index, len(e.workers)),
			died:    make(chan error, 1),
			routers: make(map[domain.RouterID]*Router),
		}
		e.workers = append(e.workers, w)
		return w, nil
	}
}

// Workers returns every worker spawned so far, dead ones included.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

// Live returns the newest worker spawned for index.
func (e *Engine) Live(index int) *Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.workers) - 1; i >= 0; i-- {
		if e.workers[i].index == index {
			return e.workers[i]
		}
	}
	return nil
}

var ErrWorkerClosed = errors.New("sfutest: worker closed")

type Worker struct {
	index  int
	handle string
	died   chan error

	mu      sync.Mutex
	stopped bool
	routers map[domain.RouterID]*Router
}

func (w *Worker) Index() int         { return w.index }
func (w *Worker) Handle() string     { return w.handle }
func (w *Worker) Died() <-chan error { return w.died }

func (w *Worker) Stopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

func (w *Worker) CreateRouter(_ context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, ErrWorkerClosed
	}
	r := &Router{
		id:         domain.NewRouterID(),
		worker:     w,
		caps:       domain.BuildCapabilities(codecs),
		transports: make(map[domain.TransportID]closer),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) stop(reason core.CloseReason) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.stopped = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()
	for _, r := range routers {
		r.close(reason)
	}
	return true
}

// Kill simulates an engine crash.
func (w *Worker) Kill(err error) {
	if w.stop(core.CloseWorkerDied) {
		w.died <- err
	}
}

func (w *Worker) Close() { w.stop(core.CloseExplicit) }

type closer interface{ close(core.CloseReason) }

type Router struct {
	hooks
	id     domain.RouterID
	worker *Worker
	caps   domain.RtpCapabilities

	mu         sync.Mutex
	transports map[domain.TransportID]closer
	producers  map[domain.ProducerID]*Producer
}

func (r *Router) ID() domain.RouterID                     { return r.id }
func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) CanConsume(id domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[id]
	r.mu.Unlock()
	return ok && !p.Closed() && domain.CanConsume(p.params, caps)
}

func (r *Router) CreateWebRtcTransport(context.Context) (core.WebRtcTransport, error) {
	t := &WebRtcTransport{}
	t.base = newBase(r)
	if !r.add(t.id, t) {
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(context.Context) (core.PlainTransport, error) {
	t := &PlainTransport{}
	t.base = newBase(r)
	if !r.add(t.id, t) {
		return nil, domain.ErrRouterCreationFailed.WithMessage("router closed")
	}
	return t, nil
}

func (r *Router) add(id domain.TransportID, t closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Closed() {
		return false
	}
	r.transports[id] = t
	return true
}

// TransportCount reports live transports, for leak checks.
func (r *Router) TransportCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

func (r *Router) Close() { r.close(core.CloseExplicit) }

func (r *Router) close(reason core.CloseReason) {
	if !r.begin(reason) {
		return
	}
	r.mu.Lock()
	ts := make([]closer, 0, len(r.transports))
	for _, t := range r.transports {
		ts = append(ts, t)
	}
	r.mu.Unlock()
	for _, t := range ts {
		t.close(core.CloseRouterClosed)
	}
	r.worker.mu.Lock()
	delete(r.worker.routers, r.id)
	r.worker.mu.Unlock()
	r.fire()
}

type base struct {
	hooks
	id     domain.TransportID
	router *Router

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newBase(r *Router) *base {
	return &base{
		id:        domain.NewTransportID(),
		router:    r,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (b *base) ID() domain.TransportID { return b.id }

func (b *base) Consume(_ context.Context, id domain.ProducerID, caps domain.RtpCapabilities, paused bool) (core.Consumer, error) {
	if b.Closed() {
		return nil, domain.ErrTransportNotFound
	}
	b.router.mu.Lock()
	p, ok := b.router.producers[id]
	b.router.mu.Unlock()
	if !ok || p.Closed() {
		return nil, domain.ErrProducerNotFound
	}
	if !domain.CanConsume(p.params, caps) {
		return nil, domain.ErrIncompatibleCapabilities
	}
	c := &Consumer{id: domain.NewConsumerID(), producer: p, transport: b, paused: paused}
	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()
	b.mu.Lock()
	b.consumers[c.id] = c
	b.mu.Unlock()
	return c, nil
}

func (b *base) teardown() {
	b.mu.Lock()
	ps := make([]*Producer, 0, len(b.producers))
	for _, p := range b.producers {
		ps = append(ps, p)
	}
	cs := make([]*Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		cs = append(cs, c)
	}
	b.mu.Unlock()
	for _, p := range ps {
		p.close(core.CloseTransportClosed)
	}
	for _, c := range cs {
		c.close(core.CloseTransportClosed)
	}
	b.router.mu.Lock()
	delete(b.router.transports, b.id)
	b.router.mu.Unlock()
}

type WebRtcTransport struct {
	*base

	hookMu    sync.Mutex
	dtlsHooks []func(string)
	remote    *domain.ConnectParams
}

func (t *WebRtcTransport) Params() domain.TransportParams {
	return domain.TransportParams{
		ID:            t.id,
		IceParameters: domain.IceParameters{UsernameFragment: "fake", Password: "fake"},
		IceCandidates: []domain.IceCandidate{{
			Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host",
		}},
		DtlsParameters: domain.DtlsParameters{
			Role:         "auto",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}},
		},
	}
}

func (t *WebRtcTransport) Connect(_ context.Context, remote domain.ConnectParams) error {
	if t.Closed() {
		return domain.ErrTransportNotFound
	}
	if len(remote.DtlsParameters.Fingerprints) == 0 {
		return domain.ErrInvalidInput.WithMessage("dtlsParameters.fingerprints required")
	}
	t.hookMu.Lock()
	t.remote = &remote
	t.hookMu.Unlock()
	return nil
}

// Connected reports whether Connect succeeded.
func (t *WebRtcTransport) Connected() bool {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	return t.remote != nil
}

func (t *WebRtcTransport) OnDtlsStateChange(fn func(string)) {
	t.hookMu.Lock()
	t.dtlsHooks = append(t.dtlsHooks, fn)
	t.hookMu.Unlock()
}

// SetDtlsState drives the registered DTLS hooks.
func (t *WebRtcTransport) SetDtlsState(state string) {
	t.hookMu.Lock()
	fns := append([]func(string){}, t.dtlsHooks...)
	t.hookMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (t *WebRtcTransport) Produce(_ context.Context, kind domain.MediaKind, params domain.RtpParameters) (core.Producer, error) {
	if t.Closed() {
		return nil, domain.ErrTransportNotFound
	}
	primary, ok := params.PrimaryCodec()
	if !ok || domain.KindOfMime(primary.MimeType) != kind {
		return nil, domain.ErrInvalidInput.WithMessage("rtpParameters codec does not match kind")
	}
	if _, ok := t.router.caps.FindCodec(primary); !ok {
		return nil, domain.ErrInvalidInput.WithMessage("codec not supported by router")
	}
	p := &Producer{
		id:        domain.NewProducerID(),
		kind:      kind,
		params:    params,
		transport: t.base,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	t.mu.Lock()
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *WebRtcTransport) Close() { t.close(core.CloseExplicit) }

func (t *WebRtcTransport) close(reason core.CloseReason) {
	if !t.begin(reason) {
		return
	}
	t.teardown()
	t.SetDtlsState("closed")
	t.fire()
}

type PlainTransport struct {
	*base

	addrMu sync.Mutex
	remote string
}

func (t *PlainTransport) Connect(_ context.Context, ip string, port int) error {
	if t.Closed() {
		return domain.ErrTransportNotFound
	}
	t.addrMu.Lock()
	t.remote = net.JoinHostPort(ip, strconv.Itoa(port))
	t.addrMu.Unlock()
	return nil
}

// Remote is the address passed to Connect.
func (t *PlainTransport) Remote() string {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	return t.remote
}

func (t *PlainTransport) Produce(context.Context, domain.MediaKind, domain.RtpParameters) (core.Producer, error) {
	return nil, domain.ErrInvalidInput.WithMessage("plain transport is send-only")
}

func (t *PlainTransport) Close() { t.close(core.CloseExplicit) }

func (t *PlainTransport) close(reason core.CloseReason) {
	if !t.begin(reason) {
		return
	}
	t.teardown()
	t.fire()
}

type Producer struct {
	hooks
	id        domain.ProducerID
	kind      domain.MediaKind
	params    domain.RtpParameters
	transport *base

	mu        sync.Mutex
	consumers map[domain.ConsumerID]*Consumer
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Close() { p.close(core.CloseExplicit) }

func (p *Producer) close(reason core.CloseReason) {
	if !p.begin(reason) {
		return
	}
	p.mu.Lock()
	cs := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		cs = append(cs, c)
	}
	p.mu.Unlock()
	for _, c := range cs {
		c.close(core.CloseProducerClosed)
	}
	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	p.transport.mu.Lock()
	delete(p.transport.producers, p.id)
	p.transport.mu.Unlock()
	p.fire()
}

type Consumer struct {
	hooks
	id        domain.ConsumerID
	producer  *Producer
	transport *base

	mu     sync.Mutex
	paused bool
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }

func (c *Consumer) RtpParameters() domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    c.producer.params.Codecs,
		Encodings: []domain.RtpEncodingParameters{{SSRC: 1111}},
	}
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error  { return c.setPaused(true) }
func (c *Consumer) Resume() error { return c.setPaused(false) }

func (c *Consumer) setPaused(v bool) error {
	if c.Closed() {
		return domain.ErrConsumerNotFound
	}
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Close() { c.close(core.CloseExplicit) }

func (c *Consumer) close(reason core.CloseReason) {
	if !c.begin(reason) {
		return
	}
	p := c.producer
	p.mu.Lock()
	delete(p.consumers, c.id)
	p.mu.Unlock()
	c.transport.mu.Lock()
	delete(c.transport.consumers, c.id)
	c.transport.mu.Unlock()
	c.fire()
}
