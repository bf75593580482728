// Package rooms owns the room -> participant -> transport/producer/consumer
// state machine and its cascade teardown.
package rooms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/dkeye/VoiceGateway/internal/domain"
	"github.com/rs/zerolog/log"
)

// RouterPool allocates routers for new rooms.
type RouterPool interface {
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (core.Router, error)
	CloseRouter(id domain.RouterID)
}

// AudioTap mirrors audio producers into the transcription pipeline.
type AudioTap interface {
	Start(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, producer core.Producer, router core.Router) error
	Stop(pid domain.ParticipantID)
}

type connRef struct {
	room domain.RoomID
	pid  domain.ParticipantID
}

type Option func(*Registry)

func WithAudioTap(tap AudioTap) Option { return func(r *Registry) { r.tap = tap } }

func WithPublisher(pub core.EventPublisher) Option { return func(r *Registry) { r.bus = pub } }

func WithNotifier(n core.Notifier) Option { return func(r *Registry) { r.notifier = n } }

// WithNode tags published events with this gateway instance.
func WithNode(node string) Option { return func(r *Registry) { r.node = node } }

// WithCodecs overrides the router codec set.
func WithCodecs(codecs []domain.RtpCodecCapability) Option {
	return func(r *Registry) { r.codecs = codecs }
}

type Registry struct {
	pool     RouterPool
	tap      AudioTap
	bus      core.EventPublisher
	notifier core.Notifier
	node     string
	codecs   []domain.RtpCodecCapability

	// mu guards the maps only. Lock order: Room.mu before mu.
	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
	conns map[core.SessionID]connRef
}

func NewRegistry(pool RouterPool, opts ...Option) *Registry {
	r := &Registry{
		pool:   pool,
		codecs: domain.DefaultMediaCodecs(),
		rooms:  make(map[domain.RoomID]*Room),
		conns:  make(map[core.SessionID]connRef),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) publish(evt core.Event) {
	if r.bus == nil {
		return
	}
	evt.Node = r.node
	evt.Timestamp = time.Now().UnixMilli()
	r.bus.Publish(context.Background(), evt)
}

func (r *Registry) notifyRoom(room domain.RoomID, skip domain.ParticipantID, push core.Push) {
	if r.notifier != nil {
		r.notifier.NotifyRoom(room, skip, push)
	}
}

func (r *Registry) notifyParticipant(room domain.RoomID, pid domain.ParticipantID, push core.Push) {
	if r.notifier != nil {
		r.notifier.NotifyParticipant(room, pid, push)
	}
}

// safely runs one teardown step; a panicking close must not stop the cascade.
func safely(step string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "rooms").Str("step", step).Interface("panic", rec).Msg("teardown step failed")
		}
	}()
	fn()
}

// CreateRoom allocates a router and an unguessable room id.
func (r *Registry) CreateRoom(ctx context.Context) (domain.RoomID, error) {
	router, err := r.pool.CreateRouter(ctx, r.codecs)
	if err != nil {
		log.Error().Str("module", "rooms").Err(err).Msg("router allocation failed")
		if e := domain.AsError(err); e.Code == domain.ErrRouterCreationFailed.Code {
			return "", e
		}
		return "", domain.ErrRouterCreationFailed.WithDetails(err.Error())
	}
	room := &Room{
		ID:           domain.NewRoomID(),
		CreatedAt:    time.Now(),
		router:       router,
		participants: make(map[domain.ParticipantID]*Participant),
	}
	r.mu.Lock()
	r.rooms[room.ID] = room
	r.mu.Unlock()

	log.Info().Str("module", "rooms").Str("room_id", string(room.ID)).Str("router", string(router.ID())).Msg("room created")
	r.publish(core.Event{Type: core.EventRoomCreated, RoomID: room.ID})
	return room.ID, nil
}

// lockRoom returns the room locked. A room whose router has gone away with
// its worker is closed here and reported as not found.
func (r *Registry) lockRoom(id domain.RoomID) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	if room.router.Closed() {
		log.Warn().Str("module", "rooms").Str("room_id", string(id)).Msg("router gone, closing orphaned room")
		r.closeRoomLocked(room)
		room.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

func (r *Registry) lockParticipant(roomID domain.RoomID, pid domain.ParticipantID) (*Room, *Participant, error) {
	room, err := r.lockRoom(roomID)
	if err != nil {
		return nil, nil, err
	}
	p, ok := room.participants[pid]
	if !ok {
		room.mu.Unlock()
		return nil, nil, domain.ErrParticipantNotFound
	}
	return room, p, nil
}

// AddParticipant binds connection conn to a new participant of the room.
func (r *Registry) AddParticipant(_ context.Context, roomID domain.RoomID, conn core.SessionID, name string, langs domain.Languages) (JoinResult, error) {
	name, err := domain.NormalizeName(name)
	if err != nil {
		return JoinResult{}, domain.ErrInvalidInput.WithMessage(err.Error())
	}
	room, err := r.lockRoom(roomID)
	if err != nil {
		return JoinResult{}, err
	}
	defer room.mu.Unlock()

	p := newParticipant(conn, name, langs)
	r.mu.Lock()
	if _, dup := r.conns[conn]; dup {
		r.mu.Unlock()
		return JoinResult{}, domain.ErrDuplicateParticipant
	}
	r.conns[conn] = connRef{room: roomID, pid: p.ID}
	r.mu.Unlock()

	others := room.others("")
	room.participants[p.ID] = p

	log.Info().
		Str("module", "rooms").
		Str("room_id", string(roomID)).
		Str("participant_id", string(p.ID)).
		Str("name", name).
		Msg("participant joined")
	r.notifyRoom(roomID, p.ID, core.Push{Type: core.PushParticipantJoined, Data: core.ParticipantJoined{
		ParticipantID: p.ID, Name: p.Name, JoinedAt: p.JoinedAt.UnixMilli(), Languages: p.Languages,
	}})
	r.publish(core.Event{Type: core.EventParticipantJoined, RoomID: roomID, ParticipantID: p.ID, Name: p.Name})

	return JoinResult{
		Participant:     p.info(),
		Participants:    others,
		RtpCapabilities: room.router.RtpCapabilities(),
	}, nil
}

// RemoveParticipant tears the participant down. Unknown ids are a no-op.
func (r *Registry) RemoveParticipant(_ context.Context, roomID domain.RoomID, pid domain.ParticipantID) {
	room, err := r.lockRoom(roomID)
	if err != nil {
		return
	}
	defer room.mu.Unlock()
	p, ok := room.participants[pid]
	if !ok {
		return
	}
	r.removeLocked(room, p)
	if len(room.participants) == 0 {
		r.closeRoomLocked(room)
	}
}

// removeLocked runs the participant cascade: consumers, producers, send
// transport, recv transport, then the participant itself.
func (r *Registry) removeLocked(room *Room, p *Participant) {
	for id, c := range p.consumers {
		delete(p.consumers, id)
		safely("close consumer", c.Close)
	}
	for id, prod := range p.producers {
		delete(p.producers, id)
		r.closeProducerLocked(room, p, prod)
	}
	if p.send != nil {
		safely("close send transport", p.send.Close)
		p.send = nil
	}
	if p.recv != nil {
		safely("close recv transport", p.recv.Close)
		p.recv = nil
	}
	delete(room.participants, p.ID)

	r.mu.Lock()
	if ref, ok := r.conns[p.Conn]; ok && ref.pid == p.ID {
		delete(r.conns, p.Conn)
	}
	r.mu.Unlock()

	log.Info().
		Str("module", "rooms").
		Str("room_id", string(room.ID)).
		Str("participant_id", string(p.ID)).
		Int("remaining", len(room.participants)).
		Msg("participant left")
	r.notifyRoom(room.ID, p.ID, core.Push{Type: core.PushParticipantLeft, Data: core.ParticipantLeft{ParticipantID: p.ID}})
	r.publish(core.Event{Type: core.EventParticipantLeft, RoomID: room.ID, ParticipantID: p.ID})
}

// closeProducerLocked stops the audio tap first, then closes the producer
// and tells the rest of the room. The producer is already out of the map.
func (r *Registry) closeProducerLocked(room *Room, p *Participant, prod core.Producer) {
	if p.tapped != "" && p.tapped == prod.ID() {
		if r.tap != nil {
			safely("stop audio tap", func() { r.tap.Stop(p.ID) })
		}
		p.tapped = ""
	}
	safely("close producer", prod.Close)
	r.notifyRoom(room.ID, p.ID, core.Push{Type: core.PushProducerClosed, Data: core.ProducerClosed{
		ProducerID: prod.ID(), ParticipantID: p.ID,
	}})
	r.publish(core.Event{Type: core.EventProducerClosed, RoomID: room.ID, ParticipantID: p.ID, ProducerID: prod.ID(), Kind: prod.Kind()})
}

// CloseRoom removes every participant, then the router and the room.
func (r *Registry) CloseRoom(_ context.Context, roomID domain.RoomID) error {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return domain.ErrRoomNotFound
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return domain.ErrRoomNotFound
	}
	r.closeRoomLocked(room)
	return nil
}

func (r *Registry) closeRoomLocked(room *Room) {
	for _, p := range room.participants {
		r.removeLocked(room, p)
	}
	room.closed = true
	if !room.router.Closed() {
		routerID := room.router.ID()
		safely("close router", func() { r.pool.CloseRouter(routerID) })
	}

	r.mu.Lock()
	delete(r.rooms, room.ID)
	r.mu.Unlock()

	log.Info().Str("module", "rooms").Str("room_id", string(room.ID)).Msg("room closed")
	r.publish(core.Event{Type: core.EventRoomClosed, RoomID: room.ID})
}

// CreateTransport returns the participant's transport for dir, creating it
// on first use.
func (r *Registry) CreateTransport(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, dir domain.Direction) (core.WebRtcTransport, error) {
	if dir != domain.DirectionSend && dir != domain.DirectionRecv {
		return nil, domain.ErrInvalidInput.WithMessage("direction must be send or recv")
	}
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()

	if existing := p.transport(dir); existing != nil && !existing.Closed() {
		return existing, nil
	}
	t, err := room.router.CreateWebRtcTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", dir, err)
	}
	if dir == domain.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}

	logger := log.With().
		Str("module", "rooms").
		Str("room_id", string(roomID)).
		Str("participant_id", string(pid)).
		Str("transport_id", string(t.ID())).
		Str("direction", string(dir)).
		Logger()
	t.OnDtlsStateChange(func(state string) {
		if state == "failed" || state == "closed" {
			logger.Info().Str("state", state).Msg("transport dtls ended")
			t.Close()
		}
	})
	tid := t.ID()
	t.OnClose(func(reason core.CloseReason) {
		logger.Debug().Str("reason", string(reason)).Msg("transport closed")
		go r.detachTransport(roomID, pid, tid)
	})
	logger.Debug().Msg("transport created")
	return t, nil
}

func (r *Registry) detachTransport(roomID domain.RoomID, pid domain.ParticipantID, tid domain.TransportID) {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return
	}
	defer room.mu.Unlock()
	if _, dir, ok := p.transportByID(tid); ok {
		if dir == domain.DirectionSend {
			p.send = nil
		} else {
			p.recv = nil
		}
	}
}

// ConnectTransport starts the DTLS handshake of one of the participant's transports.
func (r *Registry) ConnectTransport(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, tid domain.TransportID, params domain.ConnectParams) error {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()
	t, _, ok := p.transportByID(tid)
	if !ok || t.Closed() {
		return domain.ErrTransportNotFound
	}
	return t.Connect(ctx, params)
}

// CreateProducer starts a producer on the participant's send transport and
// announces it to the rest of the room.
func (r *Registry) CreateProducer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, tid domain.TransportID, kind domain.MediaKind, params domain.RtpParameters) (core.Producer, error) {
	if !kind.Valid() {
		return nil, domain.ErrInvalidInput.WithMessage("kind must be audio or video")
	}
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()
	if p.send == nil || p.send.Closed() || p.send.ID() != tid {
		return nil, domain.ErrTransportNotFound
	}
	prod, err := p.send.Produce(ctx, kind, params)
	if err != nil {
		return nil, err
	}
	p.producers[prod.ID()] = prod

	logger := log.With().
		Str("module", "rooms").
		Str("room_id", string(roomID)).
		Str("participant_id", string(pid)).
		Str("producer_id", string(prod.ID())).
		Str("kind", string(kind)).
		Logger()

	if kind == domain.KindAudio && r.tap != nil && p.tapped == "" {
		if err := r.tap.Start(ctx, roomID, pid, prod, room.router); err != nil {
			logger.Warn().Err(err).Msg("audio tap not started")
		} else {
			p.tapped = prod.ID()
		}
	}

	prodID := prod.ID()
	prod.OnClose(func(core.CloseReason) {
		go r.detachProducer(roomID, pid, prodID)
	})

	logger.Info().Msg("producer created")
	r.notifyRoom(roomID, pid, core.Push{Type: core.PushNewProducer, Data: core.NewProducer{
		ProducerID: prodID, ParticipantID: pid, Kind: kind,
	}})
	r.publish(core.Event{Type: core.EventNewProducer, RoomID: roomID, ParticipantID: pid, ProducerID: prodID, Kind: kind})
	return prod, nil
}

// detachProducer handles producers closed by the engine (transport or router
// teardown). Explicit closes have already removed the producer.
func (r *Registry) detachProducer(roomID domain.RoomID, pid domain.ParticipantID, id domain.ProducerID) {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return
	}
	defer room.mu.Unlock()
	prod, ok := p.producers[id]
	if !ok {
		return
	}
	delete(p.producers, id)
	r.closeProducerLocked(room, p, prod)
}

// CloseProducer closes one of the participant's own producers.
func (r *Registry) CloseProducer(_ context.Context, roomID domain.RoomID, pid domain.ParticipantID, id domain.ProducerID) error {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()
	prod, ok := p.producers[id]
	if !ok {
		return domain.ErrProducerNotFound
	}
	delete(p.producers, id)
	r.closeProducerLocked(room, p, prod)
	return nil
}

// CreateConsumer attaches a paused consumer of producerID to the
// participant's recv transport.
func (r *Registry) CreateConsumer(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, producerID domain.ProducerID, caps domain.RtpCapabilities) (core.Consumer, error) {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()
	if p.recv == nil || p.recv.Closed() {
		return nil, domain.ErrTransportNotFound
	}
	if !room.hasProducer(producerID) {
		return nil, domain.ErrProducerNotFound
	}
	if !room.router.CanConsume(producerID, caps) {
		return nil, domain.ErrIncompatibleCapabilities
	}
	c, err := p.recv.Consume(ctx, producerID, caps, true)
	if err != nil {
		return nil, err
	}
	p.consumers[c.ID()] = c

	cid := c.ID()
	c.OnClose(func(reason core.CloseReason) {
		go r.detachConsumer(roomID, pid, cid, producerID, reason)
	})
	log.Debug().
		Str("module", "rooms").
		Str("room_id", string(roomID)).
		Str("participant_id", string(pid)).
		Str("consumer_id", string(cid)).
		Str("producer_id", string(producerID)).
		Msg("consumer created paused")
	return c, nil
}

func (room *Room) hasProducer(id domain.ProducerID) bool {
	for _, p := range room.participants {
		if prod, ok := p.producers[id]; ok && !prod.Closed() {
			return true
		}
	}
	return false
}

func (r *Registry) detachConsumer(roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID, producerID domain.ProducerID, reason core.CloseReason) {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return
	}
	defer room.mu.Unlock()
	if _, ok := p.consumers[cid]; !ok {
		return
	}
	delete(p.consumers, cid)
	if reason == core.CloseProducerClosed {
		r.notifyParticipant(roomID, pid, core.Push{Type: core.PushConsumerClosed, Data: core.ConsumerClosed{
			ConsumerID: cid, ProducerID: producerID,
		}})
	}
}

func (r *Registry) consumer(roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID) (core.Consumer, func(), error) {
	room, p, err := r.lockParticipant(roomID, pid)
	if err != nil {
		return nil, nil, err
	}
	c, ok := p.consumers[cid]
	if !ok || c.Closed() {
		room.mu.Unlock()
		return nil, nil, domain.ErrConsumerNotFound
	}
	return c, room.mu.Unlock, nil
}

func (r *Registry) ResumeConsumer(_ context.Context, roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID) error {
	c, unlock, err := r.consumer(roomID, pid, cid)
	if err != nil {
		return err
	}
	defer unlock()
	return c.Resume()
}

func (r *Registry) PauseConsumer(_ context.Context, roomID domain.RoomID, pid domain.ParticipantID, cid domain.ConsumerID) error {
	c, unlock, err := r.consumer(roomID, pid, cid)
	if err != nil {
		return err
	}
	defer unlock()
	return c.Pause()
}

// RouterCapabilities returns the router capabilities of a room.
func (r *Registry) RouterCapabilities(roomID domain.RoomID) (domain.RtpCapabilities, error) {
	room, err := r.lockRoom(roomID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	defer room.mu.Unlock()
	return room.router.RtpCapabilities(), nil
}

// GetRoom returns a snapshot of the room.
func (r *Registry) GetRoom(roomID domain.RoomID) (RoomInfo, error) {
	room, err := r.lockRoom(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	defer room.mu.Unlock()
	return RoomInfo{
		ID:           room.ID,
		CreatedAt:    room.CreatedAt.UnixMilli(),
		RouterID:     room.router.ID(),
		Participants: room.others(""),
	}, nil
}

// Languages returns the language preferences of everyone in the room.
func (r *Registry) Languages(roomID domain.RoomID) (map[domain.ParticipantID]domain.Languages, error) {
	room, err := r.lockRoom(roomID)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()
	out := make(map[domain.ParticipantID]domain.Languages, len(room.participants))
	for id, p := range room.participants {
		out[id] = p.Languages
	}
	return out, nil
}

// Binding returns the room and participant bound to a connection.
func (r *Registry) Binding(conn core.SessionID) (domain.RoomID, domain.ParticipantID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.conns[conn]
	return ref.room, ref.pid, ok
}

// Stats tolerates rooms vanishing mid-read.
type Stats struct {
	Rooms          int `json:"rooms"`
	Participants   int `json:"participants"`
	AudioStreaming int `json:"audioStreaming"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	s := Stats{}
	for _, room := range rooms {
		room.mu.Lock()
		if !room.closed {
			s.Rooms++
			s.Participants += len(room.participants)
			for _, p := range room.participants {
				if p.tapped != "" {
					s.AudioStreaming++
				}
			}
		}
		room.mu.Unlock()
	}
	return s
}

// Shutdown closes every room.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.CloseRoom(ctx, id)
	}
}
