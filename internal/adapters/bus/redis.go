// Package bus carries room events between gateway instances over Redis
// pub/sub. The bus is a soft dependency: when Redis is down, events are
// dropped and every instance keeps working on its own.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/VoiceGateway/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultChannel = "gateway:events"
	queueSize      = 256
	publishTimeout = 2 * time.Second
)

// Redis publishes events asynchronously; Publish never blocks the caller.
type Redis struct {
	client  redis.UniversalClient
	channel string
	node    string

	mu     sync.RWMutex
	closed bool
	queue  chan core.Event
	done   chan struct{}
}

func NewRedis(client redis.UniversalClient, channel, node string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	r := &Redis{
		client:  client,
		channel: channel,
		node:    node,
		queue:   make(chan core.Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Redis) Publish(_ context.Context, evt core.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- evt:
	default:
		log.Warn().Str("module", "bus").Str("type", evt.Type).Msg("event queue full, dropping")
	}
}

func (r *Redis) run() {
	defer close(r.done)
	for evt := range r.queue {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Error().Err(err).Str("module", "bus").Msg("encode event")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.client.Publish(ctx, r.channel, string(data)).Err()
		cancel()
		if err != nil {
			log.Debug().Err(err).Str("module", "bus").Str("type", evt.Type).Msg("publish failed")
		}
	}
}

// Listen delivers events from other nodes until ctx is done.
func (r *Redis) Listen(ctx context.Context, handle func(core.Event)) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt core.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Debug().Err(err).Str("module", "bus").Msg("bad event")
				continue
			}
			if evt.Node == r.node {
				continue
			}
			handle(evt)
		}
	}
}

// Close flushes queued events and stops the publisher.
func (r *Redis) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, core.Event) {}
