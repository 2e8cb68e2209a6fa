package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sink durably records events, e.g. to Kafka.
type Sink interface {
	Write(ctx context.Context, evt Event) error
}

// Bus delivers every published event to all subscribers without blocking and
// queues it for the sinks, which Run drains.
type Bus struct {
	mu    sync.RWMutex
	subs  map[chan Event]struct{}
	sinks []Sink
	queue chan Event
}

func NewBus(queueSize int, sinks ...Sink) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:  map[chan Event]struct{}{},
		sinks: sinks,
		queue: make(chan Event, queueSize),
	}
}

func (b *Bus) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	_, exists := b.subs[ch]
	if exists {
		delete(b.subs, ch)
	}
	b.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()

	if len(b.sinks) == 0 {
		return
	}
	select {
	case b.queue <- evt:
	default:
		log.Warn().Str("event", evt.Type).Msg("event sink queue full, dropping event")
	}
}

// Run writes queued events to every sink until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			for _, s := range b.sinks {
				if err := s.Write(ctx, evt); err != nil {
					log.Error().Err(err).Str("event", evt.Type).Msg("event sink write failed")
				}
			}
		}
	}
}
