package notifications

import (
	"context"
	"sync"

	"fluttermcp/internal/domain"
)

const defaultEventBuffer = 32

// Bus fans registry events out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan domain.RegistryEvent]subscription
}

type subscription struct {
	kinds map[domain.RegistryEventKind]struct{}
}

func (s subscription) wants(kind domain.RegistryEventKind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[chan domain.RegistryEvent]subscription),
	}
}

func (b *Bus) EmitRegistryEvent(event domain.RegistryEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a listener for the given kinds, or all kinds when none are given.
// The channel is closed once ctx is done.
func (b *Bus) Subscribe(ctx context.Context, kinds ...domain.RegistryEventKind) <-chan domain.RegistryEvent {
	ch := make(chan domain.RegistryEvent, defaultEventBuffer)
	if b == nil {
		close(ch)
		return ch
	}

	sub := subscription{}
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.RegistryEventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// SubscriberCount reports the number of attached listeners.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

var _ domain.RegistryEventEmitter = (*Bus)(nil)
