package events

import (
	"sync"
	"time"
)

// Subscriber receives events.
type Subscriber <-chan Event

type subscription struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

func (s *subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus is an in-process pubsub. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
	now  func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers a subscriber for the given kinds, or for every kind
// when none are given.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) Subscriber {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish sends p to every interested subscriber.
func (b *Bus) Publish(p Payload) {
	if p == nil {
		return
	}
	ev := NewEvent(p, b.now())

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.subs {
		if (<-chan Event)(candidate.ch) == (<-chan Event)(s) {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(candidate.ch)
			return
		}
	}
}
