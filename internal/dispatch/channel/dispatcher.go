package channel

import (
	"sync"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// Handler consumes one delivered event envelope.
type Handler func(env events.Envelope)

// Subscription is one registered handler. Unsubscribe is safe to call more
// than once.
type Subscription interface {
	Unsubscribe()
}

// dispatcher fans delivered envelopes out to handlers registered by event
// name. Subscriptions are scoped to their owner and explicitly unsubscribed
// on owner destruction, so "is this event for me" checks never leak into
// call sites.
type dispatcher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[events.Type]map[int]Handler
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		subs: make(map[events.Type]map[int]Handler),
	}
}

func (d *dispatcher) subscribe(eventType events.Type, handler Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.subs[eventType] == nil {
		d.subs[eventType] = make(map[int]Handler)
	}
	id := d.nextID
	d.nextID++
	d.subs[eventType][id] = handler

	return &subscription{dispatcher: d, eventType: eventType, id: id}
}

func (d *dispatcher) dispatch(env events.Envelope) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs[env.Type]))
	for _, handler := range d.subs[env.Type] {
		handlers = append(handlers, handler)
	}
	d.mu.RUnlock()

	for _, handler := range handlers {
		handler(env)
	}
}

type subscription struct {
	dispatcher *dispatcher
	eventType  events.Type
	id         int
	once       sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.dispatcher.mu.Lock()
		defer s.dispatcher.mu.Unlock()
		delete(s.dispatcher.subs[s.eventType], s.id)
	})
}
