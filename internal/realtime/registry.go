package realtime

import (
	"sync"

	"github.com/messenger/client/internal/event"
	"github.com/messenger/client/internal/logger"
)

// Handler receives one server-pushed event. Payload decoding is the
// handler's job; the registry stays payload-agnostic.
type Handler func(ev event.ServerEvent)

type subKey struct {
	owner string
	id    int
}

// Registry holds listeners independent of the underlying connection, so
// subscriptions survive a reconnect transparently. Every subscription is
// scoped to an owner; dropping an owner never touches another consumer's
// listeners.
type Registry struct {
	mu   sync.RWMutex
	subs map[event.Type]map[subKey]Handler
	next int
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[event.Type]map[subKey]Handler)}
}

// Subscribe registers fn for events of type t under owner. The returned
// function removes exactly this subscription.
func (r *Registry) Subscribe(owner string, t event.Type, fn Handler) func() {
	r.mu.Lock()
	if r.subs[t] == nil {
		r.subs[t] = make(map[subKey]Handler)
	}
	r.next++
	key := subKey{owner: owner, id: r.next}
	r.subs[t][key] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs[t], key)
		r.mu.Unlock()
	}
}

// DropOwner removes every subscription belonging to owner (one conversation
// view unmounting).
func (r *Registry) DropOwner(owner string) {
	r.mu.Lock()
	for t, m := range r.subs {
		for key := range m {
			if key.owner == owner {
				delete(m, key)
			}
		}
		if len(m) == 0 {
			delete(r.subs, t)
		}
	}
	r.mu.Unlock()
}

// Clear removes all subscriptions (full session teardown).
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = make(map[event.Type]map[subKey]Handler)
	r.mu.Unlock()
}

// Dispatch fans one event out to its listeners. Handlers run on the read
// pump goroutine; they must not block.
func (r *Registry) Dispatch(ev event.ServerEvent) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[ev.Type]))
	for _, fn := range r.subs[ev.Type] {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	if len(handlers) == 0 && ev.Type != event.TypeAck {
		logger.Debugf("realtime: no listener for %s", ev.Type)
	}
	for _, fn := range handlers {
		fn(ev)
	}
}
