// Copyright 2026 The Crustocean Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"reflect"
	"sync"

	"github.com/Crustocean/sdk/transport"
)

// EventHandler receives one channel event. Handlers for an event name
// fire in registration order.
type EventHandler func(transport.Event)

// registeredHandler pairs a handler with its identity key. Go
// functions are not comparable, so removal matches on the function
// pointer: registering the same function value twice yields two
// entries with the same key, and remove takes the first.
type registeredHandler struct {
	fn  EventHandler
	key uintptr
}

func handlerKey(fn EventHandler) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// listenerRegistry maps event names to ordered handler lists. Entries
// survive disconnects: the session binds the registry to each new
// channel, so handlers registered before the first connect (or across
// reconnects) receive events without re-registration.
type listenerRegistry struct {
	mu       sync.Mutex
	handlers map[string][]registeredHandler
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{handlers: make(map[string][]registeredHandler)}
}

func (r *listenerRegistry) add(name string, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], registeredHandler{fn: fn, key: handlerKey(fn)})
}

// remove drops at most the first registration of fn for name.
func (r *listenerRegistry) remove(name string, fn EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := handlerKey(fn)
	list := r.handlers[name]
	for i, registered := range list {
		if registered.key == key {
			r.handlers[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// dispatch invokes every handler registered for the event's name, in
// registration order. The handler list is snapshotted under the lock
// and invoked outside it, so handlers may call On/Off freely.
func (r *listenerRegistry) dispatch(event transport.Event) {
	r.mu.Lock()
	list := r.handlers[event.Name]
	snapshot := make([]EventHandler, len(list))
	for i, registered := range list {
		snapshot[i] = registered.fn
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		fn(event)
	}
}
