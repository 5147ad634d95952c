// Package listenerset implements the publish-subscribe registries used to
// notify UI layers of flag value changes, flag check changes, and
// pending-state changes.
//
// The standard pattern is that Add returns an unsubscribe closure removing
// exactly that listener; Notify invokes all current listeners for a key
// synchronously, in no guaranteed order. A panicking listener never prevents
// its siblings, or the notifying code path, from proceeding.
package listenerset

import (
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"golang.org/x/exp/slices"
)

// entry wraps a listener function; its pointer identity is what the
// unsubscribe closure removes.
type entry[V any] struct {
	fn func(V)
}

// KeyedRegistry is a set of listeners grouped by flag key.
type KeyedRegistry[V any] struct {
	lock      sync.Mutex
	listeners map[string][]*entry[V]
	loggers   ldlog.Loggers
}

// NewKeyed creates an empty keyed registry.
func NewKeyed[V any](loggers ldlog.Loggers) *KeyedRegistry[V] {
	return &KeyedRegistry[V]{listeners: make(map[string][]*entry[V]), loggers: loggers}
}

// Add subscribes a listener that receives the new value. The returned
// closure removes it.
func (r *KeyedRegistry[V]) Add(key string, fn func(V)) func() {
	e := &entry[V]{fn: fn}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners[key] = append(r.listeners[key], e)
	return func() { r.remove(key, e) }
}

// AddNotify subscribes a notification-only listener that receives no payload.
func (r *KeyedRegistry[V]) AddNotify(key string, fn func()) func() {
	return r.Add(key, func(V) { fn() })
}

// Has returns true if any listener is currently registered for the key.
func (r *KeyedRegistry[V]) Has(key string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.listeners[key]) > 0
}

// Notify calls every listener registered for the key with the given value.
func (r *KeyedRegistry[V]) Notify(key string, value V) {
	r.lock.Lock()
	ss := slices.Clone(r.listeners[key])
	r.lock.Unlock()
	for _, e := range ss {
		r.safeCall(e.fn, value)
	}
}

func (r *KeyedRegistry[V]) remove(key string, target *entry[V]) {
	r.lock.Lock()
	defer r.lock.Unlock()
	ss := r.listeners[key]
	for i, e := range ss {
		if e == target {
			copy(ss[i:], ss[i+1:])
			ss[len(ss)-1] = nil
			ss = ss[:len(ss)-1]
			break
		}
	}
	if len(ss) == 0 {
		delete(r.listeners, key)
	} else {
		r.listeners[key] = ss
	}
}

func (r *KeyedRegistry[V]) safeCall(fn func(V), value V) {
	defer func() {
		if p := recover(); p != nil {
			r.loggers.Debugf("Recovered from panic in listener: %+v", p)
		}
	}()
	fn(value)
}

// Registry is an unkeyed listener set, used for pending-state changes.
type Registry[V any] struct {
	keyed *KeyedRegistry[V]
}

// New creates an empty unkeyed registry.
func New[V any](loggers ldlog.Loggers) *Registry[V] {
	return &Registry[V]{keyed: NewKeyed[V](loggers)}
}

// Add subscribes a listener that receives the new value.
func (r *Registry[V]) Add(fn func(V)) func() { return r.keyed.Add("", fn) }

// AddNotify subscribes a notification-only listener.
func (r *Registry[V]) AddNotify(fn func()) func() { return r.keyed.AddNotify("", fn) }

// Notify calls every listener with the given value.
func (r *Registry[V]) Notify(value V) { r.keyed.Notify("", value) }
