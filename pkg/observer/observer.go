// Package observer implements ObserverRegistry: a mapping from MeshDatagram
// type tags to ordered lists of subscriber callbacks, dispatched
// synchronously on whichever goroutine calls Notify. Unlike
// juanpablocruz-maep/pkg/eventbus's Bus — which fans events out to
// per-subscriber goroutines and channels — this registry is meant to run
// entirely on the Reactor goroutine, so dispatch is plain ordered function
// calls rather than channel delivery. It keeps that package's panic
// containment: a misbehaving callback must not take down the registry.
package observer

import (
	"log/slog"
	"sync"

	"github.com/flintpeak/talkmesh/pkg/datagram"
)

// Callback receives a MeshDatagram notification for the type it was
// registered under.
type Callback func(d datagram.MeshDatagram)

type entry struct {
	name string
	cb   Callback
}

// Registry maps datagram type tags to ordered callback lists.
type Registry struct {
	mu   sync.Mutex
	subs map[string][]entry
	log  *slog.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger overrides the logger used to report callback panics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		subs: make(map[string][]entry),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers cb, named name for diagnostics, to run whenever
// Notify is called for typ. Callbacks for a given type run in the order
// they were subscribed.
func (r *Registry) Subscribe(typ, name string, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[typ] = append(r.subs[typ], entry{name: name, cb: cb})
}

// Notify invokes every callback registered for d.Type, in registration
// order. A callback that panics is recovered, logged, and does not
// prevent the remaining callbacks from running. Callbacks may safely
// re-enter the registry (e.g. by calling MeshServer.Broadcast) since
// Notify itself does not hold the lock while dispatching.
func (r *Registry) Notify(d datagram.MeshDatagram) {
	r.mu.Lock()
	entries := append([]entry(nil), r.subs[d.Type]...)
	r.mu.Unlock()

	for _, e := range entries {
		r.dispatch(e, d)
	}
}

func (r *Registry) dispatch(e entry, d datagram.MeshDatagram) {
	defer func() {
		if err := recover(); err != nil {
			r.log.Error("observer callback panicked", "observer", e.name, "type", d.Type, "panic", err)
		}
	}()
	e.cb(d)
}

// Types reports every type tag with at least one subscriber, for
// diagnostics.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}
