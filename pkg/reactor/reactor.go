// Package reactor implements a single-threaded readiness loop that
// serializes all mutation of MeshServer, PeerLink, ObserverRegistry, and
// TopologyObserver state onto one goroutine.
//
// Go's runtime already multiplexes socket readiness behind goroutines and
// channels, so rather than polling file descriptors directly (as
// original_source/talker/base.py's select.select loop does), the Reactor
// here is a task executor: every socket gets its own reader/writer
// goroutines (pkg/conn), and those goroutines communicate with the Reactor
// only by posting closures. The Reactor drains them one at a time on a
// single goroutine, giving every handler a single-threaded cooperative
// event loop to run on. The Poller interface is a pluggable seam for that
// delivery, with ChannelPoller as the real backend and FakePoller
// (fake_poller.go) as a deterministic test double.
package reactor

import "context"

// Task is a unit of work that runs on the Reactor goroutine. A Task must
// not block on I/O or on a lock held by another goroutine.
type Task func()

// Poller abstracts where the Reactor's next Task comes from, so the
// Reactor itself is agnostic to whether work arrives over a real channel
// or a deterministically-driven test double.
type Poller interface {
	// Post enqueues t for later execution on the Reactor goroutine. Returns
	// false if the poller is closed.
	Post(Task) bool
	// Wait blocks until a Task is ready or ctx is done, returning
	// (nil, false) in the latter case or once the poller is closed.
	Wait(ctx context.Context) (Task, bool)
	// Close releases the poller's resources; subsequent Post calls fail.
	Close()
}

// Reactor runs Tasks to completion, one at a time, on whichever goroutine
// calls Run.
type Reactor struct {
	poller Poller
}

// New wraps an arbitrary Poller.
func New(p Poller) *Reactor {
	return &Reactor{poller: p}
}

// NewReal returns a Reactor backed by a real channel-based Poller with the
// given task queue capacity.
func NewReal(queueSize int) *Reactor {
	return New(NewChannelPoller(queueSize))
}

// Post enqueues t to run on the Reactor goroutine. Safe to call from any
// goroutine; this is the cross-thread wake-up that must happen before
// touching any state the Reactor goroutine owns.
func (r *Reactor) Post(t Task) bool {
	return r.poller.Post(t)
}

// Run drains Tasks until ctx is cancelled or the poller is closed. Run
// must be called from exactly one goroutine, which becomes "the Reactor
// thread" for the lifetime of this call.
func (r *Reactor) Run(ctx context.Context) {
	for {
		t, ok := r.poller.Wait(ctx)
		if !ok {
			return
		}
		t()
	}
}

// Close shuts down the underlying poller.
func (r *Reactor) Close() {
	r.poller.Close()
}
