// Package who implements the scatter-gather "/who" query: broadcast a
// request, collect one reply per reachable server, and report an
// aggregate user/server count. Grounded on
// original_source/talker/distributed.py's WhoObserver and
// ScatterGatherMixin (scatter_request/recv_gather/rollover), reusing
// MeshDatagram's reply_to field for correlation instead of that module's
// ad hoc request-id string splitting.
package who

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/meshserver"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// RequestType and ReplyType are the MeshDatagram type tags Observer uses.
const (
	RequestType = "WHO"
	ReplyType   = "WHO-REPLY"
)

// DefaultTimeout bounds how long a Query waits for stragglers before it
// rolls over with whatever replies arrived.
const DefaultTimeout = 3 * time.Second

// Reachable reports the set of servers known reachable from the local
// server, per pkg/topology.
type Reachable interface {
	Reachable() []serverid.ID
}

// LocalUsers reports how many named clients are connected locally.
type LocalUsers interface {
	LocalUserCount() int
}

// Result is the aggregate answer to a Query.
type Result struct {
	Users    int
	Servers  int
	Complete bool // false if Query rolled over before every reachable server replied
}

type pending struct {
	expected map[serverid.ID]struct{}
	users    int
	servers  int
	done     chan Result
	timer    *time.Timer
	replied  bool
}

// Observer runs the scatter-gather protocol: Query issues a request and
// onReply/rollover gather the answer.
type Observer struct {
	localID serverid.ID
	mesh    *meshserver.MeshServer
	topo    Reachable
	users   LocalUsers
	r       *reactor.Reactor
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[datagram.MessageId]*pending
}

// Option configures an Observer at construction time.
type Option func(*Observer)

// WithTimeout overrides the default scatter-gather rollover timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Observer) { o.timeout = d }
}

// WithLogger overrides the logger used for malformed-reply diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.log = l }
}

// New subscribes to WHO and WHO-REPLY on registry and returns an Observer.
func New(localID serverid.ID, mesh *meshserver.MeshServer, registry *observer.Registry, topo Reachable, users LocalUsers, r *reactor.Reactor, opts ...Option) *Observer {
	o := &Observer{
		localID: localID,
		mesh:    mesh,
		topo:    topo,
		users:   users,
		r:       r,
		timeout: DefaultTimeout,
		log:     slog.Default(),
		pending: make(map[datagram.MessageId]*pending),
	}
	for _, opt := range opts {
		opt(o)
	}
	registry.Subscribe(RequestType, "who-request", o.onWho)
	registry.Subscribe(ReplyType, "who-reply", o.onReply)
	return o
}

// Query broadcasts a WHO request and returns a channel that receives
// exactly one Result, either once every reachable server has replied or
// once the timeout rolls the request over.
func (o *Observer) Query() <-chan Result {
	reachable := o.topo.Reachable()
	expected := make(map[serverid.ID]struct{}, len(reachable))
	for _, id := range reachable {
		if id != o.localID {
			expected[id] = struct{}{}
		}
	}

	d := o.mesh.Broadcast(RequestType, nil, nil, nil)
	p := &pending{
		expected: expected,
		users:    o.users.LocalUserCount(),
		servers:  1,
		done:     make(chan Result, 1),
	}

	o.mu.Lock()
	o.pending[d.ID] = p
	o.mu.Unlock()

	if len(expected) == 0 {
		o.finish(d.ID, true)
		return p.done
	}

	reqID := d.ID
	p.timer = time.AfterFunc(o.timeout, func() {
		o.r.Post(func() { o.finish(reqID, false) })
	})
	return p.done
}

func (o *Observer) onWho(d datagram.MeshDatagram) {
	if d.ID.Origin == o.localID {
		return
	}
	reqID := d.ID
	reply := encodeReply(o.users.LocalUserCount())
	o.mesh.BroadcastCorrelated(ReplyType, reply, &reqID, &d.ID.Origin)
}

func (o *Observer) onReply(d datagram.MeshDatagram) {
	if d.ReplyTo == nil {
		return
	}
	if d.Recipient != nil && *d.Recipient != o.localID {
		return
	}

	o.mu.Lock()
	p, ok := o.pending[*d.ReplyTo]
	if !ok {
		o.mu.Unlock()
		return
	}
	if _, expected := p.expected[d.ID.Origin]; !expected {
		o.mu.Unlock()
		return
	}
	delete(p.expected, d.ID.Origin)

	users, err := decodeReply(d.Payload)
	if err != nil {
		o.mu.Unlock()
		o.log.Warn("malformed who-reply payload", "origin", d.ID.Origin, "err", err)
		return
	}
	p.users += users
	p.servers++
	done := len(p.expected) == 0
	o.mu.Unlock()

	if done {
		o.finish(*d.ReplyTo, true)
	}
}

// finish delivers the Result for reqID exactly once, whether triggered by
// every expected reply arriving or by the rollover timer firing.
func (o *Observer) finish(reqID datagram.MessageId, complete bool) {
	o.mu.Lock()
	p, ok := o.pending[reqID]
	if !ok || p.replied {
		o.mu.Unlock()
		return
	}
	p.replied = true
	delete(o.pending, reqID)
	users, servers := p.users, p.servers
	o.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- Result{Users: users, Servers: servers, Complete: complete}
	close(p.done)
}

func encodeReply(users int) []byte {
	return []byte(strconv.Itoa(users))
}

func decodeReply(payload []byte) (int, error) {
	n, err := strconv.Atoi(string(payload))
	if err != nil {
		return 0, fmt.Errorf("who: decode reply: %w", err)
	}
	return n, nil
}
