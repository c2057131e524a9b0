// Package meshserver implements MeshServer: the hub that owns the set of
// PeerLinks and drives flooding — broadcast, unicast-to-peer, receive,
// forward, duplicate suppression, and observer notification. Its
// Events-channel-with-drop-if-slow pattern for observability is grounded
// on juanpablocruz-maep/pkg/node.Node's emit method; its options
// constructor follows that package's options.go.
package meshserver

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/peerlink"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// EventType names an observability event emitted on MeshServer.Events.
type EventType string

const (
	EventBroadcast        EventType = "broadcast"
	EventForward          EventType = "forward"
	EventDuplicateDropped EventType = "duplicate_dropped"
	EventPeerUp           EventType = "peer_up"
	EventPeerDown         EventType = "peer_down"
	EventDuplicatePeer    EventType = "duplicate_peer"
)

// Event is an observability record describing something MeshServer did.
type Event struct {
	Time   time.Time
	Type   EventType
	Fields map[string]any
}

// MeshServer owns the PeerLink set, the SeenSet, and the ObserverRegistry
// for one server instance. All mutating methods are intended to run on a
// single Reactor goroutine; MeshServer itself does no locking around the
// operations the Reactor serializes, except where noted.
type MeshServer struct {
	LocalID  serverid.ID
	registry *observer.Registry

	mu    sync.Mutex
	links map[serverid.ID]*peerlink.PeerLink

	counter atomic.Uint64
	seen    *seenSet

	events chan Event
	log    *slog.Logger
}

// Option configures a MeshServer at construction time.
type Option func(*MeshServer)

// WithSeenSetCapacity overrides the default SeenSet eviction threshold.
func WithSeenSetCapacity(n int) Option {
	return func(m *MeshServer) { m.seen = newSeenSet(n) }
}

// WithEvents attaches a channel that receives observability Events.
// Matching the teacher's emit pattern, publishing never blocks: an event
// is dropped if the channel's buffer is full.
func WithEvents(ch chan Event) Option {
	return func(m *MeshServer) { m.events = ch }
}

// WithLogger overrides the logger stored on the MeshServer. MeshServer's
// own code paths do not log through it: an Event that does not fit in the
// Events channel is dropped without a log line.
func WithLogger(l *slog.Logger) Option {
	return func(m *MeshServer) { m.log = l }
}

// New constructs a MeshServer for localID, dispatching received
// datagrams through registry.
func New(localID serverid.ID, registry *observer.Registry, opts ...Option) *MeshServer {
	m := &MeshServer{
		LocalID:  localID,
		registry: registry,
		links:    make(map[serverid.ID]*peerlink.PeerLink),
		seen:     newSeenSet(DefaultSeenSetCapacity),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MeshServer) emit(t EventType, f map[string]any) {
	if m.events == nil {
		return
	}
	select {
	case m.events <- Event{Time: time.Now(), Type: t, Fields: f}:
	default:
	}
}

func (m *MeshServer) nextID() datagram.MessageId {
	return datagram.MessageId{Origin: m.LocalID, Counter: m.counter.Add(1)}
}

// Broadcast allocates a fresh MessageId, marks it seen, notifies local
// observers, then enqueues the encoded datagram on every UP PeerLink.
// Local notification happens before any peer write, satisfying the
// ordering guarantee that a locally-originated broadcast is observed
// locally before it appears on any link's write queue.
func (m *MeshServer) Broadcast(typ string, payload []byte, ttl *int, recipient *serverid.ID) datagram.MeshDatagram {
	d := datagram.MeshDatagram{
		ID:        m.nextID(),
		Type:      typ,
		TTL:       ttl,
		Recipient: recipient,
		Payload:   payload,
	}
	m.seen.Insert(d.ID, d.Payload)
	m.registry.Notify(d)
	m.emit(EventBroadcast, map[string]any{"id": d.ID.String(), "type": typ})

	for _, link := range m.snapshotLinks() {
		link.Send(d)
	}
	return d
}

// BroadcastCorrelated is Broadcast plus a reply_to MessageId, used by
// scatter-gather style exchanges (pkg/who) to correlate a reply with the
// request that prompted it.
func (m *MeshServer) BroadcastCorrelated(typ string, payload []byte, replyTo *datagram.MessageId, recipient *serverid.ID) datagram.MeshDatagram {
	d := datagram.MeshDatagram{
		ID:        m.nextID(),
		Type:      typ,
		Recipient: recipient,
		ReplyTo:   replyTo,
		Payload:   payload,
	}
	m.seen.Insert(d.ID, d.Payload)
	m.registry.Notify(d)
	m.emit(EventBroadcast, map[string]any{"id": d.ID.String(), "type": typ})

	for _, link := range m.snapshotLinks() {
		link.Send(d)
	}
	return d
}

// UnicastToPeer sends a datagram on exactly one link, tagged with a fresh
// MessageId recorded in SeenSet so that if it echoes back through the
// mesh it does not re-trigger observers. recipient is optional and only
// advisory: forwarding on other servers still occurs regardless of its
// value, but a recipient-aware observer (pkg/topology's I-AM handling)
// may use it to ignore a datagram addressed to someone else.
func (m *MeshServer) UnicastToPeer(link *peerlink.PeerLink, typ string, payload []byte, recipient *serverid.ID) bool {
	d := datagram.MeshDatagram{
		ID:        m.nextID(),
		Type:      typ,
		Recipient: recipient,
		Payload:   payload,
	}
	m.seen.Insert(d.ID, d.Payload)
	return link.Send(d)
}

// OnPeerRecord is the receive path: dedup, insert into SeenSet, forward
// to every other UP link (split-horizon) unless TTL has been exhausted,
// then notify observers exactly once regardless of whether forwarding
// happened.
func (m *MeshServer) OnPeerRecord(arrivedOn *peerlink.PeerLink, d datagram.MeshDatagram) {
	if m.seen.Contains(d.ID) {
		m.emit(EventDuplicateDropped, map[string]any{"id": d.ID.String()})
		return
	}
	m.seen.Insert(d.ID, d.Payload)

	if d.TTL == nil || *d.TTL > 0 {
		forwarded := d
		if d.TTL != nil {
			n := *d.TTL - 1
			forwarded.TTL = &n
		}
		for _, link := range m.snapshotLinks() {
			if link == arrivedOn {
				continue
			}
			link.Send(forwarded)
		}
		m.emit(EventForward, map[string]any{"id": d.ID.String(), "type": d.Type})
	}

	m.registry.Notify(d)
}

// RegisterLink admits link into the UP set once its handshake has
// completed. If another link already holds the same remote ServerId,
// the duplicate-resolution rule below picks exactly one to keep and
// closes the other with DUPLICATE_PEER; both ends apply the same rule
// independently, using only values each side can observe, so they agree
// on which physical connection survives.
func (m *MeshServer) RegisterLink(link *peerlink.PeerLink) {
	remote, ok := link.RemoteID()
	if !ok {
		return
	}

	m.mu.Lock()
	existing, dup := m.links[remote]
	if !dup {
		m.links[remote] = link
	}
	m.mu.Unlock()

	if !dup {
		m.emit(EventPeerUp, map[string]any{"remote": remote.String()})
		return
	}

	keep, drop := m.resolveDuplicate(existing, link)
	m.mu.Lock()
	m.links[remote] = keep
	m.mu.Unlock()
	m.emit(EventDuplicatePeer, map[string]any{"remote": remote.String()})
	drop.Close(conn.ReasonDuplicatePeer)
}

// resolveDuplicate picks which of two UP links sharing the same remote
// ServerId survives. When the two links have different Direction values
// (the ordinary simultaneous-connect case), both ends of the pair derive
// the same answer: whichever side's local ServerId is numerically greater
// keeps its Outbound (self-dialed) link; the other side keeps its Inbound
// (accepted) link. Since an Outbound link on one end is the same TCP
// connection as an Inbound link on the other, this converges on a single
// surviving socket without coordination.
//
// That rule is degenerate when both links share the same Direction (e.g.
// the remote peer dials twice: this side sees two Inbound links, the
// remote sees two Outbound links) — nothing about ServerId or Direction
// distinguishes the two physical connections, and "keep whichever was
// registered first" is not guaranteed to agree across both ends under a
// concurrent handshake race. For that case, fall back to each link's
// LinkKey: a value derived from both sides' HELLO nonces that is identical
// from either end's perspective of the *same* physical connection, so
// comparing keys picks the same survivor on both ends without
// coordination.
func (m *MeshServer) resolveDuplicate(a, b *peerlink.PeerLink) (keep, drop *peerlink.PeerLink) {
	if a.Direction != b.Direction {
		preferOutbound := m.LocalID.Greater(mustRemote(a))
		wantDir := peerlink.Inbound
		if preferOutbound {
			wantDir = peerlink.Outbound
		}
		if a.Direction == wantDir {
			return a, b
		}
		return b, a
	}

	if a.LinkKey().Less(b.LinkKey()) {
		return a, b
	}
	return b, a
}

func mustRemote(p *peerlink.PeerLink) serverid.ID {
	id, _ := p.RemoteID()
	return id
}

// UnregisterLink removes link from the UP set, e.g. once its Connection
// closes. A no-op if link is not the currently-registered link for its
// remote id (it may have already lost a duplicate-resolution race).
func (m *MeshServer) UnregisterLink(link *peerlink.PeerLink) {
	remote, ok := link.RemoteID()
	if !ok {
		return
	}
	m.mu.Lock()
	if m.links[remote] == link {
		delete(m.links, remote)
	}
	m.mu.Unlock()
	m.emit(EventPeerDown, map[string]any{"remote": remote.String()})
}

func (m *MeshServer) snapshotLinks() []*peerlink.PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peerlink.PeerLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// Peers reports the sorted ServerIds of every direct, UP peer.
func (m *MeshServer) Peers() []serverid.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]serverid.ID, 0, len(m.links))
	for id := range m.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// PeerLink looks up the UP link for a direct peer, if any.
func (m *MeshServer) PeerLink(id serverid.ID) (*peerlink.PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	return l, ok
}
