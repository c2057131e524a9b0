// Package topology implements TopologyObserver: an eventually-consistent,
// fully-replicated view of the peer graph built from I-AM assertions and
// periodic PEER-SET broadcasts, plus BFS reachability. Grounded on
// original_source/talker/mixin/topo.py's TopologyObserver
// (recv_i_am/recv_i_see/calculate_reachable_peers for the algorithm) and
// juanpablocruz-maep/pkg/node/node.go's summaryLoop for the Go idiom of a
// time.Ticker-driven periodic broadcast.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/meshserver"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/peerlink"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// IAmType and PeerSetType are the MeshDatagram type tags TopologyObserver
// subscribes to.
const (
	IAmType     = "I-AM"
	PeerSetType = "PEER-SET"
)

// DefaultRefreshInterval is how often the local peer-set is rebroadcast
// even when unchanged.
const DefaultRefreshInterval = 30 * time.Second

// DefaultStaleTTL is how long a RouteTable entry survives without a
// refresh before it is pruned.
const DefaultStaleTTL = 5 * time.Minute

type routeEntry struct {
	peers    map[serverid.ID]struct{}
	version  int64
	lastSeen time.Time
}

// Observer maintains RouteTable and answers reachability / peers queries.
type Observer struct {
	localID serverid.ID
	mesh    *meshserver.MeshServer
	r       *reactor.Reactor

	refreshInterval time.Duration
	staleTTL        time.Duration
	log             *slog.Logger

	mu      sync.Mutex
	routes  map[serverid.ID]*routeEntry
	version int64

	cancel context.CancelFunc
}

// Option configures an Observer at construction time.
type Option func(*Observer)

// WithRefreshInterval overrides the periodic PEER-SET rebroadcast interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(o *Observer) { o.refreshInterval = d }
}

// WithStaleTTL overrides how long an unrefreshed RouteTable entry survives.
func WithStaleTTL(d time.Duration) Option {
	return func(o *Observer) { o.staleTTL = d }
}

// WithLogger overrides the logger used for VERSION_COLLISION diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.log = l }
}

// New subscribes to I-AM and PEER-SET on registry and returns an Observer
// bootstrapped with an empty entry for localID.
func New(localID serverid.ID, mesh *meshserver.MeshServer, registry *observer.Registry, r *reactor.Reactor, opts ...Option) *Observer {
	o := &Observer{
		localID:         localID,
		mesh:            mesh,
		r:               r,
		refreshInterval: DefaultRefreshInterval,
		staleTTL:        DefaultStaleTTL,
		log:             slog.Default(),
		routes:          make(map[serverid.ID]*routeEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.routes[localID] = &routeEntry{peers: map[serverid.ID]struct{}{}, version: 0, lastSeen: time.Now()}

	registry.Subscribe(IAmType, "topology-i-am", o.onIAm)
	registry.Subscribe(PeerSetType, "topology-peer-set", o.onPeerSet)
	return o
}

// Start launches the periodic refresh/prune ticker. The ticker goroutine
// only ever touches Observer/MeshServer state by posting onto r, so all
// mutation still happens on the Reactor goroutine.
func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	go o.refreshLoop(ctx)
}

// Stop halts the periodic refresh/prune ticker.
func (o *Observer) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Observer) refreshLoop(ctx context.Context) {
	t := time.NewTicker(o.refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.r.Post(func() {
				o.refreshOwnPeerSet()
				o.pruneStale()
			})
		}
	}
}

// OnPeerUp records a newly-UP direct peer, asserts it via a recipient-
// scoped I-AM unicast (so only that peer treats the origin as directly
// reachable, even though the datagram is still flooded further like any
// other MeshDatagram), and rebroadcasts the local peer-set if it changed.
func (o *Observer) OnPeerUp(link *peerlink.PeerLink) {
	remote, ok := link.RemoteID()
	if !ok {
		return
	}
	changed := o.addDirectPeer(remote)
	o.mesh.UnicastToPeer(link, IAmType, nil, &remote)
	if changed {
		o.bumpAndBroadcastOwnPeerSet()
	}
}

// OnPeerDown removes a direct peer that just went down and rebroadcasts
// the local peer-set if that changed anything.
func (o *Observer) OnPeerDown(link *peerlink.PeerLink) {
	remote, ok := link.RemoteID()
	if !ok {
		return
	}
	if o.removeDirectPeer(remote) {
		o.bumpAndBroadcastOwnPeerSet()
	}
}

func (o *Observer) addDirectPeer(id serverid.ID) (changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	own := o.routes[o.localID]
	if _, exists := own.peers[id]; exists {
		return false
	}
	own.peers[id] = struct{}{}
	own.lastSeen = time.Now()
	return true
}

func (o *Observer) removeDirectPeer(id serverid.ID) (changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	own := o.routes[o.localID]
	if _, exists := own.peers[id]; !exists {
		return false
	}
	delete(own.peers, id)
	own.lastSeen = time.Now()
	return true
}

// bumpAndBroadcastOwnPeerSet is called when the local peer set actually
// changed (OnPeerUp/OnPeerDown/onIAm): it bumps the version so peers treat
// the broadcast as a supersede, per spec.md §4.I ("bumped on each change").
func (o *Observer) bumpAndBroadcastOwnPeerSet() {
	o.mu.Lock()
	o.version++
	own := o.routes[o.localID]
	own.version = o.version
	own.lastSeen = time.Now()
	version, peers := o.version, snapshotPeers(own)
	o.mu.Unlock()

	o.mesh.Broadcast(PeerSetType, encodePeerSet(version, peers), nil, nil)
}

// refreshOwnPeerSet is called from the periodic ticker: it re-emits the
// peer set at the current version, unchanged, so recipients treat it as a
// no-op refresh (spec.md §4.I) rather than a supersede, and so
// VERSION_COLLISION detection in onPeerSet stays meaningful.
func (o *Observer) refreshOwnPeerSet() {
	o.mu.Lock()
	own := o.routes[o.localID]
	own.lastSeen = time.Now()
	version, peers := o.version, snapshotPeers(own)
	o.mu.Unlock()

	o.mesh.Broadcast(PeerSetType, encodePeerSet(version, peers), nil, nil)
}

func snapshotPeers(own *routeEntry) []serverid.ID {
	peers := make([]serverid.ID, 0, len(own.peers))
	for id := range own.peers {
		peers = append(peers, id)
	}
	return peers
}

func (o *Observer) onIAm(d datagram.MeshDatagram) {
	if d.Recipient != nil && *d.Recipient != o.localID {
		return
	}
	if o.addDirectPeer(d.ID.Origin) {
		o.bumpAndBroadcastOwnPeerSet()
	}
}

func (o *Observer) onPeerSet(d datagram.MeshDatagram) {
	version, peers, err := decodePeerSet(d.Payload)
	if err != nil {
		o.log.Warn("malformed peer-set payload", "origin", d.ID.Origin, "err", err)
		return
	}
	origin := d.ID.Origin

	o.mu.Lock()
	defer o.mu.Unlock()

	existing, ok := o.routes[origin]
	peerSet := make(map[serverid.ID]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}

	switch {
	case !ok:
		o.routes[origin] = &routeEntry{peers: peerSet, version: version, lastSeen: time.Now()}
	case version > existing.version:
		existing.peers = peerSet
		existing.version = version
		existing.lastSeen = time.Now()
	case version == existing.version:
		existing.lastSeen = time.Now()
		if !sameSet(existing.peers, peerSet) {
			o.log.Warn("VERSION_COLLISION", "origin", origin, "version", version)
		}
	default:
		// strictly older version: ignore entirely, no refresh credit.
	}
}

func sameSet(a, b map[serverid.ID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (o *Observer) pruneStale() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	for id, entry := range o.routes {
		if id == o.localID {
			continue
		}
		if now.Sub(entry.lastSeen) > o.staleTTL {
			delete(o.routes, id)
		}
	}
}

// Reachable computes the set of servers reachable from the local server
// by BFS over RouteTable, following peer_ids edges.
func (o *Observer) Reachable() []serverid.ID {
	o.mu.Lock()
	defer o.mu.Unlock()

	visited := map[serverid.ID]struct{}{o.localID: {}}
	frontier := []serverid.ID{o.localID}
	for len(frontier) > 0 {
		var next []serverid.ID
		for _, id := range frontier {
			entry, ok := o.routes[id]
			if !ok {
				continue
			}
			for peer := range entry.peers {
				if _, seen := visited[peer]; !seen {
					visited[peer] = struct{}{}
					next = append(next, peer)
				}
			}
		}
		frontier = next
	}

	out := make([]serverid.ID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func encodePeerSet(version int64, peers []serverid.ID) []byte {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	hexes := make([]string, len(peers))
	for i, p := range peers {
		hexes[i] = p.String()
	}
	return []byte(fmt.Sprintf("%d %s", version, strings.Join(hexes, ",")))
}

func decodePeerSet(payload []byte) (int64, []serverid.ID, error) {
	fields := strings.SplitN(string(payload), " ", 2)
	version, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("topology: decode peer-set version: %w", err)
	}
	if len(fields) == 1 || fields[1] == "" {
		return version, nil, nil
	}
	tokens := strings.Split(fields[1], ",")
	peers := make([]serverid.ID, 0, len(tokens))
	for _, tok := range tokens {
		id, err := serverid.Parse(tok)
		if err != nil {
			return 0, nil, fmt.Errorf("topology: decode peer-set peer %q: %w", tok, err)
		}
		peers = append(peers, id)
	}
	return version, peers, nil
}
