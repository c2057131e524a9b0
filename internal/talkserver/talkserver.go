// Package talkserver is the composition root: it wires Reactor,
// MeshServer, ObserverRegistry, SpeechObserver, TopologyObserver, and
// WhoObserver together with the client and peer TCP listeners into one
// running server instance. Grounded on
// juanpablocruz-maep/internal/network/p2p.go's NetworkNode — a thin
// wrapper owning listener lifecycle around the lower-level transport/node
// packages — with the libp2p transport it uses replaced by plain `net`
// sockets, since talkmesh's peer transport is CRLF-over-TCP, not libp2p
// (see DESIGN.md for why libp2p was dropped rather than wired in).
package talkserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flintpeak/talkmesh/pkg/clientcmd"
	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/meshserver"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/peerlink"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
	"github.com/flintpeak/talkmesh/pkg/speech"
	"github.com/flintpeak/talkmesh/pkg/topology"
	"github.com/flintpeak/talkmesh/pkg/who"
)

// DefaultShutdownGrace bounds how long Shutdown waits for connections to
// drain before forcing them closed.
const DefaultShutdownGrace = 5 * time.Second

// DefaultTaskQueueSize is the Reactor's task queue capacity.
const DefaultTaskQueueSize = 256

type clientState struct {
	conn *conn.Connection
	name string
}

// Server owns one talkmesh instance: its Reactor, MeshServer, observers,
// and the listener sockets feeding them.
type Server struct {
	LocalID serverid.ID

	r        *reactor.Reactor
	registry *observer.Registry
	mesh     *meshserver.MeshServer
	topo     *topology.Observer
	who      *who.Observer

	log           *slog.Logger
	shutdownGrace time.Duration

	mu             sync.Mutex
	clients        map[*conn.Connection]*clientState
	peersByAddr    map[string]*peerlink.PeerLink
	clientListener net.Listener
	peerListeners  map[string]net.Listener
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the logger used for connection and topology
// diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithShutdownGrace overrides the default Shutdown drain timeout.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) { s.shutdownGrace = d }
}

// WithTaskQueueSize overrides the Reactor's task queue capacity.
func WithTaskQueueSize(n int) Option {
	return func(s *Server) { s.r = reactor.NewReal(n) }
}

// New constructs a Server identified by localID with every core observer
// wired in. It does not open any socket; call ListenClients/ListenPeers/
// ConnectPeer and then Run.
func New(localID serverid.ID, opts ...Option) *Server {
	s := &Server{
		LocalID:       localID,
		r:             reactor.NewReal(DefaultTaskQueueSize),
		log:           slog.Default(),
		shutdownGrace: DefaultShutdownGrace,
		clients:       make(map[*conn.Connection]*clientState),
		peersByAddr:   make(map[string]*peerlink.PeerLink),
		peerListeners: make(map[string]net.Listener),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = observer.New(observer.WithLogger(s.log))
	s.mesh = meshserver.New(localID, s.registry, meshserver.WithLogger(s.log))
	s.topo = topology.New(localID, s.mesh, s.registry, s.r, topology.WithLogger(s.log))
	speech.New(s.registry, s)
	s.who = who.New(localID, s.mesh, s.registry, s.topo, s, s.r)
	return s
}

// Clients implements speech.ClientRegistry: every connected client
// receives a fanned-out SPEECH utterance.
func (s *Server) Clients() []*conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn.Connection, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

// LocalUserCount implements who.LocalUsers: the number of connected
// clients is this server's contribution to a /who tally.
func (s *Server) LocalUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run drains the Reactor and the periodic topology refresh loop until ctx
// is cancelled, then performs an orderly Shutdown.
func (s *Server) Run(ctx context.Context) {
	reactorCtx, cancelReactor := context.WithCancel(context.Background())
	defer cancelReactor()
	go s.r.Run(reactorCtx)

	topoCtx, cancelTopo := context.WithCancel(ctx)
	s.topo.Start(topoCtx)

	<-ctx.Done()
	s.topo.Stop()
	cancelTopo()
	s.Shutdown()
	cancelReactor()
}

// ListenClients opens the client-role listener at addr.
func (s *Server) ListenClients(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("talkserver: listen clients %s: %w", addr, err)
	}
	s.mu.Lock()
	s.clientListener = ln
	s.mu.Unlock()
	go s.acceptClients(ln)
	return nil
}

// ListenPeers opens a peer-role listener at addr. Idempotent per addr:
// calling it again for an already-bound addr is a no-op.
func (s *Server) ListenPeers(addr string) error {
	s.mu.Lock()
	if _, exists := s.peerListeners[addr]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("talkserver: listen peers %s: %w", addr, err)
	}
	s.mu.Lock()
	s.peerListeners[addr] = ln
	s.mu.Unlock()
	go s.acceptPeers(ln)
	return nil
}

// ConnectPeer dials an outbound PeerLink to addr.
func (s *Server) ConnectPeer(addr string) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("talkserver: connect peer %s: %w", addr, err)
	}
	s.r.Post(func() { s.addPeerLink(nc, peerlink.Outbound, addr) })
	return nil
}

// PeerKill closes the established PeerLink dialed or accepted at addr, if
// any.
func (s *Server) PeerKill(addr string) error {
	s.mu.Lock()
	link, ok := s.peersByAddr[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("talkserver: no peer link at %s", addr)
	}
	s.r.Post(func() { link.Close(conn.ReasonPeerKilled) })
	return nil
}

// ClientListenerAddr reports the client listener's bound address, useful
// when ListenClients was given a ":0" ephemeral port.
func (s *Server) ClientListenerAddr() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientListener == nil {
		return "", false
	}
	return s.clientListener.Addr().String(), true
}

// PeerListenerAddr reports the bound address of the peer listener opened
// for requestedAddr, useful when it was given a ":0" ephemeral port.
func (s *Server) PeerListenerAddr(requestedAddr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.peerListeners[requestedAddr]
	if !ok {
		return "", false
	}
	return ln.Addr().String(), true
}

// PeerLines renders one descriptive line per direct peer, for /peers.
func (s *Server) PeerLines() []string {
	ids := s.mesh.Peers()
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		addr := ""
		if link, ok := s.mesh.PeerLink(id); ok {
			addr = link.Addr()
		}
		lines = append(lines, fmt.Sprintf("%s %s", id, addr))
	}
	return lines
}

func (s *Server) acceptClients(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		s.r.Post(func() { s.addClient(nc) })
	}
}

func (s *Server) acceptPeers(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		addr := nc.RemoteAddr().String()
		s.r.Post(func() { s.addPeerLink(nc, peerlink.Inbound, addr) })
	}
}

func (s *Server) addClient(nc net.Conn) {
	cs := &clientState{name: "anon-" + serverid.New().Short()}
	var c *conn.Connection
	c = conn.New(nc, conn.RoleClient, s.r,
		func(_ *conn.Connection, record []byte) { s.onClientRecord(cs, c, record) },
		func(c *conn.Connection, _ conn.CloseReason) {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
		})
	cs.conn = c
	s.mu.Lock()
	s.clients[c] = cs
	s.mu.Unlock()
	c.Start()
}

func (s *Server) onClientRecord(cs *clientState, c *conn.Connection, record []byte) {
	sess := &clientSession{s: s, cs: cs}
	if err := clientcmd.Dispatch(sess, string(record)); err != nil {
		c.EnqueueRecord([]byte("ERR " + err.Error()))
	}
}

func (s *Server) addPeerLink(nc net.Conn, dir peerlink.Direction, addr string) {
	peerlink.New(nc, dir, s.LocalID, s.r,
		func(p *peerlink.PeerLink) {
			s.mesh.RegisterLink(p)
			s.topo.OnPeerUp(p)
			s.mu.Lock()
			s.peersByAddr[addr] = p
			s.mu.Unlock()
		},
		func(p *peerlink.PeerLink, d datagram.MeshDatagram) { s.mesh.OnPeerRecord(p, d) },
		func(p *peerlink.PeerLink, reason conn.CloseReason) {
			s.mesh.UnregisterLink(p)
			s.topo.OnPeerDown(p)
			s.mu.Lock()
			delete(s.peersByAddr, addr)
			s.mu.Unlock()
			s.log.Info("peer link closed", "addr", addr, "reason", reason)
		})
}

// Shutdown stops accepting new connections, closes every existing client
// and peer Connection with reason SHUTDOWN, and returns once the
// connection set is empty or the shutdown grace timer expires, whichever
// is first.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.clientListener != nil {
		s.clientListener.Close()
	}
	for _, ln := range s.peerListeners {
		ln.Close()
	}
	clients := make([]*conn.Connection, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	peers := make([]*peerlink.PeerLink, 0, len(s.peersByAddr))
	for _, p := range s.peersByAddr {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.r.Post(func() {
		for _, c := range clients {
			c.Close(conn.ReasonShutdown)
		}
		for _, p := range peers {
			p.Close(conn.ReasonShutdown)
		}
	})

	deadline := time.Now().Add(s.shutdownGrace)
	for {
		s.mu.Lock()
		n := len(s.clients) + len(s.peersByAddr)
		s.mu.Unlock()
		if n == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// clientSession adapts Server + clientState to clientcmd.Session.
type clientSession struct {
	s  *Server
	cs *clientState
}

func (c *clientSession) Name() string        { return c.cs.name }
func (c *clientSession) SetName(name string) { c.cs.name = name }

func (c *clientSession) Say(utterance string) {
	c.s.mesh.Broadcast(speech.Type, speech.EncodePayload(c.cs.name, utterance), nil, nil)
}

func (c *clientSession) Reply(line string) {
	c.cs.conn.EnqueueRecord([]byte(line))
}

func (c *clientSession) PeerListen(addr string) error  { return c.s.ListenPeers(addr) }
func (c *clientSession) PeerConnect(addr string) error { return c.s.ConnectPeer(addr) }
func (c *clientSession) PeerKill(addr string) error    { return c.s.PeerKill(addr) }
func (c *clientSession) Peers() []string               { return c.s.PeerLines() }
func (c *clientSession) Quit()                          { c.cs.conn.Close(conn.ReasonQuit) }
