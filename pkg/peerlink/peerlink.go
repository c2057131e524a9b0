// Package peerlink: a Connection specialised for the peer role, which
// speaks the HELLO handshake and then the MeshDatagram text protocol. Its
// recvLoop-style dispatch (HELLO, then MSG lines, by state) is grounded on
// juanpablocruz-maep/pkg/node/node.go's recvLoop switch-on-message-type
// structure, adapted from that package's binary sync protocol to
// talkmesh's text handshake-then-relay protocol.
package peerlink

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// ProtocolVersion is the HELLO protocol version this build speaks.
const ProtocolVersion = 1

// DefaultHandshakeTimeout bounds how long a PeerLink waits in
// StateHandshaking before it gives up on the remote side.
const DefaultHandshakeTimeout = 5 * time.Second

// State is the PeerLink's position in its handshake/up/closed lifecycle.
type State int

const (
	StateHandshaking State = iota
	StateUp
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateUp:
		return "UP"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Direction records whether this link was dialed or accepted. It has no
// bearing on the handshake itself, since both sides send HELLO
// immediately; MeshServer uses it to pick the survivor of two duplicate
// links to the same remote ServerId.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// UpHandler fires once, on the Reactor goroutine, when the handshake
// completes successfully.
type UpHandler func(p *PeerLink)

// RecordHandler fires for every MeshDatagram received after the link is
// UP.
type RecordHandler func(p *PeerLink, d datagram.MeshDatagram)

// CloseHandler fires once the underlying Connection fully closes.
type CloseHandler func(p *PeerLink, reason conn.CloseReason)

// PeerLink is a Connection plus the peer handshake and MeshDatagram
// dispatch layered on top.
type PeerLink struct {
	Direction Direction
	LocalID   serverid.ID

	conn *conn.Connection

	mu          sync.Mutex
	state       State
	remoteID    serverid.ID
	remoteSet   bool
	localNonce  [8]byte
	remoteNonce [8]byte

	onUp     UpHandler
	onRecord RecordHandler
	onClose  CloseHandler

	handshakeTimer *time.Timer
}

// New wraps nc as a peer connection and immediately begins the handshake:
// it sends HELLO and starts the handshake timeout.
func New(nc net.Conn, dir Direction, localID serverid.ID, r *reactor.Reactor, onUp UpHandler, onRecord RecordHandler, onClose CloseHandler) *PeerLink {
	p := &PeerLink{
		Direction: dir,
		LocalID:   localID,
		state:     StateHandshaking,
		onUp:      onUp,
		onRecord:  onRecord,
		onClose:   onClose,
	}
	rand.Read(p.localNonce[:])
	p.conn = conn.New(nc, conn.RolePeer, r, p.handleRecord, p.handleClose)
	p.conn.Start()
	p.conn.EnqueueRecord([]byte(fmt.Sprintf("HELLO %s %d %s", localID, ProtocolVersion, hex.EncodeToString(p.localNonce[:]))))
	p.handshakeTimer = time.AfterFunc(DefaultHandshakeTimeout, func() {
		r.Post(func() {
			p.mu.Lock()
			stillHandshaking := p.state == StateHandshaking
			p.mu.Unlock()
			if stillHandshaking {
				p.conn.Close(conn.ReasonHandshakeTimeout)
			}
		})
	})
	return p
}

// State reports the PeerLink's current state.
func (p *PeerLink) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RemoteID reports the remote ServerId, valid once State() == StateUp.
func (p *PeerLink) RemoteID() (serverid.ID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID, p.remoteSet
}

// LinkKey identifies one specific physical connection, independent of
// which end dialed and which accepted.
type LinkKey [16]byte

// Less orders two LinkKeys byte-wise, for deterministic tie-break.
func (k LinkKey) Less(other LinkKey) bool {
	return bytes.Compare(k[:], other[:]) < 0
}

// LinkKey returns a value identifying this specific physical connection:
// the two per-side HELLO nonces exchanged during the handshake, ordered
// byte-wise so both ends of the same socket compute the identical key.
// Used by MeshServer to break ties between two duplicate PeerLinks that
// share both a remote ServerId and a Direction (e.g. the same peer dialing
// twice), where the ServerId/Direction tie-break alone cannot tell the two
// physical connections apart. Valid once State() == StateUp.
func (p *PeerLink) LinkKey() LinkKey {
	p.mu.Lock()
	a, b := p.localNonce, p.remoteNonce
	p.mu.Unlock()

	var key LinkKey
	if bytes.Compare(a[:], b[:]) <= 0 {
		copy(key[:8], a[:])
		copy(key[8:], b[:])
	} else {
		copy(key[:8], b[:])
		copy(key[8:], a[:])
	}
	return key
}

// Addr reports the remote socket address, for /peers.
func (p *PeerLink) Addr() string { return p.conn.Addr }

// Send transmits a MeshDatagram on this link. Returns false if the link is
// not accepting writes.
func (p *PeerLink) Send(d datagram.MeshDatagram) bool {
	line, err := datagram.Encode(d)
	if err != nil {
		return false
	}
	return p.conn.EnqueueRecord([]byte(line))
}

// Close closes the underlying Connection with the given reason.
func (p *PeerLink) Close(reason conn.CloseReason) {
	p.conn.Close(reason)
}

func (p *PeerLink) handleRecord(_ *conn.Connection, record []byte) {
	line := string(record)
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	switch state {
	case StateHandshaking:
		p.handleHello(line)
	case StateUp:
		p.handleMsg(line)
	}
}

func (p *PeerLink) handleHello(line string) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "HELLO" {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	remote, err := serverid.Parse(fields[1])
	if err != nil {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	version, err := strconv.Atoi(fields[2])
	if err != nil {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	nonce, err := hex.DecodeString(fields[3])
	if err != nil || len(nonce) != 8 {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	if version != ProtocolVersion {
		p.conn.Close(conn.ReasonProtocol)
		return
	}
	if remote == p.LocalID {
		// Self-loop prevention: a server must not link to itself.
		p.conn.Close(conn.ReasonProtocol)
		return
	}

	p.mu.Lock()
	p.remoteID = remote
	p.remoteSet = true
	p.state = StateUp
	copy(p.remoteNonce[:], nonce)
	p.mu.Unlock()

	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
	if p.onUp != nil {
		p.onUp(p)
	}
}

func (p *PeerLink) handleMsg(line string) {
	body, ok := strings.CutPrefix(line, "MSG ")
	if !ok {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	d, err := datagram.Decode(body)
	if err != nil {
		p.conn.Close(conn.ReasonMalformed)
		return
	}
	if p.onRecord != nil {
		p.onRecord(p, d)
	}
}

func (p *PeerLink) handleClose(_ *conn.Connection, reason conn.CloseReason) {
	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	if p.handshakeTimer != nil {
		p.handshakeTimer.Stop()
	}
	if p.onClose != nil {
		p.onClose(p, reason)
	}
}
