// Package conn: a Connection owns one socket, its read buffer, its write
// queue, and its lifecycle state. Only the Reactor goroutine (pkg/reactor)
// is allowed to mutate a Connection's state or call its handlers — the
// reader and writer goroutines here touch only their own local buffers
// and the socket, and communicate with the Reactor exclusively by posting
// Tasks, the same separation juanpablocruz-maep/pkg/transport/tcp.go
// draws between its reader goroutine (pushing into a channel) and
// whatever drains that channel.
package conn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flintpeak/talkmesh/pkg/framer"
	"github.com/flintpeak/talkmesh/pkg/reactor"
)

// Role distinguishes a client connection from a peer connection.
type Role int

const (
	RoleClient Role = iota
	RolePeer
)

func (r Role) String() string {
	if r == RolePeer {
		return "peer"
	}
	return "client"
}

// CloseReason names why a Connection was closed.
type CloseReason string

const (
	ReasonNone             CloseReason = ""
	ReasonEOF              CloseReason = "EOF"
	ReasonIO               CloseReason = "IO"
	ReasonOversize         CloseReason = "OVERSIZE"
	ReasonMalformed        CloseReason = "MALFORMED"
	ReasonProtocol         CloseReason = "PROTOCOL"
	ReasonHandshakeTimeout CloseReason = "HANDSHAKE_TIMEOUT"
	ReasonShutdown         CloseReason = "SHUTDOWN"
	ReasonDuplicatePeer    CloseReason = "DUPLICATE_PEER"
	ReasonQuit             CloseReason = "QUIT"
	ReasonPeerKilled       CloseReason = "PEER_KILLED"
)

// State is a Connection's position in its open/draining/closed lifecycle.
type State int

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultGrace is the default DRAINING grace timer.
const DefaultGrace = 2 * time.Second

// RecordHandler is invoked on the Reactor goroutine for every complete
// record a Connection receives.
type RecordHandler func(c *Connection, record []byte)

// CloseHandler is invoked on the Reactor goroutine once a Connection has
// fully closed.
type CloseHandler func(c *Connection, reason CloseReason)

// Connection owns one socket in non-blocking style: a dedicated reader
// goroutine drains it into a Framer, a dedicated writer goroutine drains
// the write queue. All decisions about what the bytes mean happen on the
// Reactor goroutine via OnRecord/OnClose.
type Connection struct {
	Role Role
	Addr string

	nc       net.Conn
	reactor  *reactor.Reactor
	frame    *framer.Framer
	writeCh  chan []byte
	grace    time.Duration
	onRecord RecordHandler
	onClose  CloseHandler

	mu          sync.Mutex // guards state, touched only from the Reactor goroutine
	state       State
	closeReason CloseReason
	closeOnce   sync.Once
	writerDone  chan struct{}
}

// Option configures a Connection at construction time, per the teacher's
// options pattern (juanpablocruz-maep/pkg/node/options.go).
type Option func(*Connection)

// WithMaxRecordLen overrides the Framer's record-size cap.
func WithMaxRecordLen(n int) Option {
	return func(c *Connection) { c.frame = framer.NewWithLimit(n) }
}

// WithGrace overrides the DRAINING grace timer.
func WithGrace(d time.Duration) Option {
	return func(c *Connection) { c.grace = d }
}

// New constructs a Connection around nc. onRecord fires for every complete
// inbound record; onClose fires exactly once, after the socket is fully
// closed and the write queue is empty. Both run on r's goroutine (via
// r.Post), never on the reader/writer goroutines.
func New(nc net.Conn, role Role, r *reactor.Reactor, onRecord RecordHandler, onClose CloseHandler, opts ...Option) *Connection {
	c := &Connection{
		Role:       role,
		Addr:       nc.RemoteAddr().String(),
		nc:         nc,
		reactor:    r,
		frame:      framer.New(),
		writeCh:    make(chan []byte, 64),
		grace:      DefaultGrace,
		onRecord:   onRecord,
		onClose:    onClose,
		writerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the reader and writer goroutines. Must be called once.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// State reports the Connection's current lifecycle state. Safe to call
// from any goroutine for diagnostics, but the value should only be acted
// upon from the Reactor goroutine.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseReason reports why the Connection closed, or ReasonNone if it is
// still open.
func (c *Connection) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Enqueue appends raw bytes to the write queue and returns false if the
// Connection is already draining or closed. Must only be called from the
// Reactor goroutine.
func (c *Connection) Enqueue(b []byte) bool {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.writeCh <- b:
		return true
	default:
		// write queue full: drop the connection rather than block the
		// Reactor goroutine.
		c.Close(ReasonIO)
		return false
	}
}

// EnqueueRecord is Enqueue after appending the CRLF terminator via
// pkg/framer, for callers working in terms of records rather than raw
// bytes.
func (c *Connection) EnqueueRecord(record []byte) bool {
	return c.Enqueue(framer.Encode(record))
}

// Close transitions the Connection to DRAINING, flushes the remaining
// write queue bounded by the grace timer, then to CLOSED. Idempotent. Must
// be called from the Reactor goroutine.
func (c *Connection) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDraining
		c.closeReason = reason
		c.mu.Unlock()

		close(c.writeCh)
		time.AfterFunc(c.grace, func() {
			_ = c.nc.Close()
		})

		go func() {
			<-c.writerDone
			_ = c.nc.Close()
			c.reactor.Post(func() {
				c.mu.Lock()
				c.state = StateClosed
				c.mu.Unlock()
				if c.onClose != nil {
					c.onClose(c, c.closeReason)
				}
			})
		}()
	})
}

func (c *Connection) readLoop() {
	r := bufio.NewReaderSize(c.nc, 16384)
	buf := make([]byte, 16384)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			records, ferr := c.frame.Feed(chunk)
			for _, rec := range records {
				rec := rec
				c.reactor.Post(func() {
					if c.State() != StateOpen {
						return
					}
					c.onRecord(c, rec)
				})
			}
			if ferr != nil {
				c.reactor.Post(func() { c.Close(ReasonOversize) })
				return
			}
		}
		if err != nil {
			reason := ReasonIO
			if errors.Is(err, io.EOF) {
				reason = ReasonEOF
			}
			c.reactor.Post(func() { c.Close(reason) })
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for b := range c.writeCh {
		if _, err := c.nc.Write(b); err != nil {
			return
		}
	}
}
