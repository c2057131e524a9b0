package speech

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/reactor"
)

type fakeRegistry struct {
	clients []*conn.Connection
}

func (f *fakeRegistry) Clients() []*conn.Connection { return f.clients }

func newTestClient(t *testing.T, r *reactor.Reactor) (*conn.Connection, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := conn.New(a, conn.RoleClient, r, func(c *conn.Connection, record []byte) {}, nil)
	c.Start()
	return c, b
}

func TestSpeechFansOutFormattedLine(t *testing.T) {
	r := reactor.NewReal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c1, raw1 := newTestClient(t, r)
	c2, raw2 := newTestClient(t, r)
	reg := observer.New()
	New(reg, &fakeRegistry{clients: []*conn.Connection{c1, c2}})

	reg.Notify(datagram.MeshDatagram{Type: Type, Payload: EncodePayload("alice", "hello world")})

	for _, raw := range []net.Conn{raw1, raw2} {
		br := bufio.NewReader(raw)
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if line != "alice says: hello world\r\n" {
			t.Fatalf("got %q, want %q", line, "alice says: hello world\r\n")
		}
	}
}

func TestSpeechIgnoresMalformedPayload(t *testing.T) {
	r := reactor.NewReal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	c1, raw1 := newTestClient(t, r)
	reg := observer.New()
	New(reg, &fakeRegistry{clients: []*conn.Connection{c1}})

	reg.Notify(datagram.MeshDatagram{Type: Type, Payload: []byte("no-separator-here")})

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		raw1.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		raw1.Read(buf)
		close(done)
	}()
	<-done
}
