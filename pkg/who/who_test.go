package who

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/meshserver"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/peerlink"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

type fakeReachable struct{ ids []serverid.ID }

func (f fakeReachable) Reachable() []serverid.ID { return f.ids }

type fakeUsers struct{ n int }

func (f fakeUsers) LocalUserCount() int { return f.n }

func newTestObserver(t *testing.T, local serverid.ID, reachable []serverid.ID, localUsers int, opts ...Option) (*Observer, *reactor.Reactor) {
	t.Helper()
	reg := observer.New()
	mesh := meshserver.New(local, reg)
	r := reactor.NewReal(64)
	o := New(local, mesh, reg, fakeReachable{ids: reachable}, fakeUsers{n: localUsers}, r, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return o, r
}

func TestQueryWithNoPeersCompletesImmediately(t *testing.T) {
	local := serverid.New()
	o, r := newTestObserver(t, local, []serverid.ID{local}, 2)

	resultCh := make(chan Result, 1)
	r.Post(func() {
		ch := o.Query()
		go func() { resultCh <- <-ch }()
	})

	select {
	case result := <-resultCh:
		if !result.Complete || result.Users != 2 || result.Servers != 1 {
			t.Fatalf("result = %+v, want complete, 2 users, 1 server", result)
		}
	case <-time.After(time.Second):
		t.Fatal("Query never completed")
	}
}

func TestQueryRollsOverOnTimeout(t *testing.T) {
	local := serverid.New()
	other := serverid.New()
	o, r := newTestObserver(t, local, []serverid.ID{local, other}, 1, WithTimeout(5*time.Millisecond))

	resultCh := make(chan Result, 1)
	r.Post(func() {
		ch := o.Query()
		go func() { resultCh <- <-ch }()
	})

	select {
	case result := <-resultCh:
		if result.Complete {
			t.Fatal("expected an incomplete result after rollover")
		}
		if result.Servers != 1 || result.Users != 1 {
			t.Fatalf("result = %+v, want only the local server's own count", result)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Query never rolled over")
	}
}

// TestQueryGathersReplyAcrossARealPeerLink wires two MeshServers over a
// genuine PeerLink handshake and checks that A's Query aggregates B's
// WHO-REPLY.
func TestQueryGathersReplyAcrossARealPeerLink(t *testing.T) {
	idA := serverid.New()
	idB := serverid.New()

	r := reactor.NewReal(64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	regA := observer.New()
	meshA := meshserver.New(idA, regA)
	regB := observer.New()
	meshB := meshserver.New(idB, regB)

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	up := make(chan struct{}, 2)
	var linkA, linkB *peerlink.PeerLink
	linkA = peerlink.New(a, peerlink.Outbound, idA, r, func(p *peerlink.PeerLink) {
		meshA.RegisterLink(p)
		up <- struct{}{}
	}, func(p *peerlink.PeerLink, d datagram.MeshDatagram) { meshA.OnPeerRecord(p, d) }, func(p *peerlink.PeerLink, reason conn.CloseReason) {
		meshA.UnregisterLink(p)
	})
	linkB = peerlink.New(b, peerlink.Inbound, idB, r, func(p *peerlink.PeerLink) {
		meshB.RegisterLink(p)
		up <- struct{}{}
	}, func(p *peerlink.PeerLink, d datagram.MeshDatagram) { meshB.OnPeerRecord(p, d) }, func(p *peerlink.PeerLink, reason conn.CloseReason) {
		meshB.UnregisterLink(p)
	})
	_ = linkA
	_ = linkB

	for i := 0; i < 2; i++ {
		select {
		case <-up:
		case <-time.After(time.Second):
			t.Fatal("handshake did not complete")
		}
	}

	whoA := New(idA, meshA, regA, fakeReachable{ids: []serverid.ID{idA, idB}}, fakeUsers{n: 1}, r)
	New(idB, meshB, regB, fakeReachable{ids: []serverid.ID{idA, idB}}, fakeUsers{n: 4}, r)

	resultCh := make(chan Result, 1)
	r.Post(func() {
		ch := whoA.Query()
		go func() { resultCh <- <-ch }()
	})

	select {
	case result := <-resultCh:
		if !result.Complete {
			t.Fatalf("result did not complete: %+v", result)
		}
		if result.Servers != 2 || result.Users != 5 {
			t.Fatalf("result = %+v, want 2 servers, 5 users", result)
		}
	case <-time.After(time.Second):
		t.Fatal("Query never gathered B's reply")
	}
}

func TestEncodeDecodeReplyRoundTrip(t *testing.T) {
	encoded := encodeReply(7)
	n, err := decodeReply(encoded)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if n != 7 {
		t.Fatalf("n = %d, want 7", n)
	}
}
