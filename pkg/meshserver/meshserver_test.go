package meshserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/observer"
	"github.com/flintpeak/talkmesh/pkg/peerlink"
	"github.com/flintpeak/talkmesh/pkg/reactor"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

func TestBroadcastNotifiesLocalObserverBeforeReturning(t *testing.T) {
	reg := observer.New()
	var got datagram.MeshDatagram
	notified := false
	reg.Subscribe("SPEECH", "capture", func(d datagram.MeshDatagram) {
		notified = true
		got = d
	})
	m := New(serverid.New(), reg)

	m.Broadcast("SPEECH", []byte("alice|hi"), nil, nil)

	if !notified {
		t.Fatal("Broadcast did not synchronously notify local observer")
	}
	if got.Type != "SPEECH" {
		t.Fatalf("got type %q, want SPEECH", got.Type)
	}
}

func TestOnPeerRecordDropsDuplicate(t *testing.T) {
	reg := observer.New()
	count := 0
	reg.Subscribe("SPEECH", "count", func(d datagram.MeshDatagram) { count++ })
	m := New(serverid.New(), reg)

	d := datagram.MeshDatagram{
		ID:   datagram.MessageId{Origin: serverid.New(), Counter: 1},
		Type: "SPEECH",
	}
	m.OnPeerRecord(nil, d)
	m.OnPeerRecord(nil, d)

	if count != 1 {
		t.Fatalf("observer notified %d times, want 1", count)
	}
}

func TestOnPeerRecordNotifiesEvenWhenTTLExhausted(t *testing.T) {
	reg := observer.New()
	notified := false
	reg.Subscribe("SPEECH", "notify", func(d datagram.MeshDatagram) { notified = true })
	m := New(serverid.New(), reg)

	zero := 0
	d := datagram.MeshDatagram{
		ID:   datagram.MessageId{Origin: serverid.New(), Counter: 1},
		Type: "SPEECH",
		TTL:  &zero,
	}
	m.OnPeerRecord(nil, d)

	if !notified {
		t.Fatal("observer was not notified despite exhausted TTL")
	}
}

func TestResolveDuplicatePrefersOutboundForGreaterLocalID(t *testing.T) {
	r := reactor.NewReal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	local := serverid.New()
	remote := serverid.New()
	// Force local to be the numerically greater id by construction if not already.
	if !local.Greater(remote) {
		local, remote = remote, local
	}

	reg := observer.New()
	m := New(local, reg)

	outLink := handshakeTestLink(t, r, local, peerlink.Outbound, remote)
	inLink := handshakeTestLink(t, r, local, peerlink.Inbound, remote)

	keep, drop := m.resolveDuplicate(outLink, inLink)
	if keep != outLink || drop != inLink {
		t.Fatalf("expected outbound link kept when local id is greater")
	}
}

func TestResolveDuplicateAgreesOnSameDirectionPair(t *testing.T) {
	r := reactor.NewReal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	local := serverid.New()
	remote := serverid.New()

	regLocal := observer.New()
	mLocal := New(local, regLocal)
	regRemote := observer.New()
	mRemote := New(remote, regRemote)

	// remote dials local twice: local sees two Inbound links, remote sees
	// two Outbound links to the same remote peer id on each side.
	localLink1, remoteLink1 := handshakePair(t, r, local, remote)
	localLink2, remoteLink2 := handshakePair(t, r, local, remote)

	localKeep, localDrop := mLocal.resolveDuplicate(localLink1, localLink2)
	remoteKeep, remoteDrop := mRemote.resolveDuplicate(remoteLink1, remoteLink2)

	// The two ends must agree on which *physical* connection survives:
	// localKeep and remoteKeep must be opposite ends of the same socket.
	sameSocket := (localKeep == localLink1 && remoteKeep == remoteLink1) ||
		(localKeep == localLink2 && remoteKeep == remoteLink2)
	if !sameSocket {
		t.Fatalf("ends disagree on surviving connection: local kept %p (drop %p), remote kept %p (drop %p)",
			localKeep, localDrop, remoteKeep, remoteDrop)
	}
}

// handshakePair wires two real, same-process PeerLinks together (remoteID
// dialing localID: the local link is Inbound, the remote one Outbound),
// waits for both to reach UP, and returns them in (local, remote) order.
func handshakePair(t *testing.T, r *reactor.Reactor, localID, remoteID serverid.ID) (local, remote *peerlink.PeerLink) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	upA := make(chan struct{}, 1)
	upB := make(chan struct{}, 1)
	local = peerlink.New(a, peerlink.Inbound, localID, r, func(*peerlink.PeerLink) { upA <- struct{}{} }, nil, nil)
	remote = peerlink.New(b, peerlink.Outbound, remoteID, r, func(*peerlink.PeerLink) { upB <- struct{}{} }, nil, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-upA:
		case <-upB:
		case <-time.After(time.Second):
			t.Fatal("handshake did not complete")
		}
	}
	return local, remote
}

// handshakeTestLink builds a real PeerLink for localID against a
// same-process remote PeerLink for remoteID, and waits for the handshake
// to complete, so RemoteID() reports a genuine value.
func handshakeTestLink(t *testing.T, r *reactor.Reactor, localID serverid.ID, dir peerlink.Direction, remoteID serverid.ID) *peerlink.PeerLink {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	up := make(chan struct{}, 1)
	p := peerlink.New(a, dir, localID, r, func(*peerlink.PeerLink) { up <- struct{}{} }, nil, nil)
	remoteDir := peerlink.Inbound
	if dir == peerlink.Inbound {
		remoteDir = peerlink.Outbound
	}
	peerlink.New(b, remoteDir, remoteID, r, nil, nil, nil)

	select {
	case <-up:
	case <-time.After(time.Second):
		t.Fatal("handshake did not complete")
	}
	return p
}

func TestPeerLinkLifecycleUpdatesLinkSet(t *testing.T) {
	r := reactor.NewReal(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	idA := serverid.New()
	idB := serverid.New()

	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	regA := observer.New()
	m := New(idA, regA)

	up := make(chan struct{}, 1)
	var linkA *peerlink.PeerLink
	linkA = peerlink.New(a, peerlink.Outbound, idA, r, func(p *peerlink.PeerLink) {
		m.RegisterLink(p)
		up <- struct{}{}
	}, func(p *peerlink.PeerLink, d datagram.MeshDatagram) { m.OnPeerRecord(p, d) }, func(p *peerlink.PeerLink, reason conn.CloseReason) {
		m.UnregisterLink(p)
	})
	peerlink.New(b, peerlink.Inbound, idB, r, nil, nil, nil)

	select {
	case <-up:
	case <-time.After(time.Second):
		t.Fatal("handshake did not complete")
	}

	peers := m.Peers()
	if len(peers) != 1 || peers[0] != idB {
		t.Fatalf("Peers() = %v, want [%v]", peers, idB)
	}

	linkA.Close(conn.ReasonShutdown)
	time.Sleep(50 * time.Millisecond)

	if len(m.Peers()) != 0 {
		t.Fatalf("Peers() = %v, want empty after close", m.Peers())
	}
}
