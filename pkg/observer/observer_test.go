package observer

import (
	"testing"

	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/serverid"
)

func TestNotifyRunsInRegistrationOrder(t *testing.T) {
	r := New()
	var order []string
	r.Subscribe("SPEECH", "first", func(d datagram.MeshDatagram) { order = append(order, "first") })
	r.Subscribe("SPEECH", "second", func(d datagram.MeshDatagram) { order = append(order, "second") })

	r.Notify(datagram.MeshDatagram{Type: "SPEECH"})

	want := []string{"first", "second"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestNotifyOnlyInvokesMatchingType(t *testing.T) {
	r := New()
	called := false
	r.Subscribe("SPEECH", "speech", func(d datagram.MeshDatagram) { called = true })

	r.Notify(datagram.MeshDatagram{Type: "I-AM"})

	if called {
		t.Fatal("callback for SPEECH invoked on I-AM notification")
	}
}

func TestNotifySurvivesPanickingCallback(t *testing.T) {
	r := New()
	secondCalled := false
	r.Subscribe("SPEECH", "panics", func(d datagram.MeshDatagram) { panic("boom") })
	r.Subscribe("SPEECH", "second", func(d datagram.MeshDatagram) { secondCalled = true })

	r.Notify(datagram.MeshDatagram{Type: "SPEECH"})

	if !secondCalled {
		t.Fatal("second callback did not run after first panicked")
	}
}

func TestNotifyPassesDatagramThrough(t *testing.T) {
	r := New()
	id := serverid.New()
	var got datagram.MeshDatagram
	r.Subscribe("SPEECH", "capture", func(d datagram.MeshDatagram) { got = d })

	want := datagram.MeshDatagram{
		ID:      datagram.MessageId{Origin: id, Counter: 7},
		Type:    "SPEECH",
		Payload: []byte("alice|hi"),
	}
	r.Notify(want)

	if got.ID != want.ID || string(got.Payload) != string(want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReentrantSubscribeDuringNotify(t *testing.T) {
	r := New()
	reentered := false
	r.Subscribe("SPEECH", "reenter", func(d datagram.MeshDatagram) {
		r.Subscribe("I-AM", "added-later", func(d datagram.MeshDatagram) { reentered = true })
	})

	r.Notify(datagram.MeshDatagram{Type: "SPEECH"})
	r.Notify(datagram.MeshDatagram{Type: "I-AM"})

	if !reentered {
		t.Fatal("subscriber added during Notify was not invoked on subsequent Notify")
	}
}
