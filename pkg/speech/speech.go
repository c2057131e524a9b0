// Package speech implements SpeechObserver: the canonical broadcast
// consumer. It subscribes to SPEECH datagrams and fans the formatted
// utterance out to every local client Connection. Grounded on
// original_source/talker/mixin/speech.py's SpeechObserver (the
// "{}|{}".format(who, what) payload shape and recv_say's split on the
// first "|"), ported into talkmesh's ObserverRegistry callback shape.
package speech

import (
	"fmt"
	"strings"

	"github.com/flintpeak/talkmesh/pkg/conn"
	"github.com/flintpeak/talkmesh/pkg/datagram"
	"github.com/flintpeak/talkmesh/pkg/observer"
)

// Type is the MeshDatagram type tag SpeechObserver subscribes to.
const Type = "SPEECH"

// ClientRegistry reports the set of local client Connections an utterance
// should be fanned out to.
type ClientRegistry interface {
	Clients() []*conn.Connection
}

// Observer formats and fans SPEECH datagrams out to local clients.
type Observer struct {
	clients ClientRegistry
}

// New registers an Observer with registry for the SPEECH type and
// returns it.
func New(registry *observer.Registry, clients ClientRegistry) *Observer {
	o := &Observer{clients: clients}
	registry.Subscribe(Type, "speech", o.onSpeech)
	return o
}

// EncodePayload builds the SPEECH payload for speaker saying utterance.
func EncodePayload(speaker, utterance string) []byte {
	return []byte(speaker + "|" + utterance)
}

func (o *Observer) onSpeech(d datagram.MeshDatagram) {
	speaker, utterance, ok := strings.Cut(string(d.Payload), "|")
	if !ok {
		return
	}
	line := []byte(fmt.Sprintf("%s says: %s", speaker, utterance))
	for _, c := range o.clients.Clients() {
		c.EnqueueRecord(line)
	}
}
