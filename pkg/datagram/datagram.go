// Package datagram implements the wire representation of a mesh-to-mesh
// message: MessageId, MeshDatagram, and its line-oriented text encoding.
// It is the Go counterpart of juanpablocruz-maep/pkg/wire's Encode/Decode
// pair, reinterpreted for a line-oriented text grammar instead of that
// package's binary TLV framing.
package datagram

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flintpeak/talkmesh/pkg/serverid"
)

// ErrMalformed is returned when a MSG line cannot be parsed. A receiver
// that sees this closes the PeerLink with reason MALFORMED.
var ErrMalformed = errors.New("datagram: malformed record")

// MessageId is the pair (origin ServerId, monotonic per-origin counter)
// that uniquely identifies a MeshDatagram.
type MessageId struct {
	Origin  serverid.ID
	Counter uint64
}

// String renders a MessageId as "<hex-origin>:<counter>", used both in log
// lines and as the wire encoding of the optional reply_to attribute.
func (m MessageId) String() string {
	return fmt.Sprintf("%s:%d", m.Origin, m.Counter)
}

// ParseMessageId parses the "<hex-origin>:<counter>" form produced by
// String.
func ParseMessageId(s string) (MessageId, error) {
	origin, counterStr, ok := strings.Cut(s, ":")
	if !ok {
		return MessageId{}, fmt.Errorf("datagram: parse message id %q: %w", s, ErrMalformed)
	}
	id, err := serverid.Parse(origin)
	if err != nil {
		return MessageId{}, fmt.Errorf("datagram: parse message id %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(counterStr, 10, 64)
	if err != nil {
		return MessageId{}, fmt.Errorf("datagram: parse message id %q: %w", s, ErrMalformed)
	}
	return MessageId{Origin: id, Counter: counter}, nil
}

// MeshDatagram is the in-memory representation of a single peer-to-peer
// message.
type MeshDatagram struct {
	ID        MessageId
	Type      string
	TTL       *int // nil = unlimited
	Recipient *serverid.ID
	Payload   []byte
	ReplyTo   *MessageId
}

// validType matches the open-set type grammar: an uppercase token
// matching [A-Z0-9_-]+.
func validType(t string) bool {
	if t == "" {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Encode renders d as a complete MSG line, including the leading "MSG "
// token but without the trailing CRLF (that is the Framer's job; callers
// must not pre-include CRLF).
//
// MSG <origin> <counter> <type> [ttl=<n>] [to=<serverid>] [reply=<id>] <base64-payload>
func Encode(d MeshDatagram) (string, error) {
	if !validType(d.Type) {
		return "", fmt.Errorf("datagram: encode: invalid type %q", d.Type)
	}
	var b strings.Builder
	b.WriteString("MSG ")
	b.WriteString(d.ID.Origin.String())
	b.WriteByte(' ')
	b.WriteString(strconv.FormatUint(d.ID.Counter, 10))
	b.WriteByte(' ')
	b.WriteString(d.Type)
	if d.TTL != nil {
		fmt.Fprintf(&b, " ttl=%d", *d.TTL)
	}
	if d.Recipient != nil {
		fmt.Fprintf(&b, " to=%s", d.Recipient.String())
	}
	if d.ReplyTo != nil {
		fmt.Fprintf(&b, " reply=%s", d.ReplyTo.String())
	}
	b.WriteByte(' ')
	if len(d.Payload) == 0 {
		b.WriteByte('-')
	} else {
		b.WriteString(base64.RawStdEncoding.EncodeToString(d.Payload))
	}
	return b.String(), nil
}

// Decode parses a MSG line's body (the line with the "MSG " prefix already
// stripped) back into a MeshDatagram. Returns ErrMalformed (wrapped) on any
// parse failure.
func Decode(line string) (MeshDatagram, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return MeshDatagram{}, fmt.Errorf("datagram: decode: too few fields: %w", ErrMalformed)
	}

	origin, err := serverid.Parse(fields[0])
	if err != nil {
		return MeshDatagram{}, fmt.Errorf("datagram: decode origin: %w", ErrMalformed)
	}
	counter, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return MeshDatagram{}, fmt.Errorf("datagram: decode counter: %w", ErrMalformed)
	}
	typ := fields[2]
	if !validType(typ) {
		return MeshDatagram{}, fmt.Errorf("datagram: decode type %q: %w", typ, ErrMalformed)
	}

	d := MeshDatagram{
		ID:   MessageId{Origin: origin, Counter: counter},
		Type: typ,
	}

	rest := fields[3:]
	if len(rest) == 0 {
		return MeshDatagram{}, fmt.Errorf("datagram: decode: missing payload: %w", ErrMalformed)
	}
	payloadToken := rest[len(rest)-1]
	attrs := rest[:len(rest)-1]

	for _, attr := range attrs {
		key, val, ok := strings.Cut(attr, "=")
		if !ok {
			return MeshDatagram{}, fmt.Errorf("datagram: decode attr %q: %w", attr, ErrMalformed)
		}
		switch key {
		case "ttl":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return MeshDatagram{}, fmt.Errorf("datagram: decode ttl %q: %w", val, ErrMalformed)
			}
			d.TTL = &n
		case "to":
			rid, err := serverid.Parse(val)
			if err != nil {
				return MeshDatagram{}, fmt.Errorf("datagram: decode to %q: %w", val, ErrMalformed)
			}
			d.Recipient = &rid
		case "reply":
			mid, err := ParseMessageId(val)
			if err != nil {
				return MeshDatagram{}, fmt.Errorf("datagram: decode reply %q: %w", val, ErrMalformed)
			}
			d.ReplyTo = &mid
		default:
			return MeshDatagram{}, fmt.Errorf("datagram: decode: unknown attr %q: %w", key, ErrMalformed)
		}
	}

	if payloadToken == "-" {
		d.Payload = nil
	} else {
		payload, err := base64.RawStdEncoding.DecodeString(payloadToken)
		if err != nil {
			return MeshDatagram{}, fmt.Errorf("datagram: decode payload: %w", ErrMalformed)
		}
		d.Payload = payload
	}

	return d, nil
}
