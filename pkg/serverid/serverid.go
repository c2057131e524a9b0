// Package serverid implements the ServerId identifier used to name a
// talkmesh server instance across the peer mesh.
package serverid

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID is a stable, opaque 128-bit identifier for a server instance, chosen
// at startup. Compared by equality; ordered only for the duplicate-link
// tie-break a mesh performs when two PeerLinks form between the same pair
// of servers.
type ID [16]byte

// Zero is the distinguished empty ID, returned by Parse on failure.
var Zero ID

// New generates a random ID using uuid.New, mirroring
// juanpablocruz-maep/pkg/actor.NewActor: a random 128-bit value is
// generated and copied into a fixed-size array, with no interpretation of
// the UUID variant/version bits.
func New() ID {
	u := uuid.New()
	var id ID
	copy(id[:], u[:])
	return id
}

// NewFallback generates an ID using crypto/rand directly. New does not
// fall back to it, and nothing else in the module calls it.
func NewFallback() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return Zero, fmt.Errorf("serverid: generate: %w", err)
	}
	return id, nil
}

// String renders the ID as lowercase hex, the form used on the wire and in
// log lines.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 6 hex characters, for compact log lines and
// default nicknames such as "anon-<short-id>".
func (id ID) Short() string {
	s := id.String()
	if len(s) > 6 {
		return s[:6]
	}
	return s
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == Zero }

// Parse decodes a hex-encoded ServerId, as emitted on the wire by HELLO and
// MeshDatagram origin/recipient fields.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("serverid: parse %q: %w", s, err)
	}
	if len(b) != len(ID{}) {
		return Zero, fmt.Errorf("serverid: parse %q: want %d bytes, got %d", s, len(ID{}), len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Less reports whether id sorts before other under byte-wise comparison.
// Used to give ServerId lists a deterministic order (sorted peer and
// reachability lists, PEER-SET payloads).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Greater reports whether id is numerically greater than other as bytes.
// The duplicate-link tie-break compares the local id against the remote
// id with it to decide which link Direction to keep.
func (id ID) Greater(other ID) bool {
	return bytes.Compare(id[:], other[:]) > 0
}
