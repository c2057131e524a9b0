package datagram

import (
	"bytes"
	"testing"

	"github.com/flintpeak/talkmesh/pkg/serverid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	origin := serverid.New()
	recipient := serverid.New()
	ttl := 3
	d := MeshDatagram{
		ID:        MessageId{Origin: origin, Counter: 42},
		Type:      "SPEECH",
		TTL:       &ttl,
		Recipient: &recipient,
		Payload:   []byte("alice|hello world"),
	}

	line, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	body := line[len("MSG "):]
	got, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode(%q): %v", body, err)
	}

	if got.ID != d.ID || got.Type != d.Type {
		t.Fatalf("round trip mismatch id/type: got %+v, want %+v", got, d)
	}
	if got.TTL == nil || *got.TTL != ttl {
		t.Fatalf("round trip mismatch ttl: got %v, want %d", got.TTL, ttl)
	}
	if got.Recipient == nil || *got.Recipient != recipient {
		t.Fatalf("round trip mismatch recipient: got %v, want %s", got.Recipient, recipient)
	}
	if !bytes.Equal(got.Payload, d.Payload) {
		t.Fatalf("round trip mismatch payload: got %q, want %q", got.Payload, d.Payload)
	}
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	d := MeshDatagram{ID: MessageId{Origin: serverid.New(), Counter: 1}, Type: "I-AM"}
	line, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Contains([]byte(line), []byte(" -")) {
		t.Fatalf("expected empty payload to encode as '-', got %q", line)
	}
	got, err := Decode(line[len("MSG "):])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", got.Payload)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	origin := serverid.New().String()
	cases := []string{
		"",
		"not-hex 1 SPEECH -",
		origin + " 1 SPEECH",
		origin + " notanumber SPEECH -",
		origin + " 1 lowercase -",
		origin + " 1 SPEECH badattr= -",
		origin + " 1 SPEECH unknown=1 -",
	}
	cases[1] = "zz 1 SPEECH -"
	for _, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Fatalf("Decode(%q) succeeded, want error", c)
		}
	}
	// sanity: a well-formed line with a real origin still decodes.
	if _, err := Decode(origin + " 1 SPEECH -"); err != nil {
		t.Fatalf("Decode of well-formed line failed: %v", err)
	}
}

func TestMessageIdStringRoundTrip(t *testing.T) {
	mid := MessageId{Origin: serverid.New(), Counter: 7}
	parsed, err := ParseMessageId(mid.String())
	if err != nil {
		t.Fatalf("ParseMessageId: %v", err)
	}
	if parsed != mid {
		t.Fatalf("round trip mismatch: got %+v, want %+v", parsed, mid)
	}
}

func TestEncodeRejectsInvalidType(t *testing.T) {
	d := MeshDatagram{ID: MessageId{Origin: serverid.New(), Counter: 1}, Type: "lower"}
	if _, err := Encode(d); err == nil {
		t.Fatalf("Encode with invalid type succeeded, want error")
	}
}
