// Package framer splits an inbound byte stream into CRLF-delimited
// records, and appends CRLF to outbound records. It is a pull-based
// analogue of juanpablocruz-maep/pkg/transport/frame.go's
// writeFrame/readFrame pair, and implements the same splitting rule as
// original_source/talker/base.py's LineBuffered.handle_input.
package framer

import (
	"bytes"
	"errors"
	"fmt"
)

// DefaultMaxRecordSize is the default record-size cap (64 KiB).
const DefaultMaxRecordSize = 64 * 1024

// ErrOversize is returned by Feed when a record exceeds the Framer's
// maximum record size before a terminator is seen. Callers close the connection with an
// OVERSIZE reason on this.
var ErrOversize = errors.New("framer: record exceeds maximum size")

// Framer accumulates bytes and splits them into CRLF-terminated records.
// A bare LF is also accepted as a terminator for robustness; a bare CR is
// never a terminator on its own.
type Framer struct {
	buf          []byte
	maxRecordLen int
}

// New returns a Framer with the default maximum record size.
func New() *Framer {
	return &Framer{maxRecordLen: DefaultMaxRecordSize}
}

// NewWithLimit returns a Framer with a caller-supplied maximum record size.
// A non-positive limit disables the cap.
func NewWithLimit(maxRecordLen int) *Framer {
	return &Framer{maxRecordLen: maxRecordLen}
}

// Feed appends p to the internal buffer and returns every complete record
// now available, in order. Records are raw bytes — the Framer does not
// interpret UTF-8. Partial records remain buffered for the next call.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	f.buf = append(f.buf, p...)

	var records [][]byte
	for {
		idx, width := f.findTerminator()
		if idx < 0 {
			break
		}
		record := f.buf[:idx]
		out := make([]byte, len(record))
		copy(out, record)
		records = append(records, out)
		f.buf = f.buf[idx+width:]
	}

	if f.maxRecordLen > 0 && len(f.buf) > f.maxRecordLen {
		return records, fmt.Errorf("framer: buffered %d bytes without a terminator: %w", len(f.buf), ErrOversize)
	}
	return records, nil
}

// findTerminator returns the index of the first record terminator in the
// buffer and its width (2 for "\r\n", 1 for a bare "\n"), or (-1, 0) if no
// terminator has arrived yet.
func (f *Framer) findTerminator() (int, int) {
	if idx := bytes.Index(f.buf, []byte("\r\n")); idx >= 0 {
		// A bare LF earlier in the buffer than this CRLF still terminates
		// first — scan for whichever comes first.
		if lf := bytes.IndexByte(f.buf[:idx], '\n'); lf >= 0 {
			return lf, 1
		}
		return idx, 2
	}
	if lf := bytes.IndexByte(f.buf, '\n'); lf >= 0 {
		return lf, 1
	}
	return -1, 0
}

// Pending reports how many unterminated bytes are currently buffered.
func (f *Framer) Pending() int { return len(f.buf) }

// Encode appends CRLF to record for outbound transmission. Callers must
// not pre-include CRLF in record.
func Encode(record []byte) []byte {
	out := make([]byte, len(record)+2)
	copy(out, record)
	out[len(record)] = '\r'
	out[len(record)+1] = '\n'
	return out
}

// EncodeString is Encode for a string record.
func EncodeString(record string) []byte {
	return Encode([]byte(record))
}
