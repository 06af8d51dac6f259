// Package envelope decodes the fixed 13-byte header the game client
// prefixes to each request it sends to the patch service. Only the header
// is in the clear; everything after it is ciphertext and is carried through
// untouched.
package envelope

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the fixed request header.
const HeaderSize = 13

// MessageType is the first header byte. The enumeration is open: only two
// values have ever been observed on the wire, and unrecognized values must
// still decode so future captures are not lost.
type MessageType byte

const (
	// TypePrimaryRequest is the main request sent after connecting ('m').
	TypePrimaryRequest MessageType = 0x6D
	// TypeStatusQuery is the short follow-up request.
	TypeStatusQuery MessageType = 0xD5
)

func (t MessageType) String() string {
	switch t {
	case TypePrimaryRequest:
		return "primary request"
	case TypeStatusQuery:
		return "status query"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Known reports whether the message type has an assigned meaning.
func (t MessageType) Known() bool {
	return t == TypePrimaryRequest || t == TypeStatusQuery
}

// Envelope is a structured view of a request header.
//
// Wire layout, little-endian:
//
//	[1 byte type][4 bytes flags][4 bytes cipher tag][4 bytes padding][payload]
//
// Payload aliases the tail of the input slice; callers that outlive the
// input buffer must copy it.
type Envelope struct {
	Type      MessageType
	Flags     uint32
	CipherTag [4]byte
	Padding   uint32
	Payload   []byte
}

// CipherString renders the cipher tag as ASCII when every byte is printable
// (the observed value is "3des"), otherwise as a hex literal.
func (e Envelope) CipherString() string {
	for _, b := range e.CipherTag {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("0x%02x%02x%02x%02x",
				e.CipherTag[0], e.CipherTag[1], e.CipherTag[2], e.CipherTag[3])
		}
	}
	return string(e.CipherTag[:])
}

// Decode parses the leading header of data. It is pure and total: ok is
// false when data is shorter than HeaderSize, and no input causes a panic.
// No field validation is performed beyond positional extraction; whether
// the fields are plausible is a question for offline analysis, not the tap.
func Decode(data []byte) (env Envelope, ok bool) {
	if len(data) < HeaderSize {
		return Envelope{}, false
	}
	env.Type = MessageType(data[0])
	env.Flags = binary.LittleEndian.Uint32(data[1:5])
	copy(env.CipherTag[:], data[5:9])
	env.Padding = binary.LittleEndian.Uint32(data[9:13])
	env.Payload = data[HeaderSize:]
	return env, true
}
