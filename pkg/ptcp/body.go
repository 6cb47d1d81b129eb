// Package ptcp implements the PTCP wire protocol: a framed,
// connection-oriented protocol carried over UDP datagrams, with its own
// sequencing, stream multiplexing ("realms"), and control messages.
package ptcp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame is returned by Parse when the input bytes don't form a
// valid PTCP packet.
var ErrMalformedFrame = errors.New("ptcp: malformed frame")

// BodyKind discriminates the variants of Body.
type BodyKind uint8

const (
	// KindEmpty is a zero-length body, a pure ACK.
	KindEmpty BodyKind = iota
	// KindSync is the fixed 4-byte session opener.
	KindSync
	// KindPayload carries a realm ID and a data slice.
	KindPayload
	// KindHeartbeat is the fixed 12-byte keepalive body.
	KindHeartbeat
	// KindCommand is any other opaque, non-empty body.
	KindCommand
)

func (k BodyKind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindSync:
		return "Sync"
	case KindPayload:
		return "Payload"
	case KindHeartbeat:
		return "Heartbeat"
	case KindCommand:
		return "Command"
	default:
		return fmt.Sprintf("BodyKind(%d)", uint8(k))
	}
}

var syncBytes = [4]byte{0x00, 0x03, 0x01, 0x00}
var heartbeatBytes = [12]byte{0x13} // remaining 11 bytes are zero

// payloadHeaderFlag marks the high byte of a payload header.
const payloadHeaderFlag = 0x10000000

// Body is a tagged union over the five PTCP body variants. Only the fields
// relevant to Kind are meaningful:
//
//	Empty     -- none
//	Sync      -- none
//	Heartbeat -- none
//	Payload   -- Realm, Data
//	Command   -- Data (verbatim opaque bytes, first byte is the opcode)
type Body struct {
	Kind  BodyKind
	Realm uint32
	Data  []byte
}

// Empty returns the zero-length ACK body.
func Empty() Body { return Body{Kind: KindEmpty} }

// Sync returns the session-opener body.
func Sync() Body { return Body{Kind: KindSync} }

// Heartbeat returns the fixed keepalive body.
func Heartbeat() Body { return Body{Kind: KindHeartbeat} }

// Payload returns a Payload body carrying realm and data. data is not copied.
func Payload(realm uint32, data []byte) Body {
	return Body{Kind: KindPayload, Realm: realm, Data: data}
}

// Command returns a Command body wrapping opaque bytes. data is not copied.
func Command(data []byte) Body {
	return Body{Kind: KindCommand, Data: data}
}

// Opcode returns the first byte of a Command body, or (0, false) if Kind is
// not KindCommand or the body is empty.
func (b Body) Opcode() (byte, bool) {
	if b.Kind != KindCommand || len(b.Data) == 0 {
		return 0, false
	}
	return b.Data[0], true
}

// Len returns the declared wire length of the serialized body, used by
// [Session] for the sent/recv byte counters.
func (b Body) Len() int {
	switch b.Kind {
	case KindEmpty:
		return 0
	case KindSync:
		return 4
	case KindHeartbeat:
		return 12
	case KindPayload:
		return len(b.Data) + 12
	case KindCommand:
		return len(b.Data)
	default:
		return 0
	}
}

// Marshal appends the serialized body to buf and returns the result.
func (b Body) Marshal(buf []byte) []byte {
	switch b.Kind {
	case KindEmpty:
		return buf
	case KindSync:
		return append(buf, syncBytes[:]...)
	case KindHeartbeat:
		return append(buf, heartbeatBytes[:]...)
	case KindPayload:
		header := payloadHeaderFlag | uint32(len(b.Data))
		buf = binary.BigEndian.AppendUint32(buf, header)
		buf = binary.BigEndian.AppendUint32(buf, b.Realm)
		buf = binary.BigEndian.AppendUint32(buf, 0) // padding
		return append(buf, b.Data...)
	case KindCommand:
		return append(buf, b.Data...)
	default:
		return buf
	}
}

// parseBody discriminates and decodes a body from raw wire bytes. data is
// retained by reference in Command/Payload bodies, not copied.
func parseBody(data []byte) (Body, error) {
	if len(data) == 0 {
		return Empty(), nil
	}
	if len(data) < 4 {
		return Body{}, fmt.Errorf("%w: body too short (%d bytes)", ErrMalformedFrame, len(data))
	}
	switch data[0] {
	case 0x00:
		return Sync(), nil
	case 0x10:
		if len(data) < 12 {
			return Body{}, fmt.Errorf("%w: payload body too short (%d bytes)", ErrMalformedFrame, len(data))
		}
		header := binary.BigEndian.Uint32(data[0:4])
		length := header & 0xFFFF
		realm := binary.BigEndian.Uint32(data[4:8])
		padding := binary.BigEndian.Uint32(data[8:12])
		if padding != 0 {
			return Body{}, fmt.Errorf("%w: nonzero payload padding", ErrMalformedFrame)
		}
		payload := data[12:]
		if int(length) != len(payload) {
			return Body{}, fmt.Errorf("%w: payload length mismatch (header=%d, actual=%d)", ErrMalformedFrame, length, len(payload))
		}
		return Payload(realm, payload), nil
	case 0x13:
		return Heartbeat(), nil
	default:
		return Command(data), nil
	}
}
