package ptcp

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size in bytes of a PTCP packet's fixed header.
const HeaderLen = 24

var magic = [4]byte{'P', 'T', 'C', 'P'}

// Packet is a single PTCP datagram: a fixed 24-byte header plus a variable
// body. All header fields are big-endian u32.
type Packet struct {
	Sent uint32 // cumulative body bytes sent by this endpoint, not counting this packet
	Recv uint32 // cumulative body bytes received by this endpoint
	PID  uint32 // packet id, see Session.Send
	LMID uint32 // local message id, monotonic per emitted packet
	RMID uint32 // copy of the peer's last-seen LMID
	Body Body
}

// Parse decodes a single datagram into a Packet. It fails with
// ErrMalformedFrame when the datagram is shorter than HeaderLen, the magic
// doesn't match, or the body fails its own invariants.
func Parse(data []byte) (Packet, error) {
	if len(data) < HeaderLen {
		return Packet{}, fmt.Errorf("%w: short packet (%d bytes)", ErrMalformedFrame, len(data))
	}
	if string(data[0:4]) != string(magic[:]) {
		return Packet{}, fmt.Errorf("%w: bad magic %q", ErrMalformedFrame, data[0:4])
	}

	body, err := parseBody(data[HeaderLen:])
	if err != nil {
		return Packet{}, err
	}

	return Packet{
		Sent: binary.BigEndian.Uint32(data[4:8]),
		Recv: binary.BigEndian.Uint32(data[8:12]),
		PID:  binary.BigEndian.Uint32(data[12:16]),
		LMID: binary.BigEndian.Uint32(data[16:20]),
		RMID: binary.BigEndian.Uint32(data[20:24]),
		Body: body,
	}, nil
}

// Marshal appends the serialized packet to buf and returns the result. It is
// the strict inverse of Parse.
func (p Packet) Marshal(buf []byte) []byte {
	buf = append(buf, magic[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.Sent)
	buf = binary.BigEndian.AppendUint32(buf, p.Recv)
	buf = binary.BigEndian.AppendUint32(buf, p.PID)
	buf = binary.BigEndian.AppendUint32(buf, p.LMID)
	buf = binary.BigEndian.AppendUint32(buf, p.RMID)
	buf = p.Body.Marshal(buf)
	return buf
}

// String renders a short human-readable summary for logging.
func (p Packet) String() string {
	switch p.Body.Kind {
	case KindPayload:
		n := len(p.Body.Data)
		if n > 16 {
			n = 16
		}
		return fmt.Sprintf("lmid=%08x rmid=%08x %s{realm=%08x len=%d data=%x%s}",
			p.LMID, p.RMID, p.Body.Kind, p.Body.Realm, len(p.Body.Data), p.Body.Data[:n], ellipsis(len(p.Body.Data) > 16))
	case KindCommand:
		n := len(p.Body.Data)
		if n > 16 {
			n = 16
		}
		return fmt.Sprintf("lmid=%08x rmid=%08x %s{%x%s}", p.LMID, p.RMID, p.Body.Kind, p.Body.Data[:n], ellipsis(len(p.Body.Data) > 16))
	default:
		return fmt.Sprintf("lmid=%08x rmid=%08x %s", p.LMID, p.RMID, p.Body.Kind)
	}
}

func ellipsis(more bool) string {
	if more {
		return " ..."
	}
	return ""
}
