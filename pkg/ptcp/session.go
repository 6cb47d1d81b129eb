package ptcp

import "sync"

// pidSync and pidBase are the fixed PID constants from the wire protocol.
const (
	pidSync = 0x0002FFFF
	pidBase = 0x0000FFFF
)

// Session holds the per-direction counters, message IDs, and framing state
// for one PTCP flow. A Session is created fresh per UDP flow and is mutable;
// Send and Recv serialize access themselves with an internal mutex held only
// across the snapshot-and-update critical section (never across an I/O
// suspension).
type Session struct {
	mu sync.Mutex

	sentBytes uint32
	recvBytes uint32
	count     uint32 // counted packets emitted, excludes Sync/Empty
	id        uint32 // next LMID to assign
	rmid      uint32 // peer's most recently observed LMID
}

// NewSession returns a Session with all counters at their initial values.
func NewSession() *Session { return &Session{} }

// Send snapshots the session's current counters into a fresh Packet carrying
// body, then advances the session state. It is the only way to obtain a
// Packet with a consistent (sent, recv, lmid, rmid) tuple for emission.
func (s *Session) Send(body Body) Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Packet{
		Sent: s.sentBytes,
		Recv: s.recvBytes,
		LMID: s.id,
		RMID: s.rmid,
		Body: body,
	}
	if body.Kind == KindSync {
		p.PID = pidSync
	} else {
		p.PID = pidBase - s.count
	}

	s.sentBytes += uint32(body.Len())
	s.id++
	if body.Kind != KindSync && body.Kind != KindEmpty {
		s.count++
	}

	return p
}

// Recv updates the session's receive counters from an inbound packet and
// returns it unchanged for upper-layer dispatch.
func (s *Session) Recv(p Packet) Packet {
	s.mu.Lock()
	s.recvBytes += uint32(p.Body.Len())
	s.rmid = p.LMID
	s.mu.Unlock()

	return p
}

// Snapshot returns the session's current counters, for diagnostics/metrics.
func (s *Session) Snapshot() (sentBytes, recvBytes, count, id, rmid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentBytes, s.recvBytes, s.count, s.id, s.rmid
}
