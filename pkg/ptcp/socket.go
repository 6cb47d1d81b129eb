package ptcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// Socket wraps a connected *net.UDPConn, sending and receiving whole PTCP
// packets and fanning out a copy of each to any registered monitors. It
// mirrors the observability shape of a connectionless packet listener: a
// Monitor channel broadcasting every send/receive, plus atomic counters
// exposed via WritePrometheus.
//
// Concurrent Send and Recv calls are safe: UDP sockets permit concurrent
// send/recv without locking, and the monitor/metric bookkeeping uses its own
// short-held mutex that is never held across I/O.
type Socket struct {
	conn *net.UDPConn

	mu  sync.Mutex
	mon map[chan<- Event]struct{}

	metrics struct {
		txPackets, txBytes atomic.Uint64
		rxPackets, rxBytes atomic.Uint64
		rxErrors           atomic.Uint64
	}
}

// Event describes one sent/received packet, for monitoring/debugging.
type Event struct {
	In     bool
	Packet Packet
	Raw    []byte
}

// NewSocket wraps an already-connected UDP socket.
func NewSocket(conn *net.UDPConn) *Socket {
	return &Socket{conn: conn, mon: make(map[chan<- Event]struct{})}
}

// LocalAddr returns the socket's local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the socket's connected peer address, if any.
func (s *Socket) RemoteAddr() *net.UDPAddr {
	if a, ok := s.conn.RemoteAddr().(*net.UDPAddr); ok {
		return a
	}
	return nil
}

// Close closes the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }

// Send serializes and writes p to the socket's connected peer.
func (s *Socket) Send(p Packet) error {
	buf := p.Marshal(make([]byte, 0, HeaderLen+p.Body.Len()))
	n, err := s.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("ptcp: send: %w", err)
	}

	s.metrics.txPackets.Add(1)
	s.metrics.txBytes.Add(uint64(n))
	s.broadcast(Event{In: false, Packet: p, Raw: buf})
	return nil
}

// Recv reads and parses a single datagram from the socket.
func (s *Socket) Recv() (Packet, error) {
	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		return Packet{}, fmt.Errorf("ptcp: recv: %w", err)
	}
	buf = buf[:n]

	p, err := Parse(buf)
	if err != nil {
		s.metrics.rxErrors.Add(1)
		return Packet{}, err
	}

	s.metrics.rxPackets.Add(1)
	s.metrics.rxBytes.Add(uint64(n))
	s.broadcast(Event{In: true, Packet: p, Raw: buf})
	return p, nil
}

func (s *Socket) broadcast(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.mon {
		select {
		case c <- e:
		default:
		}
	}
}

// Monitor streams a copy of every send/receive event to c until ctx is
// cancelled, discarding events if c has no room.
func (s *Socket) Monitor(ctx context.Context, c chan<- Event) {
	s.mu.Lock()
	s.mon[c] = struct{}{}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	delete(s.mon, c)
	s.mu.Unlock()
}

// WritePrometheus writes prometheus text-format metrics for this socket.
func (s *Socket) WritePrometheus(prefix string, w io.Writer) {
	fmt.Fprintf(w, "%s_tx_packets %d\n", prefix, s.metrics.txPackets.Load())
	fmt.Fprintf(w, "%s_tx_bytes %d\n", prefix, s.metrics.txBytes.Load())
	fmt.Fprintf(w, "%s_rx_packets %d\n", prefix, s.metrics.rxPackets.Load())
	fmt.Fprintf(w, "%s_rx_bytes %d\n", prefix, s.metrics.rxBytes.Load())
	fmt.Fprintf(w, "%s_rx_errors %d\n", prefix, s.metrics.rxErrors.Load())
}
