// Package tunnel implements the concurrent multiplexer that binds accepted
// TCP connections to PTCP realms, forwards bytes bidirectionally, and routes
// inbound payloads to the correct client (spec.md §4.5).
package tunnel

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptcptun/ptcptun/pkg/ptcp"
)

// HeartbeatInterval is the cadence of the keepalive Heartbeat event, absent
// from the distilled spec but present in the original to keep NAT/relay
// bindings alive.
const HeartbeatInterval = 15 * time.Second

// eventsQueueLen bounds the multiplexer's single outbound events queue
// (spec.md §4.5 "a bounded events queue").
const eventsQueueLen = 256

// readBufLen is the per-connection TCP read chunk size (spec.md §4.5 "read up
// to 4096 bytes at a time").
const readBufLen = 4096

type eventKind uint8

const (
	eventHeartbeat eventKind = iota
	eventConnect
	eventDisconnect
	eventData
)

// event is the tagged union carried by the events queue.
type event struct {
	kind  eventKind
	realm uint32
	data  []byte
}

// Config configures a Tunnel.
type Config struct {
	// RemotePort is the device-side TCP port to bind each realm to, encoded
	// into the Connect command (spec.md §4.5 item 2).
	RemotePort uint16
	Log        zerolog.Logger
}

// Tunnel is the running multiplexer for one PTCP session. It owns the realm
// table, the events queue, and the four concurrent tasks described in
// spec.md §4.5 for the lifetime of Run.
type Tunnel struct {
	sock    *ptcp.Socket
	session *ptcp.Session
	cfg     Config

	realms *realmTable
	events chan event

	// heartbeatInterval overrides HeartbeatInterval; tests shrink it to
	// avoid a real-time wait.
	heartbeatInterval time.Duration
}

// New constructs a Tunnel bound to an already-established PTCP socket and
// session, as produced by pkg/handshake.
func New(sock *ptcp.Socket, session *ptcp.Session, cfg Config) *Tunnel {
	return &Tunnel{
		sock:              sock,
		session:           session,
		cfg:               cfg,
		realms:            newRealmTable(),
		events:            make(chan event, eventsQueueLen),
		heartbeatInterval: HeartbeatInterval,
	}
}

// Run accepts TCP connections on ln and tunnels each over the PTCP session
// until ctx is cancelled or a fatal session error occurs. It returns as soon
// as either happens, cancelling the context of the other tasks (spec.md
// §4.5); it does not wait for them to exit.
func (t *Tunnel) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errch := make(chan error, 3)

	go func() { errch <- t.acceptLoop(ctx, ln) }()
	go func() { errch <- t.eventWriter(ctx) }()
	go func() { errch <- t.inboundReader(ctx) }()
	go t.heartbeatLoop(ctx)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errch:
		cancel()
		return err
	}
}

// acceptLoop is the acceptor task of spec.md §4.5 item 1.
func (t *Tunnel) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("tunnel: accept: %w", err)
			}
		}
		go t.handleAccept(ctx, conn)
	}
}

// handleAccept implements one acceptor iteration: allocate a realm, announce
// it, wait for the device's CONN confirmation, then spawn the per-connection
// reader/writer pair.
func (t *Tunnel) handleAccept(ctx context.Context, conn net.Conn) {
	id := rand.Uint32()
	r := newRealm()
	t.realms.insert(id, r)
	tm().realmsOpenedTotal.Inc()

	log := t.cfg.Log.With().Uint32("realm", id).Str("client", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("accepted connection, awaiting device confirmation")

	if !t.emit(ctx, event{kind: eventConnect, realm: id}) {
		t.realms.remove(id)
		conn.Close()
		return
	}

	select {
	case <-r.ready:
		log.Debug().Msg("realm connected")
	case <-ctx.Done():
		t.realms.remove(id)
		conn.Close()
		return
	}

	go t.connWriter(ctx, conn, r)
	t.connReader(ctx, conn, id)
}

// connReader is the per-connection reader task (spec.md §4.5 item 4).
func (t *Tunnel) connReader(ctx context.Context, conn net.Conn, realm uint32) {
	buf := make([]byte, readBufLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !t.emit(ctx, event{kind: eventData, realm: realm, data: data}) {
				break
			}
		}
		if err != nil {
			break
		}
	}

	t.emit(ctx, event{kind: eventDisconnect, realm: realm})
	t.realms.remove(realm)
	tm().realmsClosedTotal.Inc()
}

// connWriter is the per-connection writer task (spec.md §4.5 item 4): it
// drains the realm's inbound channel until the realm is torn down by
// realmTable.remove.
func (t *Tunnel) connWriter(ctx context.Context, conn net.Conn, r *realm) {
	defer conn.Close()
	for {
		select {
		case data := <-r.inbound:
			if _, err := conn.Write(data); err != nil {
				return
			}
		case <-r.done:
			return
		}
	}
}

// emit pushes ev onto the events queue, returning false if the tunnel is
// shutting down.
func (t *Tunnel) emit(ctx context.Context, ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// heartbeatLoop pushes a Heartbeat event on a fixed interval, keeping
// NAT/relay bindings alive (SPEC_FULL §4, absent from the distilled spec).
func (t *Tunnel) heartbeatLoop(ctx context.Context) {
	tk := time.NewTicker(t.heartbeatInterval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.emit(ctx, event{kind: eventHeartbeat})
		}
	}
}

// eventWriter drains the events queue and emits the corresponding PTCP
// packet for each event (spec.md §4.5 item 2).
func (t *Tunnel) eventWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-t.events:
			body, err := t.bodyFor(ev)
			if err != nil {
				t.cfg.Log.Error().Err(err).Msg("dropping malformed event")
				continue
			}
			p := t.session.Send(body)
			if err := t.sock.Send(p); err != nil {
				return fmt.Errorf("tunnel: send: %w", err)
			}
			tm().packetsTotal.sent(body.Kind).Inc()
			if ev.kind == eventHeartbeat {
				tm().heartbeatsSentTotal.Inc()
			}
		}
	}
}

// bodyFor renders ev as the PTCP body spec.md §4.5 item 2 specifies.
func (t *Tunnel) bodyFor(ev event) (ptcp.Body, error) {
	switch ev.kind {
	case eventHeartbeat:
		return ptcp.Heartbeat(), nil
	case eventConnect:
		return ptcp.Command(connectCommand(ev.realm, t.cfg.RemotePort)), nil
	case eventDisconnect:
		data := make([]byte, 4, 12)
		data[0] = 0x12
		data = binary.BigEndian.AppendUint32(data, ev.realm)
		data = append(data, 0, 0, 0, 0)
		data = append(data, "DISC"...)
		return ptcp.Command(data), nil
	case eventData:
		return ptcp.Payload(ev.realm, ev.data), nil
	default:
		return ptcp.Body{}, fmt.Errorf("tunnel: unknown event kind %d", ev.kind)
	}
}

// connectCommand builds the `11 00 00 00 | realm_be | 00 00 00 00 |
// remote_port_be(u32) | 7f 00 00 01` Connect command body of spec.md §4.5
// item 2, grounded on original_source/src/process.rs's dh_writer.
func connectCommand(realm uint32, remotePort uint16) []byte {
	buf := make([]byte, 0, 20)
	buf = append(buf, 0x11, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, realm)
	buf = append(buf, 0, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(remotePort))
	buf = append(buf, 0x7f, 0x00, 0x00, 0x01)
	return buf
}

// inboundReader is the inbound reader task (spec.md §4.5 item 3).
func (t *Tunnel) inboundReader(ctx context.Context) error {
	for {
		p, err := t.sock.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("tunnel: recv: %w", err)
			}
		}
		p = t.session.Recv(p)
		tm().packetsTotal.received(p.Body.Kind).Inc()

		if p.Body.Kind == ptcp.KindEmpty {
			continue
		}

		ack := t.session.Send(ptcp.Empty())
		if err := t.sock.Send(ack); err != nil {
			return fmt.Errorf("tunnel: ack: %w", err)
		}
		tm().packetsTotal.sent(ptcp.KindEmpty).Inc()

		t.dispatch(p)
	}
}

// dispatch routes one decoded inbound packet per spec.md §4.5 item 3.
func (t *Tunnel) dispatch(p ptcp.Packet) {
	switch p.Body.Kind {
	case ptcp.KindCommand:
		op, ok := p.Body.Opcode()
		if !ok || op != 0x12 || len(p.Body.Data) < 12 {
			return
		}
		realm := binary.BigEndian.Uint32(p.Body.Data[4:8])
		status := string(p.Body.Data[12:])
		r, ok := t.realms.get(realm)
		if !ok {
			return
		}
		if status == "CONN" {
			closeOnce(r.ready)
		} else {
			t.cfg.Log.Debug().Uint32("realm", realm).Str("status", status).Msg("unhandled status")
		}
	case ptcp.KindPayload:
		r, ok := t.realms.get(p.Body.Realm)
		if !ok {
			return
		}
		// Block until either the client's writer task can accept the bytes
		// or the realm is torn down, applying backpressure instead of
		// dropping payloads for a live, merely-slow client (spec.md §5
		// "per-realm byte order is preserved end-to-end"). Dropping is only
		// correct once the realm is actually gone.
		select {
		case r.inbound <- p.Body.Data:
		case <-r.done:
			tm().inboundDropsTotal.Inc()
			t.cfg.Log.Warn().Uint32("realm", p.Body.Realm).Msg("realm gone, dropping payload")
		}
	}
}

// closeOnce closes c if it isn't already closed. A realm's ready channel is
// only ever closed from the inbound reader task, so this never races itself,
// but handleAccept's teardown path can observe it concurrently with Run.
func closeOnce(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
