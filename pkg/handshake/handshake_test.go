package handshake

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptcptun/ptcptun/pkg/ptcp"
)

// fixturePeer is one loopback UDP endpoint in the multi-hop rendezvous
// fixture (broker, p2p-probe-server, relay server, relay agent, device).
type fixturePeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newFixturePeer(t *testing.T) *fixturePeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fixturePeer{t: t, conn: conn}
}

func (p *fixturePeer) addr() string { return p.conn.LocalAddr().String() }

// recv reads one datagram, failing the test on timeout.
func (p *fixturePeer) recv() (string, *net.UDPAddr) {
	p.t.Helper()
	buf := make([]byte, 4096)
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		p.t.Fatalf("fixturePeer.recv: %v", err)
	}
	return string(buf[:n]), addr
}

func (p *fixturePeer) reply(addr *net.UDPAddr, resp string) {
	p.t.Helper()
	if _, err := p.conn.WriteToUDP([]byte(resp), addr); err != nil {
		p.t.Fatalf("fixturePeer.reply: %v", err)
	}
}

// okResp builds a minimal successful DHP2P response carrying the given
// flattened body fields as top-level <body> children.
func okResp(fields map[string]string) string {
	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, v, k)
	}
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n<body>%s</body>", b.String())
}

// handshakeFixture holds the four rendezvous peers (broker, p2p-probe
// server, relay, agent) whose serve* methods answer Run concurrently; the
// device peer is created separately by TestRunDirectMode.
type handshakeFixture struct {
	brokerP *fixturePeer
	p2psrvP *fixturePeer
	relayP  *fixturePeer
	agentP  *fixturePeer

	// relayChannelDone is closed once the broker has answered the
	// relay-channel POST, triggering the agent's confirmation.
	relayChannelDone chan struct{}
}

func newHandshakeFixture(t *testing.T) *handshakeFixture {
	return &handshakeFixture{
		brokerP:          newFixturePeer(t),
		p2psrvP:          newFixturePeer(t),
		relayP:           newFixturePeer(t),
		agentP:           newFixturePeer(t),
		relayChannelDone: make(chan struct{}),
	}
}

// serveBroker handles every hop that talks directly to the broker: the two
// discard/online probes, the fire-and-forget p2p-channel request (whose
// response is pushed later via pushDeviceResponse), and the relay-channel
// POST used when bringing up the relay-agent session.
func (f *handshakeFixture) serveBroker(t *testing.T, serial string) (p2pChannelAddr chan *net.UDPAddr) {
	p2pChannelAddr = make(chan *net.UDPAddr, 1)
	go func() {
		// /probe/p2psrv
		_, addr := f.brokerP.recv()
		f.brokerP.reply(addr, "HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n")

		// /online/p2psrv/<serial>
		_, addr = f.brokerP.recv()
		f.brokerP.reply(addr, okResp(map[string]string{"US": f.p2psrvP.addr()}))

		// /online/relay
		_, addr = f.brokerP.recv()
		f.brokerP.reply(addr, okResp(map[string]string{"Address": f.relayP.addr()}))

		// /device/<serial>/p2p-channel -- no reply yet.
		req, addr := f.brokerP.recv()
		if !strings.HasPrefix(req, fmt.Sprintf("DHPOST /device/%s/p2p-channel", serial)) {
			t.Errorf("unexpected request on broker: %q", req)
		}
		p2pChannelAddr <- addr

		// /device/<serial>/relay-channel
		req, addr = f.brokerP.recv()
		if !strings.HasPrefix(req, fmt.Sprintf("DHPOST /device/%s/relay-channel", serial)) {
			t.Errorf("unexpected relay-channel request: %q", req)
		}
		f.brokerP.reply(addr, "HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n")
		close(f.relayChannelDone)
	}()
	return p2pChannelAddr
}

func (f *handshakeFixture) serveP2PSrv(serial string) {
	go func() {
		req, addr := f.p2psrvP.recv()
		if strings.HasPrefix(req, fmt.Sprintf("DHGET /probe/device/%s", serial)) {
			f.p2psrvP.reply(addr, "HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n")
		}
	}()
}

func (f *handshakeFixture) serveRelay() {
	go func() {
		_, addr := f.relayP.recv()
		f.relayP.reply(addr, okResp(map[string]string{"Token": "TOK", "Agent": f.agentP.addr()}))
	}()
}

// serveAgent replies to /relay/start, then (once triggered) pushes the
// unsolicited relay-channel confirmation and answers the shared PTCP
// agent session: a Sync ack, and in direct mode a signature Command(0x18).
func (f *handshakeFixture) serveAgent(t *testing.T, relayMode bool) {
	go func() {
		req, addr := f.agentP.recv()
		if !strings.HasPrefix(req, "DHPOST /relay/start/TOK") {
			t.Errorf("unexpected relay/start request: %q", req)
		}
		f.agentP.reply(addr, "HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n")

		// The client reconnects to the agent from the same local port, so
		// this same addr remains correct for the unsolicited confirmation
		// and the PTCP session that follows. The confirmation waits for the
		// relay-channel POST, plus a short pause for the client to reconnect
		// to the agent: a datagram arriving earlier would be discarded when
		// Reconnect closes the socket.
		<-f.relayChannelDone
		time.Sleep(100 * time.Millisecond)
		f.agentP.reply(addr, "HTTP/1.1 200 OK\r\nCSeq: 1\r\n\r\n")

		// Sync
		buf := make([]byte, 4096)
		f.agentP.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, raddr, err := f.agentP.conn.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("agent: read sync: %v", err)
			return
		}
		reqPkt, err := ptcp.Parse(buf[:n])
		if err != nil {
			t.Errorf("agent: parse sync: %v", err)
			return
		}
		session := ptcp.NewSession()
		ackPkt := session.Send(ptcp.Sync())
		ackPkt.RMID = reqPkt.LMID
		f.agentP.conn.WriteToUDP(ackPkt.Marshal(nil), raddr)

		if relayMode {
			return
		}

		// Signature request (Command 0x17) -> respond Command(0x18 + 12
		// zero bytes header + signature bytes).
		n, raddr, err = f.agentP.conn.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("agent: read sig request: %v", err)
			return
		}
		if _, err := ptcp.Parse(buf[:n]); err != nil {
			t.Errorf("agent: parse sig request: %v", err)
			return
		}
		sig := []byte{0xAA, 0xBB, 0xCC, 0xDD}
		data := append([]byte{0x18, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, sig...)
		respPkt := session.Send(ptcp.Command(data))
		f.agentP.conn.WriteToUDP(respPkt.Marshal(nil), raddr)
	}()
}

func TestRunRelayMode(t *testing.T) {
	f := newHandshakeFixture(t)
	oldBroker := broker
	broker = f.brokerP.addr()
	t.Cleanup(func() { broker = oldBroker })

	const serial = "SERIAL1"
	p2pChannelAddr := f.serveBroker(t, serial)
	f.serveP2PSrv(serial)
	f.serveRelay()
	f.serveAgent(t, true)

	go func() {
		addr := <-p2pChannelAddr
		f.brokerP.reply(addr, okResp(map[string]string{
			"LocalAddr": "127.0.0.1:1",
			"PubAddr":   "127.0.0.1:2",
		}))
	}()

	s1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	res, err := Run(s1, s2, Options{Serial: serial, RelayMode: true, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Socket == nil || res.Session == nil {
		t.Fatal("expected a tunnel socket and session")
	}
	res.Socket.Close()
}

func TestRunDirectMode(t *testing.T) {
	deviceP := newFixturePeer(t)

	f := newHandshakeFixture(t)
	oldBroker := broker
	broker = f.brokerP.addr()
	t.Cleanup(func() { broker = oldBroker })

	const serial = "SERIAL2"
	p2pChannelAddr := f.serveBroker(t, serial)
	f.serveP2PSrv(serial)
	f.serveRelay()
	f.serveAgent(t, false)

	go func() {
		addr := <-p2pChannelAddr
		_, portStr, _ := net.SplitHostPort(deviceP.addr())
		f.brokerP.reply(addr, okResp(map[string]string{
			"LocalAddr": "127.0.0.1:" + portStr,
			"PubAddr":   "127.0.0.1:" + portStr,
		}))
	}()

	// Device side of the hole-punch and final PTCP bootstrap.
	go func() {
		buf := make([]byte, 4096)
		deviceP.conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		// Hole-punch 1: reply with the request's first 24 bytes, so the
		// rtransID the client reads at offset [8:20] is its own transID.
		n, raddr, err := deviceP.conn.ReadFromUDP(buf)
		if err != nil || n < 24 {
			t.Errorf("device: read hole-punch 1: n=%d err=%v", n, err)
			return
		}
		reply1 := make([]byte, 24)
		copy(reply1, buf[:24])
		deviceP.conn.WriteToUDP(reply1, raddr)

		// Hole-punch 2: drained by the client, no reply needed, but send
		// one best-effort datagram to exercise the drain loop.
		if _, _, err := deviceP.conn.ReadFromUDP(buf); err != nil {
			t.Errorf("device: read hole-punch 2: %v", err)
			return
		}
		deviceP.conn.WriteToUDP([]byte("x"), raddr)

		// Direct PTCP bootstrap: Sync, Command(0x19+sig) -> Command(0x1a),
		// Command(0x1b) -> Empty.
		session := ptcp.NewSession()

		n, raddr, err = deviceP.conn.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("device: read direct sync: %v", err)
			return
		}
		reqPkt, err := ptcp.Parse(buf[:n])
		if err != nil || reqPkt.Body.Kind != ptcp.KindSync {
			t.Errorf("device: expected Sync, got %v err=%v", reqPkt, err)
			return
		}
		ack := session.Send(ptcp.Sync())
		deviceP.conn.WriteToUDP(ack.Marshal(nil), raddr)

		n, raddr, err = deviceP.conn.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("device: read signature command: %v", err)
			return
		}
		reqPkt, err = ptcp.Parse(buf[:n])
		if err != nil {
			t.Errorf("device: parse signature command: %v", err)
			return
		}
		if op, ok := reqPkt.Body.Opcode(); !ok || op != 0x19 {
			t.Errorf("device: expected opcode 0x19, got %v", reqPkt.Body)
		}
		resp1a := []byte{0x1a, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		respPkt := session.Send(ptcp.Command(resp1a))
		deviceP.conn.WriteToUDP(respPkt.Marshal(nil), raddr)

		n, raddr, err = deviceP.conn.ReadFromUDP(buf)
		if err != nil {
			t.Errorf("device: read final command: %v", err)
			return
		}
		reqPkt, err = ptcp.Parse(buf[:n])
		if err != nil {
			t.Errorf("device: parse final command: %v", err)
			return
		}
		if op, ok := reqPkt.Body.Opcode(); !ok || op != 0x1b {
			t.Errorf("device: expected opcode 0x1b, got %v", reqPkt.Body)
		}
		finalAck := session.Send(ptcp.Empty())
		deviceP.conn.WriteToUDP(finalAck.Marshal(nil), raddr)
	}()

	s1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	res, err := Run(s1, s2, Options{Serial: serial, RelayMode: false, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Socket == nil || res.Session == nil {
		t.Fatal("expected a tunnel socket and session")
	}
	res.Socket.Close()
}

func TestRunP2PChannelAuthRequired(t *testing.T) {
	f := newHandshakeFixture(t)
	oldBroker := broker
	broker = f.brokerP.addr()
	t.Cleanup(func() { broker = oldBroker })

	const serial = "SERIAL3"
	p2pChannelAddr := f.serveBroker(t, serial)
	f.serveP2PSrv(serial)
	f.serveRelay()
	f.serveAgent(t, true)

	go func() {
		addr := <-p2pChannelAddr
		f.brokerP.reply(addr, "HTTP/1.1 403 Forbidden\r\nCSeq: 1\r\n\r\n")
	}()

	s1, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	_, err = Run(s1, s2, Options{Serial: serial, RelayMode: true, Log: zerolog.Nop()})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "authentication") {
		t.Fatalf("expected an authentication error, got %v", err)
	}
}
