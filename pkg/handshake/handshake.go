package handshake

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/ptcptun/ptcptun/pkg/metrics"
	"github.com/ptcptun/ptcptun/pkg/ptcp"
	"github.com/ptcptun/ptcptun/pkg/rendezvous"
)

var (
	holePunchAttemptsTotal = metrics.Set.GetOrCreateCounter(`ptcptun_handshake_holepunch_attempts_total`)
	holePunchTimeoutsTotal = metrics.Set.GetOrCreateCounter(`ptcptun_handshake_holepunch_timeouts_total`)
)

// MainBroker is the fixed rendezvous entry point baked into the build,
// per spec.md §6.
const MainBroker = "www.easy4ipcloud.com:8800"

// broker is the address Run actually dials. It is a variable,
// not a direct reference to MainBroker, so tests can point it at a loopback
// fixture instead of the real rendezvous service.
var broker = MainBroker

// HolePunchTimeout is the hard timeout on the first hole-punch reply,
// per spec.md §4.4 step 11 and §5.
const HolePunchTimeout = 5 * time.Second

// ErrHolePunchTimeout is the fatal HolePunchTimeout error of spec.md §7.
var ErrHolePunchTimeout = errors.New("handshake: no reply to hole-punch within timeout; retry with relay mode")

// Options configures a handshake run.
type Options struct {
	Serial    string
	RelayMode bool
	Log       zerolog.Logger
}

// Result is the outcome of a successful handshake: a PTCP socket and session
// ready to carry tunnel traffic, per spec.md §4.4 steps 9/12.
type Result struct {
	Socket  *ptcp.Socket
	Session *ptcp.Session
}

// Run executes the full rendezvous + hole-punch + bootstrap sequence of
// spec.md §4.4 and returns the tunnel socket/session pair. s1 and s2 are the
// two UDP sockets described there: s1's local address is revealed to the
// device as the direct target, s2 is auxiliary.
func Run(s1, s2 *net.UDPConn, opt Options) (Result, error) {
	log := opt.Log

	c1 := rendezvous.New(s1, log.With().Str("sock", "s1").Logger())
	if err := c1.Reconnect(broker); err != nil {
		return Result{}, err
	}
	c2 := rendezvous.New(s2, log.With().Str("sock", "s2").Logger())

	// Step 1: discard.
	if _, err := c1.Get("/probe/p2psrv"); err != nil {
		return Result{}, fmt.Errorf("handshake: probe p2psrv: %w", err)
	}

	// Step 2: p2p-probe-server address.
	res, err := c1.Get(fmt.Sprintf("/online/p2psrv/%s", opt.Serial))
	if err != nil {
		return Result{}, fmt.Errorf("handshake: online p2psrv: %w", err)
	}
	p2psrv, ok := res.Body["body/US"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: online p2psrv: missing body/US")
	}

	// Step 3: relay server address.
	res, err = c1.Get("/online/relay")
	if err != nil {
		return Result{}, fmt.Errorf("handshake: online relay: %w", err)
	}
	relayAddr, ok := res.Body["body/Address"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: online relay: missing body/Address")
	}

	// Step 4: probe the device via the p2p-probe-server, response ignored.
	if err := c2.Reconnect(p2psrv); err != nil {
		return Result{}, err
	}
	if _, err := c2.Get(fmt.Sprintf("/probe/device/%s", opt.Serial)); err != nil {
		return Result{}, fmt.Errorf("handshake: probe device: %w", err)
	}

	// Step 5: open the p2p channel. The response arrives later (step 8); we
	// only send the request now.
	identify := randomBytes(8)
	localAddr := fmt.Sprintf("127.0.0.1:%d", c1.LocalPort())
	body := fmt.Sprintf(
		"<body><Identify>%s</Identify><IpEncrpt>true</IpEncrpt><LocalAddr>%s</LocalAddr><version>5.0.0</version></body>",
		hexSpaced(identify), localAddr,
	)
	if err := sendRequest(c1, fmt.Sprintf("/device/%s/p2p-channel", opt.Serial), body); err != nil {
		return Result{}, fmt.Errorf("handshake: p2p-channel: %w", err)
	}

	// Step 6: relay agent token + address.
	if err := c2.Reconnect(relayAddr); err != nil {
		return Result{}, err
	}
	res, err = c2.Get("/relay/agent")
	if err != nil {
		return Result{}, fmt.Errorf("handshake: relay agent: %w", err)
	}
	token, ok := res.Body["body/Token"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: relay agent: missing body/Token")
	}
	agent, ok := res.Body["body/Agent"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: relay agent: missing body/Agent")
	}

	// Step 7: start the relay session on the agent.
	if err := c2.Reconnect(agent); err != nil {
		return Result{}, err
	}
	if _, err := c2.Post(fmt.Sprintf("/relay/start/%s", token), "<body><Client>:0</Client></body>"); err != nil {
		return Result{}, fmt.Errorf("handshake: relay start: %w", err)
	}

	// Step 8: read the delayed p2p-channel response.
	res, err = c1.ReadRaw()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: read p2p-channel response: %w", err)
	}
	if res.Code == 100 {
		res, err = c1.ReadRaw()
		if err != nil {
			return Result{}, fmt.Errorf("handshake: read p2p-channel response: %w", err)
		}
	}
	if res.Code == 403 {
		return Result{}, fmt.Errorf("handshake: device requires authentication when creating p2p channel; authentication is not supported: %w",
			&rendezvous.RejectedError{Code: res.Code, Status: res.Status})
	}
	if res.Code >= 400 {
		return Result{}, fmt.Errorf("handshake: p2p-channel rejected: %w", &rendezvous.RejectedError{Code: res.Code, Status: res.Status})
	}
	deviceLocalStr, ok := res.Body["body/LocalAddr"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: p2p-channel response: missing body/LocalAddr")
	}
	devicePubStr, ok := res.Body["body/PubAddr"]
	if !ok {
		return Result{}, fmt.Errorf("handshake: p2p-channel response: missing body/PubAddr")
	}

	log.Debug().Str("device_pub", devicePubStr).Str("device_local", deviceLocalStr).Msg("resolved device addresses")

	// Step 9: point s1 directly at the device's public address. Harmless in
	// relay mode too, since nothing is sent on s1 in that case.
	if err := c1.Reconnect(devicePubStr); err != nil {
		return Result{}, err
	}

	// Step 9 continued: bring up the relay-agent PTCP session, common to
	// both modes.
	if err := c2.Reconnect(broker); err != nil {
		return Result{}, err
	}
	if _, err := c2.Post(fmt.Sprintf("/device/%s/relay-channel", opt.Serial), fmt.Sprintf("<body><agentAddr>%s</agentAddr></body>", agent)); err != nil {
		return Result{}, fmt.Errorf("handshake: relay-channel: %w", err)
	}
	if err := c2.Reconnect(agent); err != nil {
		return Result{}, err
	}
	agentConn := c2.UDPConn()
	// spec.md §9 open question: the original reads this untimed; bound it.
	agentConn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if _, err := c2.ReadRaw(); err != nil {
		return Result{}, fmt.Errorf("handshake: relay-channel confirmation: %w", err)
	}
	agentConn.SetReadDeadline(time.Time{})

	agentSock := ptcp.NewSocket(agentConn)
	agentSession := ptcp.NewSession()
	// The original emits this as a Command(b"\x00\x03\x01\x00") rather than a
	// dedicated Sync body, which changes the pid/count the device derives for
	// the rest of the session. spec.md §4.4 calls for "Emit Sync" explicitly,
	// so this follows the spec's body kind rather than the original's wire
	// bytes.
	if err := agentSock.Send(agentSession.Send(ptcp.Sync())); err != nil {
		return Result{}, fmt.Errorf("handshake: relay-agent sync: %w", err)
	}
	p, err := agentSock.Recv()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: relay-agent sync reply: %w", err)
	}
	agentSession.Recv(p)

	if opt.RelayMode {
		opt.Log.Info().Msg("relay-mode tunnel established")
		return Result{Socket: agentSock, Session: agentSession}, nil
	}

	return runDirect(c1, agentSock, agentSession, opt, identify, devicePubStr, deviceLocalStr)
}

// runDirect implements spec.md §4.4 steps 10-12: obtaining the signature on
// the already-established relay-agent PTCP session, hole-punching on s1 to
// the device's public address (the two datagrams encode the public and the
// local address respectively), then bootstrapping a fresh direct PTCP
// session on s1.
func runDirect(c1 *rendezvous.Client, agentSock *ptcp.Socket, agentSession *ptcp.Session, opt Options, identify []byte, devicePubStr, deviceLocalStr string) (Result, error) {
	devicePub, err := parseAddrV4(devicePubStr)
	if err != nil {
		return Result{}, err
	}
	deviceLocal, err := parseAddrV4(deviceLocalStr)
	if err != nil {
		return Result{}, err
	}

	sig, err := fetchSignature(agentSock, agentSession)
	if err != nil {
		return Result{}, err
	}

	var identify8, negIdentify8 [8]byte
	copy(identify8[:], identify)
	negIdentify8 = negate8(identify8)

	s1 := c1.UDPConn()

	cookie := [4]byte{}
	copy(cookie[:], randomBytes(4))
	transID := [12]byte{}
	copy(transID[:], randomBytes(12))

	pkt1, err := buildHolePunch1(cookie, transID, negIdentify8, devicePub)
	if err != nil {
		return Result{}, err
	}
	if _, err := s1.Write(pkt1); err != nil {
		return Result{}, fmt.Errorf("handshake: hole-punch 1 send: %w", err)
	}
	holePunchAttemptsTotal.Inc()

	s1.SetReadDeadline(time.Now().Add(HolePunchTimeout))
	buf := make([]byte, 4096)
	n, err := s1.Read(buf)
	s1.SetReadDeadline(time.Time{})
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			holePunchTimeoutsTotal.Inc()
			return Result{}, ErrHolePunchTimeout
		}
		return Result{}, fmt.Errorf("handshake: hole-punch 1 reply: %w", err)
	}
	if n < 20 {
		return Result{}, fmt.Errorf("handshake: hole-punch 1 reply too short (%d bytes)", n)
	}
	var rtransID [12]byte
	copy(rtransID[:], buf[8:20])

	pkt2, err := buildHolePunch2(cookie, rtransID, negIdentify8, deviceLocal)
	if err != nil {
		return Result{}, err
	}
	if _, err := s1.Write(pkt2); err != nil {
		return Result{}, fmt.Errorf("handshake: hole-punch 2 send: %w", err)
	}

	// Drain 5 further datagrams, best-effort.
	s1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 5; i++ {
		if _, err := s1.Read(buf); err != nil {
			break
		}
	}
	s1.SetReadDeadline(time.Time{})

	sock := ptcp.NewSocket(s1)
	session := ptcp.NewSession()

	if err := sock.Send(session.Send(ptcp.Sync())); err != nil {
		return Result{}, fmt.Errorf("handshake: direct sync: %w", err)
	}
	p, err := sock.Recv()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: direct sync reply: %w", err)
	}
	p = session.Recv(p)
	if p.Body.Kind != ptcp.KindSync {
		return Result{}, fmt.Errorf("handshake: expected Sync reply, got %s", p.Body.Kind)
	}

	cmd19 := append([]byte{0x19, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, sig...)
	if err := sock.Send(session.Send(ptcp.Command(cmd19))); err != nil {
		return Result{}, fmt.Errorf("handshake: send signature: %w", err)
	}
	p, err = readNonEmpty(sock, session)
	if err != nil {
		return Result{}, err
	}
	if op, ok := p.Body.Opcode(); !ok || op != 0x1a {
		return Result{}, fmt.Errorf("handshake: expected opcode 0x1a, got %v", p.Body)
	}

	cmd1b := []byte{0x1b, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := sock.Send(session.Send(ptcp.Command(cmd1b))); err != nil {
		return Result{}, fmt.Errorf("handshake: send final command: %w", err)
	}
	p, err = sock.Recv()
	if err != nil {
		return Result{}, fmt.Errorf("handshake: final reply: %w", err)
	}
	p = session.Recv(p)
	if p.Body.Kind != ptcp.KindEmpty {
		return Result{}, fmt.Errorf("handshake: expected Empty final reply, got %s", p.Body.Kind)
	}

	opt.Log.Info().Msg("direct-mode tunnel established")
	return Result{Socket: sock, Session: session}, nil
}

// fetchSignature requests the device-issued signature on the already-synced
// relay-agent PTCP session, per spec.md §4.4 step 10.
func fetchSignature(sock *ptcp.Socket, session *ptcp.Session) ([]byte, error) {
	cmd17 := []byte{0x17, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := sock.Send(session.Send(ptcp.Command(cmd17))); err != nil {
		return nil, fmt.Errorf("handshake: signature request: %w", err)
	}

	p, err := readNonEmpty(sock, session)
	if err != nil {
		return nil, err
	}
	if p.Body.Kind != ptcp.KindCommand || len(p.Body.Data) < 12 {
		return nil, fmt.Errorf("handshake: signature response malformed: %v", p.Body)
	}
	sig := make([]byte, len(p.Body.Data)-12)
	copy(sig, p.Body.Data[12:])
	return sig, nil
}

// readNonEmpty reads packets from sock, updating session, until a non-Empty
// body arrives.
func readNonEmpty(sock *ptcp.Socket, session *ptcp.Session) (ptcp.Packet, error) {
	for {
		p, err := sock.Recv()
		if err != nil {
			return ptcp.Packet{}, err
		}
		p = session.Recv(p)
		if p.Body.Kind != ptcp.KindEmpty {
			return p, nil
		}
	}
}

// sendRequest sends the p2p-channel request without waiting for its reply:
// the reply arrives out of band in step 8, after the relay session has
// started on the agent. Post blocks on a read, so this goes through
// Client.Send instead of Client.Post.
func sendRequest(c *rendezvous.Client, path, body string) error {
	return c.Send("DHPOST", path, body)
}

// hexSpaced renders b as lowercase hex bytes joined by spaces, matching the
// Identify field's wire format in the p2p-channel request body. Each byte is
// zero-padded to two digits ("05"), unlike the original's unpadded "{:x}"
// ("5"); the device parses this back by byte count rather than literal
// digit count, so the padding is harmless.
func hexSpaced(b []byte) string {
	const hexd = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexd[c>>4], hexd[c&0xf])
	}
	return string(out)
}
