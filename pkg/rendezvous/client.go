// Package rendezvous implements the DHP2P text-protocol dialogue used to
// discover and reach the device: a tiny HTTP/1.1-looking request/response
// transport carried one datagram per message over UDP.
package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/ptcptun/ptcptun/pkg/metrics"
)

// requestsTotal counts rendezvous requests by method (spec.md §4.3 "DHGET"
// and "DHPOST"), registered lazily so tests that never issue a request don't
// pollute the shared metrics set.
func requestsTotal(method string) *vmetrics.Counter {
	return metrics.Set.GetOrCreateCounter(`ptcptun_rendezvous_requests_total{method="` + method + `"}`)
}

// RejectedError is a fatal RendezvousRejected(code, status) per spec.md §7.
type RejectedError struct {
	Code   int
	Status string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rendezvous: rejected: %d %s", e.Code, e.Status)
}

// AuthRequired reports whether err is the specialized 403 "device requires
// authentication" rejection.
func AuthRequired(err error) bool {
	var r *RejectedError
	return errors.As(err, &r) && r.Code == 403
}

// Response is a parsed DHP2P response.
type Response struct {
	Version string
	Code    int
	Status  string
	Headers map[string]string
	Body    map[string]string // nil if no body was present
}

// Client speaks the DHP2P request/response protocol over a single connected
// UDP socket. CSeq is scoped to one Client instance (spec.md §9: "Replace
// with a per-rendezvous-client counter; the protocol does not require
// cross-socket monotonicity").
type Client struct {
	conn *net.UDPConn
	log  zerolog.Logger
	cseq atomic.Uint64
}

// New wraps an already-connected UDP socket as a DHP2P client.
func New(conn *net.UDPConn, log zerolog.Logger) *Client {
	return &Client{conn: conn, log: log}
}

// Dial connects a fresh UDP socket to addr and wraps it as a Client.
func Dial(addr string, log zerolog.Logger) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %q: %w", addr, err)
	}
	return New(conn, log), nil
}

// Reconnect repoints the client's socket at a new peer without changing its
// CSeq counter or its local port, mirroring the handshake orchestrator's
// reuse of one socket across several peers (broker, p2p-probe-server, relay,
// agent): a port the client has already advertised to one peer (e.g. in the
// p2p-channel LocalAddr field) must stay valid after the client moves on to
// talk to the next one. Go's UDPConn has no in-place "change remote peer"
// operation, so this closes and redials against the same local address.
func (c *Client) Reconnect(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("rendezvous: resolve %q: %w", addr, err)
	}
	laddr := c.conn.LocalAddr().(*net.UDPAddr)
	c.conn.Close()

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return fmt.Errorf("rendezvous: dial %q: %w", raddr, err)
	}
	c.conn = conn
	return nil
}

// UDPConn exposes the underlying socket, e.g. for the handshake orchestrator
// to open a PTCP session on the same transport afterwards.
func (c *Client) UDPConn() *net.UDPConn { return c.conn }

// LocalPort returns the local UDP port this client is bound to.
func (c *Client) LocalPort() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

// Get issues a DHGET request for path and returns its successful response.
func (c *Client) Get(path string) (Response, error) {
	return c.do("DHGET", path, "")
}

// Post issues a DHPOST request for path carrying an XML body and returns its
// successful response.
func (c *Client) Post(path, body string) (Response, error) {
	return c.do("DHPOST", path, body)
}

func (c *Client) do(method, path, body string) (Response, error) {
	if err := c.request(method, path, body); err != nil {
		return Response{}, err
	}
	return c.read()
}

// Send issues a request without waiting for its response, for callers that
// read the reply out of band later (e.g. the handshake orchestrator's
// p2p-channel request, whose response only arrives after a second, unrelated
// round trip on another socket).
func (c *Client) Send(method, path, body string) error {
	return c.request(method, path, body)
}

// request sends one DHGET/DHPOST request, signed with a fresh WSSE digest.
func (c *Client) request(method, path, body string) error {
	seq := c.cseq.Add(1)

	nonce, created, digest := newWSSE(Username, Userkey)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "CSeq: %d\r\n", seq)
	fmt.Fprintf(&b, "Authorization: WSSE profile=\"UsernameToken\"\r\n")
	fmt.Fprintf(&b, "X-WSSE: UsernameToken Username=\"%s\", PasswordDigest=\"%s\", Nonce=\"%s\", Created=\"%s\"\r\n",
		Username, digest, nonce, created)
	b.WriteString("\r\n")
	b.WriteString(body)

	req := b.String()
	c.log.Debug().Str("dir", ">>>").Str("method", method).Str("path", path).Msg(req)

	_, err := c.conn.Write([]byte(req))
	if err != nil {
		return fmt.Errorf("rendezvous: send: %w", err)
	}
	requestsTotal(method).Inc()
	return nil
}

// read reads one datagram and parses it, retrying once transparently on a
// 100 provisional response (spec.md §4.3/§4.4: "provisional responses may
// appear on any read; always re-read once").
func (c *Client) read() (Response, error) {
	res, err := c.readRaw()
	if err != nil {
		return Response{}, err
	}
	if res.Code == 100 {
		res, err = c.readRaw()
		if err != nil {
			return Response{}, err
		}
	}
	if res.Code >= 400 {
		return Response{}, &RejectedError{Code: res.Code, Status: res.Status}
	}
	return res, nil
}

// ReadRaw reads and parses a single datagram without interpreting its status
// code. The handshake orchestrator uses this directly for step 5's delayed
// response, which needs to distinguish 403 from other codes itself.
func (c *Client) ReadRaw() (Response, error) { return c.readRaw() }

func (c *Client) readRaw() (Response, error) {
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil {
		return Response{}, fmt.Errorf("rendezvous: recv: %w", err)
	}
	raw := string(buf[:n])
	c.log.Debug().Str("dir", "<<<").Msg(raw)

	return parseResponse(raw)
}

func parseResponse(raw string) (Response, error) {
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		return Response{}, fmt.Errorf("rendezvous: malformed response: no head/body separator")
	}

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return Response{}, fmt.Errorf("rendezvous: malformed response: empty head")
	}

	statusParts := strings.SplitN(lines[0], " ", 3)
	if len(statusParts) != 3 {
		return Response{}, fmt.Errorf("rendezvous: malformed status line %q", lines[0])
	}
	code, err := strconv.Atoi(statusParts[1])
	if err != nil {
		return Response{}, fmt.Errorf("rendezvous: malformed status code %q: %w", statusParts[1], err)
	}

	headers := make(map[string]string)
	for _, l := range lines[1:] {
		if k, v, ok := strings.Cut(l, ": "); ok {
			headers[k] = v
		}
	}

	res := Response{
		Version: statusParts[0],
		Code:    code,
		Status:  statusParts[2],
		Headers: headers,
	}

	if strings.TrimSpace(body) != "" {
		flat, err := flattenXML([]byte(body))
		if err != nil {
			return Response{}, fmt.Errorf("rendezvous: parse xml body: %w", err)
		}
		res.Body = flat
	}

	return res, nil
}
