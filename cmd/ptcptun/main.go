// Command ptcptun tunnels a local TCP port to a Dahua P2P camera across the
// vendor's UDP rendezvous service.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ptcptun/ptcptun/pkg/handshake"
	"github.com/ptcptun/ptcptun/pkg/metrics"
	"github.com/ptcptun/ptcptun/pkg/ptcp"
	"github.com/ptcptun/ptcptun/pkg/tunnel"
)

var opt struct {
	Port    string
	Relay   bool
	Verbose bool
	EnvFile string
	Help    bool
}

func init() {
	pflag.StringVarP(&opt.Port, "port", "p", "127.0.0.1:1554:554", "[bind_addr:]local_port:remote_port")
	pflag.BoolVarP(&opt.Relay, "relay", "r", false, "Enable relay mode")
	pflag.BoolVarP(&opt.Verbose, "verbose", "v", false, "Raise log level to debug")
	pflag.StringVarP(&opt.EnvFile, "env-file", "e", "", "Optional env-style file supplying PTCPTUN_DEBUG_ADDR")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 || opt.Help {
		fmt.Printf("usage: %s [options] <serial>\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}
	serial := pflag.Arg(0)

	bindAddr, localPort, remotePort, err := parsePortSpec(opt.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: invalid port specification: %v\n", err)
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if opt.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()

	e := os.Environ()
	if opt.EnvFile != "" {
		e, err = readEnv(opt.EnvFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: read env file: %v\n", err)
			os.Exit(2)
		}
	}

	var dbg *http.ServeMux
	if dbgAddr, ok := getEnvList("PTCPTUN_DEBUG_ADDR", e); ok && dbgAddr != "" {
		dbg = startDebugServer(dbgAddr, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s1, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open udp socket: %v\n", err)
		os.Exit(1)
	}
	s2, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open udp socket: %v\n", err)
		os.Exit(1)
	}

	log.Debug().Str("serial", serial).Bool("relay", opt.Relay).Msg("starting handshake")
	result, err := handshake.Run(s1, s2, handshake.Options{
		Serial:    serial,
		RelayMode: opt.Relay,
		Log:       log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: handshake failed: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("PTCP session established")

	if dbg != nil {
		dbg.Handle("/debug/monitor", ptcp.DebugMonitorHandler(result.Socket))
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, localPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: listen: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	printReadyBanner(bindAddr, localPort, remotePort)

	tun := tunnel.New(result.Socket, result.Session, tunnel.Config{
		RemotePort: remotePort,
		Log:        log,
	})
	if err := tun.Run(ctx, ln); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// printReadyBanner emits the connection-ready banner of spec.md §7, adding
// the RTSP URL form when remote_port == 554 (SPEC_FULL §4).
func printReadyBanner(bindAddr string, localPort, remotePort uint16) {
	if remotePort == 554 {
		fmt.Printf("tunnel ready: rtsp://%s:%d/ -> device:%d\n", bindAddr, localPort, remotePort)
	} else {
		fmt.Printf("tunnel ready: %s:%d -> device:%d\n", bindAddr, localPort, remotePort)
	}
}

// parsePortSpec parses "[bind_addr:]local_port:remote_port" per spec.md §6.
func parsePortSpec(s string) (bindAddr string, localPort, remotePort uint16, err error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		bindAddr = "127.0.0.1"
	case 3:
		bindAddr = parts[0]
		parts = parts[1:]
	default:
		return "", 0, 0, fmt.Errorf("expected [bind_addr:]local_port:remote_port, got %q", s)
	}

	lp, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid local port %q: %w", parts[0], err)
	}
	rp, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid remote port %q: %w", parts[1], err)
	}
	return bindAddr, uint16(lp), uint16(rp), nil
}

// startDebugServer wires the optional insecure debug/metrics surface of
// SPEC_FULL §2.3, matching cmd/atlas's dbg-mux wiring: the mux is handed
// back so the caller can register additional handlers (the PTCP monitor)
// once they become available, after the debug server is already serving.
func startDebugServer(addr string, log zerolog.Logger) *http.ServeMux {
	dbg := http.NewServeMux()
	dbg.HandleFunc("/debug/pprof/", pprof.Index)
	dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
	dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
	dbg.HandleFunc("/debug/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Set.WritePrometheus(w)
	})

	go func() {
		log.Warn().Str("addr", addr).Msg("running insecure debug server")
		if err := http.ListenAndServe(addr, dbg); err != nil {
			log.Warn().Err(err).Msg("failed to start debug server")
		}
	}()

	return dbg
}

// getEnvList looks up k in e, an "KEY=VALUE" slice such as os.Environ().
func getEnvList(k string, e []string) (string, bool) {
	for _, x := range e {
		if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
			return xv, true
		}
	}
	return "", false
}

// readEnv parses an env-style file the way cmd/atlas does.
func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
