package ptcp

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// monitorPage is a minimal live-tail viewer for DebugMonitorHandler's SSE
// feed. It intentionally carries no styling dependencies.
const monitorPage = `<!doctype html><html><head><meta charset="utf-8"><title>ptcp monitor</title></head>
<body><pre id="log"></pre><script>
var es = new EventSource(location.pathname + "?sse");
var log = document.getElementById("log");
es.addEventListener("init", function(e) { log.textContent += "local: " + e.data + "\n"; });
es.addEventListener("packet", function(e) {
  var p = JSON.parse(e.data);
  log.textContent += (p.in ? "<<< " : ">>> ") + p.remote + " " + p.summary + "\n";
});
</script></body></html>`

// DebugMonitorHandler returns an HTTP handler that serves a live-tail
// webpage of sent/received PTCP packets on s: a plain GET returns the page,
// and "?sse" upgrades to a gzip-compressed server-sent-events stream.
func DebugMonitorHandler(s *Socket) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-cache, no-store")

		if r.URL.RawQuery != "sse" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, monitorPage)
			return
		}

		f, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "cannot stream events", http.StatusInternalServerError)
			return
		}

		c := make(chan Event, 16)
		go s.Monitor(r.Context(), c)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)

		gz := gzip.NewWriter(w)
		defer gz.Close()

		io.WriteString(gz, "event: init\ndata: "+s.LocalAddr().String()+"\n\n")
		gz.Flush()
		f.Flush()

		remote := remoteString(s.RemoteAddr())

		e := json.NewEncoder(gz)
		for ev := range c {
			io.WriteString(gz, "event: packet\ndata: ")
			e.Encode(map[string]any{
				"in":      ev.In,
				"remote":  remote,
				"summary": ev.Packet.String(),
			})
			io.WriteString(gz, "\n")
			gz.Flush()
			f.Flush()
		}
	})
}

func remoteString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
