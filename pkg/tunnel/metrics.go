package tunnel

import (
	"sync"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/ptcptun/ptcptun/pkg/metrics"
	"github.com/ptcptun/ptcptun/pkg/ptcp"
)

// tunnelMetrics groups the multiplexer's counters, following the teacher's
// apiMetrics shape: a struct of named metrics lazily built once and reused
// for the process lifetime.
type tunnelMetrics struct {
	packetsTotal struct {
		sent     func(kind ptcp.BodyKind) *vmetrics.Counter
		received func(kind ptcp.BodyKind) *vmetrics.Counter
	}
	realmsOpenedTotal   *vmetrics.Counter
	realmsClosedTotal   *vmetrics.Counter
	inboundDropsTotal   *vmetrics.Counter
	heartbeatsSentTotal *vmetrics.Counter
}

var (
	tunnelMetricsOnce sync.Once
	tunnelMetricsObj  tunnelMetrics
)

// tm returns the process-wide tunnel metrics, building them on first use.
func tm() *tunnelMetrics {
	tunnelMetricsOnce.Do(func() {
		m := &tunnelMetricsObj
		m.packetsTotal.sent = func(kind ptcp.BodyKind) *vmetrics.Counter {
			return metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_packets_total{dir="sent",kind="` + kind.String() + `"}`)
		}
		m.packetsTotal.received = func(kind ptcp.BodyKind) *vmetrics.Counter {
			return metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_packets_total{dir="received",kind="` + kind.String() + `"}`)
		}
		m.realmsOpenedTotal = metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_realms_opened_total`)
		m.realmsClosedTotal = metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_realms_closed_total`)
		m.inboundDropsTotal = metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_inbound_drops_total`)
		m.heartbeatsSentTotal = metrics.Set.GetOrCreateCounter(`ptcptun_tunnel_heartbeats_sent_total`)
	})
	return &tunnelMetricsObj
}
