// Package metrics holds the process-wide VictoriaMetrics set that every
// other package registers its counters into, so a single
// /debug/metrics handler can serve all of them together.
package metrics

import "github.com/VictoriaMetrics/metrics"

// Set is shared by pkg/rendezvous, pkg/handshake, and pkg/tunnel. It is a
// package variable rather than a constructor argument threaded through every
// component because none of those components otherwise need to know about
// each other, matching the teacher's single `*metrics.Set` per process.
var Set = metrics.NewSet()
