// Package metrics holds the small set of Prometheus label and bucket
// conventions shared across the replication core's instrumented
// packages, so every promauto vector agrees on label names.
package metrics

// LatencyBuckets is the shared histogram bucket set for all duration
// metrics in this module, spanning sub-millisecond to multi-second.
var LatencyBuckets = []float64{
	.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// TableLabels is the label set attached to per-table counters/histograms.
var TableLabels = []string{"table"}

// PeerLabels is the label set attached to per-peer counters/histograms.
var PeerLabels = []string{"peer"}

// DirectionLabels distinguishes inbound from outbound or sent from skipped
// work, e.g. db_replication_retransmission_requests_total{direction=...}.
var DirectionLabels = []string{"direction"}
