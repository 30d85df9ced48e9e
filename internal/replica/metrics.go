package replica

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/types"
)

var (
	connectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_replication_connected_peers",
		Help: "the number of remote peers with a registered socket",
	})
	replicationLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "db_replication_lag_seconds",
		Help: "estimated replication lag behind each remote peer",
	}, []string{"remote_peer"})
	clockDriftMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_logical_clock_drift_max_seconds",
		Help: "the largest observed skew between remote clocks and the local wall clock",
	})
)

// Metrics refreshes the engine-derived gauges and renders the full
// registry in the Prometheus text exposition format.
func (e *Engine) Metrics() (string, error) {
	connectedPeers.Set(float64(e.mux.ConnectedPeers()))

	drift := e.clock.Drift()
	if drift.Seconds() > 0 {
		clockDriftMax.Set(drift.Seconds())
	}
	for peer, stats := range e.peers.Snapshot() {
		lastMsgMillis := stats[types.LastMessageTimestamp]
		if lastMsgMillis == 0 {
			continue
		}
		contiguousUnixMillis := hlc.Time(stats[types.GuaranteedContiguousPatchAtTimestamp]).UnixMilli()
		lag := drift.Seconds() + float64(lastMsgMillis-contiguousUnixMillis)/1000
		replicationLag.WithLabelValues(peer.String()).Set(lag)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return "", errors.Wrap(err, "gathering metrics")
	}
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return "", errors.Wrap(err, "encoding metrics")
		}
	}
	return buf.String(), nil
}
