package gap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshlite/meshlite/internal/util/metrics"
)

var retransmissionRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "db_replication_retransmission_requests_total",
	Help: "the number of retransmission requests sent, received, or skipped",
}, metrics.DirectionLabels)
