package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshlite/meshlite/internal/util/metrics"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "db_replication_messages_total",
		Help: "the number of replication messages exchanged, by direction",
	}, metrics.DirectionLabels)
	sendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "db_replication_send_errors_total",
		Help: "the number of messages that could not be written to a socket",
	})
)
