package patchstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshlite/meshlite/internal/util/metrics"
)

var (
	storeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_store_patches_total",
		Help: "the number of patches stored for this table",
	}, metrics.TableLabels)
	storeDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchstore_store_duration_seconds",
		Help:    "the length of time it took to store patches",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_store_errors_total",
		Help: "the number of errors encountered while storing patches",
	}, metrics.TableLabels)

	selectCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_select_patches_total",
		Help: "the number of patches read for this table",
	}, metrics.TableLabels)
	selectDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchstore_select_duration_seconds",
		Help:    "the length of time it took to select patches",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)
	selectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_select_errors_total",
		Help: "the number of errors encountered while selecting patches",
	}, metrics.TableLabels)

	retireCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_retire_patches_total",
		Help: "the number of patches deleted by the retention sweep",
	}, metrics.TableLabels)
	retireDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "patchstore_retire_duration_seconds",
		Help:    "the length of time it took to retire patches",
		Buckets: metrics.LatencyBuckets,
	}, metrics.TableLabels)
	retireErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_retire_errors_total",
		Help: "the number of errors encountered while retiring patches",
	}, metrics.TableLabels)

	pendingCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "patchstore_pending_patches_total",
		Help: "the number of patches staged to pending_patches due to a schema-version mismatch",
	}, metrics.TableLabels)
)
