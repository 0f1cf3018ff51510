// Package metrics defines the Prometheus instruments for the query core.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryTotal tracks query pipeline outcomes by mode.
	QueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_query_total",
		Help: "Total number of queries by mode and result",
	}, []string{"mode", "result"})

	// QueryDuration tracks end-to-end pipeline latency.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_query_duration_seconds",
		Help:    "End-to-end query pipeline latency",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45, 90, 120},
	}, []string{"mode"})

	// StreamEventsTotal counts events forwarded to streaming clients.
	StreamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_stream_events_total",
		Help: "Total streamed events by kind",
	}, []string{"kind"})

	// SessionOpDuration tracks session manager operation latency.
	SessionOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentgate_session_op_duration_seconds",
		Help:    "Session manager operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// CacheResultTotal tracks session cache reads by result
	// (hit, miss, healed).
	CacheResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_session_cache_result_total",
		Help: "Session cache read results",
	}, []string{"result"})

	// LockAcquireDuration tracks time spent acquiring session locks.
	LockAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentgate_session_lock_acquire_seconds",
		Help:    "Session lock acquisition latency including backoff",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	})

	// LockContentionTotal counts lock acquisition attempts that had to back off.
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentgate_session_lock_contention_total",
		Help: "Lock acquisitions that found the lock held",
	})

	// MemoryCallTotal counts memory service calls by op and success.
	MemoryCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentgate_memory_call_total",
		Help: "Memory service calls by operation and result",
	}, []string{"op", "success"})
)

// IncQuery records one pipeline completion.
func IncQuery(mode string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	QueryTotal.WithLabelValues(mode, result).Inc()
}

// ObserveQueryDuration records pipeline latency.
func ObserveQueryDuration(mode string, d time.Duration) {
	QueryDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// IncCacheResult records one cache read outcome.
func IncCacheResult(result string) {
	CacheResultTotal.WithLabelValues(result).Inc()
}

// IncMemoryCall records one memory service call.
func IncMemoryCall(op string, success bool) {
	MemoryCallTotal.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}
