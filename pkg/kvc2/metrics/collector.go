package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
)

var (
	// Admissions counts blocks admitted into the store via insert.
	Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvc2", Subsystem: "store", Name: "admissions_total",
		Help: "Total number of cache block admissions",
	})
	// Releases counts blocks released from the store.
	Releases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvc2", Subsystem: "store", Name: "releases_total",
		Help: "Total number of cache block releases",
	})

	// LookupRequests counts how many Read() calls have been made.
	LookupRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kvc2", Subsystem: "tree", Name: "lookup_requests_total",
		Help: "Total number of read calls",
	})
	// BlockLookupResults counts blocks examined, labelled by result "hit" or
	// "miss".
	BlockLookupResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvc2", Subsystem: "tree", Name: "lookup_block_total",
		Help: "Number of blocks looked up by result (hit/miss)",
	}, []string{"result"})
	// LookupLatency logs latency of read calls.
	LookupLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kvc2", Subsystem: "tree", Name: "lookup_latency_seconds",
		Help:    "Latency of read calls in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// IOOps counts requests submitted to the I/O dealer by operation.
	IOOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kvc2", Subsystem: "io", Name: "ops_total",
		Help: "Number of io dealer requests by operation (read/write/flush)",
	}, []string{"op"})

	// SnapshotLatency logs latency of save/load by operation.
	SnapshotLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kvc2", Subsystem: "snapshot", Name: "latency_seconds",
		Help:    "Latency of save/load in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		Admissions, Releases,
		LookupRequests, BlockLookupResults, LookupLatency,
		IOOps, SnapshotLatency,
	)
}

// StartMetricsLogging spawns a goroutine that logs current metric values every
// interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	err := Admissions.Write(&m)
	if err != nil {
		return
	}
	admissions := m.GetCounter().GetValue()

	err = Releases.Write(&m)
	if err != nil {
		return
	}
	releases := m.GetCounter().GetValue()

	err = LookupRequests.Write(&m)
	if err != nil {
		return
	}
	lookups := m.GetCounter().GetValue()

	var hit, miss dto.Metric
	err = BlockLookupResults.WithLabelValues("hit").Write(&hit)
	if err != nil {
		return
	}
	err = BlockLookupResults.WithLabelValues("miss").Write(&miss)
	if err != nil {
		return
	}
	hits := hit.GetCounter().GetValue()
	misses := miss.GetCounter().GetValue()

	var h dto.Metric
	err = LookupLatency.Write(&h)
	if err != nil {
		return
	}
	latencyCount := h.GetHistogram().GetSampleCount()
	latencySum := h.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"admissions", admissions,
		"releases", releases,
		"lookups", lookups,
		"hits", hits,
		"misses", misses,
		"latency_count", latencyCount,
		"latency_sum", latencySum,
	)
}
