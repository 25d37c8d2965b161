package telemetry

import (
	"strconv"
	"time"

	"livesync/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
LEARNING: PROMETHEUS METRICS

Traces tell the story of one request; metrics tell the story of the process.
promauto registers every collector with the default registry when the package
loads, and promhttp.Handler() serves them on /metrics.

- Counter:   only goes up (syncs handled, events pushed)
- Gauge:     goes up and down (live sessions, outstanding snapshots)
- Histogram: distribution of durations (store round trips, sync latency)
*/

var (
	storeOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_store_operations_total",
		Help: "Store operations issued, by kind and outcome",
	}, []string{"op", "result"})

	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livesync_store_operation_duration_seconds",
		Help:    "Duration of store round trips",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	syncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_sync_requests_total",
		Help: "Sync requests handled, by outcome",
	}, []string{"result"})

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livesync_sync_duration_seconds",
		Help:    "Time from sync request to response (creations committed)",
		Buckets: prometheus.DefBuckets,
	})

	pushedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_pushed_events_total",
		Help: "Events pushed to sessions, by kind",
	}, []string{"kind"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livesync_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "livesync_http_request_duration_seconds",
		Help:    "Time to answer an HTTP request",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// OutstandingSnapshots is the number of snapshots still holding history.
	OutstandingSnapshots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_outstanding_snapshots",
		Help: "Snapshots not yet pruned",
	})

	// ActiveClients is the number of registered sessions.
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_active_sessions",
		Help: "Registered client sessions",
	})

	// StoreQueueDepth is the number of store operations waiting for a worker.
	StoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_store_queue_depth",
		Help: "Store operations queued for the worker pool",
	})

	// LiveQueries is the number of registered queries.
	LiveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livesync_live_queries",
		Help: "Registered live queries",
	})

	// OpenConnections is the number of transport connections, by transport.
	OpenConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livesync_open_connections",
		Help: "Open WebSocket and keep-alive HTTP connections",
	}, []string{"transport"})

	// DroppedSockets counts WebSocket connections closed for a full send buffer.
	DroppedSockets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_dropped_sockets_total",
		Help: "WebSocket connections closed because they could not keep up",
	})

	// DanglingReferences counts references repaired while fetching.
	DanglingReferences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livesync_dangling_references_repaired_total",
		Help: "Dangling references rewritten to null during fetch",
	})
)

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStoreOperation records one store round trip.
func ObserveStoreOperation(op string, d time.Duration, err error) {
	storeOperations.WithLabelValues(op, result(err)).Inc()
	storeDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSync records one sync request.
func ObserveSync(d time.Duration, err error) {
	syncRequests.WithLabelValues(result(err)).Inc()
	syncDuration.Observe(d.Seconds())
}

// ObservePush counts the events of one push batch.
func ObservePush(batch *models.PushBatch) {
	pushedEvents.WithLabelValues("creation").Add(float64(len(batch.Creations)))
	pushedEvents.WithLabelValues("update").Add(float64(len(batch.Updates)))
	pushedEvents.WithLabelValues("deletion").Add(float64(len(batch.Deletions)))
}

// ObserveRequest records one HTTP request.
func ObserveRequest(route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
