// Package metrics provides Prometheus metrics for the replicator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairdb_replicator"

// Metrics holds all Prometheus metrics of a node.
type Metrics struct {
	documentsSent       *prometheus.CounterVec
	documentsReceived   *prometheus.CounterVec
	batchSendDuration   *prometheus.HistogramVec
	channelState        *prometheus.GaugeVec
	channelFailures     *prometheus.CounterVec
	conflictsRecorded   *prometheus.CounterVec
	conflictsResolved   *prometheus.CounterVec
	resolutionFailures  *prometheus.CounterVec
	pendingConflicts    *prometheus.GaugeVec
	replicationRejected *prometheus.CounterVec
	failovers           *prometheus.CounterVec
	topologyUpdates     *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		documentsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "documents_sent_total",
			Help:        "Documents and tombstones acknowledged by destinations",
			ConstLabels: constLabels,
		}, []string{"database", "destination"}),
		documentsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "documents_received_total",
			Help:        "Replicated items received, by outcome",
			ConstLabels: constLabels,
		}, []string{"database", "outcome"}),
		batchSendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_send_duration_seconds",
			Help:        "Duration of outgoing replication batches",
			ConstLabels: constLabels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"database", "destination"}),
		channelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "channel_state",
			Help:        "Outgoing channel state (0=disconnected, 1=connecting, 2=streaming, 3=faulted)",
			ConstLabels: constLabels,
		}, []string{"database", "destination"}),
		channelFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "channel_failures_total",
			Help:        "Outgoing channel connection or send failures",
			ConstLabels: constLabels,
		}, []string{"database", "destination"}),
		conflictsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "conflicts_recorded_total",
			Help:        "Conflicting versions recorded",
			ConstLabels: constLabels,
		}, []string{"database"}),
		conflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "conflicts_resolved_total",
			Help:        "Conflicts resolved, by strategy",
			ConstLabels: constLabels,
		}, []string{"database", "strategy"}),
		resolutionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "resolution_failures_total",
			Help:        "Resolution attempts that left the conflict pending because of an error",
			ConstLabels: constLabels,
		}, []string{"database", "strategy"}),
		pendingConflicts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pending_conflicts",
			Help:        "Documents with unresolved conflicts",
			ConstLabels: constLabels,
		}, []string{"database"}),
		replicationRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "replication_rejected_total",
			Help:        "Incoming batches or items rejected",
			ConstLabels: constLabels,
		}, []string{"database", "source"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "client_failovers_total",
			Help:        "Requests that moved to another node after a failure",
			ConstLabels: constLabels,
		}, []string{"database"}),
		topologyUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "topology_updates_total",
			Help:        "Topology snapshots accepted or ignored",
			ConstLabels: constLabels,
		}, []string{"database", "result"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request duration in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewNopMetrics returns metrics registered on a private registry
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}

// RecordBatchSent records an acknowledged outgoing batch
func (m *Metrics) RecordBatchSent(database, destination string, items int, seconds float64) {
	m.documentsSent.WithLabelValues(database, destination).Add(float64(items))
	m.batchSendDuration.WithLabelValues(database, destination).Observe(seconds)
}

// RecordChannelFailure increments the failure counter of a destination
func (m *Metrics) RecordChannelFailure(database, destination string) {
	m.channelFailures.WithLabelValues(database, destination).Inc()
}

// SetChannelState publishes the state of a destination channel
func (m *Metrics) SetChannelState(database, destination string, state int) {
	m.channelState.WithLabelValues(database, destination).Set(float64(state))
}

// RemoveChannel drops the series of a removed destination
func (m *Metrics) RemoveChannel(database, destination string) {
	m.channelState.DeleteLabelValues(database, destination)
}

// RecordIncoming counts one received item by outcome
func (m *Metrics) RecordIncoming(database, outcome string) {
	m.documentsReceived.WithLabelValues(database, outcome).Inc()
}

// RecordConflict counts a recorded conflicting version
func (m *Metrics) RecordConflict(database string) {
	m.conflictsRecorded.WithLabelValues(database).Inc()
}

// RecordResolved counts a committed resolution
func (m *Metrics) RecordResolved(database, strategy string) {
	m.conflictsResolved.WithLabelValues(database, strategy).Inc()
}

// RecordResolutionFailure counts a failed resolution attempt
func (m *Metrics) RecordResolutionFailure(database, strategy string) {
	m.resolutionFailures.WithLabelValues(database, strategy).Inc()
}

// SetPendingConflicts publishes the number of unresolved conflicts
func (m *Metrics) SetPendingConflicts(database string, n int) {
	m.pendingConflicts.WithLabelValues(database).Set(float64(n))
}

// RecordRejection counts rejected incoming replication
func (m *Metrics) RecordRejection(database, source string) {
	m.replicationRejected.WithLabelValues(database, source).Inc()
}

// RecordFailover counts a request that moved to another node
func (m *Metrics) RecordFailover(database string) {
	m.failovers.WithLabelValues(database).Inc()
}

// RecordTopologyUpdate counts an accepted or ignored topology
func (m *Metrics) RecordTopologyUpdate(database string, accepted bool) {
	result := "ignored"
	if accepted {
		result = "accepted"
	}
	m.topologyUpdates.WithLabelValues(database, result).Inc()
}

// RecordHTTPRequest records a served HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, seconds float64) {
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
