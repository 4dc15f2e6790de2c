// Package metrics provides Prometheus metrics for replimesh instances.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all replimesh metrics.
var Registry = prometheus.NewRegistry()

// ReplicationMetrics holds all Prometheus metrics for one instance. All methods are safe
// to call on a nil receiver so components can run without metrics.
type ReplicationMetrics struct {
	// Sender side (labels: destination)
	MessagesSent    *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	SendsCancelled  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	BackoffSeconds  *prometheus.GaugeVec
	DispatchedTotal prometheus.Counter

	// Receiver side (labels: type, result)
	MessagesReceived   *prometheus.CounterVec
	MessagesHandled    *prometheus.CounterVec
	ReceiverQueueDepth prometheus.Gauge

	// Store errors (labels: store, op)
	StoreErrors *prometheus.CounterVec

	// Registry (labels: status)
	Instances *prometheus.GaugeVec

	// HTTP endpoints (labels: endpoint, code)
	Requests *prometheus.CounterVec

	InstanceInfo *prometheus.GaugeVec // labels: uri, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the instance name as a constant label.
func InitMetrics(instanceName, instanceURI, version string) *ReplicationMetrics {
	constLabels := prometheus.Labels{
		"instance_name": instanceName,
	}

	m := &ReplicationMetrics{
		MessagesSent: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_messages_sent_total",
			Help:        "Messages delivered to a destination",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		SendFailures: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_send_failures_total",
			Help:        "Failed delivery attempts per destination",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		SendsCancelled: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_sends_cancelled_total",
			Help:        "Deliveries vetoed by a before-send subscriber",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		QueueDepth: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_destination_queue_depth",
			Help:        "Messages waiting in a destination queue",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		BackoffSeconds: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_destination_backoff_seconds",
			Help:        "Current retry delay for a destination (0 when healthy)",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		DispatchedTotal: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "replimesh_messages_dispatched_total",
			Help:        "Outbound messages persisted and fanned out to destination queues",
			ConstLabels: constLabels,
		}),
		MessagesReceived: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_messages_received_total",
			Help:        "Inbound messages accepted by the receiver",
			ConstLabels: constLabels,
		}, []string{"type"}),
		MessagesHandled: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_messages_handled_total",
			Help:        "Inbound messages processed by a handler",
			ConstLabels: constLabels,
		}, []string{"type", "result"}),
		ReceiverQueueDepth: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "replimesh_receiver_queue_depth",
			Help:        "Inbound messages waiting for a handler",
			ConstLabels: constLabels,
		}),
		StoreErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_store_errors_total",
			Help:        "Durable message store failures",
			ConstLabels: constLabels,
		}, []string{"store", "op"}),
		Instances: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_instances",
			Help:        "Known instances by trust status",
			ConstLabels: constLabels,
		}, []string{"status"}),
		Requests: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "replimesh_http_requests_total",
			Help:        "Replication endpoint requests by response code",
			ConstLabels: constLabels,
		}, []string{"endpoint", "code"}),
		InstanceInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "replimesh_instance_info",
			Help:        "Instance information",
			ConstLabels: constLabels,
		}, []string{"uri", "version"}),
	}

	m.InstanceInfo.WithLabelValues(instanceURI, version).Set(1)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Sent records a successful delivery.
func (m *ReplicationMetrics) Sent(destination string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(destination).Inc()
	m.BackoffSeconds.WithLabelValues(destination).Set(0)
}

// SendFailed records a failed delivery attempt and the delay before the next one.
func (m *ReplicationMetrics) SendFailed(destination string, backoff time.Duration) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(destination).Inc()
	m.BackoffSeconds.WithLabelValues(destination).Set(backoff.Seconds())
}

// SendCancelled records a vetoed delivery.
func (m *ReplicationMetrics) SendCancelled(destination string) {
	if m == nil {
		return
	}
	m.SendsCancelled.WithLabelValues(destination).Inc()
}

// SetQueueDepth updates the number of messages waiting for destination.
func (m *ReplicationMetrics) SetQueueDepth(destination string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(destination).Set(float64(n))
}

// Dispatched records a message fanned out by the dispatch worker.
func (m *ReplicationMetrics) Dispatched() {
	if m == nil {
		return
	}
	m.DispatchedTotal.Inc()
}

// Received records an accepted inbound message.
func (m *ReplicationMetrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// Handled records the outcome of a handler run.
func (m *ReplicationMetrics) Handled(msgType string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.MessagesHandled.WithLabelValues(msgType, result).Inc()
}

// SetReceiverQueueDepth updates the inbound backlog.
func (m *ReplicationMetrics) SetReceiverQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ReceiverQueueDepth.Set(float64(n))
}

// StoreError records a durable store failure.
func (m *ReplicationMetrics) StoreError(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}

// SetInstances replaces the per-status instance counts.
func (m *ReplicationMetrics) SetInstances(counts map[string]int) {
	if m == nil {
		return
	}
	m.Instances.Reset()
	for status, n := range counts {
		m.Instances.WithLabelValues(status).Set(float64(n))
	}
}

// Request records an endpoint response.
func (m *ReplicationMetrics) Request(endpoint string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}
