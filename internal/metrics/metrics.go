package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the pipeline metrics
type Metrics struct {
	// Fulfillment metrics
	FulfillmentTotal    *prometheus.CounterVec
	FulfillmentDuration *prometheus.HistogramVec

	// Manifest parsing metrics
	ParseTotal *prometheus.CounterVec

	// License check metrics
	LicenseCheckTotal *prometheus.CounterVec

	// Download task metrics
	DownloadTotal *prometheus.CounterVec

	// Session lifecycle metrics
	SessionStateTotal *prometheus.CounterVec

	// Storage operation metrics (manifest cache, status journal)
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics instance, creating and
// registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		FulfillmentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_fulfillment_total",
			Help: "Total number of fulfillment strategy executions",
		}, []string{"strategy", "status"}),

		FulfillmentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiobook_fulfillment_duration_seconds",
			Help:    "Fulfillment strategy execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy", "status"}),

		ParseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_manifest_parse_total",
			Help: "Total number of manifest parse attempts",
		}, []string{"status"}),

		LicenseCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_license_check_total",
			Help: "Total number of license verifier runs",
		}, []string{"verifier", "result"}),

		DownloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_download_total",
			Help: "Total number of spine element download events",
		}, []string{"outcome"}),

		SessionStateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_session_state_total",
			Help: "Total number of session state transitions",
		}, []string{"state"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_storage_operations_total",
			Help: "Total number of storage operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiobook_storage_operation_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audiobook_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiobook_event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.FulfillmentTotal)
	registerOrGet(m.FulfillmentDuration)
	registerOrGet(m.ParseTotal)
	registerOrGet(m.LicenseCheckTotal)
	registerOrGet(m.DownloadTotal)
	registerOrGet(m.SessionStateTotal)
	registerOrGet(m.StorageOperationTotal)
	registerOrGet(m.StorageOperationDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveFulfillment records one strategy execution.
func (m *Metrics) ObserveFulfillment(strategy string, err error, d time.Duration) {
	status := statusLabel(err)
	m.FulfillmentTotal.WithLabelValues(strategy, status).Inc()
	m.FulfillmentDuration.WithLabelValues(strategy, status).Observe(d.Seconds())
}

// ObserveParse records one manifest parse.
func (m *Metrics) ObserveParse(err error) {
	m.ParseTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveLicenseCheck records one verifier outcome.
func (m *Metrics) ObserveLicenseCheck(verifier string, passed bool) {
	result := "pass"
	if !passed {
		result = "fail"
	}
	m.LicenseCheckTotal.WithLabelValues(verifier, result).Inc()
}

// ObserveDownload records a download event: started, completed, failed or deleted.
func (m *Metrics) ObserveDownload(outcome string) {
	m.DownloadTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionState records a session entering state.
func (m *Metrics) ObserveSessionState(state string) {
	m.SessionStateTotal.WithLabelValues(state).Inc()
}

// ObserveStorage records a cache or journal operation.
func (m *Metrics) ObserveStorage(operation string, err error, d time.Duration) {
	status := statusLabel(err)
	m.StorageOperationTotal.WithLabelValues(operation, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// ObservePublish records an event publish.
func (m *Metrics) ObservePublish(eventType string, err error, d time.Duration) {
	status := statusLabel(err)
	m.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	m.EventPublishDuration.WithLabelValues(eventType, status).Observe(d.Seconds())
}
