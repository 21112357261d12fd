// Package metrics provides Prometheus metrics for photosync components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// uploadsTotal counts image upload attempts.
	// Labels:
	//   - result: "success", "rejected" (non-2xx), "transport_error", "encode_error"
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photosync_uploads_total",
			Help: "Total number of image upload attempts",
		},
		[]string{"result"},
	)

	uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "photosync_upload_duration_seconds",
			Help:    "Duration of a single encode and upload in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// countReportsTotal counts image count reports.
	// Labels:
	//   - result: "success", "failed", "no_endpoint", "skipped"
	countReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photosync_count_reports_total",
			Help: "Total number of image count reports",
		},
		[]string{"result"},
	)

	discoveryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "photosync_discovery_events_total",
			Help: "Total number of service discovery events by kind",
		},
		[]string{"kind"},
	)

	endpointKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photosync_endpoint_known",
			Help: "1 while a server endpoint is resolved, 0 otherwise",
		},
	)

	transferActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "photosync_transfer_active",
			Help: "1 while the transfer pipeline is running, 0 otherwise",
		},
	)

	receivedImagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photosync_receiver_images_total",
			Help: "Total number of images stored by the receiver",
		},
	)

	receivedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "photosync_receiver_bytes_total",
			Help: "Total number of image bytes stored by the receiver",
		},
	)
)

func init() {
	prometheus.MustRegister(
		uploadsTotal,
		uploadDuration,
		countReportsTotal,
		discoveryEventsTotal,
		endpointKnown,
		transferActive,
		receivedImagesTotal,
		receivedBytesTotal,
	)
}

// RecordUpload records the outcome and duration of one pipeline item.
func RecordUpload(result string, seconds float64) {
	uploadsTotal.WithLabelValues(result).Inc()
	uploadDuration.Observe(seconds)
}

// RecordCountReport records the outcome of an image count report.
func RecordCountReport(result string) {
	countReportsTotal.WithLabelValues(result).Inc()
}

// RecordDiscoveryEvent records a discovery event of the given kind.
func RecordDiscoveryEvent(kind string) {
	discoveryEventsTotal.WithLabelValues(kind).Inc()
}

// SetEndpointKnown publishes whether an endpoint is currently resolved.
func SetEndpointKnown(known bool) {
	endpointKnown.Set(boolToFloat(known))
}

// SetTransferActive publishes the transfer pipeline state.
func SetTransferActive(active bool) {
	transferActive.Set(boolToFloat(active))
}

// RecordReceivedImage records an image stored by the receiver.
func RecordReceivedImage(size int64) {
	receivedImagesTotal.Inc()
	receivedBytesTotal.Add(float64(size))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
