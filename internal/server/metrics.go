package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for Prometheus
var (
	videosTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortvid_videos_total",
		Help: "Total number of videos in database",
	})

	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortvid_uploads_total",
		Help: "Total number of upload requests",
	}, []string{"status"})

	transcodesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortvid_transcodes_total",
		Help: "Total number of transcode job outcomes",
	}, []string{"status"})

	transcodeDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "shortvid_transcode_duration_seconds",
		Help:    "Duration of transcode jobs in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})

	indexSyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortvid_index_syncs_total",
		Help: "Total number of search index sync operations",
	}, []string{"op", "status"})

	searchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortvid_searches_total",
		Help: "Total number of search requests",
	}, []string{"backend"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortvid_errors_total",
		Help: "Total number of errors",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(videosTotal)
	prometheus.MustRegister(uploadsTotal)
	prometheus.MustRegister(transcodesTotal)
	prometheus.MustRegister(transcodeDurationSeconds)
	prometheus.MustRegister(indexSyncsTotal)
	prometheus.MustRegister(searchesTotal)
	prometheus.MustRegister(errorsTotal)
}

// UpdateVideoCount updates the videos_total metric
func UpdateVideoCount(count int64) {
	videosTotal.Set(float64(count))
}

// RecordUpload records an upload request metric
func RecordUpload(status string) {
	uploadsTotal.WithLabelValues(status).Inc()
}

// RecordTranscode records a transcode outcome metric
func RecordTranscode(status string) {
	transcodesTotal.WithLabelValues(status).Inc()
}

// ObserveTranscodeDuration records the duration of a transcode job
func ObserveTranscodeDuration(duration time.Duration) {
	transcodeDurationSeconds.Observe(duration.Seconds())
}

// RecordIndexSync records a search index sync metric
func RecordIndexSync(op string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	indexSyncsTotal.WithLabelValues(op, status).Inc()
}

// RecordSearch records which backend served a search request
func RecordSearch(backend string) {
	searchesTotal.WithLabelValues(backend).Inc()
}

// RecordError records an error metric
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
