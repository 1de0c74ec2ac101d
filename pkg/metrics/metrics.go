// Package metrics exposes the detector's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	filesRegisteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_files_registered_total",
		Help: "Files submitted for registration by result.",
	}, []string{"result"})

	predictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_predictions_total",
		Help: "Predictions by verdict (anomalous, normal, insufficient_data, error).",
	}, []string{"verdict"})

	anomalyScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileguard_anomaly_score",
		Help:    "Outlier scores returned by the current model.",
		Buckets: prometheus.LinearBuckets(0.3, 0.05, 12),
	})

	trainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_trainings_total",
		Help: "Training attempts by result.",
	}, []string{"result"})

	trainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileguard_training_duration_seconds",
		Help:    "Time spent fitting the model.",
		Buckets: prometheus.DefBuckets,
	})

	trainingSamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fileguard_training_samples",
		Help: "Feature samples held by the profile.",
	})

	reputationLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_reputation_lookups_total",
		Help: "Reputation resolutions by outcome (hit, known, unknown, failed).",
	}, []string{"outcome"})

	sweepFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_sweep_files_total",
		Help: "Files handled by monitors by monitor and result.",
	}, []string{"monitor", "result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileguard_http_requests_total",
		Help: "HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fileguard_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func RecordRegistration(result string) {
	filesRegisteredTotal.WithLabelValues(result).Inc()
}

func RecordPrediction(verdict string) {
	predictionsTotal.WithLabelValues(verdict).Inc()
}

func ObserveScore(score float64) {
	anomalyScore.Observe(score)
}

// RecordTraining records one training attempt and its duration.
func RecordTraining(success bool, d time.Duration) {
	if success {
		trainingsTotal.WithLabelValues("success").Inc()
	} else {
		trainingsTotal.WithLabelValues("failure").Inc()
	}
	trainingDuration.Observe(d.Seconds())
}

func SetTrainingSamples(n int) {
	trainingSamples.Set(float64(n))
}

func RecordReputation(outcome string) {
	reputationLookupsTotal.WithLabelValues(outcome).Inc()
}

func RecordMonitorFile(monitor, result string) {
	sweepFilesTotal.WithLabelValues(monitor, result).Inc()
}

// Middleware returns a Gin middleware that records per-request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
