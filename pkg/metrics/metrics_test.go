package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/metrics", Handler())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	RecordPrediction("anomalous")
	RecordTraining(false, 10*time.Millisecond)
	RecordReputation("hit")
	RecordMonitorFile("directory_sweep", "registered")
	SetTrainingSamples(150)
	ObserveScore(0.8)

	body := scrape(t, r)
	assert.Contains(t, body, `fileguard_http_requests_total{method="GET",path="/ping",status="200"}`)
	assert.Contains(t, body, `fileguard_predictions_total{verdict="anomalous"}`)
	assert.Contains(t, body, `fileguard_trainings_total{result="failure"}`)
	assert.Contains(t, body, `fileguard_reputation_lookups_total{outcome="hit"}`)
	assert.Contains(t, body, `fileguard_sweep_files_total{monitor="directory_sweep",result="registered"}`)
	assert.Contains(t, body, "fileguard_training_samples 150")
	assert.Contains(t, body, "fileguard_anomaly_score_count")
}
