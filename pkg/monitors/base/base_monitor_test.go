package base

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lucid-vigil/fileguard/pkg/testutil"
)

func TestBaseMonitor_Status(t *testing.T) {
	capture, logger := testutil.NewLogCapture()
	b := NewBaseMonitor("sweep", logger)
	assert.Equal(t, "sweep", b.Name())

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b.RecordRun(started, errors.New("walk failed"))
	b.UpdateMetrics("files", 3)

	s := b.Status()
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, started, s.LastRun)
	assert.Equal(t, "walk failed", s.LastError)
	assert.Equal(t, 3, s.Metrics["files"])

	s.Metrics["files"] = 99
	assert.Equal(t, 3, b.Status().Metrics["files"])

	b.RecordRun(started.Add(time.Minute), nil)
	assert.NoError(t, b.GetLastError())
	assert.Empty(t, b.Status().LastError)

	b.Logger().Info().Msg("hello")
	assert.True(t, capture.Contains(`"monitor":"sweep"`))
}
