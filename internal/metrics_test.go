package internal

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncrementReceived(PacketTypeVideoFrame, 100)
		m.IncrementDropped("x")
		m.IncrementFecOutcome(FecAccepted)
		m.SetSessionState(StateConnected)
		m.SetClock(time.Second, time.Millisecond)
		m.ObserveSnapshot(TelemetrySnapshot{})
		m.MeasureOperation("op", time.Now())
	})
}

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()
	m.IncrementReceived(PacketTypeVideoFrame, 1000)
	m.IncrementReceived(PacketTypeVideoFrame, 400)
	m.IncrementSent(PacketTypeTimeSync)
	m.IncrementDropped("malformed")
	m.IncrementFecOutcome(FecDuplicateIgnored)
	m.IncrementFramesDelivered()
	m.SetSessionState(StateConnected)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.packetsReceived.WithLabelValues("video_frame")))
	assert.Equal(t, float64(1400), testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.packetsSent.WithLabelValues("time_sync")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.packetsDropped.WithLabelValues("malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.fecOutcomes.WithLabelValues("duplicate_ignored")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.framesDelivered))
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(m.sessionState))
}

func TestMetricsObserveSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveSnapshot(TelemetrySnapshot{
		TotalLatency:        LatencyStats{Average: 25_000, Max: 40_000, Min: 10_000, Count: 3},
		PacketsLostInSecond: 4,
		PacketsLostTotal:    9,
		FramesInSecond:      72,
	})

	assert.Equal(t, 0.025, testutil.ToFloat64(m.latency.WithLabelValues("total", "avg")))
	assert.Equal(t, 0.04, testutil.ToFloat64(m.latency.WithLabelValues("total", "max")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.packetsLost))
	assert.Equal(t, float64(9), testutil.ToFloat64(m.packetsLostAll))
	assert.Equal(t, float64(72), testutil.ToFloat64(m.fps))
}

func TestMetricsObserveErrors(t *testing.T) {
	m := NewMetrics()
	m.ObserveErrors()
	t.Cleanup(func() { SetErrorObserver(nil) })

	NewError(errors.New("boom"), ErrCodeFEC, "test", "op")
	NewError(errors.New("boom"), ErrCodeFEC, "test", "op")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.errors.WithLabelValues(ErrCodeFEC)))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.IncrementConnections()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vrlink_connections_total 1")
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
