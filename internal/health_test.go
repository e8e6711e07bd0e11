package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func staticCheck(status HealthStatus) HealthCheck {
	return func(context.Context) ComponentHealth {
		return CreateComponentHealth(status, string(status))
	}
}

func TestHealthCheckerAggregation(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]HealthStatus
		want   HealthStatus
	}{
		{"empty", nil, StatusUp},
		{"all up", map[string]HealthStatus{"a": StatusUp, "b": StatusUp}, StatusUp},
		{"degraded", map[string]HealthStatus{"a": StatusUp, "b": StatusDegraded}, StatusDegraded},
		{"down wins", map[string]HealthStatus{"a": StatusDown, "b": StatusDegraded}, StatusDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			for name, status := range tt.checks {
				h.Register(name, staticCheck(status))
			}

			health := h.Run(context.Background())
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.checks))
			assert.Equal(t, tt.want, h.Status())
		})
	}
}

func TestHealthSnapshotIsCopy(t *testing.T) {
	h := NewHealthChecker()
	h.Register("a", staticCheck(StatusUp))
	h.Run(context.Background())

	snap := h.Health()
	delete(snap.Components, "a")
	assert.Contains(t, h.Health().Components, "a")
}

func TestHealthHandler(t *testing.T) {
	h := NewHealthChecker()
	h.Register("db", staticCheck(StatusDown))

	rec := httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health?check=true", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, StatusDown, health.Status)
	assert.Equal(t, StatusDown, health.Components["db"].Status)
}

func TestPingHealthCheck(t *testing.T) {
	up := PingHealthCheck("redis", fakePinger{})(context.Background())
	assert.Equal(t, StatusUp, up.Status)

	down := PingHealthCheck("redis", fakePinger{err: errors.New("refused")})(context.Background())
	assert.Equal(t, StatusDegraded, down.Status)
	assert.Equal(t, "refused", down.Details["error"])
}

func TestStreamHealthCheck(t *testing.T) {
	clock := newFakeClock()
	collector := NewLatencyCollector(clock.Now)
	settings := testAlertSettings()
	check := StreamHealthCheck(collector, func() AlertSettings { return settings })

	assert.Equal(t, StatusUp, check(context.Background()).Status)

	collector.PacketLoss(int64(settings.PacketLossThreshold))
	clock.Advance(time.Second)
	health := check(context.Background())
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Contains(t, health.Message, "packets lost")

	for range settings.FecFailureThreshold {
		collector.FecFailure()
	}
	clock.Advance(time.Second)
	health = check(context.Background())
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Contains(t, health.Message, "failed reconstruction")

	clock.Advance(time.Second)
	assert.Equal(t, StatusUp, check(context.Background()).Status)
}

func TestSessionHealthCheck(t *testing.T) {
	clock := newFakeClock()
	s, err := NewSession(testSessionConfig(0, time.Second),
		WithClock(clock.Now),
		WithLogger(logr.Discard()),
		WithCodecFactory(NewReedSolomonCodecs().Factory()),
	)
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, s.State())

	health := SessionHealthCheck(s)(context.Background())
	assert.Equal(t, StatusDegraded, health.Status)
	assert.Equal(t, "0", health.Details["eventsDropped"])
}
