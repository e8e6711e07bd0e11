package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	collector *LatencyCollector
}

func (f fakeStats) Status() SessionStatus {
	return SessionStatus{SessionID: "abc", State: "connected", Peer: "10.0.0.2:9944"}
}

func (f fakeStats) Collector() *LatencyCollector { return f.collector }

type fakeHistory struct {
	records []SessionRecord
	err     error
	limit   int
}

func (f *fakeHistory) RecentSessions(_ context.Context, limit int) ([]SessionRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func newTestStore(t *testing.T) *ConfigStore {
	t.Helper()
	cfg := DefaultConfig()
	return NewConfigStore(&cfg, filepath.Join(t.TempDir(), "config.json"))
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestConfigStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	level := "debug"
	enabled := true

	cfg, err := store.Update(ConfigUpdate{LogLevel: &level, CaptureEnabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, store.Get().Capture.Enabled)

	saved, err := LoadConfig(store.path)
	require.NoError(t, err)
	assert.Equal(t, "debug", saved.LogLevel)
}

func TestConfigStoreRejectsInvalidUpdate(t *testing.T) {
	store := newTestStore(t)
	enabled := true
	store.cfg.Capture.Path = ""

	_, err := store.Update(ConfigUpdate{CaptureEnabled: &enabled})
	require.Error(t, err)

	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, ErrCodeConfiguration, linkErr.Code)
	assert.False(t, store.Get().Capture.Enabled)
}

func TestAPIConfigRoutes(t *testing.T) {
	store := newTestStore(t)
	var hooked []Config
	mux := NewAPIServer(store, nil, WithAPIUpdateHook(func(c Config) { hooked = append(hooked, c) })).Routes()

	rec := serve(t, mux, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, DefaultHelloPort, cfg.Transport.HelloPort)

	rec = serve(t, mux, http.MethodPost, "/config/update", `{"alert_settings": {"packet_loss_threshold": 5, "min_fps": 60}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, hooked, 1)
	assert.Equal(t, uint64(5), hooked[0].AlertSettings.PacketLossThreshold)
	assert.Equal(t, uint64(60), store.Get().AlertSettings.MinFPS)

	rec = serve(t, mux, http.MethodPost, "/config/update", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, mux, http.MethodDelete, "/config", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPIStats(t *testing.T) {
	clock := newFakeClock()
	collector := NewLatencyCollector(clock.Now)
	collector.PacketLoss(4)
	clock.Advance(time.Second)

	pool := NewWorkerPool(1, 4, nil)
	mux := NewAPIServer(newTestStore(t), fakeStats{collector}, WithAPIWorkers(pool)).Routes()

	rec := serve(t, mux, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Session)
	assert.Equal(t, "abc", resp.Session.SessionID)
	require.NotNil(t, resp.Telemetry)
	assert.Equal(t, uint64(4), resp.Telemetry.PacketsLostInSecond)
	assert.Contains(t, resp.Workers, "events_processed")
}

func TestAPISessions(t *testing.T) {
	history := &fakeHistory{records: []SessionRecord{{SessionID: "one", Peer: "10.0.0.2:9944"}}}
	mux := NewAPIServer(newTestStore(t), nil, WithAPIHistory(history)).Routes()

	rec := serve(t, mux, http.MethodGet, "/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, history.limit)
	var records []SessionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "one", records[0].SessionID)

	rec = serve(t, mux, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, history.limit)

	assert.Equal(t, http.StatusBadRequest, serve(t, mux, http.MethodGet, "/sessions?limit=0", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, mux, http.MethodGet, "/sessions?limit=5000", "").Code)

	history.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, serve(t, mux, http.MethodGet, "/sessions", "").Code)
}

func TestAPISessionsDisabled(t *testing.T) {
	mux := NewAPIServer(newTestStore(t), nil).Routes()
	assert.Equal(t, http.StatusNotFound, serve(t, mux, http.MethodGet, "/sessions", "").Code)
}

func TestAPIHealthAndAlerts(t *testing.T) {
	health := NewHealthChecker()
	health.Register("db", func(context.Context) ComponentHealth {
		return CreateComponentHealth(StatusDown, "gone")
	})
	alerts := NewAlertMonitor(testAlertSettings(), nil, newFakeClock().Now)

	mux := NewAPIServer(newTestStore(t), nil, WithAPIHealth(health), WithAPIAlerts(alerts)).Routes()

	assert.Equal(t, http.StatusOK, serve(t, mux, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, mux, http.MethodGet, "/health?check=true", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, mux, http.MethodGet, "/alerts", "").Code)
}
