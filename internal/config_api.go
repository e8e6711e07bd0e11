package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ConfigStore holds the live configuration and its file.
type ConfigStore struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewConfigStore wraps a loaded configuration.
func NewConfigStore(cfg *Config, path string) *ConfigStore {
	return &ConfigStore{cfg: *cfg, path: path}
}

// Get returns a copy of the configuration.
func (s *ConfigStore) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Replace swaps the configuration after a reload.
func (s *ConfigStore) Replace(cfg *Config) {
	s.mu.Lock()
	s.cfg = *cfg
	s.mu.Unlock()
}

// ConfigUpdate carries the fields that can change without a restart.
type ConfigUpdate struct {
	AlertSettings  *AlertSettings `json:"alert_settings,omitempty"`
	CaptureEnabled *bool          `json:"capture_enabled,omitempty"`
	LogLevel       *string        `json:"log_level,omitempty"`
}

// Update validates and applies u, then persists the result.
func (s *ConfigStore) Update(u ConfigUpdate) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if u.AlertSettings != nil {
		next.AlertSettings = *u.AlertSettings
	}
	if u.CaptureEnabled != nil {
		next.Capture.Enabled = *u.CaptureEnabled
	}
	if u.LogLevel != nil {
		next.LogLevel = *u.LogLevel
	}
	if err := ValidateConfig(&next); err != nil {
		return s.cfg, NewError(err, ErrCodeConfiguration, "api", "validate")
	}
	next.LastUpdated = time.Now()

	if s.path != "" {
		if err := SaveConfig(s.path, &next); err != nil {
			return s.cfg, NewError(err, ErrCodeIO, "api", "save")
		}
	}
	s.cfg = next
	return next, nil
}

// StatsSource reports live session and pipeline state.
type StatsSource interface {
	Status() SessionStatus
	Collector() *LatencyCollector
}

// SessionHistory lists past connections.
type SessionHistory interface {
	RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error)
}

// APIServer serves the local management endpoints.
type APIServer struct {
	store    *ConfigStore
	stats    StatsSource
	workers  *WorkerPool
	alerts   *AlertMonitor
	health   *HealthChecker
	history  SessionHistory
	onUpdate func(Config)
	logger   logr.Logger
}

// APIOption customizes an APIServer.
type APIOption func(*APIServer)

func WithAPIWorkers(p *WorkerPool) APIOption {
	return func(a *APIServer) { a.workers = p }
}

func WithAPIAlerts(m *AlertMonitor) APIOption {
	return func(a *APIServer) { a.alerts = m }
}

func WithAPIHealth(h *HealthChecker) APIOption {
	return func(a *APIServer) { a.health = h }
}

func WithAPIHistory(h SessionHistory) APIOption {
	return func(a *APIServer) { a.history = h }
}

// WithAPIUpdateHook is called after every accepted configuration update.
func WithAPIUpdateHook(fn func(Config)) APIOption {
	return func(a *APIServer) { a.onUpdate = fn }
}

// NewAPIServer creates the API. stats may be nil until a session exists.
func NewAPIServer(store *ConfigStore, stats StatsSource, opts ...APIOption) *APIServer {
	a := &APIServer{store: store, stats: stats, logger: NewLogger("api")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes registers the API endpoints.
func (a *APIServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /config", a.getConfig)
	mux.HandleFunc("POST /config/update", a.updateConfig)
	mux.HandleFunc("GET /stats", a.getStats)
	mux.HandleFunc("GET /sessions", a.getSessions)
	if a.alerts != nil {
		mux.Handle("GET /alerts", a.alerts.Handler())
	}
	if a.health != nil {
		mux.Handle("GET /health", a.health.Handler())
	}

	return mux
}

func (a *APIServer) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Get())
}

func (a *APIServer) updateConfig(w http.ResponseWriter, r *http.Request) {
	var u ConfigUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	cfg, err := a.store.Update(u)
	if err != nil {
		a.logger.Error(err, "configuration update rejected")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.onUpdate != nil {
		a.onUpdate(cfg)
	}

	a.logger.Info("configuration updated via api")
	writeJSON(w, http.StatusOK, map[string]string{"status": "configuration updated"})
}

type statsResponse struct {
	Session   *SessionStatus     `json:"session,omitempty"`
	Telemetry *TelemetrySnapshot `json:"telemetry,omitempty"`
	Workers   map[string]uint64  `json:"workers,omitempty"`
}

func (a *APIServer) getStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	if a.stats != nil {
		st := a.stats.Status()
		snap := a.stats.Collector().Snapshot()
		resp.Session = &st
		resp.Telemetry = &snap
	}
	if a.workers != nil {
		resp.Workers = a.workers.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *APIServer) getSessions(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session history disabled"})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := a.history.RecentSessions(r.Context(), limit)
	if err != nil {
		a.logger.Error(err, "failed to list sessions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list sessions"})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
