package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Alert kinds
const (
	AlertPacketLoss = "packet_loss"
	AlertFecFailure = "fec_failure"
	AlertLatency    = "latency"
	AlertLowFPS     = "low_fps"
)

// StreamAlert is a threshold crossing detected on a closed telemetry second.
type StreamAlert struct {
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
}

// AlertMonitor checks telemetry snapshots against the alert thresholds.
type AlertMonitor struct {
	mu       sync.RWMutex
	settings AlertSettings
	history  []StreamAlert
	lastSent map[string]time.Time
	sentHour []time.Time
	metrics  *Metrics
	now      Clock
	logger   logr.Logger
}

// NewAlertMonitor creates a monitor. metrics may be nil.
func NewAlertMonitor(settings AlertSettings, metrics *Metrics, now Clock) *AlertMonitor {
	if now == nil {
		now = time.Now
	}
	return &AlertMonitor{
		settings: settings,
		lastSent: make(map[string]time.Time),
		metrics:  metrics,
		now:      now,
		logger:   NewLogger("alerts"),
	}
}

// Evaluate checks one closed second. Low FPS only fires while connected.
// It returns the alerts that were raised.
func (a *AlertMonitor) Evaluate(sessionID string, snap TelemetrySnapshot, connected bool) []StreamAlert {
	a.mu.RLock()
	cfg := a.settings
	a.mu.RUnlock()

	var raised []StreamAlert
	check := func(kind, desc string, value, threshold float64) {
		if alert, ok := a.trigger(sessionID, kind, desc, value, threshold); ok {
			raised = append(raised, alert)
		}
	}

	if cfg.PacketLossThreshold > 0 && snap.PacketsLostInSecond >= cfg.PacketLossThreshold {
		check(AlertPacketLoss, "high packet loss",
			float64(snap.PacketsLostInSecond), float64(cfg.PacketLossThreshold))
	}
	if cfg.FecFailureThreshold > 0 && snap.FecFailuresInSecond >= cfg.FecFailureThreshold {
		check(AlertFecFailure, "frames lost after FEC",
			float64(snap.FecFailuresInSecond), float64(cfg.FecFailureThreshold))
	}
	if cfg.LatencyThresholdMs > 0 && snap.TotalLatency.Count > 0 {
		avgMs := float64(snap.TotalLatency.Average) / 1000
		if avgMs > float64(cfg.LatencyThresholdMs) {
			check(AlertLatency, "high motion-to-photon latency", avgMs, float64(cfg.LatencyThresholdMs))
		}
	}
	if connected && cfg.MinFPS > 0 && snap.FramesInSecond < cfg.MinFPS {
		check(AlertLowFPS, "frame rate below minimum",
			float64(snap.FramesInSecond), float64(cfg.MinFPS))
	}
	return raised
}

// trigger records an alert unless its kind is cooling down or the hourly
// budget is spent.
func (a *AlertMonitor) trigger(sessionID, kind, desc string, value, threshold float64) (StreamAlert, bool) {
	now := a.now()

	a.mu.Lock()
	cfg := a.settings
	if last, ok := a.lastSent[kind]; ok && now.Sub(last) < time.Duration(cfg.AlertInterval)*time.Second {
		a.mu.Unlock()
		return StreamAlert{}, false
	}

	cutoff := now.Add(-time.Hour)
	kept := a.sentHour[:0]
	for _, t := range a.sentHour {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.sentHour = kept
	if cfg.MaxAlertsPerHour > 0 && len(a.sentHour) >= cfg.MaxAlertsPerHour {
		a.mu.Unlock()
		return StreamAlert{}, false
	}

	alert := StreamAlert{
		Timestamp:   now,
		SessionID:   sessionID,
		Type:        kind,
		Description: desc,
		Value:       value,
		Threshold:   threshold,
	}
	a.lastSent[kind] = now
	a.sentHour = append(a.sentHour, now)
	a.history = append(a.history, alert)
	if limit := max(cfg.AlertHistory, 1); len(a.history) > limit {
		a.history = a.history[len(a.history)-limit:]
	}
	a.mu.Unlock()

	a.metrics.IncrementAlert(kind)
	a.logger.Info("ALERT", "type", kind, "description", desc,
		"value", fmt.Sprintf("%.2f", value), "threshold", fmt.Sprintf("%.2f", threshold))
	return alert, true
}

// Alerts returns the alert history, oldest first.
func (a *AlertMonitor) Alerts() []StreamAlert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]StreamAlert, len(a.history))
	copy(out, a.history)
	return out
}

// Settings returns the current thresholds.
func (a *AlertMonitor) Settings() AlertSettings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// UpdateThresholds updates alert thresholds dynamically
func (a *AlertMonitor) UpdateThresholds(settings AlertSettings) {
	a.mu.Lock()
	a.settings = settings
	a.mu.Unlock()

	a.logger.Info("updated stream alert thresholds")
}

// Handler serves the alert history.
func (a *AlertMonitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.Alerts())
	}
}
