package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// HealthStatus represents the health of a component
type HealthStatus string

const (
	// StatusUp indicates the component is healthy
	StatusUp HealthStatus = "UP"

	// StatusDown indicates the component is unhealthy
	StatusDown HealthStatus = "DOWN"

	// StatusDegraded indicates the component is functioning but degraded
	StatusDegraded HealthStatus = "DEGRADED"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status      HealthStatus      `json:"status"`
	Details     map[string]string `json:"details,omitempty"`
	Message     string            `json:"message,omitempty"`
	LastChecked time.Time         `json:"lastChecked"`
}

// SystemHealth represents the overall health of the system
type SystemHealth struct {
	Status     HealthStatus               `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
}

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// HealthChecker runs registered checks and keeps the last result.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	health  SystemHealth
	started time.Time
	logger  logr.Logger
}

// NewHealthChecker creates a checker with no components.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]HealthCheck),
		health: SystemHealth{
			Status:     StatusUp,
			Components: make(map[string]ComponentHealth),
			Version:    ClientVersion,
		},
		started: time.Now(),
		logger:  NewLogger("health"),
	}
}

// Register registers a health check for a component
func (h *HealthChecker) Register(component string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[component] = check
	h.logger.V(1).Info("registered health check", "component", component)
}

// Run executes all registered health checks
func (h *HealthChecker) Run(ctx context.Context) SystemHealth {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()
	sort.Strings(names)

	components := make(map[string]ComponentHealth, len(names))
	overall := StatusUp
	for _, name := range names {
		health := checks[name](ctx)
		components[name] = health

		if health.Status == StatusDown {
			overall = StatusDown
		} else if health.Status == StatusDegraded && overall != StatusDown {
			overall = StatusDegraded
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.health.Components = components
	h.health.Status = overall
	h.health.Uptime = time.Since(h.started).Round(time.Second).String()
	return h.snapshotLocked()
}

// Start periodically runs the health checks until ctx is done.
func (h *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, interval)
				h.Run(checkCtx)
				cancel()
			}
		}
	}()
	h.logger.Info("started health checker", "interval", interval.String())
}

// Status returns the overall status of the last run.
func (h *HealthChecker) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.health.Status
}

// Health returns the last full report.
func (h *HealthChecker) Health() SystemHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

func (h *HealthChecker) snapshotLocked() SystemHealth {
	out := h.health
	out.Components = make(map[string]ComponentHealth, len(h.health.Components))
	for k, v := range h.health.Components {
		out.Components[k] = v
	}
	return out
}

// Handler creates an HTTP handler for health checks. ?check=true runs the
// checks before answering.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var health SystemHealth
		if r.URL.Query().Get("check") == "true" {
			health = h.Run(r.Context())
		} else {
			health = h.Health()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			// degraded still answers 200
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(health)
	}
}

// CreateComponentHealth creates a component health status
func CreateComponentHealth(status HealthStatus, message string) ComponentHealth {
	return ComponentHealth{
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
		Details:     make(map[string]string),
	}
}

// SessionHealthCheck reports the transport session. Searching for a host is
// degraded, a closed session is down.
func SessionHealthCheck(s *Session) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		st := s.Status()

		var health ComponentHealth
		switch s.State() {
		case StateConnected:
			health = CreateComponentHealth(StatusUp, "streaming from host")
		case StateClosed:
			health = CreateComponentHealth(StatusDown, "session closed")
		default:
			health = CreateComponentHealth(StatusDegraded, "waiting for host")
		}
		health.Details["state"] = st.State
		if st.Peer != "" {
			health.Details["peer"] = st.Peer
		}
		health.Details["eventsDropped"] = fmt.Sprintf("%d", st.EventsDropped)
		return health
	}
}

// StreamHealthCheck reports FEC failures and loss of the last closed second.
func StreamHealthCheck(c *LatencyCollector, settings func() AlertSettings) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		snap := c.Snapshot()
		thresholds := settings()

		health := CreateComponentHealth(StatusUp, "stream is healthy")
		health.Details["fps"] = fmt.Sprintf("%d", snap.FramesInSecond)
		health.Details["packetsLostInSecond"] = fmt.Sprintf("%d", snap.PacketsLostInSecond)
		health.Details["fecFailuresInSecond"] = fmt.Sprintf("%d", snap.FecFailuresInSecond)

		if thresholds.FecFailureThreshold > 0 && snap.FecFailuresInSecond >= thresholds.FecFailureThreshold {
			health.Status = StatusDegraded
			health.Message = fmt.Sprintf("%d frames failed reconstruction", snap.FecFailuresInSecond)
		} else if thresholds.PacketLossThreshold > 0 && snap.PacketsLostInSecond >= thresholds.PacketLossThreshold {
			health.Status = StatusDegraded
			health.Message = fmt.Sprintf("%d packets lost", snap.PacketsLostInSecond)
		}
		return health
	}
}

// Pinger is anything with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingHealthCheck reports a backing store. Stores are optional, so a failure
// only degrades the process.
func PingHealthCheck(name string, p Pinger) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := p.Ping(ctx); err != nil {
			health := CreateComponentHealth(StatusDegraded, name+" unreachable")
			health.Details["error"] = err.Error()
			return health
		}
		return CreateComponentHealth(StatusUp, name+" reachable")
	}
}
