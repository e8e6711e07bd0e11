package internal

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector of the process on a private
// registry, so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// System metrics
	goroutines prometheus.Gauge
	memory     prometheus.Gauge

	// Latency histograms
	operationDurations *prometheus.HistogramVec

	packetsReceived *prometheus.CounterVec
	packetsSent     *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	bytesReceived   prometheus.Counter

	packetsLost     prometheus.Gauge
	packetsLostAll  prometheus.Gauge
	fecOutcomes     *prometheus.CounterVec
	fecFailures     prometheus.Counter
	framesDelivered prometheus.Counter
	eventsDropped   prometheus.Counter

	sessionState  prometheus.Gauge
	connections   prometheus.Counter
	disconnects   prometheus.Counter
	clockOffset   prometheus.Gauge
	roundTripTime prometheus.Gauge

	latency *prometheus.GaugeVec
	fps     prometheus.Gauge

	egressPackets  *prometheus.CounterVec
	previewViewers prometheus.Gauge
	alerts         *prometheus.CounterVec

	// Error metrics
	errors *prometheus.CounterVec

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_goroutines",
			Help: "Current number of goroutines",
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_memory_bytes",
			Help: "Current memory usage in bytes",
		}),
		operationDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vrlink_operation_duration_seconds",
				Help:    "Time taken to complete operations",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
			},
			[]string{"operation"},
		),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_packets_received_total",
			Help: "Datagrams received from the host by packet type",
		}, []string{"type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_packets_sent_total",
			Help: "Datagrams sent to the host by packet type",
		}, []string{"type"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_packets_dropped_total",
			Help: "Datagrams dropped before processing by reason",
		}, []string{"reason"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_bytes_received_total",
			Help: "Bytes received from the host",
		}),
		packetsLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_packets_lost_last_second",
			Help: "Packets lost during the last closed second",
		}),
		packetsLostAll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_packets_lost",
			Help: "Packets lost since the session connected",
		}),
		fecOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_fec_packets_total",
			Help: "Video packets by reassembly outcome",
		}, []string{"outcome"}),
		fecFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_fec_failures_total",
			Help: "Video frames that could not be reconstructed",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_frames_delivered_total",
			Help: "Reconstructed video frames handed to the decoder",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_events_dropped_total",
			Help: "Session events dropped because the consumer was behind",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_session_state",
			Help: "Session state: 0 disconnected, 1 discovering, 2 connected, 3 closed",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_connections_total",
			Help: "Completed handshakes",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vrlink_disconnects_total",
			Help: "Connections lost to timeout",
		}),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_clock_offset_seconds",
			Help: "Estimated host minus local clock",
		}),
		roundTripTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_rtt_seconds",
			Help: "Round trip time measured by time sync",
		}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vrlink_latency_seconds",
			Help: "Latency of the last closed second by kind and statistic",
		}, []string{"kind", "stat"}),
		fps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_frames_per_second",
			Help: "Frames submitted during the last closed second",
		}),
		egressPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_egress_packets_total",
			Help: "RTP packets forwarded by destination",
		}, []string{"destination"}),
		previewViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vrlink_preview_viewers",
			Help: "Connected WebRTC preview viewers",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_alerts_total",
			Help: "Raised alerts by kind",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vrlink_errors_total",
			Help: "Total number of errors by code",
		}, []string{"code"}),
	}

	m.registry.MustRegister(
		m.goroutines, m.memory, m.operationDurations,
		m.packetsReceived, m.packetsSent, m.packetsDropped, m.bytesReceived,
		m.packetsLost, m.packetsLostAll, m.fecOutcomes, m.fecFailures,
		m.framesDelivered, m.eventsDropped,
		m.sessionState, m.connections, m.disconnects, m.clockOffset, m.roundTripTime,
		m.latency, m.fps, m.egressPackets, m.previewViewers, m.alerts, m.errors,
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveErrors counts every LinkError created from now on.
func (m *Metrics) ObserveErrors() {
	SetErrorObserver(m.IncrementError)
}

// StartSystemMetrics samples goroutines and memory until Close.
func (m *Metrics) StartSystemMetrics(interval time.Duration) {
	go m.collectSystemMetrics(interval)
}

// Close stops the system sampler.
func (m *Metrics) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *Metrics) IncrementReceived(t PacketType, size int) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(t.String()).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *Metrics) IncrementSent(t PacketType) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) IncrementDropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncrementFecOutcome(o FecOutcome) {
	if m == nil {
		return
	}
	m.fecOutcomes.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) IncrementFecFailure() {
	if m == nil {
		return
	}
	m.fecFailures.Inc()
}

func (m *Metrics) IncrementFramesDelivered() {
	if m == nil {
		return
	}
	m.framesDelivered.Inc()
}

func (m *Metrics) IncrementEventsDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetSessionState(s SessionState) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(s))
}

func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) IncrementDisconnects() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) SetClock(offset, rtt time.Duration) {
	if m == nil {
		return
	}
	m.clockOffset.Set(offset.Seconds())
	m.roundTripTime.Set(rtt.Seconds())
}

func (m *Metrics) IncrementEgress(destination string) {
	if m == nil {
		return
	}
	m.egressPackets.WithLabelValues(destination).Inc()
}

func (m *Metrics) SetPreviewViewers(n int) {
	if m == nil {
		return
	}
	m.previewViewers.Set(float64(n))
}

func (m *Metrics) IncrementAlert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// IncrementError increments an error counter for a LinkError code
func (m *Metrics) IncrementError(code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(code).Inc()
}

// ObserveSnapshot publishes a closed telemetry second.
func (m *Metrics) ObserveSnapshot(s TelemetrySnapshot) {
	if m == nil {
		return
	}
	m.packetsLost.Set(float64(s.PacketsLostInSecond))
	m.packetsLostAll.Set(float64(s.PacketsLostTotal))
	m.fps.Set(float64(s.FramesInSecond))

	for kind, stats := range map[string]LatencyStats{
		"total":     s.TotalLatency,
		"transport": s.TransportLatency,
		"decode":    s.DecodeLatency,
	} {
		m.latency.WithLabelValues(kind, "avg").Set(microsToSeconds(stats.Average))
		m.latency.WithLabelValues(kind, "max").Set(microsToSeconds(stats.Max))
		m.latency.WithLabelValues(kind, "min").Set(microsToSeconds(stats.Min))
	}
}

// MeasureOperation records the duration of an operation
func (m *Metrics) MeasureOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.operationDurations.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// collectSystemMetrics periodically updates system metrics
func (m *Metrics) collectSystemMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.goroutines.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memory.Set(float64(memStats.Alloc))
		}
	}
}

// MetricsServer serves /metrics and a liveness probe on its own listener.
type MetricsServer struct {
	server *http.Server
	logger logr.Logger
}

// NewMetricsServer creates the metrics HTTP server with proper timeouts.
func NewMetricsServer(address string, m *Metrics, health *HealthChecker) *MetricsServer {
	if address == "" {
		address = ":9091" // Default metrics port
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil && health.Status() == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("UNHEALTHY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:         address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: NewLogger("metrics"),
	}
}

// ListenAndServe blocks until the server stops.
func (s *MetricsServer) ListenAndServe() error {
	s.logger.Info("starting metrics server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return NewError(err, ErrCodeNetwork, "metrics", "listen")
	}
	return nil
}

// Shutdown gracefully stops the metrics server
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}

func microsToSeconds(us uint32) float64 {
	return float64(us) / 1e6
}
