package internal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v3"
)

var ErrNoActiveSession = errors.New("no active WebRTC session")

// Stats holds WebRTC performance metrics of one preview viewer
type Stats struct {
	Timestamp       time.Time `json:"timestamp"`
	ConnectionState string    `json:"connection_state"`
	CurrentRTT      float64   `json:"current_rtt_ms"`
	JitterMS        float64   `json:"jitter_ms"`
	PacketsLost     int32     `json:"packets_lost"`
	PacketsSent     uint32    `json:"packets_sent"`
	BytesSent       uint64    `json:"bytes_sent"`
	NACKCount       uint32    `json:"nack_count"`
	PLICount        uint32    `json:"pli_count"`
}

// WebRTCStats polls the stats report of a peer connection
type WebRTCStats struct {
	peerConnection *webrtc.PeerConnection
	stopChan       chan struct{}
	started        atomic.Bool
	statsMutex     sync.RWMutex
	lastStats      Stats
	config         *StatsConfig
	logger         logr.Logger
}

// StatsConfig holds configuration for WebRTC stats collection
type StatsConfig struct {
	MonitoringInterval time.Duration
}

// DefaultStatsConfig returns a default configuration
func DefaultStatsConfig() *StatsConfig {
	return &StatsConfig{MonitoringInterval: 2 * time.Second}
}

// NewWebRTCStats initializes WebRTC statistics collection
func NewWebRTCStats(peerConnection *webrtc.PeerConnection, config *StatsConfig) *WebRTCStats {
	if config == nil {
		config = DefaultStatsConfig()
	}

	return &WebRTCStats{
		peerConnection: peerConnection,
		stopChan:       make(chan struct{}),
		config:         config,
		logger:         NewLogger("preview.stats"),
	}
}

// GetLastStats returns the most recently collected stats
func (s *WebRTCStats) GetLastStats() *Stats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	statsCopy := s.lastStats
	return &statsCopy
}

// StartMonitoring begins collecting WebRTC stats
func (s *WebRTCStats) StartMonitoring(ctx context.Context) error {
	if s.peerConnection == nil {
		return ErrNoActiveSession
	}

	if !s.started.CompareAndSwap(false, true) {
		return errors.New("monitoring already started")
	}

	go func() {
		ticker := time.NewTicker(s.config.MonitoringInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.collectStats()
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			}
		}
	}()

	return nil
}

// collectStats fetches and processes WebRTC statistics
func (s *WebRTCStats) collectStats() {
	stats := Stats{
		Timestamp:       time.Now(),
		ConnectionState: s.peerConnection.ConnectionState().String(),
	}

	for _, stat := range s.peerConnection.GetStats() {
		switch v := stat.(type) {
		case webrtc.OutboundRTPStreamStats:
			stats.PacketsSent = v.PacketsSent
			stats.BytesSent = v.BytesSent
			stats.NACKCount = v.NACKCount
			stats.PLICount = v.PLICount
		case webrtc.RemoteInboundRTPStreamStats:
			stats.PacketsLost = v.PacketsLost
			stats.JitterMS = v.Jitter * 1000
			stats.CurrentRTT = v.RoundTripTime * 1000
		}
	}

	s.statsMutex.Lock()
	s.lastStats = stats
	s.statsMutex.Unlock()

	s.logger.V(1).Info("preview stats",
		"rtt_ms", stats.CurrentRTT,
		"jitter_ms", stats.JitterMS,
		"lost", stats.PacketsLost,
		"sent", stats.PacketsSent)
}

// StopMonitoring stops WebRTC stats collection
func (s *WebRTCStats) StopMonitoring() {
	if s.started.CompareAndSwap(true, false) {
		close(s.stopChan)
	}
}
