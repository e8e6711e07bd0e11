package internal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/srtp/v2"
)

const videoClockRate = 90000

// EgressStats are the RTP egress counters.
type EgressStats struct {
	FramesSent   uint64 `json:"frames_sent"`
	FramesSkip   uint64 `json:"frames_skipped"`
	PacketsSent  uint64 `json:"packets_sent"`
	PacketsDrop  uint64 `json:"packets_dropped"`
	BytesSent    uint64 `json:"bytes_sent"`
	Destinations int    `json:"destinations"`
}

// RTPEgress re-packetizes reconstructed H264 frames as RTP, optionally
// SRTP protected, and forwards them to every destination.
type RTPEgress struct {
	packetizer rtp.Packetizer
	samples    uint32
	srtp       *srtp.Context
	metrics    *Metrics
	logger     logr.Logger

	mu           sync.RWMutex
	destinations map[string]*net.UDPConn
	stopped      bool

	framesSent   atomic.Uint64
	framesSkip   atomic.Uint64
	packetsSent  atomic.Uint64
	packetsDrop  atomic.Uint64
	bytesSent    atomic.Uint64
	warnedCodecs sync.Once
}

// NewRTPEgress creates the packetizer and SRTP context. frameRate sets the
// timestamp step per frame.
func NewRTPEgress(cfg EgressConfig, frameRate int, metrics *Metrics) (*RTPEgress, error) {
	if cfg.MTU <= 0 || cfg.MTU > MaxUDPPacketSize {
		return nil, NewError(fmt.Errorf("invalid MTU %d", cfg.MTU), ErrCodeConfiguration, "egress", "create")
	}

	e := &RTPEgress{
		packetizer: rtp.NewPacketizer(
			uint16(cfg.MTU),
			cfg.PayloadType,
			cfg.SSRC,
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			videoClockRate,
		),
		samples:      uint32(videoClockRate / max(frameRate, 1)),
		metrics:      metrics,
		logger:       NewLogger("egress"),
		destinations: make(map[string]*net.UDPConn),
	}

	if cfg.SRTP.Enabled {
		key, salt, err := DecodeSRTPKeys(cfg.SRTP)
		if err != nil {
			return nil, NewError(err, ErrCodeSRTP, "egress", "keys")
		}
		e.srtp, err = srtp.CreateContext(key, salt, srtp.ProtectionProfileAes128CmHmacSha1_80)
		if err != nil {
			return nil, NewError(err, ErrCodeSRTP, "egress", "create_context")
		}
		e.logger.Info("SRTP context initialized")
	}

	for _, dest := range cfg.Destinations {
		if err := e.AddDestination(dest); err != nil {
			e.Stop()
			return nil, err
		}
	}
	return e, nil
}

// AddDestination adds a new destination for RTP forwarding
func (e *RTPEgress) AddDestination(addr string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.destinations[addr]; exists {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return NewError(err, ErrCodeRTP, "egress", "resolve").WithContext(addr)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return NewError(err, ErrCodeRTP, "egress", "dial").WithContext(addr)
	}

	e.destinations[addr] = conn
	e.logger.Info("added RTP destination", "destination", addr)
	return nil
}

// RemoveDestination removes a forwarding destination
func (e *RTPEgress) RemoveDestination(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, exists := e.destinations[addr]; exists {
		conn.Close()
		delete(e.destinations, addr)
		e.logger.Info("removed RTP destination", "destination", addr)
	}
}

// HandleEvent forwards video frames. Other events are ignored.
func (e *RTPEgress) HandleEvent(_ context.Context, ev Event) error {
	frame, ok := ev.(EventVideoFrame)
	if !ok {
		return nil
	}
	return e.WriteFrame(frame)
}

// WriteFrame packetizes one access unit. Keyframes carry their parameter
// sets in front of the picture.
func (e *RTPEgress) WriteFrame(frame EventVideoFrame) error {
	if frame.Codec != CodecH264 {
		e.framesSkip.Add(1)
		e.warnedCodecs.Do(func() {
			e.logger.Info("RTP egress only supports h264, skipping frames", "codec", frame.Codec.String())
		})
		return nil
	}

	unit := frame.Frame
	if frame.Keyframe && len(frame.ParameterSets) > 0 {
		unit = make([]byte, 0, len(frame.ParameterSets)+len(frame.Frame))
		unit = append(unit, frame.ParameterSets...)
		unit = append(unit, frame.Frame...)
	}

	packets, err := e.Packetize(unit)
	if err != nil {
		return err
	}
	e.framesSent.Add(1)
	return e.forward(packets)
}

// Packetize turns an access unit into wire packets, encrypting them when
// SRTP is on.
func (e *RTPEgress) Packetize(unit []byte) ([][]byte, error) {
	e.mu.Lock()
	packets := e.packetizer.Packetize(unit, e.samples)
	e.mu.Unlock()

	out := make([][]byte, 0, len(packets))
	for _, pkt := range packets {
		raw, err := pkt.Marshal()
		if err != nil {
			e.packetsDrop.Add(1)
			return nil, NewError(err, ErrCodeRTP, "egress", "marshal")
		}
		if e.srtp != nil {
			raw, err = e.srtp.EncryptRTP(nil, raw, &pkt.Header)
			if err != nil {
				e.packetsDrop.Add(1)
				return nil, NewError(err, ErrCodeSRTP, "egress", "encrypt")
			}
		}
		out = append(out, raw)
	}
	return out, nil
}

// forward sends the packets to all configured destinations
func (e *RTPEgress) forward(packets [][]byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.stopped {
		return nil
	}

	var lastErr error
	for addr, conn := range e.destinations {
		for _, pkt := range packets {
			n, err := conn.Write(pkt)
			if err != nil {
				e.packetsDrop.Add(1)
				e.metrics.IncrementDropped("egress_write")
				lastErr = NewError(err, ErrCodeRTP, "egress", "write").WithContext(addr)
				continue
			}
			e.packetsSent.Add(1)
			e.bytesSent.Add(uint64(n))
			e.metrics.IncrementEgress(addr)
		}
	}
	return lastErr
}

// GetStats returns the current egress statistics
func (e *RTPEgress) GetStats() EgressStats {
	e.mu.RLock()
	dests := len(e.destinations)
	e.mu.RUnlock()

	return EgressStats{
		FramesSent:   e.framesSent.Load(),
		FramesSkip:   e.framesSkip.Load(),
		PacketsSent:  e.packetsSent.Load(),
		PacketsDrop:  e.packetsDrop.Load(),
		BytesSent:    e.bytesSent.Load(),
		Destinations: dests,
	}
}

// Stop closes every destination.
func (e *RTPEgress) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	for addr, conn := range e.destinations {
		conn.Close()
		e.logger.V(1).Info("closed RTP destination", "destination", addr)
	}
	e.destinations = make(map[string]*net.UDPConn)
	e.logger.Info("RTP egress stopped")
}
