package internal

import (
	"sync"
	"time"
)

// GuardianResendCooldown is the minimum gap between two sync start packets.
const GuardianResendCooldown = time.Second

// GuardianData is the play area boundary handed in by the tracking side.
type GuardianData struct {
	StandingRotation Quat   `json:"standing_rotation"`
	StandingPosition Vec3   `json:"standing_position"`
	PlayAreaSize     Vec2   `json:"play_area_size"`
	Points           []Vec3 `json:"points"`
}

// GuardianProgress describes an upload in flight.
type GuardianProgress struct {
	Active        bool   `json:"active"`
	Timestamp     uint64 `json:"timestamp"`
	StartAcked    bool   `json:"start_acked"`
	AckedSegments int    `json:"acked_segments"`
	Segments      int    `json:"segments"`
}

// GuardianSync uploads boundary points to the host one segment at a time,
// waiting for each acknowledgement before moving on.
type GuardianSync struct {
	mu        sync.Mutex
	data      GuardianData
	timestamp uint64
	segments  int
	acked     int // last acknowledged segment, -1 when none
	sendStart bool
	sending   bool
	lastStart time.Time
}

// NewGuardianSync creates an idle uploader.
func NewGuardianSync() *GuardianSync {
	return &GuardianSync{acked: -1}
}

// Begin replaces any upload in progress with data.
func (g *GuardianSync) Begin(data GuardianData, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	points := make([]Vec3, len(data.Points))
	copy(points, data.Points)
	data.Points = points

	g.data = data
	g.timestamp = uint64(now.UnixMicro())
	g.segments = (len(points) + GuardianSegmentSize - 1) / GuardianSegmentSize
	g.acked = -1
	g.sendStart = true
	g.sending = false
	g.lastStart = time.Time{}
}

// Poll returns the next datagram to send, or nil when there is nothing to
// send right now.
func (g *GuardianSync) Poll(now time.Time) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.sendStart:
		if !g.lastStart.IsZero() && now.Sub(g.lastStart) < GuardianResendCooldown {
			return nil
		}
		g.lastStart = now
		return MarshalPacket(GuardianSyncStart{
			Type:                PacketTypeGuardianSyncStart,
			Timestamp:           g.timestamp,
			StandingPosRotation: g.data.StandingRotation,
			StandingPosPosition: g.data.StandingPosition,
			PlayAreaSize:        g.data.PlayAreaSize,
			TotalPointCount:     uint32(len(g.data.Points)),
		})

	case g.sending:
		index := g.acked + 1
		pkt := GuardianSegmentData{
			Type:         PacketTypeGuardianSegmentData,
			Timestamp:    g.timestamp,
			SegmentIndex: uint32(index),
		}
		from := index * GuardianSegmentSize
		to := min(from+GuardianSegmentSize, len(g.data.Points))
		copy(pkt.Points[:], g.data.Points[from:to])
		return MarshalPacket(pkt)
	}
	return nil
}

// OnSyncAck handles the host's acknowledgement of the start packet.
func (g *GuardianSync) OnSyncAck(ack GuardianSyncAck) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.sendStart || ack.Timestamp != g.timestamp {
		return false
	}
	g.sendStart = false
	g.sending = g.segments > 0
	return true
}

// OnSegmentAck handles the acknowledgement of one segment. Only the segment
// right after the last acknowledged one advances the upload.
func (g *GuardianSync) OnSegmentAck(ack GuardianSegmentAck) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.sending || ack.Timestamp != g.timestamp || int(ack.SegmentIndex) != g.acked+1 {
		return false
	}
	g.acked = int(ack.SegmentIndex)
	if g.acked >= g.segments-1 {
		g.sending = false
	}
	return true
}

// Active reports whether anything remains to be sent.
func (g *GuardianSync) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendStart || g.sending
}

// Cancel abandons the upload.
func (g *GuardianSync) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendStart = false
	g.sending = false
}

// Progress returns the state of the current upload.
func (g *GuardianSync) Progress() GuardianProgress {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardianProgress{
		Active:        g.sendStart || g.sending,
		Timestamp:     g.timestamp,
		StartAcked:    !g.sendStart && g.timestamp != 0,
		AckedSegments: g.acked + 1,
		Segments:      g.segments,
	}
}
