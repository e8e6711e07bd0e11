package internal

import (
	"sync/atomic"
	"time"
)

// ClockSync runs the three phase time sync exchange. The originator sends
// probes (mode 0), the reflector answers (mode 1), and the originator
// commits its offset and answers once more (mode 2) so the reflector can
// measure the round trip too. Both roles live in the same type.
//
// Handle and Probe are called from the session loop; the getters may be
// called from anywhere.
type ClockSync struct {
	now      Clock
	sequence uint64

	offset  atomic.Int64
	rtt     atomic.Int64
	peerRTT atomic.Int64
	synced  atomic.Bool
}

// NewClockSync creates a clock sync reading time from now.
func NewClockSync(now Clock) *ClockSync {
	if now == nil {
		now = time.Now
	}
	return &ClockSync{now: now}
}

// Probe builds the next mode 0 packet carrying the telemetry of the last
// closed second.
func (c *ClockSync) Probe(snap TelemetrySnapshot, fecFailure bool) TimeSync {
	c.sequence++
	now := c.nowMicros()

	ts := TimeSync{
		Type:       PacketTypeTimeSync,
		Mode:       TimeSyncProbe,
		Sequence:   c.sequence,
		ClientTime: uint64(now),

		PacketsLostTotal:    snap.PacketsLostTotal,
		PacketsLostInSecond: snap.PacketsLostInSecond,

		AverageTotalLatency: snap.TotalLatency.Average,
		MaxTotalLatency:     snap.TotalLatency.Max,
		MinTotalLatency:     snap.TotalLatency.Min,

		AverageTransportLatency: snap.TransportLatency.Average,
		MaxTransportLatency:     snap.TransportLatency.Max,
		MinTransportLatency:     snap.TransportLatency.Min,

		AverageDecodeLatency: snap.DecodeLatency.Average,
		MaxDecodeLatency:     snap.DecodeLatency.Max,
		MinDecodeLatency:     snap.DecodeLatency.Min,

		FecFailureInSecond: snap.FecFailuresInSecond,
		FecFailureTotal:    snap.FecFailuresTotal,
		FPS:                clampUint32(snap.FramesInSecond),
	}
	if fecFailure {
		ts.FecFailure = 1
	}
	return ts
}

// Handle processes an inbound time sync packet and returns the reply to
// send, if any.
func (c *ClockSync) Handle(in TimeSync) (TimeSync, bool) {
	now := c.nowMicros()

	switch in.Mode {
	case TimeSyncProbe:
		return TimeSync{
			Type:       PacketTypeTimeSync,
			Mode:       TimeSyncReflect,
			Sequence:   in.Sequence,
			ServerTime: uint64(now),
			ClientTime: in.ClientTime,
		}, true

	case TimeSyncReflect:
		rtt := now - int64(in.ClientTime)
		if rtt < 0 {
			return TimeSync{}, false
		}
		offset := int64(in.ServerTime) + rtt/2 - now
		c.rtt.Store(rtt)
		c.offset.Store(offset)
		c.synced.Store(true)

		return TimeSync{
			Type:       PacketTypeTimeSync,
			Mode:       TimeSyncCommit,
			Sequence:   in.Sequence,
			ServerTime: in.ServerTime,
			ClientTime: uint64(now),
		}, true

	case TimeSyncCommit:
		if rtt := now - int64(in.ServerTime); rtt >= 0 {
			c.peerRTT.Store(rtt)
		}
	}
	return TimeSync{}, false
}

// Offset is the estimated remote minus local clock difference.
func (c *ClockSync) Offset() time.Duration {
	return time.Duration(c.offset.Load()) * time.Microsecond
}

// RTT is the round trip measured by the originator.
func (c *ClockSync) RTT() time.Duration {
	return time.Duration(c.rtt.Load()) * time.Microsecond
}

// PeerRTT is the round trip measured in the reflector role.
func (c *ClockSync) PeerRTT() time.Duration {
	return time.Duration(c.peerRTT.Load()) * time.Microsecond
}

// Synced reports whether an offset has been committed since the last reset.
func (c *ClockSync) Synced() bool {
	return c.synced.Load()
}

// Sequence is the number of probes sent since the last reset.
func (c *ClockSync) Sequence() uint64 {
	return c.sequence
}

// ToLocal converts a remote timestamp in microseconds to the local clock.
func (c *ClockSync) ToLocal(remoteMicros uint64) int64 {
	return int64(remoteMicros) - c.offset.Load()
}

// Reset forgets the offset and restarts the probe sequence.
func (c *ClockSync) Reset() {
	c.sequence = 0
	c.offset.Store(0)
	c.rtt.Store(0)
	c.peerRTT.Store(0)
	c.synced.Store(false)
}

func (c *ClockSync) nowMicros() int64 {
	return c.now().UnixMicro()
}
