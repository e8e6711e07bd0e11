package internal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLatencyCollectorFrameStages(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.Tracking(1)
	clock.Advance(10 * time.Millisecond)
	c.EstimatedSent(1, clock.Now().Add(-5*time.Millisecond).UnixMicro())
	c.ReceivedFirst(1)
	c.ReceivedLast(1)
	c.DecoderInput(1)
	clock.Advance(2 * time.Millisecond)
	c.DecoderOutput(1)
	clock.Advance(time.Millisecond)
	c.Rendered1(1)
	clock.Advance(time.Millisecond)
	c.Rendered2(1)
	clock.Advance(time.Millisecond)
	c.Submit(1)

	stamps, ok := c.FrameStamps(1)
	require.True(t, ok)
	assert.Less(t, stamps[StageRendered1], stamps[StageRendered2])
	assert.Less(t, stamps[StageRendered2], stamps[StageSubmit])

	// the current second is still open
	assert.Zero(t, c.Snapshot().FramesInSecond)

	clock.Advance(time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.FramesInSecond)
	assert.Equal(t, LatencyStats{Average: 15_000, Max: 15_000, Min: 15_000, Count: 1}, snap.TotalLatency)
	assert.Equal(t, uint32(5_000), snap.TransportLatency.Average)
	assert.Equal(t, uint32(2_000), snap.DecodeLatency.Average)
}

func TestLatencyCollectorSkipsMissingStages(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.DecoderInput(7)
	clock.Advance(time.Millisecond)
	c.DecoderOutput(7)
	c.Submit(7)

	clock.Advance(time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint64(1), snap.FramesInSecond)
	assert.Zero(t, snap.TotalLatency.Count)
	assert.Zero(t, snap.TransportLatency.Count)
	assert.Equal(t, uint64(1), snap.DecodeLatency.Count)
}

func TestLatencyCollectorMinMaxAverage(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	for i, d := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		frame := uint64(i + 1)
		c.Tracking(frame)
		clock.Advance(d)
		c.Submit(frame)
	}

	clock.Advance(time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint32(20_000), snap.TotalLatency.Average)
	assert.Equal(t, uint32(30_000), snap.TotalLatency.Max)
	assert.Equal(t, uint32(10_000), snap.TotalLatency.Min)
	assert.Equal(t, uint64(3), snap.TotalLatency.Count)
}

func TestLatencyCollectorLossWindow(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.PacketLoss(3)
	c.PacketLoss(-1)
	c.FecFailure()

	clock.Advance(time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint64(2), snap.PacketsLostInSecond)
	assert.Equal(t, uint64(2), snap.PacketsLostTotal)
	assert.Equal(t, uint64(1), snap.FecFailuresInSecond)
	assert.Equal(t, uint64(1), snap.FecFailuresTotal)

	c.PacketLoss(4)
	clock.Advance(time.Second)
	snap = c.Snapshot()
	assert.Equal(t, uint64(4), snap.PacketsLostInSecond)
	assert.Equal(t, uint64(6), snap.PacketsLostTotal)
	assert.Zero(t, snap.FecFailuresInSecond)
	assert.Equal(t, uint64(1), snap.FecFailuresTotal)
}

func TestLatencyCollectorIdleSecondsClearWindow(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.Tracking(1)
	c.Submit(1)
	clock.Advance(3 * time.Second)

	snap := c.Snapshot()
	assert.Zero(t, snap.FramesInSecond)
	assert.Equal(t, clock.Now().Unix()-1, snap.Second)
}

func TestLatencyCollectorRolloverHook(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	var got []TelemetrySnapshot
	c.OnRollover(func(s TelemetrySnapshot) { got = append(got, s) })

	c.Tracking(1)
	c.Submit(1)
	c.Snapshot()
	assert.Empty(t, got)

	clock.Advance(time.Second)
	c.PacketLoss(1)
	c.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].FramesInSecond)
}

func TestLatencyCollectorResetAll(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.PacketLoss(5)
	c.FecFailure()
	clock.Advance(time.Second)
	c.ResetAll()

	snap := c.Snapshot()
	assert.Zero(t, snap.PacketsLostTotal)
	assert.Zero(t, snap.FecFailuresTotal)
	assert.Zero(t, c.TrackingPredictionLatency())
}

func TestLatencyCollectorTrackingPrediction(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	c.Tracking(1)
	clock.Advance(40 * time.Millisecond)
	c.Submit(1)
	assert.Equal(t, 40*time.Millisecond, c.TrackingPredictionLatency())

	c.Tracking(2)
	clock.Advance(500 * time.Millisecond)
	c.Submit(2)
	assert.Equal(t, maxTrackingPrediction, c.TrackingPredictionLatency())
}

func TestLatencyCollectorConcurrentStages(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	var mu sync.Mutex
	rollovers := 0
	c.OnRollover(func(TelemetrySnapshot) {
		mu.Lock()
		rollovers++
		mu.Unlock()
	})

	const frames = 400
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := w; i < frames; i += 4 {
				frame := uint64(i)
				c.Tracking(frame)
				c.ReceivedFirst(frame)
				c.ReceivedLast(frame)
				c.DecoderInput(frame)
				c.DecoderOutput(frame)
				c.Submit(frame)
				c.PacketLoss(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	clock.Advance(time.Second)
	snap := c.Snapshot()
	assert.Equal(t, uint64(frames), snap.FramesInSecond)
	assert.Equal(t, uint64(frames), snap.PacketsLostInSecond)
	assert.Equal(t, 1, rollovers)
}

func TestLatencyCollectorRolloverDuringWrites(t *testing.T) {
	clock := newFakeClock()
	c := NewLatencyCollector(clock.Now)

	var mu sync.Mutex
	var frames, lost, decoded uint64
	c.OnRollover(func(snap TelemetrySnapshot) {
		mu.Lock()
		frames += snap.FramesInSecond
		lost += snap.PacketsLostInSecond
		decoded += snap.DecodeLatency.Count
		mu.Unlock()
	})

	const writers, perWriter = 4, 500
	stop := make(chan struct{})
	var ticker errgroup.Group
	ticker.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			// one second at a time; the snapshot closes it before the next step
			clock.Advance(time.Second)
			c.Snapshot()
		}
	})

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				// writers own disjoint slots
				frame := uint64(i*writers + w)
				c.DecoderInput(frame)
				c.DecoderOutput(frame)
				c.Submit(frame)
				c.PacketLoss(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	require.NoError(t, ticker.Wait())

	// close the window still open
	clock.Advance(time.Second)
	final := c.Snapshot()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint64(writers*perWriter), frames)
	assert.Equal(t, uint64(writers*perWriter), lost)
	assert.Equal(t, uint64(writers*perWriter), decoded)
	assert.Equal(t, uint64(writers*perWriter), final.PacketsLostTotal)
}
