package internal

import (
	"fmt"
	"sync"
	"time"
)

// MaxFrames is the number of frame slots kept by the latency collector.
const MaxFrames = 1024

// maxTrackingPrediction caps the tracking prediction latency.
const maxTrackingPrediction = 100 * time.Millisecond

// Clock returns the current time. Tests substitute synthetic clocks.
type Clock func() time.Time

// LatencyStage is one point of a frame's trip through the pipeline.
type LatencyStage int

const (
	StageTracking LatencyStage = iota
	StageEstimatedSent
	StageReceivedFirst
	StageReceivedLast
	StageDecoderInput
	StageDecoderOutput
	StageRendered1
	StageRendered2
	StageSubmit
	stageCount
)

var stageNames = [...]string{
	StageTracking:      "tracking",
	StageEstimatedSent: "estimated_sent",
	StageReceivedFirst: "received_first",
	StageReceivedLast:  "received_last",
	StageDecoderInput:  "decoder_input",
	StageDecoderOutput: "decoder_output",
	StageRendered1:     "rendered1",
	StageRendered2:     "rendered2",
	StageSubmit:        "submit",
}

func (s LatencyStage) String() string {
	if s >= 0 && s < stageCount {
		return stageNames[s]
	}
	return "unknown"
}

// ParseLatencyStage maps a stage name such as "decoder_output" to its stage.
func ParseLatencyStage(name string) (LatencyStage, error) {
	for i, n := range stageNames {
		if n == name {
			return LatencyStage(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFrameStage, name)
}

type frameSlot struct {
	mu         sync.Mutex
	frameIndex uint64
	used       bool
	stamps     [stageCount]int64
}

type latencyAccumulator struct {
	sum   uint64
	max   uint64
	min   uint64
	count uint64
}

func (a *latencyAccumulator) add(v uint64) {
	a.sum += v
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.count++
}

func (a latencyAccumulator) stats() LatencyStats {
	if a.count == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Average: clampUint32(a.sum / a.count),
		Max:     clampUint32(a.max),
		Min:     clampUint32(a.min),
		Count:   a.count,
	}
}

type secondWindow struct {
	total       latencyAccumulator
	transport   latencyAccumulator
	decode      latencyAccumulator
	packetsLost int64
	fecFailures uint64
	frames      uint64
}

// LatencyStats aggregates one latency over a second, in microseconds.
type LatencyStats struct {
	Average uint32 `json:"average_us"`
	Max     uint32 `json:"max_us"`
	Min     uint32 `json:"min_us"`
	Count   uint64 `json:"count"`
}

// TelemetrySnapshot is the last closed second plus lifetime totals.
type TelemetrySnapshot struct {
	Second              int64        `json:"second"`
	TotalLatency        LatencyStats `json:"total_latency"`
	TransportLatency    LatencyStats `json:"transport_latency"`
	DecodeLatency       LatencyStats `json:"decode_latency"`
	PacketsLostInSecond uint64       `json:"packets_lost_in_second"`
	PacketsLostTotal    uint64       `json:"packets_lost_total"`
	FecFailuresInSecond uint64       `json:"fec_failures_in_second"`
	FecFailuresTotal    uint64       `json:"fec_failures_total"`
	FramesInSecond      uint64       `json:"frames_in_second"`
}

// LatencyCollector records per frame stage timestamps and folds finished
// frames into per second statistics. Stage methods may be called from any
// goroutine; each touches only its frame's slot.
type LatencyCollector struct {
	now    Clock
	frames [MaxFrames]frameSlot

	mu                 sync.Mutex
	second             int64
	current            secondWindow
	previous           secondWindow
	previousSecond     int64
	packetsLostTotal   int64
	fecFailuresTotal   uint64
	trackingPrediction int64
	onRollover         func(TelemetrySnapshot)
}

// NewLatencyCollector creates a collector reading time from now.
func NewLatencyCollector(now Clock) *LatencyCollector {
	if now == nil {
		now = time.Now
	}
	c := &LatencyCollector{now: now}
	c.second = now().Unix()
	c.previousSecond = c.second - 1
	return c
}

// OnRollover installs a hook receiving every closed second. It runs on the
// goroutine that triggered the rollover.
func (c *LatencyCollector) OnRollover(fn func(TelemetrySnapshot)) {
	c.mu.Lock()
	c.onRollover = fn
	c.mu.Unlock()
}

func (c *LatencyCollector) Tracking(frameIndex uint64) {
	c.stamp(frameIndex, StageTracking, c.nowMicros())
}

// EstimatedSent records when the host sent the frame, already translated
// into the local clock.
func (c *LatencyCollector) EstimatedSent(frameIndex uint64, localSentMicros int64) {
	c.stamp(frameIndex, StageEstimatedSent, localSentMicros)
}

func (c *LatencyCollector) ReceivedFirst(frameIndex uint64) {
	c.stamp(frameIndex, StageReceivedFirst, c.nowMicros())
}

func (c *LatencyCollector) ReceivedLast(frameIndex uint64) {
	c.stamp(frameIndex, StageReceivedLast, c.nowMicros())
}

func (c *LatencyCollector) DecoderInput(frameIndex uint64) {
	c.stamp(frameIndex, StageDecoderInput, c.nowMicros())
}

func (c *LatencyCollector) DecoderOutput(frameIndex uint64) {
	c.stamp(frameIndex, StageDecoderOutput, c.nowMicros())
}

func (c *LatencyCollector) Rendered1(frameIndex uint64) {
	c.stamp(frameIndex, StageRendered1, c.nowMicros())
}

func (c *LatencyCollector) Rendered2(frameIndex uint64) {
	c.stamp(frameIndex, StageRendered2, c.nowMicros())
}

// Record stamps stage for a frame at the current time. StageSubmit closes
// the frame. StageEstimatedSent needs a host timestamp and is rejected.
func (c *LatencyCollector) Record(frameIndex uint64, stage LatencyStage) error {
	switch stage {
	case StageSubmit:
		c.Submit(frameIndex)
	case StageEstimatedSent:
		return fmt.Errorf("%w: %s needs the host send time", ErrUnknownFrameStage, stage)
	default:
		if stage < 0 || stage >= stageCount {
			return fmt.Errorf("%w: %d", ErrUnknownFrameStage, int(stage))
		}
		c.stamp(frameIndex, stage, c.nowMicros())
	}
	return nil
}

// Submit closes a frame: its total, transport and decode latencies are
// added to the current second. Intervals with a missing stage are skipped.
func (c *LatencyCollector) Submit(frameIndex uint64) {
	now := c.now()
	submit := now.UnixMicro()

	slot := &c.frames[frameIndex%MaxFrames]
	slot.mu.Lock()
	c.resetSlotLocked(slot, frameIndex)
	slot.stamps[StageSubmit] = submit
	stamps := slot.stamps
	slot.mu.Unlock()

	total, totalOK := interval(stamps[StageTracking], stamps[StageSubmit])
	transport, transportOK := interval(stamps[StageEstimatedSent], stamps[StageReceivedLast])
	decode, decodeOK := interval(stamps[StageDecoderInput], stamps[StageDecoderOutput])

	var closed *TelemetrySnapshot
	var hook func(TelemetrySnapshot)

	c.mu.Lock()
	closed, hook = c.rolloverLocked(now.Unix())
	if totalOK {
		c.current.total.add(total)
		c.trackingPrediction = submit + int64(total)
	}
	if transportOK {
		c.current.transport.add(transport)
	}
	if decodeOK {
		c.current.decode.add(decode)
	}
	c.current.frames++
	c.mu.Unlock()

	if closed != nil && hook != nil {
		hook(*closed)
	}
}

// PacketLoss adds lost packets; a negative value credits back packets
// that arrived late.
func (c *LatencyCollector) PacketLoss(lost int64) {
	var closed *TelemetrySnapshot
	var hook func(TelemetrySnapshot)

	c.mu.Lock()
	closed, hook = c.rolloverLocked(c.now().Unix())
	c.packetsLostTotal += lost
	c.current.packetsLost += lost
	c.mu.Unlock()

	if closed != nil && hook != nil {
		hook(*closed)
	}
}

// FecFailure counts a frame that could not be reconstructed.
func (c *LatencyCollector) FecFailure() {
	var closed *TelemetrySnapshot
	var hook func(TelemetrySnapshot)

	c.mu.Lock()
	closed, hook = c.rolloverLocked(c.now().Unix())
	c.fecFailuresTotal++
	c.current.fecFailures++
	c.mu.Unlock()

	if closed != nil && hook != nil {
		hook(*closed)
	}
}

// Snapshot returns the last fully closed second and lifetime totals.
func (c *LatencyCollector) Snapshot() TelemetrySnapshot {
	var closed *TelemetrySnapshot
	var hook func(TelemetrySnapshot)

	c.mu.Lock()
	closed, hook = c.rolloverLocked(c.now().Unix())
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if closed != nil && hook != nil {
		hook(*closed)
	}
	return snap
}

// TrackingPredictionLatency estimates how far ahead the host should
// predict tracking, from the last submitted frame's total latency.
func (c *LatencyCollector) TrackingPredictionLatency() time.Duration {
	c.mu.Lock()
	target := c.trackingPrediction
	c.mu.Unlock()

	now := c.nowMicros()
	if target <= now {
		return 0
	}
	d := time.Duration(target-now) * time.Microsecond
	if d > maxTrackingPrediction {
		return maxTrackingPrediction
	}
	return d
}

// ResetAll clears statistics and totals. Frame slots are left alone; they
// are reinitialized when their index changes.
func (c *LatencyCollector) ResetAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.second = c.now().Unix()
	c.previousSecond = c.second - 1
	c.current = secondWindow{}
	c.previous = secondWindow{}
	c.packetsLostTotal = 0
	c.fecFailuresTotal = 0
	c.trackingPrediction = 0
}

// FrameStamps returns the recorded stage timestamps of a frame, in
// microseconds, and whether the slot still belongs to that frame.
func (c *LatencyCollector) FrameStamps(frameIndex uint64) ([stageCount]int64, bool) {
	slot := &c.frames[frameIndex%MaxFrames]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.used || slot.frameIndex != frameIndex {
		return [stageCount]int64{}, false
	}
	return slot.stamps, true
}

func (c *LatencyCollector) stamp(frameIndex uint64, stage LatencyStage, micros int64) {
	slot := &c.frames[frameIndex%MaxFrames]
	slot.mu.Lock()
	c.resetSlotLocked(slot, frameIndex)
	slot.stamps[stage] = micros
	slot.mu.Unlock()
}

func (c *LatencyCollector) resetSlotLocked(slot *frameSlot, frameIndex uint64) {
	if slot.used && slot.frameIndex == frameIndex {
		return
	}
	slot.used = true
	slot.frameIndex = frameIndex
	slot.stamps = [stageCount]int64{}
}

// rolloverLocked closes the current window when the wall clock second has
// changed. A gap of more than one second leaves an empty previous window.
func (c *LatencyCollector) rolloverLocked(second int64) (*TelemetrySnapshot, func(TelemetrySnapshot)) {
	if second <= c.second {
		return nil, nil
	}
	if second == c.second+1 {
		c.previous = c.current
	} else {
		c.previous = secondWindow{}
	}
	c.previousSecond = second - 1
	c.current = secondWindow{}
	c.second = second

	snap := c.snapshotLocked()
	return &snap, c.onRollover
}

func (c *LatencyCollector) snapshotLocked() TelemetrySnapshot {
	return TelemetrySnapshot{
		Second:              c.previousSecond,
		TotalLatency:        c.previous.total.stats(),
		TransportLatency:    c.previous.transport.stats(),
		DecodeLatency:       c.previous.decode.stats(),
		PacketsLostInSecond: clampLoss(c.previous.packetsLost),
		PacketsLostTotal:    clampLoss(c.packetsLostTotal),
		FecFailuresInSecond: c.previous.fecFailures,
		FecFailuresTotal:    c.fecFailuresTotal,
		FramesInSecond:      c.previous.frames,
	}
}

func (c *LatencyCollector) nowMicros() int64 {
	return c.now().UnixMicro()
}

func interval(from, to int64) (uint64, bool) {
	if from == 0 || to == 0 || to < from {
		return 0, false
	}
	return uint64(to - from), true
}

func clampLoss(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func clampUint32(v uint64) uint32 {
	if v > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
