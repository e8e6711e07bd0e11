package internal

import (
	"fmt"

	"github.com/go-logr/logr"
)

// staleFrameWindow bounds how far behind the current frame an index may be
// before it is taken as a restarted stream instead of a late packet.
const staleFrameWindow = 1024

// FecOutcome is the result of feeding one video packet to the queue.
type FecOutcome int

const (
	FecAccepted FecOutcome = iota
	FecDuplicateIgnored
	FecFrameAlreadyRecovered
	FecNewFrameReplacesIncomplete
	FecStaleFrameDropped
	FecFrameAbandoned
	FecRejected
	FecReconstructFailed
)

var fecOutcomeNames = [...]string{
	FecAccepted:                   "accepted",
	FecDuplicateIgnored:           "duplicate_ignored",
	FecFrameAlreadyRecovered:      "frame_already_recovered",
	FecNewFrameReplacesIncomplete: "new_frame_replaces_incomplete",
	FecStaleFrameDropped:          "stale_frame_dropped",
	FecFrameAbandoned:             "frame_abandoned",
	FecRejected:                   "rejected",
	FecReconstructFailed:          "reconstruct_failed",
}

func (o FecOutcome) String() string {
	if int(o) >= 0 && int(o) < len(fecOutcomeNames) {
		return fecOutcomeNames[o]
	}
	return "unknown"
}

// FrameLossKind separates partial loss from frames that never showed up.
type FrameLossKind int

const (
	// LossIncompleteFrame means a frame was replaced before it could be
	// reconstructed.
	LossIncompleteFrame FrameLossKind = iota
	// LossWholeFrame means every packet of at least one frame was lost.
	LossWholeFrame
)

func (k FrameLossKind) String() string {
	if k == LossWholeFrame {
		return "whole_frame"
	}
	return "incomplete_frame"
}

// FrameLossEvent describes a frame that will never be decoded.
type FrameLossEvent struct {
	Kind FrameLossKind

	// VideoFrameIndex is the abandoned frame for LossIncompleteFrame and the
	// first frame seen after the gap for LossWholeFrame.
	VideoFrameIndex    uint64
	PreviousFrameIndex uint64

	// ExpectedStart and ObservedStart are packet counters; set for LossWholeFrame.
	ExpectedStart uint32
	ObservedStart uint32
	LostPackets   uint32

	// Per column fill of the abandoned frame; set for LossIncompleteFrame.
	Geometry       Geometry
	ReceivedData   []int
	ReceivedParity []int
}

// FecStats is a diagnostic view of the current frame.
type FecStats struct {
	VideoFrameIndex uint64
	Recovered       bool
	Abandoned       bool
	Geometry        Geometry
	ReceivedData    []int
	ReceivedParity  []int
	ColumnsDone     int
}

// FecResult bundles what Push observed for one packet.
type FecResult struct {
	Outcome   FecOutcome
	Recovered bool
	Losses    []FrameLossEvent
	Err       error
}

// FecQueue reassembles one video frame at a time from FEC protected packets.
// It is not safe for concurrent use; the session loop owns it.
type FecQueue struct {
	codecs CodecFactory
	logger logr.Logger

	hasFrame  bool
	header    VideoFrameHeader
	geo       Geometry
	padding   int
	recovered bool
	abandoned bool

	// arena holds TotalShards*BlockSize bytes; it only grows
	arena []byte

	// missing[packetIndex][shardIndex] is true until the packet arrives
	missing        [][]bool
	receivedData   []int
	receivedParity []int
	columnDone     []bool

	havePrediction bool
	nextFrameStart uint32
}

// NewFecQueue creates a queue that builds erasure codecs through codecs.
func NewFecQueue(codecs CodecFactory, logger logr.Logger) *FecQueue {
	return &FecQueue{
		codecs: codecs,
		logger: logger,
	}
}

// Push adds a packet and attempts reconstruction when it was accepted.
func (q *FecQueue) Push(h VideoFrameHeader, payload []byte) FecResult {
	outcome, losses := q.AddPacket(h, payload)
	res := FecResult{Outcome: outcome, Losses: losses}
	if outcome != FecAccepted && outcome != FecNewFrameReplacesIncomplete {
		return res
	}
	ok, err := q.Reconstruct()
	if err != nil {
		res.Outcome = FecReconstructFailed
		res.Err = err
		return res
	}
	res.Recovered = ok
	return res
}

// AddPacket stores one packet. Loss events are returned when the packet
// starts a new frame and the previous one is lost or whole frames were
// skipped.
func (q *FecQueue) AddPacket(h VideoFrameHeader, payload []byte) (FecOutcome, []FrameLossEvent) {
	if h.FrameByteSize == 0 || !GeometryFits(int(h.FecPercentage)) || len(payload) > MaxPacketPayload {
		return FecRejected, nil
	}

	var losses []FrameLossEvent
	outcome := FecAccepted

	switch {
	case q.hasFrame && h.VideoFrameIndex == q.header.VideoFrameIndex:
		if q.recovered {
			return FecFrameAlreadyRecovered, nil
		}
		if q.abandoned {
			return FecFrameAbandoned, nil
		}
		if h.FrameByteSize != q.header.FrameByteSize || h.FecPercentage != q.header.FecPercentage {
			return FecRejected, nil
		}
		if !validFecIndex(q.geo, q.padding, h.FecIndex) {
			return FecRejected, nil
		}
	case q.hasFrame && h.VideoFrameIndex < q.header.VideoFrameIndex &&
		q.header.VideoFrameIndex-h.VideoFrameIndex <= staleFrameWindow:
		return FecStaleFrameDropped, nil
	default:
		geo := ComputeGeometry(int(h.FrameByteSize), int(h.FecPercentage))
		padding := geo.PaddingPackets()
		if !validFecIndex(geo, padding, h.FecIndex) {
			return FecRejected, nil
		}
		if q.hasFrame && !q.recovered {
			outcome = FecNewFrameReplacesIncomplete
			if !q.abandoned {
				losses = append(losses, q.incompleteEvent())
			}
		}
		if loss, lost := q.checkWholeFrameLoss(h, geo, padding); lost {
			losses = append(losses, loss)
		}
		q.beginFrame(h, geo, padding)
	}

	shard, packet := q.position(h.FecIndex)
	if !q.missing[packet][shard] {
		return FecDuplicateIgnored, losses
	}

	slot := q.slot(shard, packet)
	n := copy(slot, payload)
	clear(slot[n:])

	q.missing[packet][shard] = false
	if shard < q.geo.TotalDataShards {
		q.receivedData[packet]++
	} else {
		q.receivedParity[packet]++
	}
	return outcome, losses
}

// Reconstruct recovers every column that has enough shards. It reports
// whether the whole frame is now contiguous in the arena. A codec error
// abandons the frame.
func (q *FecQueue) Reconstruct() (bool, error) {
	if !q.hasFrame || q.abandoned {
		return false, nil
	}
	if q.recovered {
		return true, nil
	}

	complete := true
	for packet := 0; packet < q.geo.ShardPackets; packet++ {
		if q.columnDone[packet] {
			continue
		}
		if q.receivedData[packet] == q.geo.TotalDataShards {
			q.columnDone[packet] = true
			continue
		}
		if q.receivedData[packet]+q.receivedParity[packet] < q.geo.TotalDataShards {
			complete = false
			continue
		}
		if err := q.reconstructColumn(packet); err != nil {
			q.abandoned = true
			return false, NewError(fmt.Errorf("%w: frame %d column %d: %v",
				ErrReconstructFailed, q.header.VideoFrameIndex, packet, err),
				ErrCodeFEC, "fec_queue", "reconstruct")
		}
		q.columnDone[packet] = true
	}

	if complete {
		q.recovered = true
	}
	return q.recovered, nil
}

// Frame returns the reconstructed frame bytes. The slice aliases the arena
// and is only valid until the next packet is added.
func (q *FecQueue) Frame() []byte {
	if !q.recovered {
		return nil
	}
	return q.arena[:q.header.FrameByteSize]
}

// Header returns the header of the frame being assembled.
func (q *FecQueue) Header() VideoFrameHeader {
	return q.header
}

// Recovered reports whether the current frame has been reconstructed.
func (q *FecQueue) Recovered() bool {
	return q.recovered
}

// Reset forgets the current frame and the next frame prediction.
func (q *FecQueue) Reset() {
	q.hasFrame = false
	q.recovered = false
	q.abandoned = false
	q.havePrediction = false
	q.header = VideoFrameHeader{}
	q.geo = Geometry{}
}

// Stats returns a copy of the current frame's fill state.
func (q *FecQueue) Stats() FecStats {
	s := FecStats{
		VideoFrameIndex: q.header.VideoFrameIndex,
		Recovered:       q.recovered,
		Abandoned:       q.abandoned,
		Geometry:        q.geo,
	}
	if !q.hasFrame {
		return s
	}
	s.ReceivedData = append([]int(nil), q.receivedData...)
	s.ReceivedParity = append([]int(nil), q.receivedParity...)
	for _, done := range q.columnDone {
		if done {
			s.ColumnsDone++
		}
	}
	return s
}

func (q *FecQueue) reconstructColumn(packet int) error {
	codec, err := q.codecs(q.geo.TotalDataShards, q.geo.TotalParityShards)
	if err != nil {
		return err
	}

	shards := make([][]byte, q.geo.TotalShards)
	for shard := range shards {
		slot := q.slot(shard, packet)
		if q.missing[packet][shard] {
			shards[shard] = slot[:0]
		} else {
			shards[shard] = slot
		}
	}

	if err := codec.ReconstructData(shards); err != nil {
		return err
	}

	for shard := 0; shard < q.geo.TotalDataShards; shard++ {
		if !q.missing[packet][shard] {
			continue
		}
		slot := q.slot(shard, packet)
		if len(shards[shard]) != len(slot) {
			return fmt.Errorf("shard %d recovered %d bytes, want %d", shard, len(shards[shard]), len(slot))
		}
		if &shards[shard][0] != &slot[0] {
			copy(slot, shards[shard])
		}
		q.missing[packet][shard] = false
	}
	return nil
}

func (q *FecQueue) beginFrame(h VideoFrameHeader, geo Geometry, padding int) {
	q.hasFrame = true
	q.header = h
	q.geo = geo
	q.padding = padding
	q.recovered = false
	q.abandoned = false

	size := geo.BufferSize()
	if cap(q.arena) < size {
		q.arena = make([]byte, size)
	} else {
		q.arena = q.arena[:size]
		clear(q.arena)
	}

	q.missing = make([][]bool, geo.ShardPackets)
	for packet := range q.missing {
		col := make([]bool, geo.TotalShards)
		for shard := range col {
			col[shard] = true
		}
		q.missing[packet] = col
	}
	q.receivedData = make([]int, geo.ShardPackets)
	q.receivedParity = make([]int, geo.ShardPackets)
	q.columnDone = make([]bool, geo.ShardPackets)

	// the sender never transmits the zero tail of the last data shard
	for i := 0; i < padding; i++ {
		packet := geo.ShardPackets - i - 1
		q.missing[packet][geo.TotalDataShards-1] = false
		q.receivedData[packet]++
	}
}

// checkWholeFrameLoss compares the start counter of a new frame with the
// one predicted from the previous frame. Counters wrap; a start behind the
// prediction is reordering or a stream restart, not loss.
func (q *FecQueue) checkWholeFrameLoss(h VideoFrameHeader, geo Geometry, padding int) (FrameLossEvent, bool) {
	start := frameStartCounter(h, geo, padding)
	expected := q.nextFrameStart
	hadPrediction := q.havePrediction

	q.nextFrameStart = start + uint32(geo.PacketCount())
	q.havePrediction = true

	if !hadPrediction || start == expected {
		return FrameLossEvent{}, false
	}

	delta := int32(start - expected)
	if delta < 0 {
		q.logger.V(1).Info("video frame started behind prediction",
			"videoFrameIndex", h.VideoFrameIndex, "expected", expected, "observed", start)
		return FrameLossEvent{}, false
	}

	q.logger.V(1).Info("whole video frame lost",
		"videoFrameIndex", h.VideoFrameIndex, "expected", expected, "observed", start, "lostPackets", delta)

	return FrameLossEvent{
		Kind:               LossWholeFrame,
		VideoFrameIndex:    h.VideoFrameIndex,
		PreviousFrameIndex: q.header.VideoFrameIndex,
		ExpectedStart:      expected,
		ObservedStart:      start,
		LostPackets:        uint32(delta),
	}, true
}

func (q *FecQueue) incompleteEvent() FrameLossEvent {
	ev := FrameLossEvent{
		Kind:            LossIncompleteFrame,
		VideoFrameIndex: q.header.VideoFrameIndex,
		Geometry:        q.geo,
		ReceivedData:    append([]int(nil), q.receivedData...),
		ReceivedParity:  append([]int(nil), q.receivedParity...),
	}
	q.logger.V(1).Info("video frame replaced before reconstruction",
		"videoFrameIndex", q.header.VideoFrameIndex,
		"dataShards", q.geo.TotalDataShards,
		"parityShards", q.geo.TotalParityShards,
		"receivedData", ev.ReceivedData,
		"receivedParity", ev.ReceivedParity)
	return ev
}

// frameStartCounter derives the packet counter of the frame's first packet.
// Parity packets follow the data packets without the untransmitted padding.
func frameStartCounter(h VideoFrameHeader, geo Geometry, padding int) uint32 {
	index := h.FecIndex
	if int(index)/geo.ShardPackets >= geo.TotalDataShards {
		index -= uint32(padding)
	}
	return h.PacketCounter - index
}

func validFecIndex(geo Geometry, padding int, fecIndex uint32) bool {
	if int(fecIndex) >= geo.GridSize() {
		return false
	}
	// padding slots are never sent
	dataSlots := geo.TotalDataShards * geo.ShardPackets
	return int(fecIndex) < dataSlots-padding || int(fecIndex) >= dataSlots
}

func (q *FecQueue) position(fecIndex uint32) (shard, packet int) {
	return int(fecIndex) / q.geo.ShardPackets, int(fecIndex) % q.geo.ShardPackets
}

func (q *FecQueue) slot(shard, packet int) []byte {
	off := (shard*q.geo.ShardPackets + packet) * MaxPacketPayload
	return q.arena[off : off+MaxPacketPayload : off+MaxPacketPayload]
}
