package internal

import (
	"errors"
	"fmt"
)

// FecEncoder splits frames into FEC protected video packets the way the
// host does. The loopback host and the tests drive the receive path with it.
type FecEncoder struct {
	codecs  *ReedSolomonCodecs
	counter uint32
}

// NewFecEncoder creates an encoder whose first packet carries counter.
func NewFecEncoder(counter uint32) *FecEncoder {
	return &FecEncoder{codecs: NewReedSolomonCodecs(), counter: counter}
}

// Counter returns the packet counter of the next packet.
func (e *FecEncoder) Counter() uint32 {
	return e.counter
}

// Skip advances the counter as if n packets had been sent.
func (e *FecEncoder) Skip(n int) {
	e.counter += uint32(n)
}

// Encode returns the datagrams of one frame in transmit order: data packets
// first, then parity. h supplies the frame indices and send time.
func (e *FecEncoder) Encode(h VideoFrameHeader, frame []byte, fecPercentage int) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	if !GeometryFits(fecPercentage) {
		return nil, fmt.Errorf("fec percentage %d does not fit %d shards", fecPercentage, MaxShards)
	}

	geo := ComputeGeometry(len(frame), fecPercentage)
	padding := geo.PaddingPackets()

	arena := make([]byte, geo.BufferSize())
	copy(arena, frame)
	slot := func(shard, packet int) []byte {
		off := (shard*geo.ShardPackets + packet) * MaxPacketPayload
		return arena[off : off+MaxPacketPayload]
	}

	if geo.TotalParityShards > 0 {
		encoder, err := e.codecs.Encoder(geo.TotalDataShards, geo.TotalParityShards)
		if err != nil {
			return nil, err
		}
		for packet := 0; packet < geo.ShardPackets; packet++ {
			shards := make([][]byte, geo.TotalShards)
			for shard := range shards {
				shards[shard] = slot(shard, packet)
			}
			if err := encoder.Encode(shards); err != nil {
				return nil, fmt.Errorf("encode column %d: %w", packet, err)
			}
		}
	}

	h.FrameByteSize = uint32(len(frame))
	h.FecPercentage = uint16(fecPercentage)

	dataSlots := geo.TotalDataShards * geo.ShardPackets
	packets := make([][]byte, 0, geo.PacketCount())
	for index := 0; index < geo.GridSize(); index++ {
		if index >= dataSlots-padding && index < dataSlots {
			continue
		}
		payload := slot(index/geo.ShardPackets, index%geo.ShardPackets)
		if index < dataSlots {
			if end := len(frame) - index*MaxPacketPayload; end < MaxPacketPayload {
				payload = payload[:end]
			}
		}

		h.PacketCounter = e.counter
		h.FecIndex = uint32(index)
		e.counter++
		packets = append(packets, AppendVideoFrame(make([]byte, 0, VideoFrameHeaderSize+len(payload)), h, payload))
	}
	return packets, nil
}
