package internal

import "fmt"

// Geometry describes how one video frame is split into shards and packets.
type Geometry struct {
	FrameByteSize     int
	FecPercentage     int
	ShardPackets      int
	BlockSize         int
	TotalDataShards   int
	TotalParityShards int
	TotalShards       int
}

// CalculateParityShards returns the parity shards protecting dataShards at
// the given percentage, rounding up.
func CalculateParityShards(dataShards, fecPercentage int) int {
	return (dataShards*fecPercentage + 99) / 100
}

func maxDataShards(fecPercentage int) int {
	return ((MaxShards-2)*100 + 99 + fecPercentage) / (100 + fecPercentage)
}

// GeometryFits reports whether frames protected with fecPercentage can be
// laid out within MaxShards.
func GeometryFits(fecPercentage int) bool {
	if fecPercentage < 0 {
		return false
	}
	m := maxDataShards(fecPercentage)
	return m > 0 && m+CalculateParityShards(m, fecPercentage) <= MaxShards
}

// CalculateShardPackets returns how many packets make up one shard so that
// the frame fits within MaxShards. It panics when fecPercentage cannot fit
// at all; validate untrusted input with GeometryFits first.
func CalculateShardPackets(frameByteSize, fecPercentage int) int {
	if !GeometryFits(fecPercentage) {
		panic(fmt.Sprintf("fec percentage %d exceeds %d shards", fecPercentage, MaxShards))
	}
	m := maxDataShards(fecPercentage)
	minBlockSize := (frameByteSize + m - 1) / m
	return (minBlockSize + MaxPacketPayload - 1) / MaxPacketPayload
}

// ComputeGeometry derives the full shard layout of a frame.
func ComputeGeometry(frameByteSize, fecPercentage int) Geometry {
	g := Geometry{
		FrameByteSize: frameByteSize,
		FecPercentage: fecPercentage,
		ShardPackets:  CalculateShardPackets(frameByteSize, fecPercentage),
	}
	g.BlockSize = g.ShardPackets * MaxPacketPayload
	g.TotalDataShards = (frameByteSize + g.BlockSize - 1) / g.BlockSize
	g.TotalParityShards = CalculateParityShards(g.TotalDataShards, fecPercentage)
	g.TotalShards = g.TotalDataShards + g.TotalParityShards
	return g
}

// DataPackets is the number of packets carrying frame bytes.
func (g Geometry) DataPackets() int {
	return (g.FrameByteSize + MaxPacketPayload - 1) / MaxPacketPayload
}

// PaddingPackets is the number of trailing packets of the last data shard
// the sender never transmits.
func (g Geometry) PaddingPackets() int {
	if g.ShardPackets == 0 {
		return 0
	}
	return (g.ShardPackets - g.DataPackets()%g.ShardPackets) % g.ShardPackets
}

// PacketCount is the number of packets actually sent for the frame.
func (g Geometry) PacketCount() int {
	return g.TotalShards*g.ShardPackets - g.PaddingPackets()
}

// GridSize is the number of packet slots in the shard grid.
func (g Geometry) GridSize() int {
	return g.TotalShards * g.ShardPackets
}

// BufferSize is the arena size needed to hold every shard.
func (g Geometry) BufferSize() int {
	return g.TotalShards * g.BlockSize
}
