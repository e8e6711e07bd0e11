package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeGeometryFivePercent(t *testing.T) {
	geo := ComputeGeometry(100_000, 5)

	assert.Equal(t, 1358, MaxPacketPayload)
	assert.Equal(t, 5, geo.ShardPackets)
	assert.Equal(t, 5*MaxPacketPayload, geo.BlockSize)
	assert.Equal(t, 15, geo.TotalDataShards)
	assert.Equal(t, 1, geo.TotalParityShards)
	assert.Equal(t, 16, geo.TotalShards)
	assert.LessOrEqual(t, geo.TotalShards, MaxShards)
}

func TestComputeGeometrySmallFrame(t *testing.T) {
	geo := ComputeGeometry(500, 0)

	assert.Equal(t, 1, geo.ShardPackets)
	assert.Equal(t, 1, geo.TotalDataShards)
	assert.Equal(t, 0, geo.TotalParityShards)
	assert.Equal(t, 1, geo.PacketCount())
	assert.Equal(t, 0, geo.PaddingPackets())
}

func TestGeometryPadding(t *testing.T) {
	// 3 data packets in shards of 2 leave one unsent slot
	geo := Geometry{FrameByteSize: 3 * MaxPacketPayload, ShardPackets: 2, TotalDataShards: 2, TotalParityShards: 1, TotalShards: 3}

	assert.Equal(t, 3, geo.DataPackets())
	assert.Equal(t, 1, geo.PaddingPackets())
	assert.Equal(t, 6, geo.GridSize())
	assert.Equal(t, 5, geo.PacketCount())
}

func TestGeometryStaysWithinMaxShards(t *testing.T) {
	for _, fec := range []int{0, 1, 5, 10, 25, 50, 100} {
		require.True(t, GeometryFits(fec), "fec %d", fec)
		for _, size := range []int{1, MaxPacketPayload, 10_000, 250_000, 2_000_000} {
			geo := ComputeGeometry(size, fec)
			assert.LessOrEqual(t, geo.TotalShards, MaxShards, "size %d fec %d", size, fec)
			assert.GreaterOrEqual(t, geo.TotalDataShards*geo.BlockSize, size, "size %d fec %d", size, fec)
		}
	}
}

func TestCalculateParityShardsRoundsUp(t *testing.T) {
	assert.Equal(t, 0, CalculateParityShards(10, 0))
	assert.Equal(t, 1, CalculateParityShards(1, 1))
	assert.Equal(t, 1, CalculateParityShards(15, 5))
	assert.Equal(t, 2, CalculateParityShards(16, 10))
}

func TestCalculateShardPacketsPanicsWhenUnfit(t *testing.T) {
	assert.False(t, GeometryFits(-1))
	assert.False(t, GeometryFits(2000))
	assert.Panics(t, func() { CalculateShardPackets(1000, 2000) })
}
