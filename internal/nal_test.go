package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0, 0, 0, 1, 0x67, 0x42, 0xc0, 0x1f}
	testPPS = []byte{0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0, 0, 0, 1, 0x65, 0x88, 0x84, 0x21}
)

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestIsKeyframeH264(t *testing.T) {
	assert.True(t, IsKeyframe(concat(testSPS, testPPS, testIDR), CodecH264))
	assert.False(t, IsKeyframe([]byte{0, 0, 0, 1, 0x41, 0x9a}, CodecH264))
	assert.False(t, IsKeyframe([]byte{0, 0, 0}, CodecH264))
}

func TestIsKeyframeH265(t *testing.T) {
	vps := []byte{0, 0, 0, 1, 0x40, 0x01, 0x0c}
	assert.True(t, IsKeyframe(vps, CodecH265))

	nalType, ok := FrameNALType([]byte{0, 0, 0, 1, 0x02, 0x01}, CodecH265)
	require.True(t, ok)
	assert.Equal(t, uint8(1), nalType)
}

func TestSplitParameterSetsH264(t *testing.T) {
	frame := concat(testSPS, testPPS, testIDR)

	config, picture, err := SplitParameterSets(frame, CodecH264)
	require.NoError(t, err)
	assert.Equal(t, concat(testSPS, testPPS), config)
	assert.Equal(t, testIDR, picture)
}

func TestSplitParameterSetsH265(t *testing.T) {
	vps := []byte{0, 0, 0, 1, 0x40, 0x01, 0x0c}
	sps := []byte{0, 0, 0, 1, 0x42, 0x01, 0x01}
	pps := []byte{0, 0, 0, 1, 0x44, 0x01, 0xc1}
	idr := []byte{0, 0, 0, 1, 0x26, 0x01, 0xaf}

	config, picture, err := SplitParameterSets(concat(vps, sps, pps, idr), CodecH265)
	require.NoError(t, err)
	assert.Equal(t, concat(vps, sps, pps), config)
	assert.Equal(t, idr, picture)
}

func TestSplitParameterSetsMissing(t *testing.T) {
	frame := concat(testSPS, testPPS)
	config, picture, err := SplitParameterSets(frame, CodecH264)
	assert.ErrorIs(t, err, ErrParameterSetsNotFound)
	assert.Nil(t, config)
	assert.Equal(t, frame, picture)
}
