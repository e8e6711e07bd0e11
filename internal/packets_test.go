package internal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoFrameHeaderRoundTrip(t *testing.T) {
	require.Equal(t, VideoFrameHeaderSize, binary.Size(VideoFrameHeader{}))

	h := VideoFrameHeader{
		PacketCounter:      0xdeadbeef,
		TrackingFrameIndex: 11,
		VideoFrameIndex:    12,
		SentTime:           1_700_000_000_000_000,
		FrameByteSize:      100_000,
		FecIndex:           42,
		FecPercentage:      5,
	}
	pkt := AppendVideoFrame(nil, h, []byte{1, 2, 3})
	assert.Len(t, pkt, VideoFrameHeaderSize+3)

	// the hand written codec agrees with the generic one
	assert.Equal(t, MarshalPacket(VideoFrameHeader{
		Type:               PacketTypeVideoFrame,
		PacketCounter:      h.PacketCounter,
		TrackingFrameIndex: h.TrackingFrameIndex,
		VideoFrameIndex:    h.VideoFrameIndex,
		SentTime:           h.SentTime,
		FrameByteSize:      h.FrameByteSize,
		FecIndex:           h.FecIndex,
		FecPercentage:      h.FecPercentage,
	}), pkt[:VideoFrameHeaderSize])

	got, payload, err := ParseVideoFrame(pkt)
	require.NoError(t, err)
	h.Type = PacketTypeVideoFrame
	assert.Equal(t, h, got)
	assert.Equal(t, []byte{1, 2, 3}, payload)
}

func TestParseVideoFrameRejectsBadInput(t *testing.T) {
	_, _, err := ParseVideoFrame(make([]byte, VideoFrameHeaderSize-1))
	assert.ErrorIs(t, err, ErrPacketTooShort)

	pkt := MarshalPacket(StreamControl{Type: PacketTypeStreamControl})
	pkt = append(pkt, make([]byte, VideoFrameHeaderSize)...)
	_, _, err = ParseVideoFrame(pkt)
	assert.ErrorIs(t, err, ErrUnexpectedPacketType)

	oversized := AppendVideoFrame(nil, VideoFrameHeader{}, make([]byte, MaxPacketPayload+1))
	_, _, err = ParseVideoFrame(oversized)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPeekType(t *testing.T) {
	_, err := PeekType([]byte{1, 0})
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = PeekType([]byte{0xff, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownPacketType)

	// a time sync tag without its body
	_, err = PeekType([]byte{byte(PacketTypeTimeSync), 0, 0, 0})
	assert.ErrorIs(t, err, ErrPacketTooShort)

	pt, err := PeekType(MarshalPacket(TimeSync{Type: PacketTypeTimeSync}))
	require.NoError(t, err)
	assert.Equal(t, PacketTypeTimeSync, pt)
	assert.Equal(t, "time_sync", pt.String())
	assert.Equal(t, "unknown", PacketType(99).String())
}

func TestHelloMessage(t *testing.T) {
	dev := DefaultConfig().Device
	hello := NewHelloMessage(dev)

	b := MarshalPacket(hello)
	assert.Equal(t, MinPacketSize(PacketTypeHello), len(b))

	got, err := DecodeHello(b)
	require.NoError(t, err)
	assert.Equal(t, HelloSignature, string(got.Signature[:]))
	assert.Equal(t, dev.Name, CString(got.DeviceName[:]))
	assert.Equal(t, dev.Version, CString(got.Version[:]))
	assert.Equal(t, uint16(72), got.RefreshRate)
	assert.Equal(t, dev.EyeFov[1], got.EyeFov[1])
}

func TestDecodeWrongType(t *testing.T) {
	b := MarshalPacket(ChangeSettings{Type: PacketTypeChangeSettings, Suspend: 1})
	_, err := DecodeHaptics(b)
	assert.ErrorIs(t, err, ErrUnexpectedPacketType)

	cs, err := DecodeChangeSettings(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cs.Suspend)
}

func TestConnectionMessageRoundTrip(t *testing.T) {
	msg := ConnectionMessage{
		Type:           PacketTypeConnectionMessage,
		Codec:          CodecH265,
		VideoWidth:     3664,
		VideoHeight:    1920,
		BufferSize:     200_000,
		FrameQueueSize: 1,
		RefreshRate:    72,
		StreamMic:      true,
	}
	copy(msg.WebGuiURL[:], "http://host:8082")

	got, err := DecodeConnectionMessage(MarshalPacket(msg))
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Equal(t, "http://host:8082", CString(got.WebGuiURL[:]))
}

func TestAudioFramePayload(t *testing.T) {
	b := MarshalPacket(AudioFrameStart{Type: PacketTypeAudioFrameStart, PacketCounter: 3, FrameByteSize: 4})
	b = append(b, 9, 8, 7, 6)

	h, payload, err := DecodeAudioFrameStart(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.PacketCounter)
	assert.Equal(t, []byte{9, 8, 7, 6}, payload)

	b = append(MarshalPacket(AudioFrame{Type: PacketTypeAudioFrame, PacketCounter: 4}), 5)
	a, payload, err := DecodeAudioFrame(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), a.PacketCounter)
	assert.Equal(t, []byte{5}, payload)
}

func TestCString(t *testing.T) {
	assert.Equal(t, "abc", CString([]byte{'a', 'b', 'c', 0, 'x'}))
	assert.Equal(t, "abc", CString([]byte("abc")))
	assert.Equal(t, "", CString(make([]byte, 4)))
}
