package internal

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEgressConfig() EgressConfig {
	return EgressConfig{PayloadType: 96, SSRC: 0x1234, MTU: 1200}
}

func testKeyframe() EventVideoFrame {
	return EventVideoFrame{
		Codec:         CodecH264,
		Keyframe:      true,
		ParameterSets: concat(testSPS, testPPS),
		Frame:         testIDR,
	}
}

func TestRTPEgressPacketize(t *testing.T) {
	e, err := NewRTPEgress(testEgressConfig(), 72, nil)
	require.NoError(t, err)
	defer e.Stop()

	raw, err := e.Packetize(concat(testSPS, testPPS, testIDR))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var first rtp.Packet
	for i, b := range raw {
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(b))
		assert.Equal(t, uint8(96), pkt.PayloadType)
		assert.Equal(t, uint32(0x1234), pkt.SSRC)
		assert.Equal(t, i == len(raw)-1, pkt.Marker)
		if i == 0 {
			first = pkt
		}
		assert.Equal(t, first.Timestamp, pkt.Timestamp)
	}

	next, err := e.Packetize(testIDR)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(next[0]))
	assert.Equal(t, first.Timestamp+videoClockRate/72, pkt.Timestamp)
}

func TestRTPEgressForwards(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	cfg := testEgressConfig()
	cfg.Destinations = []string{listener.LocalAddr().String()}
	e, err := NewRTPEgress(cfg, 72, NewMetrics())
	require.NoError(t, err)
	defer e.Stop()

	require.NoError(t, e.HandleEvent(t.Context(), testKeyframe()))
	require.NoError(t, e.HandleEvent(t.Context(), EventFrameLost{}))

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, MaxUDPPacketSize)
	n, err := listener.Read(buf)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(96), pkt.PayloadType)

	stats := e.GetStats()
	assert.Equal(t, uint64(1), stats.FramesSent)
	assert.NotZero(t, stats.PacketsSent)
	assert.Equal(t, 1, stats.Destinations)

	e.RemoveDestination(listener.LocalAddr().String())
	assert.Equal(t, 0, e.GetStats().Destinations)
}

func TestRTPEgressSRTP(t *testing.T) {
	key := make([]byte, 16)
	salt := make([]byte, 14)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range salt {
		salt[i] = byte(0xa0 + i)
	}

	cfg := testEgressConfig()
	cfg.SRTP = SRTPConfig{
		Enabled: true,
		Key:     base64.StdEncoding.EncodeToString(key),
		Salt:    base64.StdEncoding.EncodeToString(salt),
	}
	e, err := NewRTPEgress(cfg, 72, nil)
	require.NoError(t, err)
	defer e.Stop()

	raw, err := e.Packetize(testIDR)
	require.NoError(t, err)
	require.Len(t, raw, 1)

	decrypt, err := srtp.CreateContext(key, salt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	require.NoError(t, err)
	plain, err := decrypt.DecryptRTP(nil, raw[0], nil)
	require.NoError(t, err)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(plain))
	assert.Equal(t, testIDR[4:], pkt.Payload)
}

func TestRTPEgressSkipsOtherCodecs(t *testing.T) {
	e, err := NewRTPEgress(testEgressConfig(), 72, nil)
	require.NoError(t, err)

	frame := testKeyframe()
	frame.Codec = CodecH265
	require.NoError(t, e.WriteFrame(frame))
	require.NoError(t, e.WriteFrame(frame))

	stats := e.GetStats()
	assert.Equal(t, uint64(2), stats.FramesSkip)
	assert.Zero(t, stats.FramesSent)

	e.Stop()
	assert.NoError(t, e.WriteFrame(testKeyframe()))
}

func TestRTPEgressRejectsConfig(t *testing.T) {
	cfg := testEgressConfig()
	cfg.MTU = 0
	_, err := NewRTPEgress(cfg, 72, nil)
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeConfiguration})

	cfg = testEgressConfig()
	cfg.SRTP = SRTPConfig{Enabled: true, Key: "short", Salt: "short"}
	_, err = NewRTPEgress(cfg, 72, nil)
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeSRTP})

	cfg = testEgressConfig()
	cfg.Destinations = []string{"not-an-address"}
	_, err = NewRTPEgress(cfg, 72, nil)
	assert.ErrorIs(t, err, &LinkError{Code: ErrCodeRTP})
}
