package internal

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	captureLocal  = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: 9944}
	captureRemote = &net.UDPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 9943}
)

type capturedDatagram struct {
	ci      gopacket.CaptureInfo
	ip      *layers.IPv4
	udp     *layers.UDP
	payload []byte
}

func readCapture(t *testing.T, path string) []capturedDatagram {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var out []capturedDatagram
	for {
		data, ci, err := r.ReadPacketData()
		if err != nil {
			break
		}
		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		d := capturedDatagram{ci: ci}
		if l, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
			d.ip = l
		}
		if l, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
			d.udp = l
			d.payload = l.Payload
		}
		out = append(out, d)
	}
	return out
}

func TestPacketCaptureWritesUDP(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "session.pcap")
	c, err := NewPacketCapture(path, 0)
	require.NoError(t, err)

	c.Capture(Inbound, captureLocal, captureRemote, []byte("from host"))
	c.Capture(Outbound, captureLocal, captureRemote, []byte("to host"))
	c.SetEnabled(false)
	c.Capture(Inbound, captureLocal, captureRemote, []byte("ignored"))
	assert.Equal(t, uint64(2), c.Packets())
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	got := readCapture(t, path)
	require.Len(t, got, 2)

	require.NotNil(t, got[0].udp)
	assert.True(t, got[0].ip.SrcIP.Equal(captureRemote.IP))
	assert.True(t, got[0].ip.DstIP.Equal(captureLocal.IP))
	assert.Equal(t, layers.UDPPort(9943), got[0].udp.SrcPort)
	assert.Equal(t, layers.UDPPort(9944), got[0].udp.DstPort)
	assert.Equal(t, []byte("from host"), got[0].payload)

	require.NotNil(t, got[1].udp)
	assert.True(t, got[1].ip.SrcIP.Equal(captureLocal.IP))
	assert.Equal(t, layers.UDPPort(9943), got[1].udp.DstPort)
	assert.Equal(t, []byte("to host"), got[1].payload)
}

func TestPacketCaptureSnaplen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.pcap")
	c, err := NewPacketCapture(path, 40)
	require.NoError(t, err)

	payload := make([]byte, 100)
	c.Capture(Inbound, captureLocal, captureRemote, payload)
	require.NoError(t, c.Close())

	got := readCapture(t, path)
	require.Len(t, got, 1)
	assert.Equal(t, 40, got[0].ci.CaptureLength)
	assert.Equal(t, 20+8+len(payload), got[0].ci.Length)
}

func TestPacketCaptureUnknownAddresses(t *testing.T) {
	frame, err := encapsulateUDP(udpAddr(nil), udpAddr(captureLocal), []byte{1})
	require.NoError(t, err)
	assert.Len(t, frame, 20+8+1)
}
