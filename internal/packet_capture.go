package internal

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Direction of a captured datagram relative to this client.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// PacketTap observes every datagram the session reads or writes.
type PacketTap interface {
	Capture(dir Direction, local, remote net.Addr, payload []byte)
}

// PacketCapture writes session datagrams to a pcap file. Each datagram is
// wrapped in synthetic IPv4 and UDP headers so the file opens in any
// analyzer with the real addresses and ports.
type PacketCapture struct {
	mu      sync.Mutex
	file    *os.File
	writer  *pcapgo.Writer
	snaplen int
	now     Clock
	logger  logr.Logger
	packets uint64
	enabled bool
}

// NewPacketCapture creates the pcap file and writes its header.
func NewPacketCapture(path string, snaplen int) (*PacketCapture, error) {
	if snaplen <= 0 {
		snaplen = 65536
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewError(err, ErrCodeIO, "packet_capture", "mkdir")
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, NewError(err, ErrCodeIO, "packet_capture", "create")
	}

	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(uint32(snaplen), layers.LinkTypeRaw); err != nil {
		file.Close()
		return nil, NewError(err, ErrCodeIO, "packet_capture", "header")
	}

	c := &PacketCapture{
		file:    file,
		writer:  writer,
		snaplen: snaplen,
		now:     time.Now,
		logger:  NewLogger("packet_capture"),
		enabled: true,
	}
	c.logger.Info("packet capture initialized", "path", path)
	return c, nil
}

// SetEnabled pauses or resumes writing without closing the file.
func (c *PacketCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Capture implements PacketTap.
func (c *PacketCapture) Capture(dir Direction, local, remote net.Addr, payload []byte) {
	src, dst := udpAddr(remote), udpAddr(local)
	if dir == Outbound {
		src, dst = dst, src
	}

	frame, err := encapsulateUDP(src, dst, payload)
	if err != nil {
		c.logger.V(1).Info("cannot encapsulate datagram", "error", err)
		return
	}

	captured := frame
	if len(captured) > c.snaplen {
		captured = captured[:c.snaplen]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.writer == nil {
		return
	}
	err = c.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(captured),
		Length:        len(frame),
	}, captured)
	if err != nil {
		c.logger.Error(err, "failed to write capture record")
		return
	}
	c.packets++
}

// Packets returns the number of records written.
func (c *PacketCapture) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Close properly closes the pcap file
func (c *PacketCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	c.writer = nil
	c.logger.Info("packet capture closed", "packets", c.packets)
	return err
}

func encapsulateUDP(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ipv4OrZero(src.IP),
		DstIP:    ipv4OrZero(dst.IP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func udpAddr(addr net.Addr) *net.UDPAddr {
	if a, ok := addr.(*net.UDPAddr); ok && a != nil {
		return a
	}
	return &net.UDPAddr{IP: net.IPv4zero}
}

func ipv4OrZero(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return net.IPv4zero.To4()
}
