//go:build ignore

// Loopback host: answers the client's hello and streams synthetic H264
// frames with FEC so the receive path can be exercised without a real host.
//
//	go run test_server.go -loss 5
package main

import (
	"flag"
	"log"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"vrlink/internal"
)

func main() {
	listen := flag.String("listen", ":9943", "UDP address to receive hellos on")
	fps := flag.Int("fps", 72, "frames per second")
	fec := flag.Int("fec", 5, "FEC percentage")
	loss := flag.Float64("loss", 0, "percentage of video packets to drop")
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *listen)
	if err != nil {
		log.Fatalf("Failed to resolve UDP address: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	defer conn.Close()
	log.Printf("📡 Waiting for a client on %s", conn.LocalAddr())

	var (
		mu        sync.Mutex
		client    *net.UDPAddr
		streaming bool
	)
	clock := internal.NewClockSync(nil)

	go func() {
		buf := make([]byte, internal.MaxUDPPacketSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				log.Printf("❌ Read failed: %v", err)
				return
			}
			b := buf[:n]
			t, err := internal.PeekType(b)
			if err != nil {
				continue
			}

			switch t {
			case internal.PacketTypeHello:
				hello, err := internal.DecodeHello(b)
				if err != nil {
					continue
				}
				log.Printf("👋 Hello from %s (%s %s)", from,
					internal.CString(hello.DeviceName[:]), internal.CString(hello.Version[:]))

				msg := internal.ConnectionMessage{
					Type:        internal.PacketTypeConnectionMessage,
					Codec:       internal.CodecH264,
					VideoWidth:  hello.RenderWidth * 2,
					VideoHeight: hello.RenderHeight,
					BufferSize:  200000,
					RefreshRate: uint8(hello.RefreshRate),
				}
				conn.WriteToUDP(internal.MarshalPacket(msg), from)

				mu.Lock()
				client = from
				mu.Unlock()

			case internal.PacketTypeStreamControl:
				sc, err := internal.DecodeStreamControl(b)
				if err != nil {
					continue
				}
				mu.Lock()
				streaming = sc.Mode == internal.StreamControlStart
				mu.Unlock()
				log.Printf("🎬 Stream control %d from %s", sc.Mode, from)

			case internal.PacketTypeTimeSync:
				ts, err := internal.DecodeTimeSync(b)
				if err != nil {
					continue
				}
				if ts.Mode == internal.TimeSyncProbe && ts.FPS > 0 {
					log.Printf("📊 fps=%d lost=%d fec_failures=%d latency=%dus",
						ts.FPS, ts.PacketsLostInSecond, ts.FecFailureInSecond, ts.AverageTotalLatency)
				}
				if reply, ok := clock.Handle(ts); ok {
					conn.WriteToUDP(internal.MarshalPacket(reply), from)
				}

			case internal.PacketTypePacketErrorReport:
				report, err := internal.DecodePacketErrorReport(b)
				if err == nil {
					log.Printf("⚠️ Client lost packets %d..%d", report.FromPacketCounter, report.ToPacketCounter)
				}
			}
		}
	}()

	encoder := internal.NewFecEncoder(0)
	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	var frameIndex uint64
	for range ticker.C {
		mu.Lock()
		to, on := client, streaming
		mu.Unlock()
		if to == nil || !on {
			continue
		}

		frameIndex++
		frame := syntheticFrame(frameIndex%uint64(*fps) == 1)
		packets, err := encoder.Encode(internal.VideoFrameHeader{
			TrackingFrameIndex: frameIndex,
			VideoFrameIndex:    frameIndex,
			SentTime:           uint64(time.Now().UnixMicro()),
		}, frame, *fec)
		if err != nil {
			log.Fatalf("Failed to encode frame: %v", err)
		}

		for _, pkt := range packets {
			if rand.Float64()*100 < *loss {
				continue
			}
			if _, err := conn.WriteToUDP(pkt, to); err != nil {
				log.Printf("❌ Failed to send packet: %v", err)
			}
		}
	}
}

// syntheticFrame builds an Annex B access unit. Keyframes carry SPS and PPS
// ahead of the IDR slice.
func syntheticFrame(keyframe bool) []byte {
	startCode := []byte{0, 0, 0, 1}
	var frame []byte
	if keyframe {
		frame = append(frame, startCode...)
		frame = append(frame, 0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16)
		frame = append(frame, startCode...)
		frame = append(frame, 0x68, 0xce, 0x3c, 0x80)
		frame = append(frame, startCode...)
		frame = append(frame, 0x65)
	} else {
		frame = append(frame, startCode...)
		frame = append(frame, 0x41)
	}

	size := 4000 + rand.IntN(20000)
	if keyframe {
		size *= 3
	}
	body := make([]byte, size)
	for i := range body {
		// avoid emulating start codes
		body[i] = byte(rand.IntN(254) + 1)
	}
	return append(frame, body...)
}
