package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var wireOrder = binary.LittleEndian

var fixedPacketSizes = map[PacketType]int{
	PacketTypeHello:               binary.Size(HelloMessage{}),
	PacketTypeConnectionMessage:   binary.Size(ConnectionMessage{}),
	PacketTypeRecoverConnection:   binary.Size(RecoverConnection{}),
	PacketTypeBroadcastRequest:    binary.Size(BroadcastRequest{}),
	PacketTypeStreamControl:       binary.Size(StreamControl{}),
	PacketTypeTrackingInfo:        4,
	PacketTypeTimeSync:            binary.Size(TimeSync{}),
	PacketTypeChangeSettings:      binary.Size(ChangeSettings{}),
	PacketTypeVideoFrame:          VideoFrameHeaderSize,
	PacketTypeAudioFrameStart:     binary.Size(AudioFrameStart{}),
	PacketTypeAudioFrame:          binary.Size(AudioFrame{}),
	PacketTypePacketErrorReport:   binary.Size(PacketErrorReport{}),
	PacketTypeHaptics:             binary.Size(HapticsFeedback{}),
	PacketTypeMicAudio:            binary.Size(AudioFrame{}),
	PacketTypeGuardianSyncStart:   binary.Size(GuardianSyncStart{}),
	PacketTypeGuardianSyncAck:     binary.Size(GuardianSyncAck{}),
	PacketTypeGuardianSegmentData: binary.Size(GuardianSegmentData{}),
	PacketTypeGuardianSegmentAck:  binary.Size(GuardianSegmentAck{}),
}

// MinPacketSize returns the fixed part size of a packet type, or 0 for
// unknown types.
func MinPacketSize(t PacketType) int {
	return fixedPacketSizes[t]
}

// PeekType reads the type tag and checks the datagram is long enough for it.
func PeekType(b []byte) (PacketType, error) {
	if len(b) < 4 {
		return 0, ErrPacketTooShort
	}
	t := PacketType(wireOrder.Uint32(b))
	size, ok := fixedPacketSizes[t]
	if !ok {
		return t, fmt.Errorf("%w: %d", ErrUnknownPacketType, uint32(t))
	}
	if len(b) < size {
		return t, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrPacketTooShort, t, size, len(b))
	}
	return t, nil
}

func decodePacket[T any](b []byte, want PacketType) (T, error) {
	var v T
	t, err := PeekType(b)
	if err != nil {
		return v, err
	}
	if t != want {
		return v, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedPacketType, want, t)
	}
	if _, err := binary.Decode(b, wireOrder, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", want, err)
	}
	return v, nil
}

// MarshalPacket encodes any fixed layout packet struct.
func MarshalPacket(v any) []byte {
	b, err := binary.Append(nil, wireOrder, v)
	if err != nil {
		// only reachable with a non fixed size type
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}

func DecodeHello(b []byte) (HelloMessage, error) {
	return decodePacket[HelloMessage](b, PacketTypeHello)
}

func DecodeConnectionMessage(b []byte) (ConnectionMessage, error) {
	return decodePacket[ConnectionMessage](b, PacketTypeConnectionMessage)
}

func DecodeStreamControl(b []byte) (StreamControl, error) {
	return decodePacket[StreamControl](b, PacketTypeStreamControl)
}

func DecodeTimeSync(b []byte) (TimeSync, error) {
	return decodePacket[TimeSync](b, PacketTypeTimeSync)
}

func DecodeChangeSettings(b []byte) (ChangeSettings, error) {
	return decodePacket[ChangeSettings](b, PacketTypeChangeSettings)
}

func DecodePacketErrorReport(b []byte) (PacketErrorReport, error) {
	return decodePacket[PacketErrorReport](b, PacketTypePacketErrorReport)
}

func DecodeHaptics(b []byte) (HapticsFeedback, error) {
	return decodePacket[HapticsFeedback](b, PacketTypeHaptics)
}

func DecodeGuardianSyncStart(b []byte) (GuardianSyncStart, error) {
	return decodePacket[GuardianSyncStart](b, PacketTypeGuardianSyncStart)
}

func DecodeGuardianSyncAck(b []byte) (GuardianSyncAck, error) {
	return decodePacket[GuardianSyncAck](b, PacketTypeGuardianSyncAck)
}

func DecodeGuardianSegmentData(b []byte) (GuardianSegmentData, error) {
	return decodePacket[GuardianSegmentData](b, PacketTypeGuardianSegmentData)
}

func DecodeGuardianSegmentAck(b []byte) (GuardianSegmentAck, error) {
	return decodePacket[GuardianSegmentAck](b, PacketTypeGuardianSegmentAck)
}

// DecodeAudioFrameStart returns the header and the trailing payload.
func DecodeAudioFrameStart(b []byte) (AudioFrameStart, []byte, error) {
	h, err := decodePacket[AudioFrameStart](b, PacketTypeAudioFrameStart)
	if err != nil {
		return h, nil, err
	}
	return h, b[fixedPacketSizes[PacketTypeAudioFrameStart]:], nil
}

// DecodeAudioFrame returns the header and the trailing payload.
func DecodeAudioFrame(b []byte) (AudioFrame, []byte, error) {
	h, err := decodePacket[AudioFrame](b, PacketTypeAudioFrame)
	if err != nil {
		return h, nil, err
	}
	return h, b[fixedPacketSizes[PacketTypeAudioFrame]:], nil
}

// ParseVideoFrame decodes the header by hand since it runs for every video
// packet. The payload aliases b.
func ParseVideoFrame(b []byte) (VideoFrameHeader, []byte, error) {
	var h VideoFrameHeader
	if len(b) < VideoFrameHeaderSize {
		return h, nil, ErrPacketTooShort
	}
	h.Type = PacketType(wireOrder.Uint32(b[0:]))
	if h.Type != PacketTypeVideoFrame {
		return h, nil, fmt.Errorf("%w: want %s, got %s", ErrUnexpectedPacketType, PacketTypeVideoFrame, h.Type)
	}
	h.PacketCounter = wireOrder.Uint32(b[4:])
	h.TrackingFrameIndex = wireOrder.Uint64(b[8:])
	h.VideoFrameIndex = wireOrder.Uint64(b[16:])
	h.SentTime = wireOrder.Uint64(b[24:])
	h.FrameByteSize = wireOrder.Uint32(b[32:])
	h.FecIndex = wireOrder.Uint32(b[36:])
	h.FecPercentage = wireOrder.Uint16(b[40:])

	payload := b[VideoFrameHeaderSize:]
	if len(payload) > MaxPacketPayload {
		return h, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return h, payload, nil
}

// AppendVideoFrame appends an encoded video packet to dst.
func AppendVideoFrame(dst []byte, h VideoFrameHeader, payload []byte) []byte {
	h.Type = PacketTypeVideoFrame
	dst = wireOrder.AppendUint32(dst, uint32(h.Type))
	dst = wireOrder.AppendUint32(dst, h.PacketCounter)
	dst = wireOrder.AppendUint64(dst, h.TrackingFrameIndex)
	dst = wireOrder.AppendUint64(dst, h.VideoFrameIndex)
	dst = wireOrder.AppendUint64(dst, h.SentTime)
	dst = wireOrder.AppendUint32(dst, h.FrameByteSize)
	dst = wireOrder.AppendUint32(dst, h.FecIndex)
	dst = wireOrder.AppendUint16(dst, h.FecPercentage)
	return append(dst, payload...)
}

// NewHelloMessage fills a hello packet for the given device.
func NewHelloMessage(dev DeviceConfig) HelloMessage {
	h := HelloMessage{
		Type:         PacketTypeHello,
		RefreshRate:  uint16(dev.RefreshRate),
		RenderWidth:  uint32(dev.RenderWidth),
		RenderHeight: uint32(dev.RenderHeight),
		IPD:          float32(dev.IPD),
	}
	copy(h.Signature[:], HelloSignature)
	copy(h.Version[:], dev.Version)
	copy(h.DeviceName[:], dev.Name)
	for i := range h.EyeFov {
		if i < len(dev.EyeFov) {
			h.EyeFov[i] = dev.EyeFov[i]
		}
	}
	return h
}

// CString trims a NUL padded fixed size string field.
func CString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
