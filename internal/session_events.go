package internal

import "net"

// Event is delivered on Session.Events. The concrete types below are the
// only implementations.
type Event interface {
	EventName() string
}

// EventConnected is emitted once per completed handshake.
type EventConnected struct {
	SessionID string
	Peer      *net.UDPAddr
	Message   ConnectionMessage
}

// EventDisconnected is emitted once when a connected host goes silent.
type EventDisconnected struct {
	SessionID string
	Peer      *net.UDPAddr
	Reason    string
}

// EventVideoFrame carries a reconstructed frame. For keyframes the leading
// parameter sets are split off into ParameterSets.
type EventVideoFrame struct {
	VideoFrameIndex    uint64
	TrackingFrameIndex uint64
	Codec              Codec
	Keyframe           bool
	ParameterSets      []byte
	Frame              []byte
}

// EventFrameLost tells the decoder to expect a gap and request a keyframe.
type EventFrameLost struct {
	VideoFrameIndex uint64
	Losses          []FrameLossEvent
	Err             error
}

// EventAudio carries one audio packet payload in arrival order.
type EventAudio struct {
	PacketCounter    uint32
	Start            bool
	PresentationTime uint64
	FrameByteSize    uint32
	Payload          []byte
}

type EventHaptics struct {
	HapticsFeedback
}

type EventChangeSettings struct {
	ChangeSettings
}

// EventGuardianProgress is emitted when the host acknowledges part of a
// boundary upload.
type EventGuardianProgress struct {
	GuardianProgress
}

func (EventConnected) EventName() string        { return "connected" }
func (EventDisconnected) EventName() string     { return "disconnected" }
func (EventVideoFrame) EventName() string       { return "video_frame" }
func (EventFrameLost) EventName() string        { return "frame_lost" }
func (EventAudio) EventName() string            { return "audio" }
func (EventHaptics) EventName() string          { return "haptics" }
func (EventChangeSettings) EventName() string   { return "change_settings" }
func (EventGuardianProgress) EventName() string { return "guardian_progress" }
