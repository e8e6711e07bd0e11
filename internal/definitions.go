package internal

// PacketType is the leading tag of every datagram exchanged with the host.
type PacketType uint32

const (
	PacketTypeHello               PacketType = 1
	PacketTypeConnectionMessage   PacketType = 2
	PacketTypeRecoverConnection   PacketType = 3
	PacketTypeBroadcastRequest    PacketType = 4
	PacketTypeStreamControl       PacketType = 5
	PacketTypeTrackingInfo        PacketType = 6
	PacketTypeTimeSync            PacketType = 7
	PacketTypeChangeSettings      PacketType = 8
	PacketTypeVideoFrame          PacketType = 9
	PacketTypeAudioFrameStart     PacketType = 10
	PacketTypeAudioFrame          PacketType = 11
	PacketTypePacketErrorReport   PacketType = 12
	PacketTypeHaptics             PacketType = 13
	PacketTypeMicAudio            PacketType = 14
	PacketTypeGuardianSyncStart   PacketType = 15
	PacketTypeGuardianSyncAck     PacketType = 16
	PacketTypeGuardianSegmentData PacketType = 17
	PacketTypeGuardianSegmentAck  PacketType = 18
)

var packetTypeNames = map[PacketType]string{
	PacketTypeHello:               "hello",
	PacketTypeConnectionMessage:   "connection_message",
	PacketTypeRecoverConnection:   "recover_connection",
	PacketTypeBroadcastRequest:    "broadcast_request",
	PacketTypeStreamControl:       "stream_control",
	PacketTypeTrackingInfo:        "tracking_info",
	PacketTypeTimeSync:            "time_sync",
	PacketTypeChangeSettings:      "change_settings",
	PacketTypeVideoFrame:          "video_frame",
	PacketTypeAudioFrameStart:     "audio_frame_start",
	PacketTypeAudioFrame:          "audio_frame",
	PacketTypePacketErrorReport:   "packet_error_report",
	PacketTypeHaptics:             "haptics",
	PacketTypeMicAudio:            "mic_audio",
	PacketTypeGuardianSyncStart:   "guardian_sync_start",
	PacketTypeGuardianSyncAck:     "guardian_sync_ack",
	PacketTypeGuardianSegmentData: "guardian_segment_data",
	PacketTypeGuardianSegmentAck:  "guardian_segment_ack",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

const (
	// MaxPacketSize is the largest datagram the host sends.
	MaxPacketSize = 1400

	// MaxUDPPacketSize bounds the receive buffer for a single datagram.
	MaxUDPPacketSize = 2000

	// VideoFrameHeaderSize is the packed size of the video frame header.
	VideoFrameHeaderSize = 42

	// MaxPacketPayload is the video payload carried by one packet.
	MaxPacketPayload = MaxPacketSize - VideoFrameHeaderSize

	// MaxShards caps data plus parity shards of one frame.
	MaxShards = 20

	// GuardianSegmentSize is the number of boundary points per segment.
	GuardianSegmentSize = 100

	// HelloSignature identifies hello packets.
	HelloSignature = "ALVR"
)

// Codec identifies the video bitstream announced by the host.
type Codec uint32

const (
	CodecH264 Codec = 0
	CodecH265 Codec = 1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return "unknown"
	}
}

// LostFrameType tells the host which stream a loss report refers to.
type LostFrameType uint32

const (
	LostFrameTypeVideo LostFrameType = 0
	LostFrameTypeAudio LostFrameType = 1
)

// StreamControlMode values carried by stream control packets.
const (
	StreamControlStart uint32 = 1
	StreamControlStop  uint32 = 2
)

// TimeSync modes.
const (
	TimeSyncProbe   uint32 = 0
	TimeSyncReflect uint32 = 1
	TimeSyncCommit  uint32 = 2
)

// EyeFov holds the field of view of one eye in degrees.
type EyeFov struct {
	Left   float32
	Right  float32
	Top    float32
	Bottom float32
}

// Quat is a tracking orientation.
type Quat struct {
	X, Y, Z, W float32
}

// Vec3 is a tracking position.
type Vec3 struct {
	X, Y, Z float32
}

// Vec2 is a planar size.
type Vec2 struct {
	X, Y float32
}

// HelloMessage announces the client during discovery.
type HelloMessage struct {
	Type PacketType

	// Signature is always HelloSignature
	Signature [4]byte

	// Version is the NUL padded client version string
	Version [32]byte

	// DeviceName is the NUL padded device name
	DeviceName [32]byte

	// RefreshRate of the display in Hz
	RefreshRate uint16

	// RenderWidth and RenderHeight of one eye in pixels
	RenderWidth  uint32
	RenderHeight uint32

	// EyeFov for left and right eye
	EyeFov [2]EyeFov

	// IPD in meters
	IPD float32
}

// ConnectionMessage is the host's acceptance of a hello.
type ConnectionMessage struct {
	Type                    PacketType
	Codec                   Codec
	VideoWidth              uint32
	VideoHeight             uint32
	BufferSize              uint32
	FrameQueueSize          uint32
	RefreshRate             uint8
	StreamMic               bool
	FoveationMode           uint8
	FoveationStrength       float32
	FoveationShape          float32
	FoveationVerticalOffset float32
	WebGuiURL               [32]byte
}

// RecoverConnection asks a known host to resume without discovery.
type RecoverConnection struct {
	Type PacketType
}

// BroadcastRequest asks clients to announce themselves.
type BroadcastRequest struct {
	Type PacketType
}

// StreamControl starts or stops the stream.
type StreamControl struct {
	Type PacketType
	Mode uint32
}

// TimeSync carries the clock exchange and, in probe mode, the client's
// telemetry for the last closed second. Latencies are in microseconds.
type TimeSync struct {
	Type       PacketType
	Mode       uint32
	Sequence   uint64
	ServerTime uint64
	ClientTime uint64

	PacketsLostTotal    uint64
	PacketsLostInSecond uint64

	AverageTotalLatency uint32
	MaxTotalLatency     uint32
	MinTotalLatency     uint32

	AverageTransportLatency uint32
	MaxTransportLatency     uint32
	MinTransportLatency     uint32

	AverageDecodeLatency uint32
	MaxDecodeLatency     uint32
	MinDecodeLatency     uint32

	FecFailure         uint32
	FecFailureInSecond uint64
	FecFailureTotal    uint64

	FPS uint32
}

// ChangeSettings pushes runtime settings from the host.
type ChangeSettings struct {
	Type           PacketType
	DebugFlags     uint64
	Suspend        uint32
	FrameQueueSize uint32
}

// VideoFrameHeader precedes every video payload.
type VideoFrameHeader struct {
	Type PacketType

	// PacketCounter is the per-stream sequence, wrapping at 32 bits
	PacketCounter uint32

	// TrackingFrameIndex ties the frame to the tracking sample it was rendered for
	TrackingFrameIndex uint64

	// VideoFrameIndex identifies this encoded frame
	VideoFrameIndex uint64

	// SentTime on the host clock in microseconds
	SentTime uint64

	// FrameByteSize is the encoded size before sharding
	FrameByteSize uint32

	// FecIndex is the packet position in the shard grid
	FecIndex uint32

	// FecPercentage is the parity ratio for this frame only
	FecPercentage uint16
}

// AudioFrameStart opens an audio frame.
type AudioFrameStart struct {
	Type             PacketType
	PacketCounter    uint32
	PresentationTime uint64
	FrameByteSize    uint32
}

// AudioFrame continues an audio frame.
type AudioFrame struct {
	Type          PacketType
	PacketCounter uint32
}

// PacketErrorReport tells the host about lost packets.
type PacketErrorReport struct {
	Type              PacketType
	LostFrameType     LostFrameType
	FromPacketCounter uint32
	ToPacketCounter   uint32
}

// HapticsFeedback asks the client to vibrate a controller.
type HapticsFeedback struct {
	Type PacketType

	// StartTime is the delay from now in microseconds
	StartTime uint64
	Amplitude float32
	Duration  float32
	Frequency float32

	// Hand is 0 for right, 1 for left
	Hand uint8
}

// GuardianSyncStart opens a boundary upload.
type GuardianSyncStart struct {
	Type                PacketType
	Timestamp           uint64
	StandingPosRotation Quat
	StandingPosPosition Vec3
	PlayAreaSize        Vec2
	TotalPointCount     uint32
}

// GuardianSyncAck acknowledges a GuardianSyncStart.
type GuardianSyncAck struct {
	Type      PacketType
	Timestamp uint64
}

// GuardianSegmentData carries up to GuardianSegmentSize boundary points.
type GuardianSegmentData struct {
	Type         PacketType
	Timestamp    uint64
	SegmentIndex uint32
	Points       [GuardianSegmentSize]Vec3
}

// GuardianSegmentAck acknowledges one segment.
type GuardianSegmentAck struct {
	Type         PacketType
	Timestamp    uint64
	SegmentIndex uint32
}
