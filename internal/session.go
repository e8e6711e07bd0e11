package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

const (
	loopTick         = 10 * time.Millisecond
	datagramBacklog  = 256
	readErrorBackoff = 10 * time.Millisecond
)

// SessionState is the connection state of a Session.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateDiscovering
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MediaSink is stopped when the host times out.
type MediaSink interface {
	Stop()
}

// SessionConfig holds the transport parameters of a Session.
type SessionConfig struct {
	ListenAddress      string
	Port               int
	HelloPort          int
	BroadcastAddresses []string
	ReceiveBufferSize  int
	ConnectionTimeout  time.Duration
	BroadcastInterval  time.Duration
	TimeSyncInterval   time.Duration
	EventBuffer        int
	Device             DeviceConfig
}

// NewSessionConfig extracts the session parameters from the process config.
func NewSessionConfig(cfg *Config) SessionConfig {
	return SessionConfig{
		ListenAddress:      cfg.Transport.ListenAddress,
		Port:               cfg.Transport.DataPort,
		HelloPort:          cfg.Transport.HelloPort,
		BroadcastAddresses: cfg.Transport.BroadcastAddresses,
		ReceiveBufferSize:  cfg.Transport.ReceiveBufferSize,
		ConnectionTimeout:  cfg.Session.ConnectionTimeout(),
		BroadcastInterval:  cfg.Session.BroadcastInterval(),
		TimeSyncInterval:   cfg.Session.TimeSyncInterval(),
		EventBuffer:        cfg.Session.EventBuffer,
		Device:             cfg.Device,
	}
}

func (c *SessionConfig) applyDefaults() {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 3 * time.Second
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = time.Second
	}
	if c.TimeSyncInterval <= 0 {
		c.TimeSyncInterval = time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

func WithCollector(c *LatencyCollector) SessionOption {
	return func(s *Session) { s.collector = c }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithPacketTap(t PacketTap) SessionOption {
	return func(s *Session) { s.tap = t }
}

func WithMediaSink(sink MediaSink) SessionOption {
	return func(s *Session) { s.sink = sink }
}

func WithClock(now Clock) SessionOption {
	return func(s *Session) { s.now = now }
}

func WithLogger(logger logr.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func WithCodecFactory(f CodecFactory) SessionOption {
	return func(s *Session) { s.codecs = f }
}

// WithPacketConn makes the session use conn instead of binding its own
// socket. The session does not close it.
func WithPacketConn(conn net.PacketConn) SessionOption {
	return func(s *Session) { s.conn = conn }
}

// SessionStatus is a point in time view of the session for the API.
type SessionStatus struct {
	SessionID     string           `json:"session_id,omitempty"`
	State         string           `json:"state"`
	Peer          string           `json:"peer,omitempty"`
	ConnectedAt   time.Time        `json:"connected_at,omitzero"`
	Codec         string           `json:"codec,omitempty"`
	VideoWidth    uint32           `json:"video_width,omitempty"`
	VideoHeight   uint32           `json:"video_height,omitempty"`
	RefreshRate   uint8            `json:"refresh_rate,omitempty"`
	WebGuiURL     string           `json:"web_gui_url,omitempty"`
	ClockOffsetUs int64            `json:"clock_offset_us"`
	RTTUs         int64            `json:"rtt_us"`
	ClockSynced   bool             `json:"clock_synced"`
	SinkPrepared  bool             `json:"sink_prepared"`
	QueuedPackets int              `json:"queued_packets"`
	EventsDropped uint64           `json:"events_dropped"`
	Guardian      GuardianProgress `json:"guardian"`
}

type datagram struct {
	buf  *[MaxUDPPacketSize]byte
	n    int
	addr net.Addr
}

var datagramPool = sync.Pool{
	New: func() any { return new([MaxUDPPacketSize]byte) },
}

// Session is the client side of the streaming link: it discovers the host,
// completes the handshake, keeps the connection alive and turns inbound
// datagrams into events. All protocol state is owned by the Run goroutine.
type Session struct {
	cfg     SessionConfig
	logger  logr.Logger
	now     Clock
	metrics *Metrics
	tap     PacketTap
	sink    MediaSink
	codecs  CodecFactory
	conn    net.PacketConn
	ownConn bool

	collector *LatencyCollector
	stages    *FrameStageRecorder
	clock     *ClockSync
	fec       *FecQueue
	videoSeq  *SequenceTracker
	audioSeq  *SequenceTracker
	guardian  *GuardianSync
	sendQueue *SendQueue

	wake      chan struct{}
	events    chan Event
	recoverCh chan *net.UDPAddr

	running       atomic.Bool
	stopped       atomic.Bool
	sinkPrepared  atomic.Bool
	startPending  atomic.Bool
	state         atomic.Int32
	eventsDropped atomic.Uint64

	// owned by the loop
	hello             []byte
	broadcastTargets  []*net.UDPAddr
	peer              *net.UDPAddr
	lastReceived      time.Time
	lastBroadcast     time.Time
	lastTimeSync      time.Time
	lastTrackingIndex uint64
	haveTrackingIndex bool
	fecFailure        bool

	statusMu    sync.RWMutex
	sessionID   string
	statusPeer  string
	connectedAt time.Time
	connection  ConnectionMessage
}

// NewSession validates the configuration and prepares a session. Nothing
// is bound until Run.
func NewSession(cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	cfg.applyDefaults()

	s := &Session{
		cfg:       cfg,
		now:       time.Now,
		videoSeq:  NewSequenceTracker(),
		audioSeq:  NewSequenceTracker(),
		guardian:  NewGuardianSync(),
		sendQueue: NewSendQueue(),
		wake:      make(chan struct{}, 1),
		events:    make(chan Event, cfg.EventBuffer),
		recoverCh: make(chan *net.UDPAddr, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger.GetSink() == nil {
		s.logger = NewLogger("session")
	}
	if s.collector == nil {
		s.collector = NewLatencyCollector(s.now)
	}
	s.stages = NewFrameStageRecorder(s.collector)
	if s.codecs == nil {
		s.codecs = NewReedSolomonCodecs().Factory()
	}
	s.clock = NewClockSync(s.now)
	s.fec = NewFecQueue(s.codecs, s.logger.WithName("fec"))
	s.hello = MarshalPacket(NewHelloMessage(cfg.Device))

	for _, host := range cfg.BroadcastAddresses {
		for _, port := range []int{cfg.HelloPort, cfg.Port} {
			if port == 0 {
				continue
			}
			addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return nil, NewError(err, ErrCodeConfiguration, "session", "resolve_broadcast").
					WithContext(host)
			}
			s.broadcastTargets = append(s.broadcastTargets, addr)
		}
	}

	s.state.Store(int32(StateDisconnected))
	return s, nil
}

// Events returns the event channel. It is closed when Run returns.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Collector returns the latency collector fed by this session.
func (s *Session) Collector() *LatencyCollector {
	return s.collector
}

// Stages returns the recorder stamping decoder side stages. Register it
// as a video frame handler when no renderer reports its own stages.
func (s *Session) Stages() *FrameStageRecorder {
	return s.stages
}

// RecordFrameStage stamps a renderer or producer stage, such as
// "tracking" or "submit", for a tracking frame index.
func (s *Session) RecordFrameStage(frameIndex uint64, stage string) error {
	return s.stages.Record(frameIndex, stage)
}

// LocalAddr returns the bound address, or nil before Run.
func (s *Session) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// ID returns the id of the current connection, empty when disconnected.
func (s *Session) ID() string {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.sessionID
}

// Status returns a snapshot for diagnostics.
func (s *Session) Status() SessionStatus {
	s.statusMu.RLock()
	st := SessionStatus{
		SessionID:   s.sessionID,
		Peer:        s.statusPeer,
		ConnectedAt: s.connectedAt,
	}
	conn := s.connection
	s.statusMu.RUnlock()

	st.State = s.State().String()
	if st.SessionID != "" {
		st.Codec = conn.Codec.String()
		st.VideoWidth = conn.VideoWidth
		st.VideoHeight = conn.VideoHeight
		st.RefreshRate = conn.RefreshRate
		st.WebGuiURL = CString(conn.WebGuiURL[:])
	}
	st.ClockOffsetUs = s.clock.Offset().Microseconds()
	st.RTTUs = s.clock.RTT().Microseconds()
	st.ClockSynced = s.clock.Synced()
	st.SinkPrepared = s.sinkPrepared.Load()
	st.QueuedPackets = s.sendQueue.Len()
	st.EventsDropped = s.eventsDropped.Load()
	st.Guardian = s.guardian.Progress()
	return st
}

// Send queues a datagram for the host. The bytes are copied.
func (s *Session) Send(pkt []byte) error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if len(pkt) > MaxUDPPacketSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(pkt))
	}
	s.sendQueue.Push(pkt)
	s.signal()
	return nil
}

// SetSinkPrepared records whether the decoder can take frames. Becoming
// prepared while connected starts the stream.
func (s *Session) SetSinkPrepared(prepared bool) {
	s.sinkPrepared.Store(prepared)
	s.startPending.Store(prepared)
	if prepared {
		s.signal()
	}
}

// SyncGuardian starts uploading a play area boundary, replacing any upload
// in progress.
func (s *Session) SyncGuardian(data GuardianData) {
	s.guardian.Begin(data, s.now())
	s.signal()
}

// RecoverConnection asks a known host to resume streaming without waiting
// for discovery.
func (s *Session) RecoverConnection(address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return NewError(err, ErrCodeNetwork, "session", "recover").WithContext(address)
	}
	select {
	case s.recoverCh <- addr:
	default:
		// replace the pending request
		select {
		case <-s.recoverCh:
		default:
		}
		select {
		case s.recoverCh <- addr:
		default:
		}
	}
	s.signal()
	return nil
}

// Stop makes Run return. It is safe to call from any goroutine and more
// than once.
func (s *Session) Stop() {
	s.stopped.Store(true)
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run binds the socket and runs the I/O loop until ctx is done or Stop is
// called. Per packet problems never end the loop.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	if s.stopped.Load() {
		s.abort()
		return ErrSessionStopped
	}

	if s.conn == nil {
		conn, err := s.listen(ctx)
		if err != nil {
			s.abort()
			return err
		}
		s.conn = conn
		s.ownConn = true
	}
	s.setReadBuffer(s.cfg.ReceiveBufferSize)

	s.logger.Info("session started", "local", s.conn.LocalAddr().String(), "targets", len(s.broadcastTargets))

	datagrams := make(chan datagram, datagramBacklog)
	done := make(chan struct{})
	go s.readLoop(s.conn, datagrams, done)

	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	s.setState(StateDiscovering)

loop:
	for !s.stopped.Load() {
		select {
		case <-ctx.Done():
			break loop
		case d, ok := <-datagrams:
			if !ok {
				break loop
			}
			s.handleDatagram(d.buf[:d.n], d.addr)
			datagramPool.Put(d.buf)
		case <-s.wake:
		case <-ticker.C:
		}

		if s.stopped.Load() {
			break
		}
		s.flushSendQueue()
		s.periodic(s.now())
	}

	s.shutdown(datagrams, done)
	return nil
}

func (s *Session) listen(ctx context.Context) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: broadcastControl}
	address := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.Port))
	conn, err := lc.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, NewError(err, ErrCodeNetwork, "session", "listen").WithContext(address)
	}
	return conn, nil
}

func (s *Session) readLoop(conn net.PacketConn, out chan<- datagram, done <-chan struct{}) {
	defer close(out)

	for {
		buf := datagramPool.Get().(*[MaxUDPPacketSize]byte)
		n, addr, err := conn.ReadFrom(buf[:])
		if err != nil {
			datagramPool.Put(buf)
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				s.logger.Error(err, "socket read failed")
			}
			select {
			case <-done:
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		select {
		case out <- datagram{buf: buf, n: n, addr: addr}:
		case <-done:
			datagramPool.Put(buf)
			return
		}
	}
}

func (s *Session) shutdown(datagrams <-chan datagram, done chan struct{}) {
	if s.State() == StateConnected && s.peer != nil {
		// best effort, bypasses the stop flag
		s.writeTo(MarshalPacket(StreamControl{Type: PacketTypeStreamControl, Mode: StreamControlStop}), s.peer)
	}

	close(done)
	s.conn.SetReadDeadline(time.Now())
	for d := range datagrams {
		datagramPool.Put(d.buf)
	}
	if s.ownConn {
		s.conn.Close()
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	s.setState(StateClosed)
	s.clearStatus()
	close(s.events)
	s.logger.Info("session closed", "events_dropped", s.eventsDropped.Load())
}

// abort ends a Run that never started its loop.
func (s *Session) abort() {
	s.setState(StateClosed)
	close(s.events)
}

func (s *Session) setState(st SessionState) {
	if SessionState(s.state.Swap(int32(st))) == st {
		return
	}
	s.metrics.SetSessionState(st)
	s.logger.V(1).Info("state changed", "state", st.String())
}

func (s *Session) setReadBuffer(size int) {
	if size <= 0 {
		return
	}
	rb, ok := s.conn.(interface{ SetReadBuffer(int) error })
	if !ok {
		return
	}
	if err := rb.SetReadBuffer(size); err != nil {
		s.logger.Error(err, "failed to set receive buffer", "size", size)
	}
}

func (s *Session) handleDatagram(b []byte, addr net.Addr) {
	if s.tap != nil {
		s.tap.Capture(Inbound, s.conn.LocalAddr(), addr, b)
	}

	t, err := PeekType(b)
	if err != nil {
		s.drop("malformed", err, addr)
		return
	}
	from, ok := addr.(*net.UDPAddr)
	if !ok {
		s.drop("bad_address", nil, addr)
		return
	}

	connected := s.State() == StateConnected
	if connected {
		if !sameUDPAddr(from, s.peer) {
			s.drop("foreign_peer", nil, addr)
			return
		}
		s.lastReceived = s.now()
	}
	s.metrics.IncrementReceived(t, len(b))

	switch t {
	case PacketTypeHello:
		// our own broadcast or another client's
		return
	case PacketTypeBroadcastRequest:
		if !connected {
			s.logger.V(1).Info("answering broadcast request", "from", from.String())
			s.writeTo(s.hello, from)
		}
		return
	case PacketTypeConnectionMessage:
		if !connected {
			s.onConnect(b, from)
		}
		return
	}

	if !connected {
		s.drop("not_connected", nil, addr)
		return
	}

	switch t {
	case PacketTypeVideoFrame:
		s.handleVideo(b)
	case PacketTypeTimeSync:
		s.handleTimeSync(b)
	case PacketTypeAudioFrameStart:
		s.handleAudioStart(b)
	case PacketTypeAudioFrame:
		s.handleAudio(b)
	case PacketTypeChangeSettings:
		if msg, err := DecodeChangeSettings(b); err == nil {
			s.emit(EventChangeSettings{msg})
		}
	case PacketTypeHaptics:
		if msg, err := DecodeHaptics(b); err == nil {
			s.emit(EventHaptics{msg})
		}
	case PacketTypeGuardianSyncAck:
		if ack, err := DecodeGuardianSyncAck(b); err == nil && s.guardian.OnSyncAck(ack) {
			s.emit(EventGuardianProgress{s.guardian.Progress()})
		}
	case PacketTypeGuardianSegmentAck:
		if ack, err := DecodeGuardianSegmentAck(b); err == nil && s.guardian.OnSegmentAck(ack) {
			s.emit(EventGuardianProgress{s.guardian.Progress()})
		}
	default:
		s.drop("unexpected_type", fmt.Errorf("%w: %s", ErrUnexpectedPacketType, t), addr)
	}
}

func (s *Session) onConnect(b []byte, from *net.UDPAddr) {
	msg, err := DecodeConnectionMessage(b)
	if err != nil {
		s.drop("malformed", err, from)
		return
	}

	now := s.now()
	id := uuid.NewString()

	s.peer = from
	s.lastReceived = now
	s.lastTimeSync = time.Time{}
	s.haveTrackingIndex = false
	s.fecFailure = false
	s.videoSeq.Reset()
	s.audioSeq.Reset()
	s.clock.Reset()
	s.fec.Reset()
	s.collector.ResetAll()
	s.setReadBuffer(int(msg.BufferSize))

	s.statusMu.Lock()
	s.sessionID = id
	s.statusPeer = from.String()
	s.connectedAt = now
	s.connection = msg
	s.statusMu.Unlock()

	s.setState(StateConnected)
	s.metrics.IncrementConnections()
	s.logger.Info("connected",
		"session_id", id,
		"peer", from.String(),
		"codec", msg.Codec.String(),
		"width", msg.VideoWidth,
		"height", msg.VideoHeight,
		"refresh_rate", msg.RefreshRate,
		"buffer_size", msg.BufferSize)

	s.emit(EventConnected{SessionID: id, Peer: from, Message: msg})

	if s.sinkPrepared.Load() {
		s.startPending.Store(false)
		s.sendStreamControl(StreamControlStart)
	}
}

func (s *Session) handleVideo(b []byte) {
	h, payload, err := ParseVideoFrame(b)
	if err != nil {
		s.drop("malformed", err, s.peer)
		return
	}

	up := s.videoSeq.Update(h.PacketCounter)
	if up.Resynced {
		// counter jumped out of the resync window: the host restarted its
		// stream, so earlier frame indices no longer apply
		s.logger.Info("video stream restarted",
			"packet_counter", h.PacketCounter, "video_frame", h.VideoFrameIndex)
		s.fec.Reset()
		s.haveTrackingIndex = false
	}

	if !s.haveTrackingIndex || h.TrackingFrameIndex != s.lastTrackingIndex {
		nowUs := s.now().UnixMicro()
		s.collector.ReceivedFirst(h.TrackingFrameIndex)
		sent := s.clock.ToLocal(h.SentTime)
		if sent > nowUs {
			sent = nowUs
		}
		s.collector.EstimatedSent(h.TrackingFrameIndex, sent)
		s.lastTrackingIndex = h.TrackingFrameIndex
		s.haveTrackingIndex = true
	}

	if up.Lost != 0 {
		s.collector.PacketLoss(up.Lost)
		if up.Lost > 0 {
			s.logger.V(1).Info("video packet loss", "lost", up.Lost, "from", up.GapFrom, "to", up.GapTo)
		}
	}

	start := s.now()
	res := s.fec.Push(h, payload)
	s.metrics.MeasureOperation("fec_push", start)
	s.metrics.IncrementFecOutcome(res.Outcome)

	if res.Err != nil || len(res.Losses) > 0 {
		s.reportFecFailure(h, res.Losses, res.Err)
	}
	if res.Recovered {
		s.deliverFrame(h)
	}
}

func (s *Session) deliverFrame(h VideoFrameHeader) {
	s.statusMu.RLock()
	codec := s.connection.Codec
	s.statusMu.RUnlock()

	frame := bytes.Clone(s.fec.Frame())
	ev := EventVideoFrame{
		VideoFrameIndex:    h.VideoFrameIndex,
		TrackingFrameIndex: h.TrackingFrameIndex,
		Codec:              codec,
		Frame:              frame,
	}

	if IsKeyframe(frame, codec) {
		params, picture, err := SplitParameterSets(frame, codec)
		if err != nil {
			s.reportFecFailure(h, nil, NewError(err, ErrCodeProtocol, "session", "deliver_frame"))
			return
		}
		ev.Keyframe = true
		ev.ParameterSets = params
		ev.Frame = picture
		s.fecFailure = false
		s.logger.V(1).Info("keyframe", "video_frame", h.VideoFrameIndex, "parameter_sets", len(params))
	}

	// stamped before the sink sees the frame so its submit closes the interval
	s.collector.ReceivedLast(h.TrackingFrameIndex)
	s.metrics.IncrementFramesDelivered()
	s.emit(ev)
}

func (s *Session) reportFecFailure(h VideoFrameHeader, losses []FrameLossEvent, err error) {
	s.fecFailure = true
	s.collector.FecFailure()
	s.metrics.IncrementFecFailure()

	if err != nil {
		s.logger.Error(err, "video frame not decodable", "video_frame", h.VideoFrameIndex)
	}
	for _, loss := range losses {
		s.logger.Info("video frame lost",
			"kind", loss.Kind.String(),
			"video_frame", loss.VideoFrameIndex,
			"previous_frame", loss.PreviousFrameIndex,
			"lost_packets", loss.LostPackets)
	}

	s.sendToPeer(MarshalPacket(PacketErrorReport{
		Type:          PacketTypePacketErrorReport,
		LostFrameType: LostFrameTypeVideo,
	}))
	s.emit(EventFrameLost{VideoFrameIndex: h.VideoFrameIndex, Losses: losses, Err: err})
}

func (s *Session) handleTimeSync(b []byte) {
	ts, err := DecodeTimeSync(b)
	if err != nil {
		s.drop("malformed", err, s.peer)
		return
	}
	reply, ok := s.clock.Handle(ts)
	if !ok {
		return
	}
	if ts.Mode == TimeSyncReflect {
		s.metrics.SetClock(s.clock.Offset(), s.clock.RTT())
		s.logger.V(1).Info("time sync", "offset", s.clock.Offset().String(), "rtt", s.clock.RTT().String())
	}
	s.sendToPeer(MarshalPacket(reply))
}

func (s *Session) handleAudioStart(b []byte) {
	h, payload, err := DecodeAudioFrameStart(b)
	if err != nil {
		s.drop("malformed", err, s.peer)
		return
	}
	s.audioSequence(h.PacketCounter)
	s.emit(EventAudio{
		PacketCounter:    h.PacketCounter,
		Start:            true,
		PresentationTime: h.PresentationTime,
		FrameByteSize:    h.FrameByteSize,
		Payload:          bytes.Clone(payload),
	})
}

func (s *Session) handleAudio(b []byte) {
	h, payload, err := DecodeAudioFrame(b)
	if err != nil {
		s.drop("malformed", err, s.peer)
		return
	}
	s.audioSequence(h.PacketCounter)
	s.emit(EventAudio{PacketCounter: h.PacketCounter, Payload: bytes.Clone(payload)})
}

func (s *Session) audioSequence(counter uint32) {
	up := s.audioSeq.Update(counter)
	if up.Lost == 0 {
		return
	}
	s.collector.PacketLoss(up.Lost)
	if up.Lost < 0 {
		return
	}
	s.logger.V(1).Info("audio packet loss", "lost", up.Lost, "from", up.GapFrom, "to", up.GapTo)
	s.sendToPeer(MarshalPacket(PacketErrorReport{
		Type:              PacketTypePacketErrorReport,
		LostFrameType:     LostFrameTypeAudio,
		FromPacketCounter: up.GapFrom,
		ToPacketCounter:   up.GapTo,
	}))
}

// periodic runs once per loop iteration: liveness, discovery, time sync,
// guardian upload and pending control packets.
func (s *Session) periodic(now time.Time) {
	if s.State() == StateConnected && now.Sub(s.lastReceived) > s.cfg.ConnectionTimeout {
		s.onTimeout()
		return
	}

	if s.State() != StateConnected {
		if s.State() == StateDisconnected {
			s.setState(StateDiscovering)
		}
		s.tryRecover()
		if s.lastBroadcast.IsZero() || now.Sub(s.lastBroadcast) >= s.cfg.BroadcastInterval {
			s.broadcastHello()
			s.lastBroadcast = now
		}
		return
	}

	if s.startPending.Swap(false) && s.sinkPrepared.Load() {
		s.sendStreamControl(StreamControlStart)
	}
	if s.lastTimeSync.IsZero() || now.Sub(s.lastTimeSync) >= s.cfg.TimeSyncInterval {
		probe := s.clock.Probe(s.collector.Snapshot(), s.fecFailure)
		s.sendToPeer(MarshalPacket(probe))
		s.lastTimeSync = now
	}
	if pkt := s.guardian.Poll(now); pkt != nil {
		s.sendToPeer(pkt)
	}
}

func (s *Session) onTimeout() {
	peer := s.peer
	id := s.ID()

	s.logger.Info("connection timeout", "session_id", id, "peer", peer.String(),
		"silence", s.now().Sub(s.lastReceived).String())

	s.peer = nil
	s.setState(StateDisconnected)
	s.clearStatus()
	s.metrics.IncrementDisconnects()

	if s.sink != nil {
		s.sink.Stop()
	}
	s.emit(EventDisconnected{SessionID: id, Peer: peer, Reason: "timeout"})
}

func (s *Session) clearStatus() {
	s.statusMu.Lock()
	s.sessionID = ""
	s.statusPeer = ""
	s.connectedAt = time.Time{}
	s.statusMu.Unlock()
}

func (s *Session) tryRecover() {
	select {
	case addr := <-s.recoverCh:
		s.logger.Info("recovering connection", "host", addr.String())
		s.writeTo(MarshalPacket(RecoverConnection{Type: PacketTypeRecoverConnection}), addr)
	default:
	}
}

func (s *Session) broadcastHello() {
	for _, target := range s.broadcastTargets {
		s.writeTo(s.hello, target)
	}
}

func (s *Session) sendStreamControl(mode uint32) {
	s.logger.Info("sending stream control", "mode", mode)
	s.sendToPeer(MarshalPacket(StreamControl{Type: PacketTypeStreamControl, Mode: mode}))
}

func (s *Session) flushSendQueue() {
	for !s.stopped.Load() {
		pkt, ok := s.sendQueue.Pop()
		if !ok {
			return
		}
		if s.peer == nil {
			s.metrics.IncrementDropped("not_connected")
			continue
		}
		s.sendToPeer(pkt)
	}
}

func (s *Session) sendToPeer(pkt []byte) {
	if s.stopped.Load() || s.peer == nil {
		return
	}
	s.writeTo(pkt, s.peer)
}

func (s *Session) writeTo(pkt []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteTo(pkt, addr); err != nil {
		s.metrics.IncrementDropped("send_error")
		s.logger.V(1).Info("send failed", "to", addr.String(), "error", err.Error())
		return
	}
	if t, err := PeekType(pkt); err == nil {
		s.metrics.IncrementSent(t)
	}
	if s.tap != nil {
		s.tap.Capture(Outbound, s.conn.LocalAddr(), addr, pkt)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
		s.metrics.IncrementEventsDropped()
		s.logger.V(1).Info("event dropped", "event", ev.EventName())
	}
}

func (s *Session) drop(reason string, err error, addr net.Addr) {
	s.metrics.IncrementDropped(reason)
	if !s.logger.V(1).Enabled() {
		return
	}
	from := ""
	if addr != nil {
		from = addr.String()
	}
	if err != nil {
		s.logger.V(1).Info("dropping datagram", "reason", reason, "from", from, "error", err.Error())
		return
	}
	s.logger.V(1).Info("dropping datagram", "reason", reason, "from", from)
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
