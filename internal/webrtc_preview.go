package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pion/dtls/v2"
	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var (
	ErrPreviewFull     = errors.New("preview viewer limit reached")
	ErrViewerNotFound  = errors.New("preview viewer not found")
	ErrPreviewDisabled = errors.New("preview disabled")
)

const previewGatherTimeout = 10 * time.Second

// PreviewServer shows reconstructed H264 frames to browsers over WebRTC.
// All viewers share one sample track.
type PreviewServer struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	track      *webrtc.TrackLocalStaticSample
	maxViewers int
	frameRate  int
	metrics    *Metrics
	logger     logr.Logger

	mu      sync.Mutex
	viewers map[string]*previewViewer
	closed  bool

	lastFrame time.Time
	waitKey   bool
}

type previewViewer struct {
	id      string
	pc      *webrtc.PeerConnection
	stats   *WebRTCStats
	created time.Time
}

// ViewerInfo describes one connected preview viewer.
type ViewerInfo struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
	Stats   Stats     `json:"stats"`
}

// NewPreviewServer builds the WebRTC API for the preview.
func NewPreviewServer(cfg PreviewConfig, frameRate int, metrics *Metrics) (*PreviewServer, error) {
	logger := NewLogger("preview")

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError(err, ErrCodeWebRTC, "preview", "register_codecs")
	}

	se := webrtc.SettingEngine{LoggerFactory: NewPionLoggerFactory(logger.WithName("pion"))}
	if cfg.MDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	se.SetSRTPProtectionProfiles(dtls.SRTP_AEAD_AES_128_GCM, dtls.SRTP_AES128_CM_HMAC_SHA1_80)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: videoClockRate},
		"video",
		"vrlink-preview",
	)
	if err != nil {
		return nil, NewError(err, ErrCodeWebRTC, "preview", "create_track")
	}

	var iceServers []webrtc.ICEServer
	for _, stun := range cfg.StunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{stun}})
	}
	for _, turn := range cfg.TurnServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	return &PreviewServer{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		iceServers: iceServers,
		track:      track,
		maxViewers: max(cfg.MaxViewers, 1),
		frameRate:  max(frameRate, 1),
		metrics:    metrics,
		logger:     logger,
		viewers:    make(map[string]*previewViewer),
		waitKey:    true,
	}, nil
}

// HandleOffer creates a viewer for a browser offer and returns the answer
// with all ICE candidates gathered.
func (p *PreviewServer) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (string, *webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", nil, ErrPreviewDisabled
	}
	if len(p.viewers) >= p.maxViewers {
		p.mu.Unlock()
		return "", nil, ErrPreviewFull
	}
	p.mu.Unlock()

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return "", nil, NewError(err, ErrCodeWebRTC, "preview", "new_peer_connection")
	}

	sender, err := pc.AddTrack(p.track)
	if err != nil {
		pc.Close()
		return "", nil, NewError(err, ErrCodeWebRTC, "preview", "add_track")
	}
	go drainRTCP(sender)

	id := uuid.NewString()
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("preview connection state changed", "viewer", id, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.CloseViewer(id)
		case webrtc.PeerConnectionStateConnected:
			p.Stop()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", nil, NewError(err, ErrCodeWebRTC, "preview", "set_remote")
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", nil, NewError(err, ErrCodeWebRTC, "preview", "create_answer")
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", nil, NewError(err, ErrCodeWebRTC, "preview", "set_local")
	}

	gatherCtx, cancel := context.WithTimeout(ctx, previewGatherTimeout)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
		pc.Close()
		return "", nil, NewError(gatherCtx.Err(), ErrCodeTimeout, "preview", "gather")
	}

	viewer := &previewViewer{
		id:      id,
		pc:      pc,
		stats:   NewWebRTCStats(pc, DefaultStatsConfig()),
		created: time.Now(),
	}
	viewer.stats.StartMonitoring(context.Background())

	p.mu.Lock()
	if p.closed || len(p.viewers) >= p.maxViewers {
		p.mu.Unlock()
		viewer.stats.StopMonitoring()
		pc.Close()
		return "", nil, ErrPreviewFull
	}
	p.viewers[id] = viewer
	n := len(p.viewers)
	p.mu.Unlock()

	p.metrics.SetPreviewViewers(n)
	p.logger.Info("preview viewer added", "viewer", id, "viewers", n)
	return id, pc.LocalDescription(), nil
}

// drainRTCP reads RTCP so the interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Stop pauses viewers until the next keyframe, after the host stopped
// streaming or a viewer joined mid-GOP.
func (p *PreviewServer) Stop() {
	p.mu.Lock()
	p.waitKey = true
	p.mu.Unlock()
}

// HandleEvent writes video frames to the shared track.
func (p *PreviewServer) HandleEvent(_ context.Context, ev Event) error {
	frame, ok := ev.(EventVideoFrame)
	if !ok {
		return nil
	}
	return p.WriteFrame(frame)
}

// WriteFrame sends one frame to every viewer. Frames before the first
// keyframe a new viewer can decode are skipped.
func (p *PreviewServer) WriteFrame(frame EventVideoFrame) error {
	if frame.Codec != CodecH264 {
		return nil
	}

	now := time.Now()
	p.mu.Lock()
	if len(p.viewers) == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.waitKey && !frame.Keyframe {
		p.mu.Unlock()
		return nil
	}
	p.waitKey = false
	duration := time.Second / time.Duration(p.frameRate)
	if !p.lastFrame.IsZero() {
		if d := now.Sub(p.lastFrame); d > 0 && d < time.Second {
			duration = d
		}
	}
	p.lastFrame = now
	p.mu.Unlock()

	data := frame.Frame
	if frame.Keyframe && len(frame.ParameterSets) > 0 {
		data = append(append(make([]byte, 0, len(frame.ParameterSets)+len(frame.Frame)), frame.ParameterSets...), frame.Frame...)
	}
	if err := p.track.WriteSample(media.Sample{Data: data, Duration: duration}); err != nil {
		return NewError(err, ErrCodeWebRTC, "preview", "write_sample")
	}
	return nil
}

// CloseViewer closes one viewer.
func (p *PreviewServer) CloseViewer(id string) error {
	p.mu.Lock()
	viewer, ok := p.viewers[id]
	if ok {
		delete(p.viewers, id)
	}
	n := len(p.viewers)
	p.mu.Unlock()

	if !ok {
		return ErrViewerNotFound
	}
	viewer.stats.StopMonitoring()
	err := viewer.pc.Close()
	p.metrics.SetPreviewViewers(n)
	p.logger.Info("preview viewer removed", "viewer", id, "viewers", n)
	return err
}

// Viewers lists connected viewers.
func (p *PreviewServer) Viewers() []ViewerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ViewerInfo, 0, len(p.viewers))
	for _, v := range p.viewers {
		out = append(out, ViewerInfo{
			ID:      v.id,
			State:   v.pc.ConnectionState().String(),
			Created: v.created,
			Stats:   *v.stats.GetLastStats(),
		})
	}
	return out
}

// Close disconnects every viewer.
func (p *PreviewServer) Close() error {
	p.mu.Lock()
	p.closed = true
	viewers := p.viewers
	p.viewers = make(map[string]*previewViewer)
	p.mu.Unlock()

	for _, v := range viewers {
		v.stats.StopMonitoring()
		v.pc.Close()
	}
	p.metrics.SetPreviewViewers(0)
	return nil
}

// Routes registers the preview signaling endpoints on mux.
func (p *PreviewServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /preview/offer", p.handleOffer)
	mux.HandleFunc("GET /preview/viewers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Viewers())
	})
	mux.HandleFunc("DELETE /preview/viewers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := p.CloseViewer(r.PathValue("id")); errors.Is(err, ErrViewerNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

type previewAnswer struct {
	ViewerID string                    `json:"viewer_id"`
	Answer   webrtc.SessionDescription `json:"answer"`
}

func (p *PreviewServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&offer); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offer"})
		return
	}

	id, answer, err := p.HandleOffer(r.Context(), offer)
	switch {
	case errors.Is(err, ErrPreviewFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case err != nil:
		p.logger.Error(err, "failed to answer preview offer")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create answer"})
		return
	}
	writeJSON(w, http.StatusOK, previewAnswer{ViewerID: id, Answer: *answer})
}
