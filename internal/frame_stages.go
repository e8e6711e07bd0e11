package internal

import (
	"context"
	"fmt"
	"sync/atomic"
)

// FrameStageRecorder stamps the decoder side stages of delivered frames. It
// stands in for a renderer until one reports its own stages, so the host
// still receives frame rate and latency figures.
type FrameStageRecorder struct {
	collector *LatencyCollector
	external  atomic.Bool
}

func NewFrameStageRecorder(collector *LatencyCollector) *FrameStageRecorder {
	return &FrameStageRecorder{collector: collector}
}

// HandleEvent stamps decoder input, decoder output and submit for each
// video frame handed to the sinks.
func (r *FrameStageRecorder) HandleEvent(_ context.Context, ev Event) error {
	frame, ok := ev.(EventVideoFrame)
	if !ok || r.external.Load() {
		return nil
	}
	r.collector.DecoderInput(frame.TrackingFrameIndex)
	r.collector.DecoderOutput(frame.TrackingFrameIndex)
	r.collector.Submit(frame.TrackingFrameIndex)
	return nil
}

// Record stamps a stage reported by the renderer. Any stage past tracking
// hands decoder and submit stamping over to the renderer for good.
func (r *FrameStageRecorder) Record(frameIndex uint64, name string) error {
	stage, err := ParseLatencyStage(name)
	if err != nil {
		return err
	}
	switch stage {
	case StageEstimatedSent, StageReceivedFirst, StageReceivedLast:
		return fmt.Errorf("%w: %s is stamped by the transport", ErrUnknownFrameStage, name)
	case StageTracking:
	default:
		r.external.Store(true)
	}
	return r.collector.Record(frameIndex, stage)
}

// External reports whether a renderer has taken over stage stamping.
func (r *FrameStageRecorder) External() bool {
	return r.external.Load()
}
