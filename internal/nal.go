package internal

import "errors"

const (
	h264NALTypeSPS = 7
	h265NALTypeVPS = 32
)

// ErrParameterSetsNotFound is returned when a keyframe does not carry the
// expected number of NAL units ahead of the picture.
var ErrParameterSetsNotFound = errors.New("parameter sets not found")

// FrameNALType returns the type of the first NAL unit of an Annex B frame
// that starts with a four byte start code.
func FrameNALType(frame []byte, codec Codec) (uint8, bool) {
	if len(frame) < 5 {
		return 0, false
	}
	if codec == CodecH265 {
		return (frame[4] >> 1) & 0x3f, true
	}
	return frame[4] & 0x1f, true
}

// IsKeyframe reports whether the frame opens with a sequence parameter set
// (H.264) or a video parameter set (H.265). The encoder only emits those in
// front of an IDR picture.
func IsKeyframe(frame []byte, codec Codec) bool {
	t, ok := FrameNALType(frame, codec)
	if !ok {
		return false
	}
	if codec == CodecH265 {
		return t == h265NALTypeVPS
	}
	return t == h264NALTypeSPS
}

// SplitParameterSets separates the leading parameter sets of a keyframe
// from the picture. H.264 carries SPS and PPS, H.265 additionally VPS.
func SplitParameterSets(frame []byte, codec Codec) (config, picture []byte, err error) {
	want := 3
	if codec == CodecH265 {
		want = 4
	}

	zeroes, found := 0, 0
	for i, b := range frame {
		switch {
		case b == 0:
			zeroes++
			continue
		case b == 1 && zeroes >= 2:
			found++
			if found >= want {
				end := i - 3
				if end < 0 {
					end = 0
				}
				return frame[:end], frame[end:], nil
			}
		}
		zeroes = 0
	}
	return nil, frame, ErrParameterSetsNotFound
}
