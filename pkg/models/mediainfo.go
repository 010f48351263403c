package models

import "strings"

// MediaInfo holds the metadata probed from a single video file.
// It is immutable once produced; callers must treat an invalid record
// (zero dimensions or non-positive duration) as unsuitable for processing.
type MediaInfo struct {
	Path        string  `json:"path"`
	Codec       string  `json:"codec"`
	CodecTag    string  `json:"codec_tag"`
	PixelFormat string  `json:"pixel_format"`
	ColorDepth  int     `json:"color_depth"`
	Container   string  `json:"container"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Duration    float64 `json:"duration"`
	FrameRate   float64 `json:"frame_rate"`
	Bitrate     int64   `json:"bitrate"`
	HasAudio    bool    `json:"has_audio"`
	AudioCodec  string  `json:"audio_codec,omitempty"`
	FileSize    int64   `json:"file_size"`
}

// Valid reports whether the probe produced a usable record.
func (m *MediaInfo) Valid() bool {
	if m == nil {
		return false
	}
	return m.Width > 0 && m.Height > 0 && m.Duration > 0
}

// Pixels returns the frame area in pixels.
func (m *MediaInfo) Pixels() int {
	return m.Width * m.Height
}

// BitsPerPixel returns the bits-per-pixel-per-frame quality indicator,
// or 0 when it cannot be computed. A zero bitrate is estimated from the
// file size when both size and duration are known.
func (m *MediaInfo) BitsPerPixel() float64 {
	if m == nil || m.Pixels() == 0 {
		return 0
	}

	bitrate := m.Bitrate
	if bitrate == 0 {
		if m.FileSize > 0 && m.Duration > 0 {
			bitrate = int64(float64(m.FileSize) * 8 / m.Duration)
		} else {
			return 0
		}
	}

	fps := m.FrameRate
	if fps <= 0 {
		fps = 30
	}

	return float64(bitrate) / (float64(m.Pixels()) * fps)
}

// NormalizedCodec returns the codec name with four-char variants folded
// into their canonical family (hvc1/hev1 -> hevc, avc1 -> h264).
func (m *MediaInfo) NormalizedCodec() string {
	switch c := strings.ToLower(m.Codec); c {
	case "hvc1", "hev1", "h265":
		return "hevc"
	case "avc1":
		return "h264"
	case "xvid", "divx":
		return "mpeg4"
	case "mpeg2video":
		return "mpeg2"
	case "wmv1", "wmv2", "wmv3", "vc1":
		return "wmv"
	default:
		return c
	}
}
