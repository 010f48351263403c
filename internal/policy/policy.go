// Package policy decides what work a file needs to reach the modern
// encoding baseline, and which CRF preserves its visual quality.
package policy

import (
	"strings"

	"github.com/videosentinel/videosentinel/pkg/models"
)

// EncoderBinaries maps a target codec to the ffmpeg encoder name.
// Pure data table; VP9 is deliberately absent as a re-encode target.
var EncoderBinaries = map[string]string{
	"h264": "libx264",
	"hevc": "libx265",
	"av1":  "libaom-av1",
}

// CodecEfficiency maps a codec family to its compression efficiency
// relative to H.264. Used by duplicate ranking to normalize bitrates.
var CodecEfficiency = map[string]float64{
	"av1":   2.5,
	"hevc":  2.0,
	"vp9":   2.0,
	"h264":  1.0,
	"mpeg4": 0.6,
	"wmv":   0.5,
	"mpeg2": 0.4,
}

// modernCodecs is the set a compliant file may use.
var modernCodecs = map[string]struct{}{
	"hevc": {}, "av1": {}, "vp9": {}, "h264": {},
}

// modernContainers is the set a compliant file may use.
var modernContainers = map[string]struct{}{
	"mp4": {}, "mkv": {}, "matroska": {}, "webm": {},
}

// acceptablePixelFormats lists, per codec family, the pixel formats
// preview systems render without a full application launch.
var acceptablePixelFormats = map[string]map[string]struct{}{
	"h264": {"yuv420p": {}},
	"hevc": {"yuv420p": {}, "yuv420p10le": {}},
	"av1":  {"yuv420p": {}, "yuv420p10le": {}},
	"vp9":  {"yuv420p": {}},
}

// Policy classifies files and recommends encode parameters.
type Policy struct {
	TargetCodec string
	ManualCRF   int // 0 means derive from the source
}

// New returns a policy targeting codec with an optional manual CRF.
func New(targetCodec string, manualCRF int) *Policy {
	if targetCodec == "" {
		targetCodec = "hevc"
	}
	return &Policy{TargetCodec: strings.ToLower(targetCodec), ManualCRF: manualCRF}
}

// IsCompliant reports whether info already meets the modern baseline.
func IsCompliant(info *models.MediaInfo) bool {
	if !info.Valid() {
		return false
	}
	if _, ok := modernCodecs[info.NormalizedCodec()]; !ok {
		return false
	}
	if _, ok := modernContainers[strings.ToLower(info.Container)]; !ok {
		return false
	}
	return true
}

// IsPreviewCompatible reports whether common desktop preview tools will
// render the file: mp4 container, an acceptable pixel format for the
// codec, and for HEVC the hvc1 tag rather than hev1.
func IsPreviewCompatible(info *models.MediaInfo) bool {
	if !info.Valid() {
		return false
	}

	container := strings.ToLower(info.Container)
	if container != "mp4" && container != "m4v" {
		return false
	}

	codec := info.NormalizedCodec()
	accepted, known := acceptablePixelFormats[codec]
	if !known {
		return false
	}
	if _, ok := accepted[info.PixelFormat]; !ok {
		return false
	}

	if codec == "hevc" && info.CodecTag != "hvc1" {
		return false
	}

	return true
}

// Classify produces the compliance verdict for one file. The verdict
// carries the recommended CRF and target codec when re-encoding is the
// chosen action.
func (p *Policy) Classify(info *models.MediaInfo) models.ComplianceVerdict {
	if !info.Valid() {
		return p.reencodeVerdict(info, "probe-invalid source")
	}

	codec := info.NormalizedCodec()
	container := strings.ToLower(info.Container)

	if _, modern := modernCodecs[codec]; !modern {
		return p.reencodeVerdict(info, "codec "+info.Codec+" below modern baseline")
	}

	// Pixel data outside the acceptable set forces a full re-encode; a
	// stream copy would carry the problem into the new container.
	if accepted, known := acceptablePixelFormats[codec]; known {
		if _, ok := accepted[info.PixelFormat]; !ok {
			v := p.reencodeVerdict(info, "pixel format "+info.PixelFormat+" not preview compatible")
			v.Action = models.ActionFullFix
			return v
		}
	}

	if container != "mp4" {
		// Modern codec, acceptable pixels: stream-copy suffices.
		return models.ComplianceVerdict{
			Action: models.ActionRemux,
			Reason: "container " + info.Container + " needs mp4 for preview",
			FixTag: codec == "hevc",
		}
	}

	if codec == "hevc" && info.CodecTag == "hev1" {
		return models.ComplianceVerdict{
			Action: models.ActionRemux,
			Reason: "hev1 tag rejected by preview systems",
			FixTag: true,
		}
	}

	return models.ComplianceVerdict{Action: models.ActionCompliant}
}

func (p *Policy) reencodeVerdict(info *models.MediaInfo, reason string) models.ComplianceVerdict {
	return models.ComplianceVerdict{
		Action:      models.ActionReencode,
		Reason:      reason,
		TargetCodec: p.TargetCodec,
		CRF:         p.RecommendCRF(info, p.TargetCodec),
	}
}

// RecommendCRF maps source quality to a CRF for the target codec. The
// tiers follow bits-per-pixel-per-frame; an uncomputable bpp selects
// the lowest tier. A manual CRF replaces the table.
func (p *Policy) RecommendCRF(info *models.MediaInfo, targetCodec string) int {
	if p.ManualCRF > 0 {
		return p.ManualCRF
	}

	bpp := 0.0
	if info != nil {
		bpp = info.BitsPerPixel()
	}

	switch strings.ToLower(targetCodec) {
	case "hevc", "h265":
		switch {
		case bpp > 0.25:
			return 18
		case bpp > 0.15:
			return 20
		case bpp > 0.10:
			return 22
		case bpp > 0.07:
			return 23
		case bpp > 0.05:
			return 25
		default:
			return 28
		}
	case "av1":
		switch {
		case bpp > 0.25:
			return 20
		case bpp > 0.15:
			return 24
		case bpp > 0.10:
			return 28
		case bpp > 0.05:
			// The 0.07..0.10 and 0.05..0.07 tiers share a CRF for AV1.
			return 30
		default:
			return 32
		}
	default: // h264
		switch {
		case bpp > 0.25:
			return 16
		case bpp > 0.15:
			return 18
		case bpp > 0.10:
			return 20
		case bpp > 0.07:
			return 21
		case bpp > 0.05:
			return 23
		default:
			return 26
		}
	}
}
