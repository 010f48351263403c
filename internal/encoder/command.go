package encoder

import (
	"fmt"
	"strconv"

	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// recoveryInputFlags go before -i: ignore decode errors, regenerate
// timestamps, discard corrupted packets, ignore unknown streams.
var recoveryInputFlags = []string{
	"-err_detect", "ignore_err",
	"-fflags", "+genpts+discardcorrupt+igndts",
	"-ignore_unknown",
}

// recoveryOutputFlags enlarge the mux queue and permit any error rate.
var recoveryOutputFlags = []string{
	"-max_muxing_queue_size", "1024",
	"-max_error_rate", "1.0",
}

// buildEncodeArgs constructs the ffmpeg command line for a job. Outputs
// are always mp4 with the header moved up front (faststart).
func (e *Encoder) buildEncodeArgs(job *models.EncodeJob) ([]string, error) {
	binary, ok := policy.EncoderBinaries[job.TargetCodec]
	if !ok {
		return nil, fmt.Errorf("unknown target codec: %s", job.TargetCodec)
	}

	args := []string{"-loglevel", "error", "-stats"}

	if job.Recover {
		args = append(args, recoveryInputFlags...)
	}

	args = append(args, "-i", job.SourcePath, "-y")

	if job.Downscale && job.Source != nil {
		w, h := downscaleDims(job.Source.Width, job.Source.Height)
		if w != job.Source.Width || h != job.Source.Height {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", w, h))
		}
	}

	args = append(args,
		"-c:v", binary,
		"-preset", e.preset,
		"-crf", strconv.Itoa(job.CRF),
		"-pix_fmt", e.pixelFormat(job),
	)

	switch job.TargetCodec {
	case "hevc":
		args = append(args, "-tag:v", "hvc1", "-x265-params", "log-level=error")
	case "av1":
		args = append(args, "-cpu-used", "4")
	}

	args = append(args, "-movflags", "faststart", "-c:a", e.audioCodec)

	if job.Recover {
		args = append(args, recoveryOutputFlags...)
	}

	args = append(args, job.IntermediatePath)
	return args, nil
}

// buildRemuxArgs constructs a stream-copy invocation; fixTag rewrites
// the HEVC tag to the preview-friendly hvc1.
func buildRemuxArgs(source, dest string, fixTag bool) []string {
	args := []string{
		"-loglevel", "error",
		"-i", source,
		"-y",
		"-map", "0",
		"-c", "copy",
	}
	if fixTag {
		args = append(args, "-tag:v", "hvc1")
	}
	args = append(args, "-movflags", "faststart", dest)
	return args
}

// pixelFormat is 10-bit 4:2:0 by default; the 8-bit variant is used
// only for 8-bit sources outside recovery mode.
func (e *Encoder) pixelFormat(job *models.EncodeJob) string {
	if job.Source != nil && job.Source.ColorDepth == 8 && !job.Recover {
		return "yuv420p"
	}
	return "yuv420p10le"
}

// downscaleDims caps dimensions at 1920x1080, preserving aspect and
// rounding each dimension down to an even integer. Sources already at
// or below the cap pass through untouched.
func downscaleDims(w, h int) (int, int) {
	if w <= 1920 && h <= 1080 {
		return w, h
	}

	scale := 1920.0 / float64(w)
	if s := 1080.0 / float64(h); s < scale {
		scale = s
	}

	nw := int(float64(w)*scale) &^ 1
	nh := int(float64(h)*scale) &^ 1
	return nw, nh
}
