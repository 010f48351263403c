// Package videohash computes perceptual frame hashes for duplicate
// detection. Frames are sampled at evenly spaced positions, reduced to
// luminance, and hashed with a DCT transform that keeps low-frequency
// content, making the hash robust to re-encoding and resolution changes.
package videohash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os/exec"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/probe"
)

// ErrHashFailed is returned when too few frames could be extracted to
// produce a trustworthy video hash.
var ErrHashFailed = errors.New("too few frames extracted")

// Defaults for sampling and hash width.
const (
	DefaultSamples  = 10
	DefaultHashSize = 12 // 12x12 = 144-bit hash per frame
)

// VideoHash is the per-frame hash array for one video, in seek order.
type VideoHash []*goimagehash.ExtImageHash

// Hasher extracts frames via the external decoder and hashes them.
// Per-file frame extraction is serial to avoid seek contention;
// parallelism belongs across files, outside this type.
type Hasher struct {
	ffmpegPath string
	prober     *probe.Prober
	samples    int
	hashSize   int
	log        *logging.Logger
}

// NewHasher creates a hasher; samples and hashSize fall back to the
// defaults when non-positive.
func NewHasher(ffmpegPath string, prober *probe.Prober, samples, hashSize int, log *logging.Logger) *Hasher {
	if samples <= 0 {
		samples = DefaultSamples
	}
	if hashSize <= 0 {
		hashSize = DefaultHashSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Hasher{
		ffmpegPath: ffmpegPath,
		prober:     prober,
		samples:    samples,
		hashSize:   hashSize,
		log:        log,
	}
}

// HashVideo samples evenly spaced frames across [0, duration) and
// returns one hash per successfully decoded frame. Positions that fail
// to decode are skipped; fewer than half succeeding fails the video.
func (h *Hasher) HashVideo(ctx context.Context, path string) (VideoHash, error) {
	info, err := h.prober.Probe(ctx, path)
	if err != nil {
		metrics.VideosHashed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("hash probe: %w", err)
	}
	if !info.Valid() {
		metrics.VideosHashed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: probe-invalid source", ErrHashFailed)
	}

	step := info.Duration / float64(h.samples+1)
	hashes := make(VideoHash, 0, h.samples)

	for i := 0; i < h.samples; i++ {
		pos := step * float64(i+1)

		frame, err := h.extractFrame(ctx, path, pos)
		if err != nil {
			h.log.WithSource(path).Debugf("Frame at %.1fs failed: %v", pos, err)
			continue
		}

		hash, err := h.hashFrame(frame)
		if err != nil {
			h.log.WithSource(path).Debugf("Hash at %.1fs failed: %v", pos, err)
			continue
		}
		hashes = append(hashes, hash)
	}

	if len(hashes) < (h.samples+1)/2 {
		metrics.VideosHashed.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %d of %d frames", ErrHashFailed, len(hashes), h.samples)
	}

	metrics.VideosHashed.WithLabelValues("ok").Inc()
	return hashes, nil
}

// extractFrame decodes a single frame at pos seconds through the
// external decoder, received as PNG over stdout.
func (h *Hasher) extractFrame(ctx context.Context, path string, pos float64) (image.Image, error) {
	args := []string{
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", pos),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, h.ffmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decode failed: %v: %s", err, stderr.String())
	}

	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("png decode failed: %w", err)
	}
	return img, nil
}

// hashFrame reduces a frame to luminance on a 4W x 4W grid and computes
// the W x W DCT hash.
func (h *Hasher) hashFrame(frame image.Image) (*goimagehash.ExtImageHash, error) {
	grid := h.hashSize * 4
	reduced := imaging.Resize(imaging.Grayscale(frame), grid, grid, imaging.Lanczos)
	return goimagehash.ExtPerceptionHash(reduced, h.hashSize, h.hashSize)
}

// Similarity returns the mean per-index Hamming distance between two
// frame hash arrays, pairing positions in seek order. Arrays of unequal
// length pair over the common prefix. Incomparable inputs return -1.
func Similarity(a, b VideoHash) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return -1
	}

	total := 0
	for i := 0; i < n; i++ {
		d, err := a[i].Distance(b[i])
		if err != nil {
			return -1
		}
		total += d
	}

	return float64(total) / float64(n)
}
