// Package probe extracts media metadata by driving the external ffprobe
// tool and answers the questions the quality policy asks about a file.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// ErrProbeFailed marks any failure to obtain usable metadata: tool
// error, malformed output, or a file with no video stream.
var ErrProbeFailed = errors.New("probe failed")

// Prober wraps ffprobe invocations with an optional disk cache.
type Prober struct {
	ffprobePath string
	cache       *Cache
	log         *logging.Logger
}

// NewProber creates a new prober. cache may be nil to disable caching.
func NewProber(ffprobePath string, cache *Cache, log *logging.Logger) *Prober {
	if log == nil {
		log = logging.Nop()
	}
	return &Prober{
		ffprobePath: ffprobePath,
		cache:       cache,
		log:         log,
	}
}

// probeDocument mirrors ffprobe's JSON output shape. Numeric fields
// arrive as strings and are parsed leniently; absent values stay zero.
type probeDocument struct {
	Format  formatInfo   `json:"format"`
	Streams []streamInfo `json:"streams"`
}

type formatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type streamInfo struct {
	CodecType        string `json:"codec_type"`
	CodecName        string `json:"codec_name"`
	CodecTagString   string `json:"codec_tag_string"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	RFrameRate       string `json:"r_frame_rate"`
	PixFmt           string `json:"pix_fmt"`
	BitsPerRawSample string `json:"bits_per_raw_sample"`
}

// Probe returns the metadata for path, consulting the disk cache first.
// Paths marked written in the current run always hit the tool.
func (p *Prober) Probe(ctx context.Context, path string) (*models.MediaInfo, error) {
	if p.cache != nil {
		if info, ok := p.cache.Get(path); ok {
			metrics.ProbeCacheHits.Inc()
			return info, nil
		}
	}

	info, err := p.probeTool(ctx, path)
	if err != nil {
		metrics.FilesProbed.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FilesProbed.WithLabelValues("ok").Inc()

	if p.cache != nil {
		if err := p.cache.Put(path, info); err != nil {
			p.log.WithError(err).WithSource(path).Debug("Probe cache write failed")
		}
	}

	return info, nil
}

// MarkWritten records that path was modified in this run; subsequent
// probes bypass and refresh the cache entry.
func (p *Prober) MarkWritten(path string) {
	if p.cache != nil {
		p.cache.MarkWritten(path)
	}
}

func (p *Prober) probeTool(ctx context.Context, path string) (*models.MediaInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %v, stderr: %s", ErrProbeFailed, err, strings.TrimSpace(stderr.String()))
	}

	var doc probeDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed output: %v", ErrProbeFailed, err)
	}

	return buildMediaInfo(path, &doc)
}

func buildMediaInfo(path string, doc *probeDocument) (*models.MediaInfo, error) {
	var video, audio *streamInfo
	for i := range doc.Streams {
		s := &doc.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if audio == nil {
				audio = s
			}
		}
	}

	if video == nil {
		return nil, fmt.Errorf("%w: no video stream", ErrProbeFailed)
	}

	info := &models.MediaInfo{
		Path:        path,
		Codec:       video.CodecName,
		CodecTag:    strings.ToLower(video.CodecTagString),
		PixelFormat: video.PixFmt,
		ColorDepth:  colorDepth(video),
		Container:   containerName(doc.Format.FormatName),
		Width:       video.Width,
		Height:      video.Height,
		FrameRate:   parseFrameRate(video.RFrameRate),
		HasAudio:    audio != nil,
	}
	if audio != nil {
		info.AudioCodec = audio.CodecName
	}

	// Absent fields stay zero rather than being fabricated.
	if d, err := strconv.ParseFloat(doc.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	if b, err := strconv.ParseInt(doc.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = b
	}
	if s, err := strconv.ParseInt(doc.Format.Size, 10, 64); err == nil {
		info.FileSize = s
	}
	if info.FileSize == 0 {
		if st, err := os.Stat(path); err == nil {
			info.FileSize = st.Size()
		}
	}

	return info, nil
}

// containerName reduces ffprobe's comma-joined format_name to its first
// token ("mov,mp4,m4a,3gp,3g2,mj2" probes as "mov").
func containerName(formatName string) string {
	if formatName == "" {
		return "unknown"
	}
	name := strings.Split(formatName, ",")[0]
	// The mov demuxer handles mp4; report by extensionless family name.
	if name == "mov" && strings.Contains(formatName, "mp4") {
		return "mp4"
	}
	return name
}

func parseFrameRate(raw string) float64 {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}

func colorDepth(video *streamInfo) int {
	if bits, err := strconv.Atoi(video.BitsPerRawSample); err == nil && bits > 0 {
		return bits
	}
	if strings.Contains(video.PixFmt, "10le") || strings.Contains(video.PixFmt, "10be") {
		return 10
	}
	if video.PixFmt != "" {
		return 8
	}
	return 0
}
