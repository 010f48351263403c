// Package encoder drives the external ffmpeg subprocess: command
// construction, progress parsing, output validation, and the resume
// probe for previously produced outputs.
package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// minOutputSize is the smallest plausible encoder output; anything
// below it failed long before producing video.
const minOutputSize = 1024

// durationTolerance is the allowed drift between source and output.
const durationTolerance = 2.0

// Encoder runs ffmpeg transcodes and remuxes with validated outputs.
type Encoder struct {
	ffmpegPath string
	preset     string
	audioCodec string
	prober     *probe.Prober
	log        *logging.Logger
}

// New creates an encoder. prober is used for output validation.
func New(ffmpegPath, preset, audioCodec string, prober *probe.Prober, log *logging.Logger) *Encoder {
	if preset == "" {
		preset = "medium"
	}
	if audioCodec == "" {
		audioCodec = "aac"
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Encoder{
		ffmpegPath: ffmpegPath,
		preset:     preset,
		audioCodec: audioCodec,
		prober:     prober,
		log:        log,
	}
}

// Encode runs the external encoder for job, blocking until it finishes.
// Progress events are forwarded to sink. A failing encode always deletes
// its intermediate before returning; the source is never touched.
func (e *Encoder) Encode(ctx context.Context, job *models.EncodeJob, sink ProgressSink) (*models.EncodeResult, error) {
	if _, err := os.Stat(job.SourcePath); err != nil {
		return nil, fmt.Errorf("source missing: %w", err)
	}

	// A valid leftover from an earlier interrupted run means the work
	// is already done.
	if _, err := os.Stat(job.IntermediatePath); err == nil {
		if err := e.Validate(ctx, job.IntermediatePath, e.sourceDuration(job), job.Recover); err == nil {
			e.log.WithSource(job.SourcePath).Info("Existing output is valid, skipping encode")
			return e.result(job, time.Duration(0))
		}
		// Validate removed the invalid file.
	}

	if err := os.MkdirAll(filepath.Dir(job.IntermediatePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	args, err := e.buildEncodeArgs(job)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tail, runErr := e.run(ctx, args, e.sourceDuration(job), sink, job.SourcePath)
	elapsed := time.Since(start)

	if runErr != nil {
		e.removeOutput(job.IntermediatePath)
		code := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return nil, &ExitError{Code: code, Tail: tail}
	}

	if err := e.Validate(ctx, job.IntermediatePath, e.sourceDuration(job), job.Recover); err != nil {
		return nil, err
	}

	e.prober.MarkWritten(job.IntermediatePath)
	metrics.EncodeDuration.WithLabelValues(job.TargetCodec).Observe(elapsed.Seconds())

	return e.result(job, elapsed)
}

// Remux rewraps source into dest via stream copy; no pixel data is
// touched. fixTag rewrites the HEVC codec tag to hvc1.
func (e *Encoder) Remux(ctx context.Context, source, dest string, fixTag bool, expectedDuration float64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	args := buildRemuxArgs(source, dest, fixTag)

	tail, runErr := e.run(ctx, args, expectedDuration, nil, source)
	if runErr != nil {
		e.removeOutput(dest)
		code := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		return &ExitError{Code: code, Tail: tail}
	}

	if err := e.Validate(ctx, dest, expectedDuration, false); err != nil {
		return err
	}

	e.prober.MarkWritten(dest)
	return nil
}

// run executes ffmpeg with args, streaming stderr through the progress
// parser from a dedicated goroutine to avoid pipe deadlock.
func (e *Encoder) run(ctx context.Context, args []string, totalDuration float64, sink ProgressSink, source string) (string, error) {
	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", e.ffmpegPath, err)
	}

	parser := newProgressParser(totalDuration)
	tailCh := make(chan string, 1)
	go func() {
		wrapped := sink
		if sink != nil {
			wrapped = SinkFunc(func(p Progress) {
				sink.OnProgress(p)
				if p.Speed > 0 {
					metrics.EncodeSpeed.Observe(p.Speed)
				}
			})
		}
		tailCh <- parser.stream(stderr, wrapped)
	}()

	// All reads from the pipe must complete before Wait, which closes it.
	tail := <-tailCh
	waitErr := cmd.Wait()

	if waitErr != nil {
		e.log.WithSource(source).WithError(waitErr).Error("Encoder subprocess failed")
	}
	return tail, waitErr
}

// Validate checks that path holds a playable encode: exists, larger
// than 1 KiB, probes cleanly, carries a video stream with non-zero
// dimensions, and (unless lenient) matches expectedDuration within 2s.
// Invalid outputs are deleted before the error returns.
func (e *Encoder) Validate(ctx context.Context, path string, expectedDuration float64, lenient bool) error {
	fail := func(reason string) error {
		e.removeOutput(path)
		return &ValidationError{Reason: reason}
	}

	st, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Reason: "output does not exist"}
	}
	if st.Size() < minOutputSize {
		return fail(fmt.Sprintf("output too small (%d bytes)", st.Size()))
	}

	info, err := e.prober.Probe(ctx, path)
	if err != nil {
		return fail("output not readable by probe")
	}

	if info.Width == 0 || info.Height == 0 {
		return fail(fmt.Sprintf("invalid dimensions (%dx%d)", info.Width, info.Height))
	}

	if expectedDuration > 0 && !lenient {
		if info.Duration <= 0 {
			return fail("output has no duration")
		}
		diff := info.Duration - expectedDuration
		if diff < 0 {
			diff = -diff
		}
		if diff > durationTolerance {
			return fail(fmt.Sprintf("duration mismatch (%.1fs vs %.1fs)", info.Duration, expectedDuration))
		}
	}

	return nil
}

// FindExistingOutput looks for a prior output next to source named
// <stem><suffix> under any supported video extension. A valid sibling
// is returned; invalid siblings are deleted.
func (e *Encoder) FindExistingOutput(ctx context.Context, source string, suffixes []string, expectedDuration float64) (string, bool) {
	dir := filepath.Dir(source)
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	for _, suffix := range suffixes {
		for _, ext := range probe.VideoExtensions() {
			candidate := filepath.Join(dir, stem+suffix+ext)
			if candidate == source {
				continue
			}
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := e.Validate(ctx, candidate, expectedDuration, false); err != nil {
				e.log.WithSource(source).Infof("Removed invalid prior output %s", filepath.Base(candidate))
				continue
			}
			return candidate, true
		}
	}

	return "", false
}

func (e *Encoder) sourceDuration(job *models.EncodeJob) float64 {
	if job.Source != nil {
		return job.Source.Duration
	}
	return 0
}

func (e *Encoder) result(job *models.EncodeJob, elapsed time.Duration) (*models.EncodeResult, error) {
	st, err := os.Stat(job.IntermediatePath)
	if err != nil {
		return nil, fmt.Errorf("output vanished after validation: %w", err)
	}
	return &models.EncodeResult{
		Job:        job,
		OutputPath: job.IntermediatePath,
		OutputSize: st.Size(),
		Elapsed:    elapsed,
	}, nil
}

func (e *Encoder) removeOutput(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log.WithError(err).Warnf("Failed to remove output %s", path)
	}
}
