// Package batch orchestrates a directory run: discovery, classification,
// resume detection, encoding, and optional in-place replacement. A batch
// advances file by file; parallelism lives in the external encoder, not
// here.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/videosentinel/videosentinel/internal/encoder"
	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/shutdown"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// resumeSuffixes are checked, in order, for prior outputs of a source.
var resumeSuffixes = []string{models.SuffixReencoded, models.SuffixQuicklook}

// Options controls one batch run.
type Options struct {
	Recursive       bool
	MaxFiles        int      // 0 means unlimited
	ReplaceOriginal bool
	FixPreviewOnly  bool     // remux and pixel-format fixes only, no codec upgrades
	Recover         bool
	Downscale       bool
	FileTypes       []string // extension allow-list, empty means all supported
}

// Summary aggregates the per-file outcomes of a run.
type Summary struct {
	Discovered  int
	Compliant   int
	Resumed     int
	Encoded     int
	Remuxed     int
	Replaced    int
	Skipped     int
	Unprobeable int
	Failed      int
}

// Controller runs batches over local directories.
type Controller struct {
	prober *probe.Prober
	policy *policy.Policy
	enc    *encoder.Encoder
	stop   *shutdown.Flag
	opts   Options
	log    *logging.Logger
}

// NewController wires a batch controller. stop must be non-nil; the
// caller decides what feeds it.
func NewController(prober *probe.Prober, pol *policy.Policy, enc *encoder.Encoder, stop *shutdown.Flag, opts Options, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{
		prober: prober,
		policy: pol,
		enc:    enc,
		stop:   stop,
		opts:   opts,
		log:    log,
	}
}

// Run processes every video under dir that needs work, in stable path
// order. The shutdown flag is polled between files; once set, the file
// in flight completes and the rest are reported as skipped.
func (c *Controller) Run(ctx context.Context, dir string) (*Summary, error) {
	files, err := probe.FindVideos(dir, c.opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	files = c.filterTypes(files)

	summary := &Summary{Discovered: len(files)}
	jobs := c.selectJobs(ctx, files, summary)

	for i, job := range jobs {
		if c.stop.Stopped() {
			summary.Skipped += len(jobs) - i
			c.log.Infof("Stop requested, skipping %d remaining files", len(jobs)-i)
			break
		}
		c.processJob(ctx, job, summary)
	}

	return summary, nil
}

// filterTypes applies the extension allow-list.
func (c *Controller) filterTypes(files []string) []string {
	if len(c.opts.FileTypes) == 0 {
		return files
	}

	allowed := make(map[string]struct{}, len(c.opts.FileTypes))
	for _, ext := range c.opts.FileTypes {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}

	var kept []string
	for _, f := range files {
		if _, ok := allowed[strings.ToLower(filepath.Ext(f))]; ok {
			kept = append(kept, f)
		}
	}
	return kept
}

// selectJobs probes and classifies files until enough work is found.
// With MaxFiles set, probing stops once twice that many non-compliant
// files are located so huge directories are not scanned end to end.
func (c *Controller) selectJobs(ctx context.Context, files []string, summary *Summary) []*models.EncodeJob {
	probeCap := 0
	if c.opts.MaxFiles > 0 {
		probeCap = 2 * c.opts.MaxFiles
	}

	var jobs []*models.EncodeJob
	for _, path := range files {
		if c.stop.Stopped() {
			break
		}
		if probeCap > 0 && len(jobs) >= probeCap {
			break
		}

		info, err := c.prober.Probe(ctx, path)
		if err != nil {
			// Unreadable sources are only worth an encode attempt when the
			// operator asked for recovery mode.
			if !c.opts.Recover {
				c.log.WithSource(path).WithError(err).Warn("Unable to analyze, skipping")
				summary.Unprobeable++
				metrics.FilesProcessed.WithLabelValues("unprobeable").Inc()
				continue
			}
			c.log.WithSource(path).WithError(err).Warn("Probe failed, scheduling recovery encode")
			info = &models.MediaInfo{Path: path}
		}

		verdict := c.policy.Classify(info)
		if !verdict.NeedsWork() {
			summary.Compliant++
			metrics.FilesProcessed.WithLabelValues("compliant").Inc()
			continue
		}
		if c.opts.FixPreviewOnly && verdict.Action == models.ActionReencode {
			// Preview-only runs leave codec upgrades alone.
			summary.Compliant++
			continue
		}

		jobs = append(jobs, c.buildJob(path, info, verdict))
	}

	if c.opts.MaxFiles > 0 && len(jobs) > c.opts.MaxFiles {
		jobs = jobs[:c.opts.MaxFiles]
	}
	return jobs
}

// buildJob turns a classified file into its work item.
func (c *Controller) buildJob(path string, info *models.MediaInfo, verdict models.ComplianceVerdict) *models.EncodeJob {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	suffix := models.SuffixReencoded
	if verdict.Action == models.ActionRemux {
		suffix = models.SuffixQuicklook
	}

	job := &models.EncodeJob{
		ID:               uuid.New().String(),
		SourcePath:       path,
		IntermediatePath: filepath.Join(dir, stem+suffix+".mp4"),
		TargetCodec:      verdict.TargetCodec,
		CRF:              verdict.CRF,
		Recover:          c.opts.Recover,
		Downscale:        c.opts.Downscale,
		FixPreviewOnly:   c.opts.FixPreviewOnly,
		ReplaceOriginal:  c.opts.ReplaceOriginal,
		State:            models.JobStateClassified,
		Source:           info,
		CreatedAt:        time.Now(),
	}
	if job.ReplaceOriginal {
		job.FinalPath = filepath.Join(dir, stem+".mp4")
	}

	// Sources the probe could not read get the recovery flags even when
	// the run did not ask for them; a clean pass cannot succeed.
	if !info.Valid() {
		job.Recover = true
	}

	c.log.WithJobID(job.ID).WithSource(path).Debugf("Classified: %s (%s)", verdict.Action, verdict.Reason)
	return job
}

// processJob drives one file through its state machine and folds the
// outcome into summary.
func (c *Controller) processJob(ctx context.Context, job *models.EncodeJob, summary *Summary) {
	log := c.log.WithJobID(job.ID).WithSource(job.SourcePath)

	outcome, err := c.runJob(ctx, job, log)
	if err != nil {
		job.State = models.JobStateFailed
		job.ErrorMsg = err.Error()
		summary.Failed++
		metrics.FilesProcessed.WithLabelValues("failed").Inc()
		log.WithError(err).Error("File failed")
		return
	}

	switch outcome {
	case models.JobStateExistingValid:
		summary.Resumed++
		metrics.FilesProcessed.WithLabelValues("resumed").Inc()
	case models.JobStateRemuxed:
		summary.Remuxed++
		metrics.FilesProcessed.WithLabelValues("remuxed").Inc()
	case models.JobStateValidated:
		summary.Encoded++
		metrics.FilesProcessed.WithLabelValues("encoded").Inc()
	case models.JobStateDone:
		summary.Resumed++
		metrics.FilesProcessed.WithLabelValues("resumed").Inc()
	}
	if job.State == models.JobStateReplaced {
		summary.Replaced++
	}
	job.State = models.JobStateDone
}

// runJob returns the state that produced the output (existing_valid,
// remuxed, or validated), or done when no work was left to do.
func (c *Controller) runJob(ctx context.Context, job *models.EncodeJob, log *logging.Logger) (string, error) {
	duration := 0.0
	if job.Source != nil {
		duration = job.Source.Duration
	}

	// A finished replacement from an earlier run: source gone, final
	// output in place.
	if _, err := os.Stat(job.SourcePath); os.IsNotExist(err) {
		final := job.FinalPath
		if final == "" {
			final = replacedPath(job.SourcePath)
		}
		if err := c.enc.Validate(ctx, final, duration, job.Recover); err == nil {
			log.Info("Replacement already completed")
			return models.JobStateDone, nil
		}
		return "", fmt.Errorf("source missing and no valid replacement at %s", final)
	}

	// Resume-probe: a valid prior output skips the encode entirely.
	if existing, ok := c.enc.FindExistingOutput(ctx, job.SourcePath, resumeSuffixes, duration); ok {
		log.Infof("Resuming with existing output %s", filepath.Base(existing))
		job.IntermediatePath = existing
		job.State = models.JobStateExistingValid
		if err := c.maybeReplace(job, log); err != nil {
			return "", err
		}
		return models.JobStateExistingValid, nil
	}

	verdict := c.policy.Classify(job.Source)
	if verdict.Action == models.ActionRemux {
		job.State = models.JobStateEncoding
		if err := c.enc.Remux(ctx, job.SourcePath, job.IntermediatePath, verdict.FixTag, duration); err != nil {
			return "", err
		}
		job.State = models.JobStateRemuxed
		if err := c.maybeReplace(job, log); err != nil {
			return "", err
		}
		return models.JobStateRemuxed, nil
	}

	job.State = models.JobStateEncoding
	sink := encoder.SinkFunc(func(p encoder.Progress) {
		if p.Percent > 0 {
			log.LogEncodeProgress(job.SourcePath, p.Percent, p.FPS, p.Speed)
		}
	})
	if _, err := c.enc.Encode(ctx, job, sink); err != nil {
		return "", err
	}
	job.State = models.JobStateValidated

	if err := c.maybeReplace(job, log); err != nil {
		return "", err
	}
	return models.JobStateValidated, nil
}

func replacedPath(source string) string {
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(filepath.Dir(source), stem+".mp4")
}
