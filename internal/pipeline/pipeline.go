package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/videosentinel/videosentinel/internal/encoder"
	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/shutdown"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// pollInterval is how long an idle worker sleeps before rechecking the
// queue.
const pollInterval = 500 * time.Millisecond

// Options bounds the pipeline's local footprint.
type Options struct {
	TempDir     string
	BufferSize  int   // in-flight entries, valid 2..5
	MaxTempSize int64 // staging bytes
}

// Pipeline runs the three-worker download, encode, upload cycle over a
// durable queue.
type Pipeline struct {
	queue  *Queue
	store  RemoteStore
	enc    *encoder.Encoder
	prober *probe.Prober
	policy *policy.Policy
	stop   *shutdown.Flag
	opts   Options
	log    *logging.Logger
}

// New wires a pipeline. The queue is loaded (and resumed) on Run.
func New(store RemoteStore, enc *encoder.Encoder, prober *probe.Prober, pol *policy.Policy, stop *shutdown.Flag, opts Options, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	if opts.BufferSize < 2 {
		opts.BufferSize = 2
	}
	if opts.BufferSize > 5 {
		opts.BufferSize = 5
	}
	return &Pipeline{
		queue:  NewQueue(filepath.Join(opts.TempDir, StateFileName), log),
		store:  store,
		enc:    enc,
		prober: prober,
		policy: pol,
		stop:   stop,
		opts:   opts,
		log:    log,
	}
}

// Queue exposes the underlying queue for enqueueing and reporting.
func (p *Pipeline) Queue() *Queue {
	return p.queue
}

// EnqueueSources adds pipeline entries for remote source paths. Staging
// and final paths are derived here; classification happens after
// download, against the local copy.
func (p *Pipeline) EnqueueSources(ctx context.Context, sources []string, replaceOriginal, recoverMode, downscale bool) (int, error) {
	if err := os.MkdirAll(p.opts.TempDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create staging dir: %w", err)
	}

	var entries []*models.QueueEntry
	for _, src := range sources {
		size, err := p.store.Size(ctx, src)
		if err != nil {
			p.log.WithSource(src).WithError(err).Warn("Cannot stat remote source, skipping")
			continue
		}

		base := filepath.Base(src)
		stem := strings.TrimSuffix(base, filepath.Ext(base))

		final := filepath.Join(filepath.Dir(src), stem+models.SuffixReencoded+".mp4")
		if replaceOriginal {
			final = filepath.Join(filepath.Dir(src), stem+".mp4")
		}

		entries = append(entries, &models.QueueEntry{
			SourcePath:      src,
			LocalInputPath:  filepath.Join(p.opts.TempDir, "download_"+base),
			LocalOutputPath: filepath.Join(p.opts.TempDir, "encoded_"+base+".mp4"),
			FinalRemotePath: final,
			TargetCodec:     p.policy.TargetCodec,
			Recover:         recoverMode,
			Downscale:       downscale,
			ReplaceOriginal: replaceOriginal,
			SourceSize:      size,
		})
	}

	return p.queue.Enqueue(entries)
}

// Run loads the queue, starts the three workers, and blocks until every
// entry is terminal or the stop flag is set. Workers poll the flag at
// the top of each iteration; an in-flight encode always completes.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.opts.TempDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	if err := p.queue.Load(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); p.downloader(ctx) }()
	go func() { defer wg.Done(); p.encoderWorker(ctx) }()
	go func() { defer wg.Done(); p.uploader(ctx) }()
	wg.Wait()

	if p.stop.Stopped() {
		p.log.Info("Pipeline stopped by request")
		return nil
	}
	p.log.Info("Pipeline drained")
	return nil
}

// downloader feeds local staging from remote storage, bounded by the
// buffer size and the staging byte budget.
func (p *Pipeline) downloader(ctx context.Context) {
	log := p.log.WithWorker("downloader")

	for {
		if p.stop.Stopped() || ctx.Err() != nil {
			return
		}
		if !p.queue.Pending() {
			return
		}
		if p.queue.InFlight() >= p.opts.BufferSize || p.queue.StagingBytes() >= p.opts.MaxTempSize {
			time.Sleep(pollInterval)
			continue
		}

		entry, err := p.queue.ClaimNext(models.EntryPending, models.EntryDownloading)
		if err != nil {
			log.WithError(err).Error("Queue persist failed")
			return
		}
		if entry == nil {
			time.Sleep(pollInterval)
			continue
		}

		start := time.Now()
		err = p.store.Fetch(ctx, entry.SourcePath, entry.LocalInputPath)
		log.LogCopyOperation("download", entry.SourcePath, entry.LocalInputPath, entry.SourceSize, time.Since(start), err)

		if err != nil {
			os.Remove(entry.LocalInputPath)
			p.fail(entry, fmt.Sprintf("download failed: %v", err))
			continue
		}

		metrics.TransferBytes.WithLabelValues("download").Add(float64(entry.SourceSize))
		p.setState(entry, models.EntryLocal)
	}
}

// encoderWorker runs one encode at a time over the oldest LOCAL entry.
func (p *Pipeline) encoderWorker(ctx context.Context) {
	log := p.log.WithWorker("encoder")

	for {
		if p.stop.Stopped() || ctx.Err() != nil {
			return
		}

		entry, err := p.queue.ClaimNext(models.EntryLocal, models.EntryEncoding)
		if err != nil {
			log.WithError(err).Error("Queue persist failed")
			return
		}
		if entry == nil {
			if p.drained(models.EntryPending, models.EntryDownloading, models.EntryLocal) {
				return
			}
			time.Sleep(pollInterval)
			continue
		}

		if err := p.encodeEntry(ctx, entry); err != nil {
			os.Remove(entry.LocalInputPath)
			os.Remove(entry.LocalOutputPath)
			p.fail(entry, err.Error())
			continue
		}
		p.setState(entry, models.EntryEncoded)
	}
}

// encodeEntry classifies the local copy and runs the encode.
func (p *Pipeline) encodeEntry(ctx context.Context, entry *models.QueueEntry) error {
	info, err := p.prober.Probe(ctx, entry.LocalInputPath)
	if err != nil {
		p.log.WithSource(entry.SourcePath).WithError(err).Warn("Local copy unprobeable, encoding with recovery")
		info = &models.MediaInfo{Path: entry.LocalInputPath}
	}

	crf := entry.CRF
	if crf == 0 {
		crf = p.policy.RecommendCRF(info, entry.TargetCodec)
	}

	job := &models.EncodeJob{
		ID:               entry.ID,
		SourcePath:       entry.LocalInputPath,
		IntermediatePath: entry.LocalOutputPath,
		TargetCodec:      entry.TargetCodec,
		CRF:              crf,
		Recover:          entry.Recover || !info.Valid(),
		Downscale:        entry.Downscale,
		Source:           info,
	}

	sink := encoder.SinkFunc(func(pr encoder.Progress) {
		if pr.Percent > 0 {
			p.log.LogEncodeProgress(entry.SourcePath, pr.Percent, pr.FPS, pr.Speed)
		}
	})
	result, err := p.enc.Encode(ctx, job, sink)
	if err != nil {
		return err
	}

	return p.queue.Update(entry, func(e *models.QueueEntry) {
		e.CRF = crf
		e.OutputSize = result.OutputSize
		e.Source = info
	})
}

// uploader installs encoded outputs back on remote storage and clears
// the staging copies.
func (p *Pipeline) uploader(ctx context.Context) {
	log := p.log.WithWorker("uploader")

	for {
		if p.stop.Stopped() || ctx.Err() != nil {
			return
		}

		// Entries resumed in UPLOADING are picked up before new work.
		entry, err := p.queue.ClaimNext(models.EntryUploading, models.EntryUploading)
		if err != nil {
			log.WithError(err).Error("Queue persist failed")
			return
		}
		if entry == nil {
			entry, err = p.queue.ClaimNext(models.EntryEncoded, models.EntryUploading)
			if err != nil {
				log.WithError(err).Error("Queue persist failed")
				return
			}
		}
		if entry == nil {
			if p.drained(models.EntryPending, models.EntryDownloading, models.EntryLocal,
				models.EntryEncoding, models.EntryEncoded) {
				return
			}
			time.Sleep(pollInterval)
			continue
		}

		if err := p.uploadEntry(ctx, entry, log); err != nil {
			os.Remove(entry.LocalInputPath)
			os.Remove(entry.LocalOutputPath)
			p.fail(entry, err.Error())
			continue
		}

		os.Remove(entry.LocalInputPath)
		os.Remove(entry.LocalOutputPath)
		p.setState(entry, models.EntryComplete)
	}
}

// uploadEntry copies the output to its final remote path. In
// replace-original mode the copy lands on the renamed final path first;
// the remote original is deleted only after the copy succeeded.
func (p *Pipeline) uploadEntry(ctx context.Context, entry *models.QueueEntry, log *logging.Logger) error {
	start := time.Now()
	err := p.store.Store(ctx, entry.LocalOutputPath, entry.FinalRemotePath)
	log.LogCopyOperation("upload", entry.LocalOutputPath, entry.FinalRemotePath, entry.OutputSize, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	metrics.TransferBytes.WithLabelValues("upload").Add(float64(entry.OutputSize))

	if entry.ReplaceOriginal && entry.FinalRemotePath != entry.SourcePath {
		if err := p.store.Remove(ctx, entry.SourcePath); err != nil {
			return fmt.Errorf("failed to remove remote original: %w", err)
		}
	}
	return nil
}

// drained reports whether no entry remains in any of the given states.
func (p *Pipeline) drained(states ...models.EntryState) bool {
	for _, s := range states {
		if p.queue.countIn(s) > 0 {
			return false
		}
	}
	return true
}

func (p *Pipeline) setState(entry *models.QueueEntry, state models.EntryState) {
	if err := p.queue.SetState(entry, state, ""); err != nil {
		p.log.WithError(err).Error("Queue persist failed")
	}
}

func (p *Pipeline) fail(entry *models.QueueEntry, msg string) {
	if err := p.queue.SetState(entry, models.EntryFailed, msg); err != nil {
		p.log.WithError(err).Error("Queue persist failed")
	}
}
