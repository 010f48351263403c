package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/videosentinel/videosentinel/internal/batch"
	"github.com/videosentinel/videosentinel/internal/config"
	"github.com/videosentinel/videosentinel/internal/duplicates"
	"github.com/videosentinel/videosentinel/internal/encoder"
	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/pipeline"
	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/shutdown"
	"github.com/videosentinel/videosentinel/internal/videohash"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file")
		mode       = flag.String("mode", "batch", "batch, queue, or duplicates")

		recursive  = flag.Bool("recursive", false, "recurse into subdirectories")
		maxFiles   = flag.Int("max-files", 0, "cap on files processed per run (0 = unlimited)")
		replace    = flag.Bool("replace", false, "replace originals with encoded outputs")
		fixPreview = flag.Bool("fix-preview", false, "only fix preview compatibility, no codec upgrades")
		recoverOpt = flag.Bool("recover", false, "tolerate corrupted sources")
		downscale  = flag.Bool("downscale", false, "cap output resolution at 1080p")
		codec      = flag.String("codec", "", "target codec (h264, hevc, av1)")
		crf        = flag.Int("crf", 0, "manual CRF override (0 = derive from source)")
		fileTypes  = flag.String("file-types", "", "comma-separated extension allow-list, e.g. wmv,avi")

		clearQueue = flag.Bool("clear-queue", false, "reset the pipeline queue state and exit")

		dupMode   = flag.String("dup-mode", "perceptual", "duplicate grouping: perceptual or filename")
		threshold = flag.Float64("threshold", 0, "perceptual similarity threshold (0 = from config)")
		apply     = flag.Bool("delete", false, "delete duplicate losers (default reports only)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *codec != "" {
		cfg.Encoder.TargetCodec = *codec
	}
	if *crf > 0 {
		cfg.Encoder.CRF = *crf
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.Start(); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	var cache *probe.Cache
	if cfg.Encoder.CacheDir != "" {
		cache, err = probe.NewCache(cfg.Encoder.CacheDir)
		if err != nil {
			log.WithError(err).Warn("Probe cache disabled")
		}
	}
	prober := probe.NewProber(cfg.Encoder.FFprobePath, cache, log)
	pol := policy.New(cfg.Encoder.TargetCodec, cfg.Encoder.CRF)
	enc := encoder.New(cfg.Encoder.FFmpegPath, cfg.Encoder.Preset, cfg.Encoder.AudioCodec, prober, log)

	stop := shutdown.New()
	detach := shutdown.NotifyOnSignals(stop, os.Interrupt, syscall.SIGTERM)
	defer detach()

	ctx := context.Background()

	var runErr error
	switch *mode {
	case "batch":
		opts := batch.Options{
			Recursive:       *recursive || cfg.Batch.Recursive,
			MaxFiles:        pickInt(*maxFiles, cfg.Batch.MaxFiles),
			ReplaceOriginal: *replace || cfg.Batch.ReplaceOriginal,
			FixPreviewOnly:  *fixPreview || cfg.Batch.FixPreviewOnly,
			Recover:         *recoverOpt || cfg.Encoder.Recover,
			Downscale:       *downscale || cfg.Encoder.Downscale,
			FileTypes:       pickList(*fileTypes, cfg.Batch.FileTypes),
		}
		runErr = runBatch(ctx, prober, pol, enc, stop, opts, log, flag.Args())
	case "queue":
		runErr = runQueue(ctx, cfg, prober, pol, enc, stop, log, *clearQueue,
			*replace || cfg.Batch.ReplaceOriginal,
			*recoverOpt || cfg.Encoder.Recover,
			*downscale || cfg.Encoder.Downscale,
			flag.Args())
	case "duplicates":
		runErr = runDuplicates(ctx, cfg, prober, log, *dupMode, *threshold, *apply, flag.Args())
	default:
		runErr = fmt.Errorf("unknown mode %q", *mode)
	}

	if runErr != nil {
		log.WithError(runErr).Error("Run failed")
		os.Exit(1)
	}
}

func runBatch(ctx context.Context, prober *probe.Prober, pol *policy.Policy, enc *encoder.Encoder, stop *shutdown.Flag, opts batch.Options, log *logging.Logger, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("batch mode needs exactly one directory argument")
	}

	ctrl := batch.NewController(prober, pol, enc, stop, opts, log)
	summary, err := ctrl.Run(ctx, args[0])
	if err != nil {
		return err
	}

	log.Infof("Batch finished: %d discovered, %d compliant, %d encoded, %d remuxed, %d resumed, %d replaced, %d skipped, %d unprobeable, %d failed",
		summary.Discovered, summary.Compliant, summary.Encoded, summary.Remuxed,
		summary.Resumed, summary.Replaced, summary.Skipped, summary.Unprobeable, summary.Failed)
	if summary.Failed > 0 {
		return fmt.Errorf("%d files failed", summary.Failed)
	}
	return nil
}

func runQueue(ctx context.Context, cfg *config.Config, prober *probe.Prober, pol *policy.Policy, enc *encoder.Encoder, stop *shutdown.Flag, log *logging.Logger, clear, replace, recoverMode, downscale bool, sources []string) error {
	var store pipeline.RemoteStore
	if cfg.Remote.Endpoint != "" {
		objStore, err := pipeline.NewObjectStore(ctx, cfg.Remote)
		if err != nil {
			return err
		}
		store = objStore
	} else {
		store = pipeline.NewFSStore(log)
	}

	pipe := pipeline.New(store, enc, prober, pol, stop, pipeline.Options{
		TempDir:     cfg.Pipeline.TempDir,
		BufferSize:  cfg.Pipeline.BufferSize,
		MaxTempSize: cfg.Pipeline.MaxTempSize,
	}, log)

	if clear {
		if err := pipe.Queue().Clear(); err != nil {
			return err
		}
		log.Info("Queue state cleared")
		return nil
	}

	if len(sources) > 0 {
		added, err := pipe.EnqueueSources(ctx, sources, replace, recoverMode, downscale)
		if err != nil {
			return err
		}
		log.Infof("Enqueued %d of %d sources", added, len(sources))
	}

	return pipe.Run(ctx)
}

func runDuplicates(ctx context.Context, cfg *config.Config, prober *probe.Prober, log *logging.Logger, mode string, threshold float64, apply bool, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("duplicates mode needs exactly one directory argument")
	}

	files, err := probe.FindVideos(args[0], true)
	if err != nil {
		return err
	}

	if threshold <= 0 {
		threshold = float64(cfg.Hash.Threshold)
	}

	hasher := videohash.NewHasher(cfg.Encoder.FFmpegPath, prober, cfg.Hash.Samples, cfg.Hash.HashSize, log)
	grouper := duplicates.NewGrouper(hasher, prober, threshold, log)

	var groups []duplicates.Group
	switch mode {
	case "perceptual":
		var failed []string
		groups, failed, err = grouper.FindPerceptual(ctx, files)
		if len(failed) > 0 {
			log.Warnf("%d files could not be hashed", len(failed))
		}
	case "filename":
		groups, err = grouper.FindByFilename(ctx, files)
	default:
		return fmt.Errorf("unknown duplicate mode %q", mode)
	}
	if err != nil {
		return err
	}

	log.Infof("Found %d duplicate groups across %d files", len(groups), len(files))

	for _, group := range groups {
		ranked := grouper.Resolve(ctx, group)
		res, err := grouper.Cleanup(ranked, !apply)
		if err != nil {
			log.WithError(err).Error("Group cleanup failed")
			continue
		}
		log.Infof("Group of %d: keeping %s, removed %d", len(group.Paths), res.Keeper, len(res.Removed))
	}
	return nil
}

func pickInt(flagVal, cfgVal int) int {
	if flagVal > 0 {
		return flagVal
	}
	return cfgVal
}

func pickList(flagVal string, cfgVal []string) []string {
	if flagVal == "" {
		return cfgVal
	}
	var out []string
	for _, part := range strings.Split(flagVal, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
