package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Probe metrics
	FilesProbed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videosentinel_files_probed_total",
			Help: "Total number of files probed",
		},
		[]string{"result"},
	)

	ProbeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videosentinel_probe_cache_hits_total",
			Help: "Probe results served from the disk cache",
		},
	)

	// Batch metrics
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videosentinel_files_processed_total",
			Help: "Batch files by terminal outcome",
		},
		[]string{"outcome"},
	)

	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videosentinel_encode_duration_seconds",
			Help:    "Wall-clock duration of encoder runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		},
		[]string{"codec"},
	)

	EncodeSpeed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "videosentinel_encode_speed_ratio",
			Help:    "Encoder speed relative to realtime",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 16.0},
		},
	)

	// Pipeline metrics
	QueueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videosentinel_queue_entries",
			Help: "Queue entries by pipeline state",
		},
		[]string{"state"},
	)

	StagingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videosentinel_staging_bytes",
			Help: "Bytes currently held in local staging",
		},
	)

	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videosentinel_transfer_bytes_total",
			Help: "Bytes moved between remote and staging",
		},
		[]string{"direction"},
	)

	// Duplicate detection metrics
	VideosHashed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videosentinel_videos_hashed_total",
			Help: "Perceptual hash attempts by result",
		},
		[]string{"result"},
	)

	DuplicateGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videosentinel_duplicate_groups",
			Help: "Duplicate groups found in the last run",
		},
	)
)
