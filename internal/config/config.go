package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Logging  LoggingConfig
	Encoder  EncoderConfig
	Batch    BatchConfig
	Pipeline PipelineConfig
	Remote   RemoteConfig
	Hash     HashConfig
	Metrics  MetricsConfig
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// EncoderConfig holds external tool and encoding configuration
type EncoderConfig struct {
	FFmpegPath  string
	FFprobePath string
	TargetCodec string
	Preset      string
	AudioCodec  string
	CRF         int // manual override; 0 means use the quality policy
	Recover     bool
	Downscale   bool
	CacheDir    string // probe cache; empty disables
}

// BatchConfig holds batch controller configuration
type BatchConfig struct {
	Recursive       bool
	MaxFiles        int
	ReplaceOriginal bool
	FixPreviewOnly  bool
	FileTypes       []string // extension allow-list, e.g. ["wmv","avi"]
}

// PipelineConfig holds network pipeline configuration
type PipelineConfig struct {
	TempDir     string
	BufferSize  int
	MaxTempSize int64 // bytes
}

// RemoteConfig holds object storage configuration for the pipeline.
// An empty endpoint selects the plain filesystem store.
type RemoteConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// HashConfig holds perceptual hashing configuration
type HashConfig struct {
	Samples   int
	HashSize  int
	Threshold int
}

// MetricsConfig holds the optional metrics endpoint configuration
type MetricsConfig struct {
	Addr string // empty disables the endpoint
}

// Load reads configuration from an optional file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("videosentinel")
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Buffer size is only meaningful in a narrow band.
	if config.Pipeline.BufferSize < 2 {
		config.Pipeline.BufferSize = 2
	}
	if config.Pipeline.BufferSize > 5 {
		config.Pipeline.BufferSize = 5
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stderr")

	// Encoder defaults
	v.SetDefault("encoder.ffmpegPath", "ffmpeg")
	v.SetDefault("encoder.ffprobePath", "ffprobe")
	v.SetDefault("encoder.targetCodec", "hevc")
	v.SetDefault("encoder.preset", "medium")
	v.SetDefault("encoder.audioCodec", "aac")
	v.SetDefault("encoder.crf", 0)
	v.SetDefault("encoder.recover", false)
	v.SetDefault("encoder.downscale", false)
	v.SetDefault("encoder.cacheDir", "")

	// Batch defaults
	v.SetDefault("batch.recursive", false)
	v.SetDefault("batch.maxFiles", 0)
	v.SetDefault("batch.replaceOriginal", false)
	v.SetDefault("batch.fixPreviewOnly", false)

	// Pipeline defaults
	v.SetDefault("pipeline.tempDir", filepath.Join(os.TempDir(), "videosentinel"))
	v.SetDefault("pipeline.bufferSize", 4)
	v.SetDefault("pipeline.maxTempSize", int64(50)*1024*1024*1024) // 50 GiB

	// Remote storage defaults (filesystem store unless an endpoint is set)
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.accessKeyID", "")
	v.SetDefault("remote.secretAccessKey", "")
	v.SetDefault("remote.bucketName", "videos")
	v.SetDefault("remote.region", "us-east-1")
	v.SetDefault("remote.useSSL", false)

	// Perceptual hash defaults
	v.SetDefault("hash.samples", 10)
	v.SetDefault("hash.hashSize", 12)
	v.SetDefault("hash.threshold", 15)

	// Metrics defaults
	v.SetDefault("metrics.addr", "")
}
