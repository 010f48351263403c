package models

import "time"

// QueueEntry is one file's durable record inside the network pipeline.
// The queue state file holds at most one entry per source path.
type QueueEntry struct {
	ID              string     `json:"id"`
	SourcePath      string     `json:"source_path"`
	LocalInputPath  string     `json:"local_input_path,omitempty"`
	LocalOutputPath string     `json:"local_output_path,omitempty"`
	FinalRemotePath string     `json:"final_remote_path,omitempty"`
	TargetCodec     string     `json:"target_codec"`
	CRF             int        `json:"crf"`
	Recover         bool       `json:"recover"`
	Downscale       bool       `json:"downscale"`
	ReplaceOriginal bool       `json:"replace_original"`
	State           EntryState `json:"state"`
	ErrorMsg        string     `json:"error,omitempty"`
	SourceSize      int64      `json:"source_size,omitempty"`
	OutputSize      int64      `json:"output_size,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Source          *MediaInfo `json:"source,omitempty"`
}

// EntryState is the pipeline stage a queue entry is in.
type EntryState string

// Pipeline states, in forward order. Entries only move backward via
// explicit re-enqueue during resume.
const (
	EntryPending     EntryState = "pending"
	EntryDownloading EntryState = "downloading"
	EntryLocal       EntryState = "local"
	EntryEncoding    EntryState = "encoding"
	EntryEncoded     EntryState = "encoded"
	EntryUploading   EntryState = "uploading"
	EntryComplete    EntryState = "complete"
	EntryFailed      EntryState = "failed"
)

// Terminal reports whether the entry needs no further work.
func (s EntryState) Terminal() bool {
	return s == EntryComplete || s == EntryFailed
}

// InFlight reports whether the entry occupies local staging, which is
// what the pipeline's buffer bound counts.
func (s EntryState) InFlight() bool {
	switch s {
	case EntryLocal, EntryEncoding, EntryEncoded, EntryUploading:
		return true
	}
	return false
}

// QueueState is the on-disk shape of the pipeline's state file.
type QueueState struct {
	Entries []*QueueEntry `json:"entries"`
	Schema  int           `json:"schema"`
}

// QueueSchemaVersion is the current state file schema.
const QueueSchemaVersion = 1
