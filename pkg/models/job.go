package models

import "time"

// EncodeJob is one file's work item inside a batch run.
type EncodeJob struct {
	ID               string     `json:"id"`
	SourcePath       string     `json:"source_path"`
	IntermediatePath string     `json:"intermediate_path"`
	FinalPath        string     `json:"final_path,omitempty"`
	TargetCodec      string     `json:"target_codec"`
	CRF              int        `json:"crf"`
	Recover          bool       `json:"recover"`
	Downscale        bool       `json:"downscale"`
	FixPreviewOnly   bool       `json:"fix_preview_only"`
	ReplaceOriginal  bool       `json:"replace_original"`
	State            string     `json:"state"`
	ErrorMsg         string     `json:"error_msg,omitempty"`
	Source           *MediaInfo `json:"source,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EncodeJob state constants, in the order a file moves through a batch.
const (
	JobStateDiscovered    = "discovered"
	JobStateProbed        = "probed"
	JobStateClassified    = "classified"
	JobStateExistingValid = "existing_valid"
	JobStateEncoding      = "encoding"
	JobStateValidated     = "validated"
	JobStateRemuxed       = "remuxed"
	JobStateReplaced      = "replaced"
	JobStateDone          = "done"
	JobStateFailed        = "failed"
)

// Output file suffixes for intermediates produced next to the source.
const (
	SuffixReencoded = "_reencoded"
	SuffixQuicklook = "_quicklook"
)

// EncodeResult summarizes a finished encode.
type EncodeResult struct {
	Job        *EncodeJob    `json:"job"`
	OutputPath string        `json:"output_path"`
	OutputSize int64         `json:"output_size"`
	Elapsed    time.Duration `json:"elapsed"`
}
