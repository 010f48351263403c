package models

// Action is the work a file needs to reach the modern baseline.
type Action string

// Compliance actions.
const (
	ActionCompliant Action = "compliant"
	ActionRemux     Action = "needs_remux"
	ActionReencode  Action = "needs_reencode"
	ActionFullFix   Action = "needs_full_fix"
)

// ComplianceVerdict is the quality policy's decision for one file.
type ComplianceVerdict struct {
	Action      Action `json:"action"`
	Reason      string `json:"reason,omitempty"`
	TargetCodec string `json:"target_codec,omitempty"`
	CRF         int    `json:"crf,omitempty"`
	FixTag      bool   `json:"fix_tag,omitempty"`
}

// NeedsWork reports whether the file requires any processing.
func (v ComplianceVerdict) NeedsWork() bool {
	return v.Action != ActionCompliant
}

// NeedsPixelData reports whether the verdict requires re-encoding pixel
// data rather than a stream-copy remux.
func (v ComplianceVerdict) NeedsPixelData() bool {
	return v.Action == ActionReencode || v.Action == ActionFullFix
}
