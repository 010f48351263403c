package duplicates

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// Score bonuses, largest first so each tier dominates the ones below.
const (
	scoreSuffixBonus  = 50000 // produced output, already paid for
	scorePreviewBonus = 5000
)

var containerScores = map[string]int{
	"mp4": 300, "m4v": 300,
	"mkv": 100, "matroska": 100, "webm": 100,
}

var codecScores = map[string]int{
	"av1":   1000,
	"vp9":   900,
	"hevc":  800,
	"h264":  400,
	"mpeg4": 200,
	"mpeg2": 100,
	"wmv":   50,
}

// producedSuffixes mark outputs this tool created earlier.
var producedSuffixes = []string{models.SuffixReencoded, models.SuffixQuicklook}

// Member is one group member with its probed metadata and quality score.
type Member struct {
	Path  string
	Info  *models.MediaInfo
	Score int
}

// QualityScore ranks one file for keeper selection. Higher is better.
// The tiers are ordered so that a produced output always beats a raw
// source, preview compatibility beats container choice, and codec
// modernity beats resolution and bitrate.
func QualityScore(path string, info *models.MediaInfo) int {
	score := 0

	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	for _, suffix := range producedSuffixes {
		if strings.HasSuffix(stem, suffix) {
			score += scoreSuffixBonus
			break
		}
	}

	if info == nil {
		return score
	}

	if policy.IsPreviewCompatible(info) {
		score += scorePreviewBonus
	}

	score += containerScores[strings.ToLower(info.Container)]
	score += codecScores[info.NormalizedCodec()]
	score += info.Pixels() / 1000

	bitrate := info.Bitrate
	if bitrate == 0 && info.FileSize > 0 && info.Duration > 0 {
		bitrate = int64(float64(info.FileSize) * 8 / info.Duration)
	}
	if bitrate > 0 {
		eff, ok := policy.CodecEfficiency[info.NormalizedCodec()]
		if !ok {
			eff = 1.0
		}
		score += int(float64(bitrate) * eff / 10000)
	}

	return score
}

// RankMembers orders members best-first. Ties fall to the larger file,
// then the lexicographically smaller path so ranking is deterministic.
func RankMembers(members []Member) []Member {
	ranked := make([]Member, len(members))
	copy(ranked, members)

	for i := range ranked {
		ranked[i].Score = QualityScore(ranked[i].Path, ranked[i].Info)
	}

	sort.Slice(ranked, func(i, j int) bool {
		return betterThan(ranked[i], ranked[j])
	})

	return ranked
}

func betterThan(a, b Member) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	var as, bs int64
	if a.Info != nil {
		as = a.Info.FileSize
	}
	if b.Info != nil {
		bs = b.Info.FileSize
	}
	if as != bs {
		return as > bs
	}
	return a.Path < b.Path
}
