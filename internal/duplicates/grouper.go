// Package duplicates groups videos that hold the same content, ranks
// the members by quality, and keeps the best copy.
package duplicates

import (
	"context"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/videohash"
)

// DefaultThreshold is the mean Hamming distance at or below which two
// videos are considered the same content.
const DefaultThreshold = 15

// durationTolerance bounds member drift from the group median in
// filename mode.
const durationTolerance = 2.0

// Group is a set of two or more paths considered the same content.
type Group struct {
	Paths  []string
	Keeper string
}

// Grouper finds duplicate videos in perceptual or filename mode.
type Grouper struct {
	hasher    *videohash.Hasher
	prober    *probe.Prober
	threshold float64
	log       *logging.Logger
}

// NewGrouper creates a grouper; threshold <= 0 selects the default.
func NewGrouper(hasher *videohash.Hasher, prober *probe.Prober, threshold float64, log *logging.Logger) *Grouper {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Grouper{
		hasher:    hasher,
		prober:    prober,
		threshold: threshold,
		log:       log,
	}
}

// FindPerceptual groups paths by perceptual frame hashing. Videos whose
// hash cannot be computed are reported and excluded. Grouping is greedy
// over the stable input order, which makes repeated runs deterministic.
func (g *Grouper) FindPerceptual(ctx context.Context, paths []string) ([]Group, []string, error) {
	type hashed struct {
		path string
		hash videohash.VideoHash
	}

	var candidates []hashed
	var failed []string

	for _, path := range paths {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		hash, err := g.hasher.HashVideo(ctx, path)
		if err != nil {
			g.log.WithSource(path).WithError(err).Warn("Excluded from perceptual grouping")
			failed = append(failed, path)
			continue
		}
		candidates = append(candidates, hashed{path: path, hash: hash})
	}

	grouped := make([]bool, len(candidates))
	var groups []Group

	for i := range candidates {
		if grouped[i] {
			continue
		}
		group := Group{Paths: []string{candidates[i].path}}
		grouped[i] = true

		for j := i + 1; j < len(candidates); j++ {
			if grouped[j] {
				continue
			}
			d := videohash.Similarity(candidates[i].hash, candidates[j].hash)
			if d >= 0 && d <= g.threshold {
				group.Paths = append(group.Paths, candidates[j].path)
				grouped[j] = true
			}
		}

		if len(group.Paths) > 1 {
			groups = append(groups, group)
		}
	}

	metrics.DuplicateGroups.Set(float64(len(groups)))
	return groups, failed, nil
}

// copyNumberRe matches typical copy-numbering tails: " (1)", "_copy",
// ".2" and the like.
var copyNumberRe = regexp.MustCompile(`( \(\d+\)|_copy|\.\d+)$`)

// stripSuffixes are the produced-output and backup markers removed
// during normalization.
var stripSuffixes = []string{"_reencoded", "_quicklook", "_backup"}

// NormalizeName reduces a filename to its duplicate-matching key:
// lower-cased stem with produced-output suffixes and copy-numbering
// stripped.
func NormalizeName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.ToLower(stem)

	for changed := true; changed; {
		changed = false
		for _, suffix := range stripSuffixes {
			if strings.HasSuffix(stem, suffix) {
				stem = strings.TrimSuffix(stem, suffix)
				changed = true
			}
		}
		if m := copyNumberRe.FindString(stem); m != "" {
			stem = strings.TrimSuffix(stem, m)
			changed = true
		}
	}

	return stem
}

// FindByFilename groups paths whose normalized filenames match, then
// drops members whose duration strays more than 2s from the group
// median. Groups that fall below two members are discarded.
func (g *Grouper) FindByFilename(ctx context.Context, paths []string) ([]Group, error) {
	byKey := make(map[string][]string)
	var keys []string

	for _, path := range paths {
		key := NormalizeName(path)
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], path)
	}
	sort.Strings(keys)

	var groups []Group
	for _, key := range keys {
		members := byKey[key]
		if len(members) < 2 {
			continue
		}

		members = g.filterByDuration(ctx, members)
		if len(members) < 2 {
			g.log.Debugf("Filename group %q rejected by duration cross-check", key)
			continue
		}

		groups = append(groups, Group{Paths: members})
	}

	metrics.DuplicateGroups.Set(float64(len(groups)))
	return groups, nil
}

// filterByDuration removes members whose duration differs from the
// group median by more than the tolerance. Unprobeable members are
// removed too; a same-name file that cannot be probed is not evidence
// of duplication.
func (g *Grouper) filterByDuration(ctx context.Context, members []string) []string {
	type probed struct {
		path     string
		duration float64
	}

	var ok []probed
	for _, path := range members {
		info, err := g.prober.Probe(ctx, path)
		if err != nil || !info.Valid() {
			continue
		}
		ok = append(ok, probed{path: path, duration: info.Duration})
	}
	if len(ok) < 2 {
		return nil
	}

	durations := make([]float64, len(ok))
	for i, p := range ok {
		durations[i] = p.duration
	}
	sort.Float64s(durations)
	median := durations[len(durations)/2]
	if len(durations)%2 == 0 {
		median = (durations[len(durations)/2-1] + durations[len(durations)/2]) / 2
	}

	var kept []string
	for _, p := range ok {
		diff := p.duration - median
		if diff < 0 {
			diff = -diff
		}
		if diff <= durationTolerance {
			kept = append(kept, p.path)
		}
	}
	return kept
}
