package duplicates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/videosentinel/videosentinel/pkg/models"
)

// Resolution is the outcome of ranking and cleaning up one group.
type Resolution struct {
	Keeper  string
	Removed []string
	Renamed string // keeper's final path if it was renamed, else ""
}

// Resolve ranks a group's members and returns them best-first. Members
// that cannot be probed still participate with metadata-free scores so
// a produced output among unprobeable siblings is still preferred.
func (g *Grouper) Resolve(ctx context.Context, group Group) []Member {
	members := make([]Member, 0, len(group.Paths))
	for _, path := range group.Paths {
		info, err := g.prober.Probe(ctx, path)
		if err != nil {
			g.log.WithSource(path).WithError(err).Warn("Ranking without probe metadata")
			info = nil
		}
		members = append(members, Member{Path: path, Info: info})
	}
	return RankMembers(members)
}

// Cleanup deletes every non-keeper in the ranked member list, then
// renames a suffixed keeper to its un-suffixed name when that name is
// free. It never overwrites an existing file. dryRun reports the plan
// without touching the filesystem.
func (g *Grouper) Cleanup(ranked []Member, dryRun bool) (*Resolution, error) {
	if len(ranked) < 2 {
		return nil, fmt.Errorf("group needs at least two members, got %d", len(ranked))
	}

	res := &Resolution{Keeper: ranked[0].Path}

	for _, loser := range ranked[1:] {
		if dryRun {
			g.log.WithSource(loser.Path).Info("Would remove duplicate")
			res.Removed = append(res.Removed, loser.Path)
			continue
		}
		if err := os.Remove(loser.Path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return res, fmt.Errorf("failed to remove %s: %w", loser.Path, err)
		}
		g.log.WithSource(loser.Path).Info("Removed duplicate")
		res.Removed = append(res.Removed, loser.Path)
	}

	target, ok := unsuffixedName(res.Keeper)
	if !ok {
		return res, nil
	}
	if _, err := os.Stat(target); err == nil {
		// Name still taken; keep the suffixed name.
		return res, nil
	}

	if dryRun {
		g.log.WithSource(res.Keeper).Infof("Would rename keeper to %s", filepath.Base(target))
		res.Renamed = target
		return res, nil
	}

	if err := os.Rename(res.Keeper, target); err != nil {
		return res, fmt.Errorf("failed to rename keeper: %w", err)
	}
	g.log.WithSource(res.Keeper).Infof("Renamed keeper to %s", filepath.Base(target))
	res.Renamed = target
	return res, nil
}

// unsuffixedName strips one produced-output suffix from the stem and
// reports whether the path actually carried one.
func unsuffixedName(path string) (string, bool) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)

	for _, suffix := range []string{models.SuffixReencoded, models.SuffixQuicklook} {
		if strings.HasSuffix(stem, suffix) {
			return filepath.Join(dir, strings.TrimSuffix(stem, suffix)+ext), true
		}
	}
	return "", false
}
