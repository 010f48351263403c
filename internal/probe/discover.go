package probe

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// videoExtensions is the discovery extension set.
var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mkv": {}, ".avi": {}, ".mov": {}, ".wmv": {},
	".flv": {}, ".webm": {}, ".m4v": {}, ".mpg": {}, ".mpeg": {},
}

// IsVideoFile reports whether path carries a known video extension.
func IsVideoFile(path string) bool {
	_, ok := videoExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// VideoExtensions returns the supported extensions, dot included.
func VideoExtensions() []string {
	exts := make([]string, 0, len(videoExtensions))
	for ext := range videoExtensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// FindVideos returns the video files under dir, sorted by path. The
// sorted order is what makes batch resume deterministic.
func FindVideos(dir string, recursive bool) ([]string, error) {
	var found []string

	if recursive {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsVideoFile(path) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && IsVideoFile(e.Name()) {
				found = append(found, filepath.Join(dir, e.Name()))
			}
		}
	}

	sort.Strings(found)
	return found, nil
}
