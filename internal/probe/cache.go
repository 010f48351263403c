package probe

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/videosentinel/videosentinel/pkg/models"
)

// Cache is a disk-backed probe result cache. Entries are keyed by a
// stable hash of the absolute path and validated against (size, mtime);
// any mismatch invalidates the entry. Paths written during the current
// run are tracked in memory and bypass the cache entirely.
type Cache struct {
	dir string

	mu      sync.Mutex
	written map[string]struct{}
}

type cacheRecord struct {
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	ModTimeNS int64             `json:"mtime_ns"`
	Info      *models.MediaInfo `json:"info"`
}

// NewCache opens (creating if needed) a cache directory.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		written: make(map[string]struct{}),
	}, nil
}

// Get returns a cached MediaInfo when the entry still matches the file
// on disk and the path has not been written this run.
func (c *Cache) Get(path string) (*models.MediaInfo, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	_, dirty := c.written[abs]
	c.mu.Unlock()
	if dirty {
		return nil, false
	}

	st, err := os.Stat(abs)
	if err != nil {
		return nil, false
	}

	data, err := os.ReadFile(c.entryPath(abs))
	if err != nil {
		return nil, false
	}

	var rec cacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		os.Remove(c.entryPath(abs))
		return nil, false
	}

	if rec.Path != abs || rec.Size != st.Size() || rec.ModTimeNS != st.ModTime().UnixNano() {
		os.Remove(c.entryPath(abs))
		return nil, false
	}

	return rec.Info, true
}

// Put stores a probe result keyed by the file's current (size, mtime).
func (c *Cache) Put(path string, info *models.MediaInfo) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	st, err := os.Stat(abs)
	if err != nil {
		return err
	}

	rec := cacheRecord{
		Path:      abs,
		Size:      st.Size(),
		ModTimeNS: st.ModTime().UnixNano(),
		Info:      info,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp := c.entryPath(abs) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.entryPath(abs))
}

// MarkWritten records that path was modified in this run.
func (c *Cache) MarkWritten(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	c.mu.Lock()
	c.written[abs] = struct{}{}
	c.mu.Unlock()

	// Drop the stale record now; the next probe rewrites it.
	os.Remove(c.entryPath(abs))
}

func (c *Cache) entryPath(abs string) string {
	h := fnv.New64a()
	h.Write([]byte(abs))
	return filepath.Join(c.dir, fmt.Sprintf("%016x.json", h.Sum64()))
}
