package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videosentinel/videosentinel/internal/encoder"
	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/shutdown"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// stubFFprobe prints the sidecar "<input>.probe.json" for the last
// argument.
func stubFFprobe(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "ffprobe")
	body := "#!/bin/sh\nfor last; do :; done\ncat \"${last}.probe.json\"\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

// stubFFmpeg writes 2 KiB to the output path and exits 0.
func stubFFmpeg(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "ffmpeg")
	body := "#!/bin/sh\nfor last; do :; done\nhead -c 2048 /dev/zero > \"$last\"\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

const wmvSourceDoc = `{
  "format": {"format_name": "asf", "duration": "60.000000", "bit_rate": "1000000"},
  "streams": [{"codec_type": "video", "codec_name": "wmv3",
    "width": 640, "height": 480, "r_frame_rate": "30/1", "pix_fmt": "yuv420p"}]
}`

const hevcOutputDoc = `{
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "60.000000", "bit_rate": "500000"},
  "streams": [{"codec_type": "video", "codec_name": "hevc", "codec_tag_string": "hvc1",
    "width": 640, "height": 480, "r_frame_rate": "30/1", "pix_fmt": "yuv420p10le"}]
}`

type pipelineEnv struct {
	remote string
	temp   string
	source string
	pipe   *Pipeline
}

func newPipelineEnv(t *testing.T, ffmpegPath string) *pipelineEnv {
	t.Helper()
	remote := t.TempDir()
	temp := t.TempDir()

	source := filepath.Join(remote, "c.wmv")
	require.NoError(t, os.WriteFile(source, make([]byte, 4096), 0o644))

	// Sidecars for the staged copies the stub tools will see.
	localIn := filepath.Join(temp, "download_c.wmv")
	localOut := filepath.Join(temp, "encoded_c.wmv.mp4")
	require.NoError(t, os.WriteFile(localIn+".probe.json", []byte(wmvSourceDoc), 0o644))
	require.NoError(t, os.WriteFile(localOut+".probe.json", []byte(hevcOutputDoc), 0o644))

	prober := probe.NewProber(stubFFprobe(t), nil, nil)
	enc := encoder.New(ffmpegPath, "medium", "aac", prober, nil)
	pipe := New(NewFSStore(nil), enc, prober, policy.New("hevc", 0), shutdown.New(), Options{
		TempDir:     temp,
		BufferSize:  4,
		MaxTempSize: 1 << 30,
	}, nil)

	return &pipelineEnv{remote: remote, temp: temp, source: source, pipe: pipe}
}

func TestPipelineCompletesEntry(t *testing.T) {
	env := newPipelineEnv(t, stubFFmpeg(t))
	ctx := context.Background()

	added, err := env.pipe.EnqueueSources(ctx, []string{env.source}, false, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	require.NoError(t, env.pipe.Run(ctx))

	snap := env.pipe.Queue().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.EntryComplete, snap[0].State)
	assert.Equal(t, 22, snap[0].CRF) // derived from the source tier

	// Output installed next to the source; original untouched.
	final := filepath.Join(env.remote, "c_reencoded.mp4")
	st, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), st.Size())
	assert.FileExists(t, env.source)

	// Staging is clean.
	assert.NoFileExists(t, filepath.Join(env.temp, "download_c.wmv"))
	assert.NoFileExists(t, filepath.Join(env.temp, "encoded_c.wmv.mp4"))
}

func TestPipelineReplaceOriginal(t *testing.T) {
	env := newPipelineEnv(t, stubFFmpeg(t))
	ctx := context.Background()

	_, err := env.pipe.EnqueueSources(ctx, []string{env.source}, true, false, false)
	require.NoError(t, err)
	require.NoError(t, env.pipe.Run(ctx))

	snap := env.pipe.Queue().Snapshot()
	assert.Equal(t, models.EntryComplete, snap[0].State)

	assert.FileExists(t, filepath.Join(env.remote, "c.mp4"))
	assert.NoFileExists(t, env.source)
}

func TestPipelineEncodeFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'decode error' >&2\nexit 1\n"), 0o755))

	env := newPipelineEnv(t, script)
	ctx := context.Background()

	_, err := env.pipe.EnqueueSources(ctx, []string{env.source}, false, false, false)
	require.NoError(t, err)
	require.NoError(t, env.pipe.Run(ctx))

	snap := env.pipe.Queue().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.EntryFailed, snap[0].State)
	assert.NotEmpty(t, snap[0].ErrorMsg)

	// The remote source is untouched; staging was cleaned up.
	assert.FileExists(t, env.source)
	assert.NoFileExists(t, filepath.Join(env.temp, "download_c.wmv"))
	assert.NoFileExists(t, filepath.Join(env.remote, "c_reencoded.mp4"))

	// The failure is durable.
	loaded, err := loadState(filepath.Join(env.temp, StateFileName))
	require.NoError(t, err)
	assert.Equal(t, models.EntryFailed, loaded.Entries[0].State)
}

func TestPipelineFailedEntryNotRetried(t *testing.T) {
	script := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	env := newPipelineEnv(t, script)
	ctx := context.Background()

	_, err := env.pipe.EnqueueSources(ctx, []string{env.source}, false, false, false)
	require.NoError(t, err)
	require.NoError(t, env.pipe.Run(ctx))
	require.Equal(t, models.EntryFailed, env.pipe.Queue().Snapshot()[0].State)

	// A rerun over the same state file neither retries nor re-enqueues.
	prober := probe.NewProber(stubFFprobe(t), nil, nil)
	enc := encoder.New(stubFFmpeg(t), "medium", "aac", prober, nil)
	rerun := New(NewFSStore(nil), enc, prober, policy.New("hevc", 0), shutdown.New(), Options{
		TempDir:     env.temp,
		BufferSize:  4,
		MaxTempSize: 1 << 30,
	}, nil)

	added, err := rerun.EnqueueSources(ctx, []string{env.source}, false, false, false)
	require.NoError(t, err)
	assert.Zero(t, added)

	require.NoError(t, rerun.Run(ctx))

	snap := rerun.Queue().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.EntryFailed, snap[0].State)
	assert.NoFileExists(t, filepath.Join(env.remote, "c_reencoded.mp4"))
}

// gatedStore blocks uploads until released, holding staged files on
// disk so the staging budget stays occupied.
type gatedStore struct {
	*FSStore
	uploading chan struct{}
	release   chan struct{}
	once      sync.Once
}

func (s *gatedStore) Store(ctx context.Context, localPath, remotePath string) error {
	s.once.Do(func() { close(s.uploading) })
	<-s.release
	return s.FSStore.Store(ctx, localPath, remotePath)
}

func TestPipelineStagingBoundBlocksDownloader(t *testing.T) {
	remote := t.TempDir()
	temp := t.TempDir()
	for _, name := range []string{"a.wmv", "b.wmv"} {
		require.NoError(t, os.WriteFile(filepath.Join(remote, name), make([]byte, 4096), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(temp, "download_"+name+".probe.json"), []byte(wmvSourceDoc), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(temp, "encoded_"+name+".mp4.probe.json"), []byte(hevcOutputDoc), 0o644))
	}

	store := &gatedStore{
		FSStore:   NewFSStore(nil),
		uploading: make(chan struct{}),
		release:   make(chan struct{}),
	}
	prober := probe.NewProber(stubFFprobe(t), nil, nil)
	enc := encoder.New(stubFFmpeg(t), "medium", "aac", prober, nil)
	pipe := New(store, enc, prober, policy.New("hevc", 0), shutdown.New(), Options{
		TempDir:     temp,
		BufferSize:  4,
		MaxTempSize: 4096, // exactly one staged download
	}, nil)

	ctx := context.Background()
	_, err := pipe.EnqueueSources(ctx, []string{
		filepath.Join(remote, "a.wmv"),
		filepath.Join(remote, "b.wmv"),
	}, false, false, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()

	// The first entry is staged, encoded, and now held mid-upload, so
	// its staging files keep the budget full.
	<-store.uploading
	time.Sleep(3 * pollInterval)

	assert.GreaterOrEqual(t, pipe.Queue().StagingBytes(), int64(4096))
	snap := pipe.Queue().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, models.EntryPending, snap[1].State,
		"second download must wait for staging to drain")
	assert.NoFileExists(t, filepath.Join(temp, "download_b.wmv"))

	// Releasing the upload drains staging; the second entry follows.
	close(store.release)
	require.NoError(t, <-done)

	for _, e := range pipe.Queue().Snapshot() {
		assert.Equal(t, models.EntryComplete, e.State)
	}
	assert.Zero(t, pipe.Queue().StagingBytes())
}

func TestPipelineStopBeforeWork(t *testing.T) {
	env := newPipelineEnv(t, stubFFmpeg(t))
	ctx := context.Background()

	_, err := env.pipe.EnqueueSources(ctx, []string{env.source}, false, false, false)
	require.NoError(t, err)

	env.pipe.stop.Stop()
	require.NoError(t, env.pipe.Run(ctx))

	assert.Equal(t, models.EntryPending, env.pipe.Queue().Snapshot()[0].State)
}

func TestFSStoreCopyPreservesTimestamps(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "sub", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	old := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(src, old, old))

	store := NewFSStore(nil)
	require.NoError(t, store.Fetch(context.Background(), src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, old, st.ModTime().Truncate(time.Second))
}

func TestFSStoreSizeAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	store := NewFSStore(nil)
	size, err := store.Size(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, int64(512), size)

	require.NoError(t, store.Remove(context.Background(), path))
	assert.NoFileExists(t, path)
	assert.NoError(t, store.Remove(context.Background(), path))
}

func TestObjectKeyNormalization(t *testing.T) {
	assert.Equal(t, "videos/a.mp4", objectKey("/videos/a.mp4"))
	assert.Equal(t, "videos/a.mp4", objectKey("videos/a.mp4"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", contentType("a.mp4"))
	assert.Equal(t, "video/x-ms-wmv", contentType("a.WMV"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}
