package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videosentinel/videosentinel/internal/encoder"
	"github.com/videosentinel/videosentinel/internal/policy"
	"github.com/videosentinel/videosentinel/internal/probe"
	"github.com/videosentinel/videosentinel/internal/shutdown"
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

const legacyAviDoc = `{
  "format": {"format_name": "avi", "duration": "60.000000", "bit_rate": "1000000"},
  "streams": [{"codec_type": "video", "codec_name": "mpeg4", "codec_tag_string": "XVID",
    "width": 640, "height": 480, "r_frame_rate": "30/1", "pix_fmt": "yuv420p"}]
}`

const compliantMP4Doc = `{
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "60.000000", "bit_rate": "3000000"},
  "streams": [{"codec_type": "video", "codec_name": "hevc", "codec_tag_string": "hvc1",
    "width": 1920, "height": 1080, "r_frame_rate": "30/1", "pix_fmt": "yuv420p10le"}]
}`

const hevcOutputDoc = `{
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "60.000000", "bit_rate": "500000"},
  "streams": [{"codec_type": "video", "codec_name": "hevc", "codec_tag_string": "hvc1",
    "width": 640, "height": 480, "r_frame_rate": "30/1", "pix_fmt": "yuv420p10le"}]
}`

func writeSource(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(path+".probe.json", []byte(doc), 0o644))
}

func newController(t *testing.T, opts Options, stop *shutdown.Flag) *Controller {
	t.Helper()
	prober := probe.NewProber(stubFFprobe(t), nil, nil)
	pol := policy.New("hevc", 0)
	enc := encoder.New(stubFFmpeg(t), "medium", "aac", prober, nil)
	if stop == nil {
		stop = shutdown.New()
	}
	return NewController(prober, pol, enc, stop, opts, nil)
}

func TestRunEncodesLegacyFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	intermediate := filepath.Join(dir, "a_reencoded.mp4")
	writeSource(t, source, legacyAviDoc)
	// Validation probes the stub encoder's output through the sidecar.
	require.NoError(t, os.WriteFile(intermediate+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Discovered)
	assert.Equal(t, 1, summary.Encoded)
	assert.Zero(t, summary.Failed)
	assert.FileExists(t, intermediate)
	assert.FileExists(t, source)
}

func TestRunLeavesCompliantFilesAlone(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, filepath.Join(dir, "good.mp4"), compliantMP4Doc)

	ctrl := newController(t, Options{}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Compliant)
	assert.Zero(t, summary.Encoded)
	assert.NoFileExists(t, filepath.Join(dir, "good_reencoded.mp4"))
}

func TestRunResumesFromExistingOutput(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	prior := filepath.Join(dir, "a_reencoded.mp4")
	writeSource(t, source, legacyAviDoc)
	require.NoError(t, os.WriteFile(prior, make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(prior+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resumed)
	assert.Zero(t, summary.Encoded)
	assert.FileExists(t, source)
	assert.FileExists(t, prior)
}

func TestRunResumeDeletesInvalidPartial(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	partial := filepath.Join(dir, "a_reencoded.mp4")
	writeSource(t, source, legacyAviDoc)
	// An interrupted run left a tiny partial behind.
	require.NoError(t, os.WriteFile(partial, []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(partial+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	// The partial was replaced by a fresh encode.
	assert.Equal(t, 1, summary.Encoded)
	st, err := os.Stat(partial)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), st.Size())
}

func TestRunReplaceOriginal(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	final := filepath.Join(dir, "a.mp4")
	writeSource(t, source, legacyAviDoc)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a_reencoded.mp4")+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{ReplaceOriginal: true}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Replaced)
	assert.NoFileExists(t, source)
	assert.FileExists(t, final)
}

func TestRunIdempotent(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	intermediate := filepath.Join(dir, "a_reencoded.mp4")
	writeSource(t, source, legacyAviDoc)
	require.NoError(t, os.WriteFile(intermediate+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{}, nil)
	first, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, 1, first.Encoded)

	st, err := os.Stat(intermediate)
	require.NoError(t, err)

	second, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)
	assert.Zero(t, second.Encoded)
	assert.Equal(t, 1, second.Resumed)

	after, err := os.Stat(intermediate)
	require.NoError(t, err)
	assert.Equal(t, st.ModTime(), after.ModTime())
}

func TestRunStopSkipsRemaining(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, filepath.Join(dir, "a.avi"), legacyAviDoc)
	writeSource(t, filepath.Join(dir, "b.avi"), legacyAviDoc)

	stop := shutdown.New()
	stop.Stop()

	ctrl := newController(t, Options{}, stop)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Zero(t, summary.Encoded)
	assert.Zero(t, summary.Failed)
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
}

func TestRunMaxFilesCap(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.avi", "b.avi", "c.avi", "d.avi"} {
		path := filepath.Join(dir, name)
		writeSource(t, path, legacyAviDoc)
		stem := name[:len(name)-len(".avi")]
		require.NoError(t, os.WriteFile(filepath.Join(dir, stem+"_reencoded.mp4")+".probe.json", []byte(hevcOutputDoc), 0o644))
	}

	ctrl := newController(t, Options{MaxFiles: 2}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Encoded)
	// Stable path order means the first two are processed.
	assert.FileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
	assert.FileExists(t, filepath.Join(dir, "b_reencoded.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, "c_reencoded.mp4"))
}

func TestRunFileTypeFilter(t *testing.T) {
	dir := t.TempDir()
	writeSource(t, filepath.Join(dir, "a.avi"), legacyAviDoc)
	writeSource(t, filepath.Join(dir, "b.wmv"), legacyAviDoc)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_reencoded.mp4")+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{FileTypes: []string{"wmv"}}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Encoded)
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
	assert.FileExists(t, filepath.Join(dir, "b_reencoded.mp4"))
}

func TestRunSkipsUnprobeableFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	// No probe sidecar: the stub ffprobe fails on this file.
	require.NoError(t, os.WriteFile(source, make([]byte, 4096), 0o644))
	writeSource(t, filepath.Join(dir, "b.avi"), legacyAviDoc)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b_reencoded.mp4")+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	// The unreadable file is reported, not failed, and the rest of the
	// batch proceeds.
	assert.Equal(t, 2, summary.Discovered)
	assert.Equal(t, 1, summary.Unprobeable)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 1, summary.Encoded)
	assert.FileExists(t, source)
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
}

func TestRunRecoverModeEncodesUnprobeableFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	intermediate := filepath.Join(dir, "a_reencoded.mp4")
	require.NoError(t, os.WriteFile(source, make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(intermediate+".probe.json", []byte(hevcOutputDoc), 0o644))

	ctrl := newController(t, Options{Recover: true}, nil)
	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Zero(t, summary.Unprobeable)
	assert.Equal(t, 1, summary.Encoded)
	assert.Zero(t, summary.Failed)
	assert.FileExists(t, intermediate)
}

func TestRunFailedEncodeKeepsSource(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "a.avi")
	writeSource(t, source, legacyAviDoc)

	script := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'boom' >&2\nexit 1\n"), 0o755))

	prober := probe.NewProber(stubFFprobe(t), nil, nil)
	ctrl := NewController(prober, policy.New("hevc", 0),
		encoder.New(script, "medium", "aac", prober, nil),
		shutdown.New(), Options{}, nil)

	summary, err := ctrl.Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.FileExists(t, source)
	assert.NoFileExists(t, filepath.Join(dir, "a_reencoded.mp4"))
}

func TestReplaceWithRetryHelpers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	require.NoError(t, renameWithRetry(src, dst))
	assert.FileExists(t, dst)

	require.NoError(t, removeWithRetry(dst))
	assert.NoFileExists(t, dst)

	// Removing an already-gone path is success.
	assert.NoError(t, removeWithRetry(dst))
}
