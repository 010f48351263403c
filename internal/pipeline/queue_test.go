package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videosentinel/videosentinel/pkg/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return NewQueue(filepath.Join(t.TempDir(), StateFileName), nil)
}

func TestEnqueueAssignsIDsAndPersists(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	added, err := q.Enqueue([]*models.QueueEntry{
		{SourcePath: "/remote/a.wmv"},
		{SourcePath: "/remote/b.avi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.NotEmpty(t, snap[0].ID)
	assert.Equal(t, models.EntryPending, snap[0].State)

	// Another queue bound to the same file sees the entries.
	q2 := NewQueue(q.statePath, nil)
	require.NoError(t, q2.Load())
	assert.Len(t, q2.Snapshot(), 2)
}

func TestEnqueueOneEntryPerSource(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	added, err := q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	added, err = q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Len(t, q.Snapshot(), 1)
}

func TestEnqueueDoesNotReviveFailedEntry(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	_, err := q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	entry := q.entries[0]
	require.NoError(t, q.SetState(entry, models.EntryFailed, "encode failed"))

	added, err := q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, models.EntryFailed, q.Snapshot()[0].State)
}

func TestClaimNextTransitionsOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	_, err := q.Enqueue([]*models.QueueEntry{
		{SourcePath: "/remote/a.wmv"},
		{SourcePath: "/remote/b.avi"},
	})
	require.NoError(t, err)

	e, err := q.ClaimNext(models.EntryPending, models.EntryDownloading)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "/remote/a.wmv", e.SourcePath)
	assert.Equal(t, models.EntryDownloading, e.State)

	e2, err := q.ClaimNext(models.EntryPending, models.EntryDownloading)
	require.NoError(t, err)
	assert.Equal(t, "/remote/b.avi", e2.SourcePath)

	e3, err := q.ClaimNext(models.EntryPending, models.EntryDownloading)
	require.NoError(t, err)
	assert.Nil(t, e3)
}

func TestResumeRules(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name  string
		entry models.QueueEntry
		want  models.EntryState
	}{
		{"complete stays", models.QueueEntry{State: models.EntryComplete}, models.EntryComplete},
		{"failed stays", models.QueueEntry{State: models.EntryFailed}, models.EntryFailed},
		{"uploading with output", models.QueueEntry{State: models.EntryUploading, LocalOutputPath: present}, models.EntryUploading},
		{"uploading without output", models.QueueEntry{State: models.EntryUploading, LocalOutputPath: missing}, models.EntryPending},
		{"encoded with output", models.QueueEntry{State: models.EntryEncoded, LocalOutputPath: present}, models.EntryEncoded},
		{"encoded missing output with input", models.QueueEntry{State: models.EntryEncoded, LocalOutputPath: missing, LocalInputPath: present}, models.EntryLocal},
		{"encoded missing everything", models.QueueEntry{State: models.EntryEncoded, LocalOutputPath: missing, LocalInputPath: missing}, models.EntryPending},
		{"encoding with input", models.QueueEntry{State: models.EntryEncoding, LocalInputPath: present}, models.EntryLocal},
		{"encoding without input", models.QueueEntry{State: models.EntryEncoding, LocalInputPath: missing}, models.EntryPending},
		{"local with input", models.QueueEntry{State: models.EntryLocal, LocalInputPath: present}, models.EntryLocal},
		{"local without input", models.QueueEntry{State: models.EntryLocal, LocalInputPath: missing}, models.EntryPending},
		{"downloading discarded", models.QueueEntry{State: models.EntryDownloading, LocalInputPath: missing}, models.EntryPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			e := tt.entry
			e.SourcePath = "/remote/src"
			require.NoError(t, saveState(q.statePath, &models.QueueState{
				Schema:  models.QueueSchemaVersion,
				Entries: []*models.QueueEntry{&e},
			}))

			require.NoError(t, q.Load())
			assert.Equal(t, tt.want, q.Snapshot()[0].State)
		})
	}
}

func TestResumeDiscardsPartialDownload(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "download_a.wmv")
	require.NoError(t, os.WriteFile(partial, []byte("partial bytes"), 0o644))

	q := newTestQueue(t)
	require.NoError(t, saveState(q.statePath, &models.QueueState{
		Schema: models.QueueSchemaVersion,
		Entries: []*models.QueueEntry{
			{SourcePath: "/remote/a.wmv", State: models.EntryDownloading, LocalInputPath: partial},
		},
	}))

	require.NoError(t, q.Load())
	assert.Equal(t, models.EntryPending, q.Snapshot()[0].State)
	assert.NoFileExists(t, partial)
}

func TestQueueStateTransitionsAreMonotonic(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	_, err := q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	entry := q.entries[0]

	forward := []models.EntryState{
		models.EntryDownloading, models.EntryLocal, models.EntryEncoding,
		models.EntryEncoded, models.EntryUploading, models.EntryComplete,
	}
	for _, s := range forward {
		require.NoError(t, q.SetState(entry, s, ""))

		// Every transition is immediately durable.
		loaded, err := loadState(q.statePath)
		require.NoError(t, err)
		assert.Equal(t, s, loaded.Entries[0].State)
	}
}

func TestClearResetsState(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	_, err := q.Enqueue([]*models.QueueEntry{{SourcePath: "/remote/a.wmv"}})
	require.NoError(t, err)
	require.NoError(t, q.Clear())

	assert.Empty(t, q.Snapshot())
	loaded, err := loadState(q.statePath)
	require.NoError(t, err)
	assert.Empty(t, loaded.Entries)
}

func TestInFlightCounting(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Load())

	_, err := q.Enqueue([]*models.QueueEntry{
		{SourcePath: "/remote/a.wmv"},
		{SourcePath: "/remote/b.avi"},
		{SourcePath: "/remote/c.mkv"},
	})
	require.NoError(t, err)

	assert.Zero(t, q.InFlight())

	require.NoError(t, q.SetState(q.entries[0], models.EntryLocal, ""))
	require.NoError(t, q.SetState(q.entries[1], models.EntryEncoding, ""))
	assert.Equal(t, 2, q.InFlight())

	require.NoError(t, q.SetState(q.entries[0], models.EntryComplete, ""))
	assert.Equal(t, 1, q.InFlight())
}
