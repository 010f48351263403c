package pipeline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/internal/metrics"
	"github.com/videosentinel/videosentinel/pkg/models"
)

// Queue is the shared pipeline state. One mutex serializes every read
// and write; each state transition is followed by a durable rewrite of
// the state file before the mutex is released.
type Queue struct {
	mu        sync.Mutex
	entries   []*models.QueueEntry
	statePath string
	loaded    bool
	log       *logging.Logger
}

// NewQueue binds a queue to its state file.
func NewQueue(statePath string, log *logging.Logger) *Queue {
	if log == nil {
		log = logging.Nop()
	}
	return &Queue{statePath: statePath, log: log}
}

// Load reads the state file and applies the resume rules to every
// entry. Terminal entries stay terminal; interrupted entries fall back
// to the earliest state their on-disk artifacts still support.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoadedLocked(); err != nil {
		return err
	}
	return q.persistLocked()
}

// ensureLoadedLocked reads the state file once. Enqueue goes through
// here too so that entries added before Run never clobber prior durable
// state. Callers must hold the mutex.
func (q *Queue) ensureLoadedLocked() error {
	if q.loaded {
		return nil
	}

	state, err := loadState(q.statePath)
	if err != nil {
		return err
	}

	q.entries = state.Entries
	for _, e := range q.entries {
		q.resumeEntry(e)
	}
	q.loaded = true
	return nil
}

// resumeEntry rewinds one reloaded entry per what survives on disk.
func (q *Queue) resumeEntry(e *models.QueueEntry) {
	prior := e.State

	switch e.State {
	case models.EntryComplete, models.EntryFailed:
		return
	case models.EntryUploading:
		if !fileExists(e.LocalOutputPath) {
			e.State = models.EntryPending
		}
	case models.EntryEncoded:
		if !fileExists(e.LocalOutputPath) {
			if fileExists(e.LocalInputPath) {
				e.State = models.EntryLocal
			} else {
				e.State = models.EntryPending
			}
		}
	case models.EntryEncoding:
		// Interrupted mid-encode; the validator would reject a partial
		// output anyway, so drop back to the input.
		if fileExists(e.LocalInputPath) {
			e.State = models.EntryLocal
		} else {
			e.State = models.EntryPending
		}
	case models.EntryLocal:
		if !fileExists(e.LocalInputPath) {
			e.State = models.EntryPending
		}
	case models.EntryDownloading:
		if e.LocalInputPath != "" {
			os.Remove(e.LocalInputPath)
		}
		e.State = models.EntryPending
	}

	if e.State != prior {
		e.UpdatedAt = time.Now()
		q.log.LogStateChange(e.SourcePath, string(prior), string(e.State))
	}
}

// Enqueue adds entries for source paths not already queued. An existing
// entry for a path is left untouched whatever its state; FAILED entries
// in particular are not revived.
func (q *Queue) Enqueue(entries []*models.QueueEntry) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.ensureLoadedLocked(); err != nil {
		return 0, err
	}

	known := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		known[e.SourcePath] = struct{}{}
	}

	added := 0
	for _, e := range entries {
		if _, dup := known[e.SourcePath]; dup {
			q.log.WithSource(e.SourcePath).Debug("Already queued, skipping")
			continue
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.State = models.EntryPending
		e.EnqueuedAt = time.Now()
		e.UpdatedAt = e.EnqueuedAt
		q.entries = append(q.entries, e)
		known[e.SourcePath] = struct{}{}
		added++
	}

	return added, q.persistLocked()
}

// SetState transitions an entry and persists the queue before
// returning.
func (q *Queue) SetState(e *models.QueueEntry, state models.EntryState, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	prior := e.State
	e.State = state
	e.ErrorMsg = errMsg
	e.UpdatedAt = time.Now()
	q.log.LogStateChange(e.SourcePath, string(prior), string(state))

	return q.persistLocked()
}

// Update persists a mutation applied to an entry under the queue lock.
func (q *Queue) Update(e *models.QueueEntry, mutate func(*models.QueueEntry)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mutate(e)
	e.UpdatedAt = time.Now()
	return q.persistLocked()
}

// ClaimNext returns the oldest entry in from, already transitioned to
// to and persisted, or nil when none is available.
func (q *Queue) ClaimNext(from, to models.EntryState) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.State != from {
			continue
		}
		prior := e.State
		e.State = to
		e.UpdatedAt = time.Now()
		if prior != to {
			q.log.LogStateChange(e.SourcePath, string(prior), string(to))
		}
		return e, q.persistLocked()
	}
	return nil, nil
}

// InFlight counts entries occupying local staging.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.State.InFlight() {
			n++
		}
	}
	return n
}

// StagingBytes sums the on-disk size of local staging artifacts.
func (q *Queue) StagingBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stagingBytesLocked()
}

func (q *Queue) stagingBytesLocked() int64 {
	var total int64
	for _, e := range q.entries {
		for _, p := range []string{e.LocalInputPath, e.LocalOutputPath} {
			if p == "" {
				continue
			}
			if st, err := os.Stat(p); err == nil {
				total += st.Size()
			}
		}
	}
	return total
}

// Pending reports whether any entry still waits to start.
func (q *Queue) Pending() bool {
	return q.countIn(models.EntryPending) > 0
}

// Active reports whether any entry is neither terminal nor pending.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if !e.State.Terminal() && e.State != models.EntryPending {
			return true
		}
	}
	return false
}

// Done reports whether every entry is terminal.
func (q *Queue) Done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if !e.State.Terminal() {
			return false
		}
	}
	return true
}

func (q *Queue) countIn(state models.EntryState) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.entries {
		if e.State == state {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the entries for reporting.
func (q *Queue) Snapshot() []models.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Clear drops all entries and rewrites an empty state file. This is the
// operator's reset switch; it is how FAILED entries become retryable.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = nil
	q.loaded = true
	return q.persistLocked()
}

// persistLocked rewrites the state file and refreshes the state gauges.
// Callers must hold the mutex.
func (q *Queue) persistLocked() error {
	state := &models.QueueState{
		Entries: q.entries,
		Schema:  models.QueueSchemaVersion,
	}
	if err := saveState(q.statePath, state); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}

	counts := make(map[models.EntryState]int)
	for _, e := range q.entries {
		counts[e.State]++
	}
	for _, s := range []models.EntryState{
		models.EntryPending, models.EntryDownloading, models.EntryLocal,
		models.EntryEncoding, models.EntryEncoded, models.EntryUploading,
		models.EntryComplete, models.EntryFailed,
	} {
		metrics.QueueEntries.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.StagingBytes.Set(float64(q.stagingBytesLocked()))

	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
