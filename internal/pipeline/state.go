package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/videosentinel/videosentinel/pkg/models"
)

// StateFileName is the queue's durable record inside the staging dir.
const StateFileName = "queue_state.json"

// saveState rewrites the queue file durably: write to a temp sibling,
// fsync, then rename over the old file. A crash leaves either the prior
// version or the new one, never a torn file.
func saveState(path string, state *models.QueueState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close state: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install state: %w", err)
	}
	return nil
}

// loadState reads the queue file. A missing file yields an empty queue.
// Leftover temp files from an interrupted save are discarded; only the
// installed version counts.
func loadState(path string) (*models.QueueState, error) {
	os.Remove(path + ".tmp")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &models.QueueState{Schema: models.QueueSchemaVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}

	var state models.QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("queue state is malformed: %w", err)
	}
	if state.Schema != models.QueueSchemaVersion {
		return nil, fmt.Errorf("queue state schema %d not supported", state.Schema)
	}
	return &state, nil
}
