package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/videosentinel/videosentinel/internal/logging"
	"github.com/videosentinel/videosentinel/pkg/models"
)

const (
	replaceAttempts = 3
	replaceBackoff  = 250 * time.Millisecond
)

// maybeReplace installs the intermediate in place of the source when the
// job requested it. A failed replace leaves the intermediate on disk so
// a later run can pick it up.
func (c *Controller) maybeReplace(job *models.EncodeJob, log *logging.Logger) error {
	if !job.ReplaceOriginal {
		return nil
	}
	if job.FinalPath == "" {
		job.FinalPath = replacedPath(job.SourcePath)
	}

	if err := removeWithRetry(job.SourcePath); err != nil {
		return fmt.Errorf("failed to remove original: %w", err)
	}
	c.prober.MarkWritten(job.SourcePath)

	if err := renameWithRetry(job.IntermediatePath, job.FinalPath); err != nil {
		return fmt.Errorf("failed to install replacement: %w", err)
	}
	c.prober.MarkWritten(job.FinalPath)

	job.State = models.JobStateReplaced
	log.Infof("Replaced original with %s", job.FinalPath)
	return nil
}

// removeWithRetry deletes path, retrying transient filesystem errors.
// A path that is already gone counts as success.
func removeWithRetry(path string) error {
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(replaceBackoff * time.Duration(attempt))
		}
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
	}
	return err
}

// renameWithRetry moves src to dst, retrying transient filesystem errors.
func renameWithRetry(src, dst string) error {
	var err error
	for attempt := 0; attempt < replaceAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(replaceBackoff * time.Duration(attempt))
		}
		err = os.Rename(src, dst)
		if err == nil {
			return nil
		}
	}
	return err
}
