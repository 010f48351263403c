// Package pipeline moves remote files through a download, encode,
// upload cycle with a durable on-disk queue. Three workers share the
// queue; all remote I/O goes through the RemoteStore interface.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/videosentinel/videosentinel/internal/logging"
)

// RemoteStore abstracts the slow storage the pipeline reads from and
// writes back to.
type RemoteStore interface {
	// Fetch copies a remote file to a local path.
	Fetch(ctx context.Context, remotePath, localPath string) error
	// Store copies a local file to a remote path.
	Store(ctx context.Context, localPath, remotePath string) error
	// Remove deletes a remote file.
	Remove(ctx context.Context, remotePath string) error
	// Size returns the byte size of a remote file.
	Size(ctx context.Context, remotePath string) (int64, error)
}

// FSStore is a RemoteStore over a mounted filesystem, for network
// shares exposed as paths. Copies preserve file metadata when the mount
// allows it.
type FSStore struct {
	log *logging.Logger
}

// NewFSStore returns a filesystem-backed store.
func NewFSStore(log *logging.Logger) *FSStore {
	if log == nil {
		log = logging.Nop()
	}
	return &FSStore{log: log}
}

func (s *FSStore) Fetch(ctx context.Context, remotePath, localPath string) error {
	return s.copy(ctx, remotePath, localPath)
}

func (s *FSStore) Store(ctx context.Context, localPath, remotePath string) error {
	return s.copy(ctx, localPath, remotePath)
}

func (s *FSStore) Remove(_ context.Context, remotePath string) error {
	if err := os.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FSStore) Size(_ context.Context, remotePath string) (int64, error) {
	st, err := os.Stat(remotePath)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// copy writes src to dst and then tries to carry over mode and
// timestamps. Mounts that refuse metadata operations degrade to a plain
// data copy, logged at info rather than treated as failure.
func (s *FSStore) copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy failed: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("failed to finish destination: %w", err)
	}

	if err := os.Chmod(dst, srcInfo.Mode()); err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("failed to set mode: %w", err)
		}
		s.log.Infof("Metadata copy refused for %s, kept plain copy", dst)
		return nil
	}
	if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		if !errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("failed to set times: %w", err)
		}
		s.log.Infof("Timestamp copy refused for %s, kept plain copy", dst)
	}

	return nil
}
