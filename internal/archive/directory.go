package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// DirectorySink writes real files, symlinks, and directories to a
// destination tree instead of a container format — spec.md §4.4's
// "no-archive" output, used for fast local clones. Each regular file
// is staged under a temp name and atomically renamed into place,
// reusing the teacher's internal/engine/worker.go:copyRegularFile
// discipline so a killed process never leaves a half-written file at
// its final path.
type DirectorySink struct {
	root  string
	force bool
}

// OpenDirectory creates a directory sink rooted at root.
func OpenDirectory(root string, opts Options) (*DirectorySink, error) {
	if !opts.Force {
		if entries, err := os.ReadDir(root); err == nil && len(entries) > 0 {
			return nil, fmt.Errorf("destination directory %s is not empty", root)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	return &DirectorySink{root: root, force: opts.Force}, nil
}

func (s *DirectorySink) path(arcname string) string {
	return filepath.Join(s.root, arcname)
}

func (s *DirectorySink) AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error {
	path := s.path(arcname)
	if err := os.MkdirAll(path, mode.Perm()|0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", arcname, err)
	}
	return os.Chtimes(path, mtime, mtime)
}

func (s *DirectorySink) AddRegular(arcname string, mode os.FileMode, mtime time.Time, _ int64, content io.Reader) error {
	finalPath := s.path(arcname)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", arcname, err)
	}

	tempPath := finalPath + ".envpack-tmp-" + uuid.New().String()
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("stage %s: %w", arcname, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write staged %s: %w", arcname, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close staged %s: %w", arcname, err)
	}
	if err := os.Chtimes(tempPath, mtime, mtime); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("set mtime for %s: %w", arcname, err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename staged %s into place: %w", arcname, err)
	}
	return nil
}

func (s *DirectorySink) AddSymlink(arcname string, _ os.FileMode, _ time.Time, target string) error {
	finalPath := s.path(arcname)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", arcname, err)
	}
	_ = os.Remove(finalPath)
	if err := os.Symlink(target, finalPath); err != nil {
		return fmt.Errorf("create symlink %s: %w", arcname, err)
	}
	return nil
}

func (s *DirectorySink) AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error {
	return s.AddRegular(arcname, mode, mtime, int64(len(data)), bytesReader(data))
}

func (s *DirectorySink) Finalize() error {
	return nil
}

func (s *DirectorySink) Abort() error {
	return os.RemoveAll(s.root)
}
