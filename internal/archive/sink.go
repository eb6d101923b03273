// Package archive implements the pluggable archive sinks from
// spec.md §4.4: a uniform contract over tar (optionally compressed),
// zip, SquashFS, parcel, and plain-directory output. Grounded on
// original_source/conda_pack/formats.py for the sink responsibilities
// and on the teacher's internal/engine/worker.go for the
// staged-temp-file + atomic-rename write discipline reused by the
// directory sink.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/relocatable/envpack/internal/errs"
)

// Sink is the uniform contract every archive format implements
// (spec.md §4.4). A Sink is owned by exactly one writer goroutine —
// the pipeline drainer — for its whole lifetime.
type Sink interface {
	AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error
	AddRegular(arcname string, mode os.FileMode, mtime time.Time, size int64, content io.Reader) error
	AddSymlink(arcname string, mode os.FileMode, mtime time.Time, target string) error
	AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error
	Finalize() error
	Abort() error
}

// ReproducibilityPolicy controls whether sinks normalize timestamps
// and ownership for byte-identical output across runs (P5), per
// spec.md §4.3's "reproducible-timestamp policy".
type ReproducibilityPolicy struct {
	Reproducible bool
}

// NormalizeMTime applies the reproducibility policy to an mtime.
func (p ReproducibilityPolicy) NormalizeMTime(mtime time.Time) time.Time {
	if p.Reproducible {
		return time.Unix(0, 0).UTC()
	}
	return mtime
}

// Options configures any sink constructor.
type Options struct {
	CompressLevel int // 0-9; interpretation is sink-specific
	Repro         ReproducibilityPolicy
	Force         bool // overwrite an existing output path
}

// stagedOutput manages the temp-name-then-atomic-rename discipline
// every file-based sink uses to finalize, adapted from
// internal/engine/worker.go's copyRegularFile staging pattern (there
// applied per-file; here applied once, to the whole archive).
type stagedOutput struct {
	finalPath string
	tempPath  string
	file      *os.File
}

func newStagedOutput(finalPath string, force bool) (*stagedOutput, error) {
	if !force {
		if _, err := os.Stat(finalPath); err == nil {
			return nil, errs.New(errs.OutputExists, finalPath)
		}
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	tempPath := finalPath + ".envpack-tmp-" + uuid.New().String()
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staged output %s: %w", tempPath, err)
	}
	return &stagedOutput{finalPath: finalPath, tempPath: tempPath, file: f}, nil
}

func (s *stagedOutput) finalize() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close staged output: %w", err)
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		return fmt.Errorf("rename staged output into place: %w", err)
	}
	return nil
}

func (s *stagedOutput) abort() error {
	_ = s.file.Close()
	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged output: %w", err)
	}
	return nil
}

// RequireExternalTool resolves name on PATH, surfacing FormatUnavailable
// (rather than a bare exec.ErrNotFound) when it's missing — the common
// path shared by the bz2/xz tar compressors and the squashfs sink.
func RequireExternalTool(name string) (string, error) {
	path, err := lookPath(name)
	if err != nil {
		return "", errs.New(errs.FormatUnavailable, name).WithPath(name)
	}
	return path, nil
}
