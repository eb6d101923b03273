package archive

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/relocatable/envpack/internal/errs"
)

// SquashfsCodec is one of the compression codecs mksquashfs supports
// that the sink exposes explicitly, per spec.md §9's open question:
// "implementers should expose the codec explicitly rather than
// re-derive it from a single integer."
type SquashfsCodec string

const (
	SquashfsNone SquashfsCodec = "none"
	SquashfsZstd SquashfsCodec = "zstd"
	SquashfsXz   SquashfsCodec = "xz"
)

// SquashfsSink stages files into a temp directory and invokes the
// external mksquashfs tool once, at Finalize — mksquashfs has no fast
// iterative append mode, only a batch rebuild, so every entry is
// written to the staging tree and the real tool run happens last.
// Grounded on other_examples/canonical-snapd__squashfs.go's Build
// method (exec.Command("mksquashfs", ...) with -noappend, -comp).
type SquashfsSink struct {
	finalPath string
	stageDir  string
	codec     SquashfsCodec
	force     bool
}

// OpenSquashfs creates a squashfs sink. It fails fast with
// FormatUnavailable if mksquashfs is not on PATH, rather than
// discovering that after the whole tree has been staged.
func OpenSquashfs(outputPath string, codec SquashfsCodec, opts Options) (*SquashfsSink, error) {
	if _, err := RequireExternalTool("mksquashfs"); err != nil {
		return nil, err
	}
	if !opts.Force {
		if _, err := os.Stat(outputPath); err == nil {
			return nil, errs.New(errs.OutputExists, outputPath)
		}
	}
	stageDir, err := os.MkdirTemp("", "envpack-squashfs-stage-")
	if err != nil {
		return nil, fmt.Errorf("create squashfs staging dir: %w", err)
	}
	return &SquashfsSink{finalPath: outputPath, stageDir: stageDir, codec: codec, force: opts.Force}, nil
}

func (s *SquashfsSink) stagedPath(arcname string) string {
	return filepath.Join(s.stageDir, arcname)
}

func (s *SquashfsSink) AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error {
	path := s.stagedPath(arcname)
	if err := os.MkdirAll(path, mode.Perm()|0o700); err != nil {
		return fmt.Errorf("stage squashfs directory %s: %w", arcname, err)
	}
	return os.Chtimes(path, mtime, mtime)
}

func (s *SquashfsSink) AddRegular(arcname string, mode os.FileMode, mtime time.Time, size int64, content io.Reader) error {
	path := s.stagedPath(arcname)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stage squashfs parent dir for %s: %w", arcname, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("stage squashfs file %s: %w", arcname, err)
	}
	if _, err := io.Copy(f, content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write staged squashfs file %s: %w", arcname, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close staged squashfs file %s: %w", arcname, err)
	}
	return os.Chtimes(path, mtime, mtime)
}

func (s *SquashfsSink) AddSymlink(arcname string, _ os.FileMode, _ time.Time, target string) error {
	path := s.stagedPath(arcname)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stage squashfs parent dir for %s: %w", arcname, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return fmt.Errorf("stage squashfs symlink %s: %w", arcname, err)
	}
	return nil
}

func (s *SquashfsSink) AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error {
	return s.AddRegular(arcname, mode, mtime, int64(len(data)), bytesReader(data))
}

func (s *SquashfsSink) Finalize() error {
	defer os.RemoveAll(s.stageDir)

	fullPath, err := filepath.Abs(s.finalPath)
	if err != nil {
		return fmt.Errorf("resolve squashfs output path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create squashfs output directory: %w", err)
	}

	args := []string{".", fullPath, "-noappend", "-no-progress"}
	if s.codec != "" && s.codec != SquashfsNone {
		args = append(args, "-comp", string(s.codec))
	} else {
		args = append(args, "-noI", "-noD", "-noF", "-noX")
	}
	if s.force {
		_ = os.Remove(fullPath)
	}

	cmd := exec.Command("mksquashfs", args...)
	cmd.Dir = s.stageDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mksquashfs failed: %w: %s", err, output)
	}
	return nil
}

func (s *SquashfsSink) Abort() error {
	return os.RemoveAll(s.stageDir)
}
