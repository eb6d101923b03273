package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies a tar sink's compression filter.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBzip2
	CompressionXz
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gz"
	case CompressionBzip2:
		return "bz2"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zst"
	default:
		return "none"
	}
}

// TarSink streams a POSIX ustar archive, optionally compressed.
// Grounded on formats.py's TarArchive/ParallelGzipFileWriter, with
// klauspost/compress supplying the gzip and zstd filters (the same
// dependency the teacher already uses for its own wire protocol) and
// an external bzip2/xz subprocess filling the gap no pure-Go writer in
// the example pack covers (§3 of SPEC_FULL.md).
type TarSink struct {
	staged  *stagedOutput
	tarW    *tar.Writer
	closers []io.Closer // innermost first; closed in reverse order on finalize
	cmd     *exec.Cmd
	opts    Options
}

// OpenTar creates a tar sink at outputPath with the given compression.
func OpenTar(outputPath string, comp Compression, opts Options) (*TarSink, error) {
	staged, err := newStagedOutput(outputPath, opts.Force)
	if err != nil {
		return nil, err
	}

	s := &TarSink{staged: staged, opts: opts}
	var w io.Writer = staged.file

	switch comp {
	case CompressionNone:
		// no filter
	case CompressionGzip:
		level := gzip.DefaultCompression
		if opts.CompressLevel > 0 {
			level = opts.CompressLevel
		}
		gz, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			_ = staged.abort()
			return nil, fmt.Errorf("open gzip writer: %w", err)
		}
		if opts.Repro.Reproducible {
			gz.ModTime = time.Unix(0, 0)
			gz.OS = 255 // "unknown", matches gzip's reproducible-build convention
		}
		s.closers = append(s.closers, gz)
		w = gz
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			_ = staged.abort()
			return nil, fmt.Errorf("open zstd writer: %w", err)
		}
		s.closers = append(s.closers, zw)
		w = zw
	case CompressionBzip2, CompressionXz:
		toolName := "bzip2"
		if comp == CompressionXz {
			toolName = "xz"
		}
		toolPath, err := RequireExternalTool(toolName)
		if err != nil {
			_ = staged.abort()
			return nil, err
		}
		cmd := exec.Command(toolPath, "-c")
		cmd.Stdout = w
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			_ = staged.abort()
			return nil, fmt.Errorf("open %s stdin pipe: %w", toolName, err)
		}
		if err := cmd.Start(); err != nil {
			_ = staged.abort()
			return nil, fmt.Errorf("start %s: %w", toolName, err)
		}
		s.cmd = cmd
		s.closers = append(s.closers, stdin)
		w = stdin
	}

	s.tarW = tar.NewWriter(w)
	return s, nil
}

func (s *TarSink) AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error {
	hdr := &tar.Header{
		Name:     arcname + "/",
		Typeflag: tar.TypeDir,
		Mode:     int64(mode.Perm()),
		ModTime:  mtime,
	}
	applyReproHeader(hdr, s.opts.Repro)
	return s.tarW.WriteHeader(hdr)
}

func (s *TarSink) AddRegular(arcname string, mode os.FileMode, mtime time.Time, size int64, content io.Reader) error {
	hdr := &tar.Header{
		Name:     arcname,
		Typeflag: tar.TypeReg,
		Mode:     int64(mode.Perm()),
		Size:     size,
		ModTime:  mtime,
	}
	applyReproHeader(hdr, s.opts.Repro)
	if err := s.tarW.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header for %s: %w", arcname, err)
	}
	if _, err := io.Copy(s.tarW, content); err != nil {
		return fmt.Errorf("write tar content for %s: %w", arcname, err)
	}
	return nil
}

func (s *TarSink) AddSymlink(arcname string, mode os.FileMode, mtime time.Time, target string) error {
	hdr := &tar.Header{
		Name:     arcname,
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		Mode:     int64(mode.Perm()),
		ModTime:  mtime,
	}
	applyReproHeader(hdr, s.opts.Repro)
	return s.tarW.WriteHeader(hdr)
}

func (s *TarSink) AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error {
	return s.AddRegular(arcname, mode, mtime, int64(len(data)), bytesReader(data))
}

func (s *TarSink) Finalize() error {
	if err := s.tarW.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			return fmt.Errorf("close compression filter: %w", err)
		}
	}
	if s.cmd != nil {
		if err := s.cmd.Wait(); err != nil {
			return fmt.Errorf("external compressor failed: %w", err)
		}
	}
	return s.staged.finalize()
}

func (s *TarSink) Abort() error {
	_ = s.tarW.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	if s.cmd != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return s.staged.abort()
}

// applyReproHeader zeroes ownership/name fields under the
// reproducibility policy, matching spec.md §4.4's tar-family behavior.
func applyReproHeader(hdr *tar.Header, repro ReproducibilityPolicy) {
	if !repro.Reproducible {
		return
	}
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = ""
	hdr.Gname = ""
	hdr.ModTime = time.Unix(0, 0)
}
