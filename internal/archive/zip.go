package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"
)

// ZipSink streams a zip archive, store or deflate per a numeric
// compression level, matching formats.py:ZipArchive and zipfile's
// ZIP64 auto-upgrade behavior. Deflate is backed by
// github.com/klauspost/compress/flate, registered on each sink's
// zip.Writer as its deflate compressor (faster than compress/flate,
// same dependency the tar.gz sink already pulls in).
type ZipSink struct {
	staged *stagedOutput
	zw     *zip.Writer
	repro  ReproducibilityPolicy
	level  int
}

// OpenZip creates a zip sink at outputPath.
func OpenZip(outputPath string, opts Options) (*ZipSink, error) {
	staged, err := newStagedOutput(outputPath, opts.Force)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(staged.file)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		return fw, nil
	})
	return &ZipSink{
		staged: staged,
		zw:     zw,
		repro:  opts.Repro,
		level:  opts.CompressLevel,
	}, nil
}

func (s *ZipSink) method() uint16 {
	if s.level == 0 {
		return zip.Store
	}
	return zip.Deflate
}

func (s *ZipSink) zipTime(mtime time.Time) time.Time {
	if s.repro.Reproducible {
		// DOS-epoch floor: zip timestamps have 2-second granularity
		// and can't represent 1970-01-01; use the format's own epoch.
		return time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return mtime
}

func (s *ZipSink) AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error {
	hdr := &zip.FileHeader{
		Name:     arcname + "/",
		Modified: s.zipTime(mtime),
	}
	hdr.SetMode(mode)
	_, err := s.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("write zip directory entry for %s: %w", arcname, err)
	}
	return nil
}

func (s *ZipSink) AddRegular(arcname string, mode os.FileMode, mtime time.Time, size int64, content io.Reader) error {
	hdr := &zip.FileHeader{
		Name:               arcname,
		Method:             s.method(),
		Modified:           s.zipTime(mtime),
		UncompressedSize64: uint64(size),
	}
	hdr.SetMode(mode)
	w, err := s.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("open zip entry for %s: %w", arcname, err)
	}
	if _, err := io.Copy(w, content); err != nil {
		return fmt.Errorf("write zip content for %s: %w", arcname, err)
	}
	return nil
}

func (s *ZipSink) AddSymlink(arcname string, mode os.FileMode, mtime time.Time, target string) error {
	hdr := &zip.FileHeader{
		Name:     arcname,
		Method:   zip.Store,
		Modified: s.zipTime(mtime),
	}
	hdr.SetMode(mode | os.ModeSymlink)
	w, err := s.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("open zip symlink entry for %s: %w", arcname, err)
	}
	if _, err := io.WriteString(w, target); err != nil {
		return fmt.Errorf("write zip symlink target for %s: %w", arcname, err)
	}
	return nil
}

func (s *ZipSink) AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error {
	return s.AddRegular(arcname, mode, mtime, int64(len(data)), bytesReader(data))
}

func (s *ZipSink) Finalize() error {
	if err := s.zw.Close(); err != nil {
		return fmt.Errorf("close zip writer: %w", err)
	}
	return s.staged.finalize()
}

func (s *ZipSink) Abort() error {
	_ = s.zw.Close()
	return s.staged.abort()
}
