package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/archive"
)

func TestTarSinkUncompressedRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.tar")

	sink, err := archive.OpenTar(outPath, archive.CompressionNone, archive.Options{})
	require.NoError(t, err)

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, sink.AddDirectory("bin", 0o755, mtime))
	require.NoError(t, sink.AddRegular("bin/activate", 0o644, mtime, 4, bytes.NewReader([]byte("data"))))
	require.NoError(t, sink.AddSymlink("bin/python", 0o777, mtime, "python3"))
	require.NoError(t, sink.Finalize())

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Name == "bin/activate" {
			content, _ := io.ReadAll(tr)
			assert.Equal(t, "data", string(content))
		}
		if hdr.Name == "bin/python" {
			assert.Equal(t, "python3", hdr.Linkname)
		}
	}
	assert.Equal(t, []string{"bin/", "bin/activate", "bin/python"}, names)
}

func TestTarSinkGzipReproducible(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.tar.gz")

	opts := archive.Options{Repro: archive.ReproducibilityPolicy{Reproducible: true}}
	sink, err := archive.OpenTar(outPath, archive.CompressionGzip, opts)
	require.NoError(t, err)
	require.NoError(t, sink.AddRegular("f.txt", 0o644, time.Now(), 1, bytes.NewReader([]byte("x"))))
	require.NoError(t, sink.Finalize())

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "f.txt", hdr.Name)
	assert.True(t, hdr.ModTime.IsZero() || hdr.ModTime.Unix() == 0)
	assert.Equal(t, 0, hdr.Uid)
}

func TestTarSinkAbortRemovesTemp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.tar")

	sink, err := archive.OpenTar(outPath, archive.CompressionNone, archive.Options{})
	require.NoError(t, err)
	require.NoError(t, sink.AddBytes("f", 0o644, time.Now(), []byte("x")))
	require.NoError(t, sink.Abort())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTarSinkRefusesExistingOutputWithoutForce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.tar")
	require.NoError(t, os.WriteFile(outPath, []byte("existing"), 0o644))

	_, err := archive.OpenTar(outPath, archive.CompressionNone, archive.Options{})
	require.Error(t, err)
}

func TestZipSinkStoreAndDeflate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.zip")

	sink, err := archive.OpenZip(outPath, archive.Options{CompressLevel: 6})
	require.NoError(t, err)
	require.NoError(t, sink.AddRegular("a/b.txt", 0o644, time.Now(), 5, bytes.NewReader([]byte("hello"))))
	require.NoError(t, sink.AddSymlink("a/link", 0o777, time.Now(), "b.txt"))
	require.NoError(t, sink.Finalize())

	zr, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 2)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	rc.Close()
}

func TestDirectorySinkWritesRealFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destDir := filepath.Join(dir, "dest")

	sink, err := archive.OpenDirectory(destDir, archive.Options{})
	require.NoError(t, err)
	require.NoError(t, sink.AddDirectory("bin", 0o755, time.Now()))
	require.NoError(t, sink.AddRegular("bin/activate", 0o644, time.Now(), 4, bytes.NewReader([]byte("data"))))
	require.NoError(t, sink.AddSymlink("bin/python", 0o777, time.Now(), "python3"))
	require.NoError(t, sink.Finalize())

	content, err := os.ReadFile(filepath.Join(destDir, "bin", "activate"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))

	target, err := os.Readlink(filepath.Join(destDir, "bin", "python"))
	require.NoError(t, err)
	assert.Equal(t, "python3", target)
}

func TestDirectorySinkAbortRemovesRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	destDir := filepath.Join(dir, "dest")

	sink, err := archive.OpenDirectory(destDir, archive.Options{})
	require.NoError(t, err)
	require.NoError(t, sink.AddBytes("f", 0o644, time.Now(), []byte("x")))
	require.NoError(t, sink.Abort())

	_, err = os.Stat(destDir)
	assert.True(t, os.IsNotExist(err))
}

func TestParcelValidateConfigRejectsOverrides(t *testing.T) {
	t.Parallel()

	require.NoError(t, archive.ValidateParcelConfig(false, false))
	require.Error(t, archive.ValidateParcelConfig(true, false))
	require.Error(t, archive.ValidateParcelConfig(false, true))
}

func TestParcelDestPrefixAndFilename(t *testing.T) {
	t.Parallel()

	info := archive.ParcelInfo{Name: "spark", Version: "2.4.0", Distribution: "el7", Root: "/opt/cloudera/parcels"}
	assert.Equal(t, "/opt/cloudera/parcels/spark-2.4.0", info.DestPrefix())
	assert.Equal(t, "spark-2.4.0-el7.parcel", info.ArchiveFilename())
}
