package inventory_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/errs"
	"github.com/relocatable/envpack/internal/inventory"
	"github.com/relocatable/envpack/internal/prefix"
)

func noSite() string { return "lib/python3.11/site-packages" }

func writeManifest(t *testing.T, dir string, entries []map[string]any) {
	t.Helper()
	infoDir := filepath.Join(dir, "info")
	require.NoError(t, os.MkdirAll(infoDir, 0o755))
	doc := map[string]any{"paths": entries, "paths_version": 1}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(infoDir, "paths.json"), data, 0o644))
}

func TestLoadManifestBasic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, []map[string]any{
		{"_path": "bin/tool", "sha256": "abc123", "size_in_bytes": 42, "file_mode": "binary", "prefix_placeholder": "/opt/env_build"},
		{"_path": "lib/libtool.so", "sha256": "def456", "size_in_bytes": 100},
	})

	pkg := inventory.Package{Name: "tool", Version: "1.0", Build: "h0", Source: dir}
	files, err := inventory.LoadManifest(pkg, noSite, false)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "bin/tool", files[0].RelPath)
	assert.Equal(t, prefix.Binary, files[0].PrefixKind)
	assert.Equal(t, "/opt/env_build", files[0].PrefixPlaceholder)
	assert.Equal(t, int64(42), files[0].Size)
}

func TestLoadManifestMissingIsFatalByDefault(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkg := inventory.Package{Name: "ghost", Version: "1", Build: "0", Source: dir}

	_, err := inventory.LoadManifest(pkg, noSite, false)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.MissingPackageCache, e.Kind)
}

func TestLoadManifestMissingIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pkg := inventory.Package{Name: "ghost", Version: "1", Build: "0", Source: dir}

	files, err := inventory.LoadManifest(pkg, noSite, true)
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestLoadManifestNoarchRemap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, []map[string]any{
		{"_path": "site-packages/foo/__init__.py"},
		{"_path": "python-scripts/foo-cli"},
		{"_path": "share/foo/data.txt"},
	})

	pkg := inventory.Package{Name: "foo", Version: "1.0", Build: "py_0", Source: dir, Noarch: true}
	files, err := inventory.LoadManifest(pkg, noSite, false)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "lib/python3.11/site-packages/foo/__init__.py", files[0].RelPath)
	assert.Equal(t, "bin/foo-cli", files[1].RelPath)
	assert.Equal(t, "share/foo/data.txt", files[2].RelPath)
}

func TestParseHasPrefixFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := "bin/plain\n\"/opt/env_build\" \"binary\" \"lib/libfoo.so\"\n"
	path := filepath.Join(dir, "has_prefix")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	recs, err := inventory.ParseHasPrefixFile(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, prefix.Placeholder, recs["bin/plain"].Placeholder)
	assert.Equal(t, "text", recs["bin/plain"].Mode)

	assert.Equal(t, "/opt/env_build", recs["lib/libfoo.so"].Placeholder)
	assert.Equal(t, "binary", recs["lib/libfoo.so"].Mode)
}

func TestParseHasPrefixFileMissing(t *testing.T) {
	t.Parallel()

	recs, err := inventory.ParseHasPrefixFile(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

type fakeOracle struct {
	pkgs []inventory.Package
	err  error
}

func (f fakeOracle) ListPackages(string) ([]inventory.Package, error) {
	return f.pkgs, f.err
}

func TestBuildDetectsConflictingOwnership(t *testing.T) {
	t.Parallel()

	dirA := t.TempDir()
	dirB := t.TempDir()
	writeManifest(t, dirA, []map[string]any{{"_path": "bin/shared"}})
	writeManifest(t, dirB, []map[string]any{{"_path": "bin/shared"}})

	oracle := fakeOracle{pkgs: []inventory.Package{
		{Name: "a", Version: "1", Build: "0", Source: dirA},
		{Name: "b", Version: "1", Build: "0", Source: dirB},
	}}

	_, _, err := inventory.Build("/env", oracle, noSite, false)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.ConflictingOwnership, e.Kind)
}

func TestBuildReportsUncachedPackages(t *testing.T) {
	t.Parallel()

	oracle := fakeOracle{pkgs: []inventory.Package{
		{Name: "ghost", Version: "1", Build: "0", Source: filepath.Join(t.TempDir(), "missing")},
	}}

	inv, uncached, err := inventory.Build("/env", oracle, noSite, true)
	require.NoError(t, err)
	assert.Empty(t, inv.Files)
	require.Len(t, uncached, 1)
	assert.Equal(t, "ghost", uncached[0].Name)
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := inventory.HashFile(path, "sha256")
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}

func TestHashFileUnknownAlgo(t *testing.T) {
	t.Parallel()

	_, err := inventory.HashFile("/dev/null", "does-not-exist")
	require.Error(t, err)
}

func TestNormalizeAlgoName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sha-256", inventory.NormalizeAlgoName("SHA_256"))
}
