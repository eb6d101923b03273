package condaenv_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/condaenv"
)

func writeJSON(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestListPackagesReadsCondaMeta(t *testing.T) {
	envPrefix := t.TempDir()
	cacheDir := t.TempDir()

	writeJSON(t, filepath.Join(envPrefix, "conda-meta", "numpy-1.26.0-py311h0.json"),
		`{"name":"numpy","version":"1.26.0","build":"py311h0","link":{"source":"`+cacheDir+`"}}`)

	o := &condaenv.Oracle{}
	pkgs, err := o.ListPackages(envPrefix)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "numpy", pkgs[0].Name)
	assert.Equal(t, "1.26.0", pkgs[0].Version)
	assert.Equal(t, cacheDir, pkgs[0].Source)
	assert.False(t, pkgs[0].Noarch)
}

func TestListPackagesDetectsNoarchPython(t *testing.T) {
	envPrefix := t.TempDir()
	cacheDir := t.TempDir()

	writeJSON(t, filepath.Join(cacheDir, "info", "link.json"), `{"noarch":{"type":"python"}}`)
	writeJSON(t, filepath.Join(envPrefix, "conda-meta", "six-1.16.0-pyh0.json"),
		`{"name":"six","version":"1.16.0","build":"pyh0","link":{"source":"`+cacheDir+`"}}`)

	o := &condaenv.Oracle{}
	pkgs, err := o.ListPackages(envPrefix)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.True(t, pkgs[0].Noarch)
}

func TestListPackagesRejectsNonCondaPrefix(t *testing.T) {
	o := &condaenv.Oracle{}
	_, err := o.ListPackages(t.TempDir())
	assert.Error(t, err)
}

func TestResolveNameFindsEnvUnderEnvsDirs(t *testing.T) {
	envsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(envsDir, "myenv", "conda-meta"), 0o755))

	o := &condaenv.Oracle{EnvsDirs: []string{envsDir}}
	resolved, err := o.ResolveName("myenv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(envsDir, "myenv"), resolved)
}

func TestResolveNameFailsWhenNotFound(t *testing.T) {
	o := &condaenv.Oracle{EnvsDirs: []string{t.TempDir()}}
	_, err := o.ResolveName("nope")
	assert.Error(t, err)
}

func TestSitePackagesDerivesFromPythonVersion(t *testing.T) {
	envPrefix := t.TempDir()
	writeJSON(t, filepath.Join(envPrefix, "conda-meta", "python-3.11.4-h0.json"),
		`{"name":"python","version":"3.11.4","build":"h0"}`)

	site := condaenv.SitePackages(envPrefix)()
	assert.Equal(t, "lib/python3.11/site-packages", site)
}

func TestSitePackagesEmptyWithoutPython(t *testing.T) {
	envPrefix := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(envPrefix, "conda-meta"), 0o755))

	site := condaenv.SitePackages(envPrefix)()
	assert.Equal(t, "", site)
}
