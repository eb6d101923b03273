package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/config"
)

func TestValidateRequiresPrefixOrName(t *testing.T) {
	cfg := config.Config{Format: config.FormatTarGz}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBothPrefixAndName(t *testing.T) {
	cfg := config.Config{Prefix: "/opt/env", Name: "env", Format: config.FormatTarGz}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	cfg := config.Config{Prefix: "/opt/env", Format: config.Format("bogus")}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsParcelWithArcRootOverride(t *testing.T) {
	cfg := config.Config{Prefix: "/opt/env", Format: config.FormatParcel, ArcRoot: "custom/"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsParcelWithDestPrefixOverride(t *testing.T) {
	cfg := config.Config{Prefix: "/opt/env", Format: config.FormatParcel, DestPrefix: "/srv/app"}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsPlainParcel(t *testing.T) {
	cfg := config.Config{Prefix: "/opt/env", Format: config.FormatParcel}
	assert.NoError(t, cfg.Validate())
}

func TestNThreadsResolved(t *testing.T) {
	assert.Equal(t, 1, config.Config{NThreads: 0}.NThreadsResolved())
	assert.Equal(t, 1, config.Config{NThreads: 1}.NThreadsResolved())
	assert.Equal(t, 4, config.Config{NThreads: 4}.NThreadsResolved())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	fc, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, fc.Defaults.Format)
	assert.Nil(t, fc.Defaults.NThreads)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "envpack")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
format = "tar.zst"
compress_level = 9
n_threads = 8
arcroot = "env/"
force = true
unmanaged = false
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	fc, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, fc.Defaults.Format)
	assert.Equal(t, "tar.zst", *fc.Defaults.Format)
	require.NotNil(t, fc.Defaults.CompressLevel)
	assert.Equal(t, 9, *fc.Defaults.CompressLevel)
	require.NotNil(t, fc.Defaults.NThreads)
	assert.Equal(t, 8, *fc.Defaults.NThreads)
	require.NotNil(t, fc.Defaults.Force)
	assert.True(t, *fc.Defaults.Force)
	require.NotNil(t, fc.Defaults.Unmanaged)
	assert.False(t, *fc.Defaults.Unmanaged)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "envpack")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestApplyDefaultsSkipsExplicitFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "envpack")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"),
		[]byte("[defaults]\nformat = \"zip\"\nn_threads = 2\n"), 0o644))

	fc, err := config.Load()
	require.NoError(t, err)

	cfg := config.Config{Format: config.FormatTarGz, NThreads: 16}
	config.ApplyDefaults(&cfg, fc, func(flag string) bool {
		return flag == "format" // simulate the user having passed -format explicitly
	})

	assert.Equal(t, config.FormatTarGz, cfg.Format) // untouched, flag was explicit
	assert.Equal(t, 2, cfg.NThreads)                 // filled from file, flag was not explicit
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/envpack/config.toml", config.Path())
}
