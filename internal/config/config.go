// Package config defines the pack-run configuration record (spec.md
// §6's "external interfaces" table) and the optional TOML defaults
// file that seeds it, adapted from the teacher's
// internal/config/config.go (same XDG-path, pointer-field,
// flags-override-file merge pattern; different field set).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/relocatable/envpack/internal/errs"
)

// Format enumerates the archive formats spec.md §6 names.
type Format string

const (
	FormatInfer    Format = "infer"
	FormatZip      Format = "zip"
	FormatTar      Format = "tar"
	FormatTarGz    Format = "tar.gz"
	FormatTarBz2   Format = "tar.bz2"
	FormatTarXz    Format = "tar.xz"
	FormatTarZst   Format = "tar.zst"
	FormatSquashfs Format = "squashfs"
	FormatParcel   Format = "parcel"
	FormatNoArchive Format = "no-archive"
)

var validFormats = map[Format]bool{
	FormatInfer: true, FormatZip: true, FormatTar: true, FormatTarGz: true,
	FormatTarBz2: true, FormatTarXz: true, FormatTarZst: true,
	FormatSquashfs: true, FormatParcel: true, FormatNoArchive: true,
}

// Config is one pack run's full configuration, matching spec.md §6's
// external-interfaces table field-for-field.
type Config struct {
	Prefix string
	Name   string

	Output        string
	Format        Format
	CompressLevel int
	NThreads      int

	ArcRoot    string
	DestPrefix string

	IgnoreEditablePackages bool
	IgnoreMissingFiles     bool
	IgnoreLongPaths        bool
	Unmanaged              bool
	Force                  bool

	ParcelName         string
	ParcelVersion      string
	ParcelDistribution string
	ParcelRoot         string

	RunnerBinaryPath string
}

// Validate checks the cross-field constraints spec.md §6/§8 (S2, S6)
// require before the walk begins, so config errors are reported
// before any output is created.
func (c Config) Validate() error {
	if c.Prefix == "" && c.Name == "" {
		return errors.New("either prefix or name must be set")
	}
	if c.Prefix != "" && c.Name != "" {
		return errors.New("prefix and name are mutually exclusive")
	}
	if !validFormats[c.Format] {
		return fmt.Errorf("unknown format %q", c.Format)
	}
	if c.Format == FormatParcel {
		arcRootOverride := c.ArcRoot != ""
		destPrefixOverride := c.DestPrefix != ""
		if arcRootOverride || destPrefixOverride {
			return errs.New(errs.ParcelOptionConflict, "parcel format does not allow arcroot or dest_prefix overrides")
		}
	}
	return nil
}

// NThreadsResolved maps spec.md §6's n_threads convention (-1 = all
// cores, 0/1 = serial) to an actual worker count.
func (c Config) NThreadsResolved() int {
	switch {
	case c.NThreads < 0:
		return max(1, numCPU())
	case c.NThreads <= 1:
		return 1
	default:
		return c.NThreads
	}
}

var numCPU = defaultNumCPU

func defaultNumCPU() int { return runtime.NumCPU() }

// FileConfig is the optional persistent-defaults file,
// ~/.config/envpack/config.toml, merged under explicit CLI flags
// (Load parses it; ApplyDefaults does the merge).
type FileConfig struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults, one pointer field per
// overridable setting so cmd/envpack can tell "unset" from "false"/"0".
type DefaultsConfig struct {
	Format        *string `toml:"format"`
	CompressLevel *int    `toml:"compress_level"`
	NThreads      *int    `toml:"n_threads"`
	ArcRoot       *string `toml:"arcroot"`
	Force         *bool   `toml:"force"`
	Unmanaged     *bool   `toml:"unmanaged"`
}

// Path returns the resolved path to the defaults file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "envpack", "config.toml")
}

// Load reads the defaults file from the XDG path. Returns a zero
// FileConfig (no error) if the file does not exist — the defaults
// file is always optional.
func Load() (FileConfig, error) {
	path := Path()
	if path == "" {
		return FileConfig{}, nil
	}

	var cfg FileConfig
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return FileConfig{}, nil
		}
		return FileConfig{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields of cfg from the defaults file.
// changed reports, per flag name, whether the CLI explicitly set that
// field (so an explicit "false"/"0" on the command line is never
// overridden by a file default).
func ApplyDefaults(cfg *Config, defaults FileConfig, changed func(flag string) bool) {
	d := defaults.Defaults
	if d.Format != nil && !changed("format") {
		cfg.Format = Format(*d.Format)
	}
	if d.CompressLevel != nil && !changed("compress-level") {
		cfg.CompressLevel = *d.CompressLevel
	}
	if d.NThreads != nil && !changed("threads") {
		cfg.NThreads = *d.NThreads
	}
	if d.ArcRoot != nil && !changed("arcroot") {
		cfg.ArcRoot = *d.ArcRoot
	}
	if d.Force != nil && !changed("force") {
		cfg.Force = *d.Force
	}
	if d.Unmanaged != nil && !changed("unmanaged") {
		cfg.Unmanaged = *d.Unmanaged
	}
}
