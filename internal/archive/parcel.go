package archive

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/relocatable/envpack/internal/errs"
)

// ParcelInfo names the synthetic entries a parcel sink injects,
// mirroring core.py:Packer.finish's parcel branch and its JSON/shell
// templates.
type ParcelInfo struct {
	Name         string
	Version      string
	Distribution string
	Root         string
	Activation   string // shell filename under meta/, e.g. "conda_env.sh"
}

// ParcelPackageEntry is one component line in meta/parcel.json's
// "packages" array.
type ParcelPackageEntry struct {
	Name    string
	Version string
	Build   string
}

// ParcelSink is a gzip-tar sink that forces arcroot/dest_prefix and
// injects the two mandatory synthetic entries (spec.md §4.4). It
// rejects caller overrides of those two fields up front (S6).
type ParcelSink struct {
	tar  *TarSink
	info ParcelInfo
}

// ValidateParcelConfig enforces S6: parcel format conflicts with an
// explicit arcroot or dest_prefix override, checked before the walk
// begins per spec.md §8.
func ValidateParcelConfig(arcRootOverride, destPrefixOverride bool) error {
	if arcRootOverride || destPrefixOverride {
		return errs.New(errs.ParcelOptionConflict, "parcel format does not allow arcroot or dest_prefix overrides")
	}
	return nil
}

// DestPrefix computes the parcel's forced destination prefix,
// "{parcel_root}/{name}-{version}" per spec.md §4.4.
func (info ParcelInfo) DestPrefix() string {
	return info.Root + "/" + info.Name + "-" + info.Version
}

// ArchiveFilename computes the mandated parcel filename,
// "{name}-{version}-{distro}.parcel".
func (info ParcelInfo) ArchiveFilename() string {
	return fmt.Sprintf("%s-%s-%s.parcel", info.Name, info.Version, info.Distribution)
}

// OpenParcel creates a parcel sink at outputPath.
func OpenParcel(outputPath string, info ParcelInfo, opts Options) (*ParcelSink, error) {
	tarSink, err := OpenTar(outputPath, CompressionGzip, opts)
	if err != nil {
		return nil, err
	}
	if info.Activation == "" {
		info.Activation = "conda_env.sh"
	}
	return &ParcelSink{tar: tarSink, info: info}, nil
}

func (s *ParcelSink) AddDirectory(arcname string, mode os.FileMode, mtime time.Time) error {
	return s.tar.AddDirectory(arcname, mode, mtime)
}

func (s *ParcelSink) AddRegular(arcname string, mode os.FileMode, mtime time.Time, size int64, content io.Reader) error {
	return s.tar.AddRegular(arcname, mode, mtime, size, content)
}

func (s *ParcelSink) AddSymlink(arcname string, mode os.FileMode, mtime time.Time, target string) error {
	return s.tar.AddSymlink(arcname, mode, mtime, target)
}

func (s *ParcelSink) AddBytes(arcname string, mode os.FileMode, mtime time.Time, data []byte) error {
	return s.tar.AddBytes(arcname, mode, mtime, data)
}

// InjectMetadata writes the two mandatory synthetic entries. Callers
// (the packer orchestrator) invoke this once, after every real file
// has been added but before Finalize, once the final package list is
// known.
func (s *ParcelSink) InjectMetadata(packages []ParcelPackageEntry, now time.Time) error {
	activationScript := parcelActivationScript(s.info)
	if err := s.tar.AddBytes("meta/"+s.info.Activation, 0o755, now, []byte(activationScript)); err != nil {
		return fmt.Errorf("write parcel activation script: %w", err)
	}

	parcelJSON := renderParcelJSON(s.info, packages)
	if err := s.tar.AddBytes("meta/parcel.json", 0o644, now, []byte(parcelJSON)); err != nil {
		return fmt.Errorf("write parcel.json: %w", err)
	}
	return nil
}

func (s *ParcelSink) Finalize() error { return s.tar.Finalize() }
func (s *ParcelSink) Abort() error    { return s.tar.Abort() }

// renderParcelJSON mirrors core.py's _parcel_json_template /
// _parcel_package_template string formatting (kept as literal
// templates, like the original, rather than a JSON struct marshal, so
// the field ordering matches what parcel-consuming tooling expects).
func renderParcelJSON(info ParcelInfo, packages []ParcelPackageEntry) string {
	var pkgLines []string
	for _, p := range packages {
		pkgLines = append(pkgLines, fmt.Sprintf(parcelPackageTemplate, p.Name, p.Version+"-"+p.Build))
	}
	fullVersion := info.Version + "-" + info.Distribution
	return fmt.Sprintf(parcelJSONTemplate,
		info.Name, info.Version, info.Version,
		info.Version, fullVersion,
		info.Name,
		strings.Join(pkgLines, ",\n"),
	)
}

const parcelPackageTemplate = `    {
      "name": %q,
      "version": %q
    }`

const parcelJSONTemplate = `{
  "components": [
    {
      "name": %q,
      "pkg_version": %q,
      "version": %q
    }
  ],
  "extraVersionInfo": {
    "baseVersion": %q,
    "fullVersion": %q,
    "patchCount": "0"
  },
  "groups": [],
  "name": %q,
  "packages": [
%s
  ],
  "provides": []
}
`

func parcelActivationScript(info ParcelInfo) string {
	return fmt.Sprintf(`#!/bin/sh
# activation hook for %s, generated by envpack
export PATH="%s/bin:$PATH"
`, info.Name, info.DestPrefix())
}
