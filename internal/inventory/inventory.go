// Package inventory consults the package-manager oracle and the package
// cache to build the relative_path -> FileMeta map that the walker
// reconciles against the on-disk tree. Grounded on
// ppphp-portago/pkg/manifest and ppphp-portago/pkg/checksum for the
// manifest/hash-registry shape, and on original_source/conda_pack's
// core.py (load_managed_package, read_has_prefix, find_site_packages)
// for conda-pack's exact semantics.
package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"

	"github.com/relocatable/envpack/internal/errs"
	"github.com/relocatable/envpack/internal/prefix"
)

// Package identifies one installed package: name, version, build.
type Package struct {
	Name    string
	Version string
	Build   string

	// Source is the package-cache directory this package was linked
	// from (its "info/" manifest lives here).
	Source string

	// Noarch is true for noarch:python packages, whose members are
	// remapped through SitePackages/BIN_DIR at load time.
	Noarch bool
}

// String renders the package's triple identity, e.g. "numpy-1.26.0-py311h0".
func (p Package) String() string {
	return fmt.Sprintf("%s-%s-%s", p.Name, p.Version, p.Build)
}

// FileMeta is what the inventory knows about one managed file before
// the walker reconciles it with disk.
type FileMeta struct {
	RelPath           string // POSIX-style, relative to the prefix
	Package           Package
	SHA256            string
	Size              int64
	PrefixPlaceholder string
	PrefixKind        prefix.Kind
	ManifestSource    string // absolute path to the package's on-disk file, for copying
}

// Oracle is the opaque package-manager collaborator (spec.md §6): given
// a prefix, it lists the installed packages. The core never talks to a
// package manager directly; it only consumes this interface.
type Oracle interface {
	ListPackages(envPrefix string) ([]Package, error)
}

// NameResolver is an optional capability an Oracle may implement to
// support spec.md §6's "name resolves via the oracle" convention. Not
// every oracle implementation can do this (some only know about an
// already-resolved prefix), so it's a separate, optional interface
// rather than a required method of Oracle.
type NameResolver interface {
	ResolveName(name string) (string, error)
}

// ManifestPath returns pkg's cache-relative manifest entry path, so
// callers (and error messages) don't need to know the cache layout.
func ManifestPath(pkg Package) string {
	return filepath.Join(pkg.Source, "info", "paths.json")
}

// manifestEntry mirrors one element of a package cache's paths.json
// "paths" array.
type manifestEntry struct {
	Path              string `json:"_path"`
	PathType          string `json:"path_type"`
	SHA256            string `json:"sha256,omitempty"`
	SizeInBytes       int64  `json:"size_in_bytes,omitempty"`
	PrefixPlaceholder string `json:"prefix_placeholder,omitempty"`
	FileMode          string `json:"file_mode,omitempty"`
}

type pathsJSON struct {
	Paths        []manifestEntry `json:"paths"`
	PathsVersion int             `json:"paths_version"`
}

// LoadManifest loads one package's member list from its cache entry.
// ignoreMissing controls whether an absent manifest is fatal
// (MissingPackageCache) or merely means the package contributes no
// managed files (its on-disk files, if any, fall through to
// "unmanaged" classification downstream).
func LoadManifest(pkg Package, siteLookup SitePackagesFunc, ignoreMissing bool) ([]FileMeta, error) {
	p := ManifestPath(pkg)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(filepath.Join(pkg.Source, "info", "files")); statErr == nil {
				// Pre-paths.json package: only the legacy pair exists.
				return loadLegacyManifest(pkg, siteLookup)
			}
			if ignoreMissing {
				return nil, nil
			}
			return nil, errs.New(errs.MissingPackageCache, p).WithPackage(pkg.String())
		}
		return nil, fmt.Errorf("read manifest %s: %w", p, err)
	}

	var doc pathsJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		// Fall back to the legacy "info/files" + "info/has_prefix" pair.
		return loadLegacyManifest(pkg, siteLookup)
	}

	site := ""
	if pkg.Noarch {
		site = siteLookup()
	}

	out := make([]FileMeta, 0, len(doc.Paths))
	for _, e := range doc.Paths {
		rel := remapNoarch(pkg.Noarch, site, e.Path)
		out = append(out, FileMeta{
			RelPath:           rel,
			Package:           pkg,
			SHA256:            e.SHA256,
			Size:              e.SizeInBytes,
			PrefixPlaceholder: e.PrefixPlaceholder,
			PrefixKind:        prefix.ParseKind(e.FileMode),
			ManifestSource:    filepath.Join(pkg.Source, e.Path),
		})
	}
	return out, nil
}

func loadLegacyManifest(pkg Package, siteLookup SitePackagesFunc) ([]FileMeta, error) {
	filesPath := filepath.Join(pkg.Source, "info", "files")
	raw, err := os.ReadFile(filesPath)
	if err != nil {
		return nil, errs.New(errs.MissingPackageCache, filesPath).WithPackage(pkg.String())
	}

	hp, _ := ParseHasPrefixFile(filepath.Join(pkg.Source, "info", "has_prefix"))

	site := ""
	if pkg.Noarch {
		site = siteLookup()
	}

	var out []FileMeta
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rel := remapNoarch(pkg.Noarch, site, line)
		fm := FileMeta{
			RelPath:        rel,
			Package:        pkg,
			ManifestSource: filepath.Join(pkg.Source, line),
		}
		if rec, ok := hp[line]; ok {
			fm.PrefixPlaceholder = rec.Placeholder
			fm.PrefixKind = prefix.ParseKind(rec.Mode)
		}
		out = append(out, fm)
	}
	return out, nil
}

// SitePackagesFunc lazily resolves the environment's site-packages
// relative path (e.g. "lib/python3.11/site-packages"), computed once
// per environment by scanning conda-meta for a package named "python".
type SitePackagesFunc func() string

const binDir = "bin"

// remapNoarch implements conda_pack.core.managed_file's target
// remapping: noarch:python packages store their files under
// "site-packages/" and "python-scripts/" regardless of the target
// Python version; at load time those are rewritten onto the
// environment's actual site-packages directory and bin/.
func remapNoarch(isNoarch bool, sitePackages, relPath string) string {
	if !isNoarch {
		return relPath
	}
	switch {
	case strings.HasPrefix(relPath, "site-packages/"):
		return sitePackages + relPath[len("site-packages"):]
	case strings.HasPrefix(relPath, "python-scripts/"):
		return binDir + relPath[len("python-scripts"):]
	default:
		return relPath
	}
}

// HasPrefixRecord is one line of a package's info/has_prefix file.
type HasPrefixRecord struct {
	Placeholder string
	Mode        string // "text" or "binary"
}

// ParseHasPrefixFile parses a legacy has_prefix file: either a bare
// relative path (implying the default text placeholder) or a quoted
// "placeholder" "mode" "path" triple, shell-lexed exactly like
// conda_pack.core.read_has_prefix's shlex.split(line, posix=False).
// Grounded on ppphp-portago's use of github.com/google/shlex for its
// own ebuild-environment line parsing.
func ParseHasPrefixFile(path string) (map[string]HasPrefixRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]HasPrefixRecord{}, nil
		}
		return nil, fmt.Errorf("read has_prefix %s: %w", path, err)
	}

	out := map[string]HasPrefixRecord{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("parse has_prefix line %q: %w", line, err)
		}
		switch len(fields) {
		case 1:
			out[fields[0]] = HasPrefixRecord{Placeholder: prefix.Placeholder, Mode: "text"}
		case 3:
			out[fields[2]] = HasPrefixRecord{Placeholder: fields[0], Mode: fields[1]}
		default:
			return nil, fmt.Errorf("malformed has_prefix line %q", line)
		}
	}
	return out, nil
}

// Inventory is the loaded, reconciled view of every installed package's
// file ownership, ready for the walker to consult.
type Inventory struct {
	Files    map[string]FileMeta // relative_path -> owner metadata
	Packages []Package
}

// Build consults oracle for envPrefix, loads every package's manifest,
// and detects ConflictingOwnership. ignoreMissing mirrors pack()'s
// on_missing_cache behavior: when true, a package with no cache entry
// contributes zero managed files instead of failing the whole build.
func Build(envPrefix string, oracle Oracle, siteLookup SitePackagesFunc, ignoreMissing bool) (*Inventory, []Package, error) {
	pkgs, err := oracle.ListPackages(envPrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("list packages: %w", err)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })

	inv := &Inventory{Files: map[string]FileMeta{}, Packages: pkgs}
	var uncached []Package

	for _, pkg := range pkgs {
		if _, statErr := os.Stat(pkg.Source); statErr != nil {
			if !ignoreMissing {
				return nil, nil, errs.New(errs.MissingPackageCache, pkg.Source).WithPackage(pkg.String())
			}
			uncached = append(uncached, pkg)
			continue
		}
		files, err := LoadManifest(pkg, siteLookup, ignoreMissing)
		if err != nil {
			if !ignoreMissing {
				return nil, nil, err
			}
			uncached = append(uncached, pkg)
			continue
		}
		for _, fm := range files {
			if existing, ok := inv.Files[fm.RelPath]; ok && existing.Package != pkg {
				return nil, nil, errs.New(errs.ConflictingOwnership, fm.RelPath).
					WithPackage(fmt.Sprintf("%s vs %s", existing.Package, pkg))
			}
			inv.Files[fm.RelPath] = fm
		}
	}

	return inv, uncached, nil
}
