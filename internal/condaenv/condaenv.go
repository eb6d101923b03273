// Package condaenv is the default package-manager oracle: it answers
// inventory.Oracle and inventory.NameResolver by reading a conda
// environment's own conda-meta directory, the same data source
// original_source/conda_pack/core.py's load_environment and
// find_site_packages consult (info['link']['source'] for the package
// cache location, conda-meta/python-*.json for the interpreter
// version). spec.md treats the package-manager oracle as an opaque
// external collaborator; this package is the concrete implementation
// cmd/envpack wires in by default, not part of the specified core.
package condaenv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relocatable/envpack/internal/inventory"
)

// Oracle lists packages by scanning an environment's conda-meta
// directory, with no dependency on an external conda binary.
type Oracle struct {
	// EnvsDirs are searched, in order, when resolving an environment
	// name to a prefix. NewOracle fills in the conventional locations;
	// an Oracle with an empty list has nowhere to search.
	EnvsDirs []string
}

// NewOracle builds an Oracle with the conventional envs-dirs search
// path: $CONDA_ROOT/envs, then ~/.conda/envs, then ~/miniconda3/envs
// and ~/anaconda3/envs as common installation defaults.
func NewOracle() *Oracle {
	var dirs []string
	if root := os.Getenv("CONDA_ROOT"); root != "" {
		dirs = append(dirs, filepath.Join(root, "envs"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, ".conda", "envs"),
			filepath.Join(home, "miniconda3", "envs"),
			filepath.Join(home, "anaconda3", "envs"),
		)
	}
	return &Oracle{EnvsDirs: dirs}
}

// condaMetaRecord is the subset of one conda-meta/<pkg>.json record
// this package reads: identity, and the link back to the package
// cache entry that owns its manifest.
type condaMetaRecord struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Link    struct {
		Source string `json:"source"`
	} `json:"link"`
}

// ListPackages implements inventory.Oracle by globbing
// <envPrefix>/conda-meta/*.json, mirroring load_environment's
// os.listdir(conda_meta) loop.
func (o *Oracle) ListPackages(envPrefix string) ([]inventory.Package, error) {
	condaMeta := filepath.Join(envPrefix, "conda-meta")
	if _, err := os.Stat(condaMeta); err != nil {
		return nil, fmt.Errorf("%s is not a conda environment (no conda-meta directory): %w", envPrefix, err)
	}

	entries, err := os.ReadDir(condaMeta)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", condaMeta, err)
	}

	var pkgs []inventory.Package
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(condaMeta, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var rec condaMetaRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		pkgs = append(pkgs, inventory.Package{
			Name:    rec.Name,
			Version: rec.Version,
			Build:   rec.Build,
			Source:  rec.Link.Source,
			Noarch:  readNoarchType(rec.Link.Source) == "python",
		})
	}

	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs, nil
}

// readNoarchType mirrors core.py's read_noarch_type: check
// link.json then package_metadata.json under the cache entry's info/
// directory for a noarch.type field.
func readNoarchType(cacheDir string) string {
	for _, name := range []string{"link.json", "package_metadata.json"} {
		raw, err := os.ReadFile(filepath.Join(cacheDir, "info", name))
		if err != nil {
			continue
		}
		var doc struct {
			Noarch struct {
				Type string `json:"type"`
			} `json:"noarch"`
		}
		if json.Unmarshal(raw, &doc) == nil && doc.Noarch.Type != "" {
			return doc.Noarch.Type
		}
	}
	return ""
}

// ResolveName implements inventory.NameResolver by looking for
// name under each configured envs directory, the same convention
// `conda env list`/`conda activate <name>` use.
func (o *Oracle) ResolveName(name string) (string, error) {
	for _, dir := range o.EnvsDirs {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(filepath.Join(candidate, "conda-meta")); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no conda environment named %q found under %v", name, o.EnvsDirs)
}

// SitePackages returns a inventory.SitePackagesFunc bound to prefix,
// resolving the noarch:python remap target by finding the single
// python-*.json record in conda-meta, exactly as find_site_packages
// does. Returns "" (no site-packages) when no Python package is
// installed.
func SitePackages(prefix string) inventory.SitePackagesFunc {
	return func() string {
		condaMeta := filepath.Join(prefix, "conda-meta")
		entries, err := os.ReadDir(condaMeta)
		if err != nil {
			return ""
		}
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), "python-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(condaMeta, entry.Name()))
			if err != nil {
				continue
			}
			var rec condaMetaRecord
			if json.Unmarshal(raw, &rec) != nil || rec.Name != "python" {
				continue
			}
			parts := strings.Split(rec.Version, ".")
			if len(parts) < 2 {
				continue
			}
			return fmt.Sprintf("lib/python%s.%s/site-packages", parts[0], parts[1])
		}
		return ""
	}
}
