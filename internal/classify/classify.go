// Package classify walks an environment's source tree, reconciles
// every entry against the package inventory, and attaches the policy
// (inclusion, prefix action) that the rewrite and pipeline stages
// consume. Grounded on the teacher's internal/engine/scanner.go for the
// walk shape, generalized from beam's FileTask stream into the file
// records described by spec.md §3/§4.2.
package classify

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relocatable/envpack/internal/errs"
	"github.com/relocatable/envpack/internal/inventory"
	"github.com/relocatable/envpack/internal/prefix"
)

// SourceKind records how a file relates to the package inventory.
type SourceKind int

const (
	Managed SourceKind = iota
	Unmanaged
	Missing
)

func (k SourceKind) String() string {
	switch k {
	case Managed:
		return "managed"
	case Unmanaged:
		return "unmanaged"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// FileKind is the on-disk entry type.
type FileKind int

const (
	Regular FileKind = iota
	Symlink
	Directory
)

// PrefixAction is what, if anything, the rewriter must do to this file.
type PrefixAction int

const (
	ActionNone PrefixAction = iota
	ActionText
	ActionBinary
)

// Disposition decides whether a record reaches the archive at all.
type Disposition int

const (
	Include Disposition = iota
	Drop
)

// FileRecord is one entry under the source prefix, annotated with
// enough policy for the rewrite and pipeline stages to act without
// consulting the inventory again.
type FileRecord struct {
	Sequence     int64 // monotonic, assigned in depth-first lexicographic order (I5)
	RelPath      string
	AbsPath      string
	SourceKind   SourceKind
	FileKind     FileKind
	Mode         fs.FileMode
	Size         int64
	LinkTarget   string // set when FileKind == Symlink
	Package      inventory.Package
	PrefixAction PrefixAction
	Placeholder  string
	Disposition  Disposition
	// SniffOnDemand marks unmanaged files whose text/binary prefix
	// action cannot be decided from inventory metadata alone; the
	// rewrite stage must read the file to classify it (§5.1).
	SniffOnDemand bool
}

// Policy configures the walk: the exclusion rules, and how missing or
// long-path records are handled.
type Policy struct {
	IncludeUnmanaged   bool
	IgnoreMissingFiles bool
	IgnoreLongPaths    bool
	MaxPathLen         int // 0 disables the check
	EditableAllowed    bool
}

// DefaultMaxPathLen mirrors the ustar/ZIP32 boundary most sinks share;
// individual sinks may raise or lower this via their own checks.
const DefaultMaxPathLen = 255

// The regenerable* lists name what is dropped unconditionally:
// compiled bytecode (.pyc/.pyo files, __pycache__ directories) and the
// package manager's .conda_trash leftovers, never meaningful on the
// target host. Installer logs and other temp files are not on these
// lists. Grounded on
// core.py's load_environment exclusion list and managed_file's
// editable-link bookkeeping.
var regenerableBasenameSuffixes = []string{".pyc", ".pyo"}
var regenerableDirNames = map[string]bool{
	"__pycache__": true,
}
var regenerableFileNames = map[string]bool{
	".conda_trash": true,
}

// bookkeepingDirs are package-manager-owned directories whose
// unmanaged contents are dropped unless Policy.IncludeUnmanaged is set
// (core.py's PKG_DIRS-style exclusion for conda-meta, pkgs caches).
var bookkeepingDirs = map[string]bool{
	"conda-meta": true,
	"pkgs":       true,
	".cache":     true,
}

// Walk streams FileRecords for every entry under sourcePrefix, in
// stable depth-first lexicographic order (I5). It is single-threaded
// by design: ordering is a property of the walk itself, not imposed
// downstream, matching spec.md §9's "lazy, non-restartable iterator"
// note. Concurrency belongs to internal/pipeline, which fans the
// resulting stream out to workers.
func Walk(ctx context.Context, sourcePrefix string, inv *inventory.Inventory, policy Policy) (<-chan FileRecord, <-chan error) {
	records := make(chan FileRecord)
	errc := make(chan error, 1)

	go func() {
		defer close(records)
		defer close(errc)

		seen := map[string]bool{}
		var seq int64

		var walkDir func(relDir string) error
		walkDir = func(relDir string) error {
			absDir := filepath.Join(sourcePrefix, relDir)
			entries, err := os.ReadDir(absDir)
			if err != nil {
				return fmt.Errorf("read dir %s: %w", absDir, err)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

			for _, entry := range entries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				relPath := entry.Name()
				if relDir != "" {
					relPath = relDir + "/" + entry.Name()
				}

				info, err := entry.Info()
				if err != nil {
					return fmt.Errorf("stat %s: %w", relPath, err)
				}

				rec, skip, err := buildRecord(sourcePrefix, relPath, info, inv, policy, seq)
				if err != nil {
					return err
				}
				if skip {
					continue
				}
				seen[relPath] = true

				// Only records sent downstream consume a sequence number:
				// the pipeline drainer writes by contiguous Sequence from
				// 0, so a dropped record must not leave a gap.
				if rec.Disposition == Include {
					select {
					case records <- rec:
					case <-ctx.Done():
						return ctx.Err()
					}
					seq++
				}

				if rec.FileKind == Directory {
					if err := walkDir(relPath); err != nil {
						return err
					}
				}
			}
			return nil
		}

		if err := walkDir(""); err != nil {
			errc <- err
			return
		}

		// Anything the inventory claims but the walk never visited is
		// a missing managed file (the claimed path, or one of its
		// parent directories, doesn't exist on disk).
		missing := missingPaths(inv, seen)
		for _, relPath := range missing {
			fm := inv.Files[relPath]
			seq++
			rec := FileRecord{
				Sequence:   seq,
				RelPath:    relPath,
				SourceKind: Missing,
				Package:    fm.Package,
			}
			if !policy.IgnoreMissingFiles {
				errc <- errs.New(errs.MissingManagedFile, relPath).WithPackage(fm.Package.String())
				return
			}
			// Downgraded to a warning: the record is never sent to
			// the pipeline, but stays visible here for future
			// warning-accumulation hooks.
			_ = rec
		}
	}()

	return records, errc
}

func missingPaths(inv *inventory.Inventory, seen map[string]bool) []string {
	var out []string
	for relPath := range inv.Files {
		if !seen[relPath] {
			out = append(out, relPath)
		}
	}
	sort.Strings(out)
	return out
}

func buildRecord(sourcePrefix, relPath string, info fs.FileInfo, inv *inventory.Inventory, policy Policy, seq int64) (FileRecord, bool, error) {
	absPath := filepath.Join(sourcePrefix, relPath)
	base := filepath.Base(relPath)

	rec := FileRecord{
		Sequence: seq,
		RelPath:  relPath,
		AbsPath:  absPath,
		Mode:     info.Mode(),
		Size:     info.Size(),
	}

	switch {
	case info.IsDir():
		rec.FileKind = Directory
	case info.Mode()&fs.ModeSymlink != 0:
		rec.FileKind = Symlink
		target, err := os.Readlink(absPath)
		if err != nil {
			return rec, false, fmt.Errorf("readlink %s: %w", absPath, err)
		}
		rec.LinkTarget = target
	default:
		rec.FileKind = Regular
	}

	if isRegenerable(base, rec.FileKind) {
		return rec, true, nil
	}

	fm, managed := inv.Files[relPath]
	if managed {
		rec.SourceKind = Managed
		rec.Package = fm.Package
		rec.Placeholder = fm.PrefixPlaceholder
		rec.PrefixAction = actionFromKind(fm.PrefixKind)
	} else {
		rec.SourceKind = Unmanaged
		if inBookkeepingDir(relPath) && !policy.IncludeUnmanaged {
			rec.Disposition = Drop
			return rec, false, nil
		}
		rec.SniffOnDemand = rec.FileKind == Regular
	}

	if policy.MaxPathLen > 0 && len(relPath) > policy.MaxPathLen {
		if !policy.IgnoreLongPaths {
			return rec, false, errs.New(errs.PathTooLongForFormat, relPath)
		}
		rec.Disposition = Drop
		return rec, false, nil
	}

	rec.Disposition = Include
	return rec, false, nil
}

func actionFromKind(k prefix.Kind) PrefixAction {
	switch k {
	case prefix.Text:
		return ActionText
	case prefix.Binary:
		return ActionBinary
	default:
		return ActionNone
	}
}

func isRegenerable(base string, kind FileKind) bool {
	if kind == Directory {
		return regenerableDirNames[base]
	}
	if regenerableFileNames[base] {
		return true
	}
	for _, suffix := range regenerableBasenameSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}

func inBookkeepingDir(relPath string) bool {
	first := relPath
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		first = relPath[:i]
	}
	return bookkeepingDirs[first]
}

// EditablePackages scans *.pth files under sitePackages for lines that
// resolve to a path outside sourcePrefix — the editable-install marker
// conda-pack's check_no_editable_packages rejects by default. It
// returns the offending .pth file's relative path for each hit, not
// the (possibly many) lines inside it.
func EditablePackages(sourcePrefix, sitePackages string) ([]string, error) {
	dir := filepath.Join(sourcePrefix, sitePackages)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read site-packages %s: %w", dir, err)
	}

	var offenders []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pth") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		editable, err := pthHasEditableLine(path, sourcePrefix)
		if err != nil {
			return nil, err
		}
		if editable {
			offenders = append(offenders, filepath.Join(sitePackages, entry.Name()))
		}
	}
	sort.Strings(offenders)
	return offenders, nil
}

func pthHasEditableLine(path, sourcePrefix string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	dirname := filepath.Dir(path)
	norm := prefix.Normalize(sourcePrefix)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import ") {
			continue
		}
		// Every other line is a path relative to the .pth file's own
		// directory (core.py: os.path.normpath(os.path.join(dirname,
		// line))). Unlike Python's os.path.join, filepath.Join doesn't
		// discard dirname when line is itself absolute, so that case is
		// resolved separately.
		joined := line
		if !filepath.IsAbs(line) {
			joined = filepath.Join(dirname, line)
		}
		location := prefix.Normalize(joined)
		if !strings.HasPrefix(location, norm) {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("scan %s: %w", path, err)
	}
	return false, nil
}
