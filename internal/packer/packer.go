// Package packer is the top-level orchestrator tying inventory,
// classification, rewriting, the pipeline, and an archive sink
// together into one pack run, grounded on
// original_source/conda_pack/core.py's CondaEnv.pack/Packer.add/
// Packer.finish and the teacher's cmd/beam/main.go for the
// config-validate-before-work ordering.
package packer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/relocatable/envpack/internal/archive"
	"github.com/relocatable/envpack/internal/classify"
	"github.com/relocatable/envpack/internal/config"
	"github.com/relocatable/envpack/internal/errs"
	"github.com/relocatable/envpack/internal/inventory"
	"github.com/relocatable/envpack/internal/pipeline"
	"github.com/relocatable/envpack/internal/prefix"
	"github.com/relocatable/envpack/internal/progress"
	"github.com/relocatable/envpack/internal/rewrite"
	"github.com/relocatable/envpack/internal/stats"
	"github.com/relocatable/envpack/internal/unpackmeta"
)

// Packer drives one pack run end to end.
type Packer struct {
	Config     config.Config
	Oracle     inventory.Oracle
	SiteLookup inventory.SitePackagesFunc
	Stats      *stats.Collector
	Progress   progress.Reporter
	Now        func() time.Time

	mu       sync.Mutex
	manifest *unpackmeta.Manifest
}

// New creates a Packer with sensible defaults for Stats/Progress/Now
// when the caller doesn't need to observe or override them.
func New(cfg config.Config, oracle inventory.Oracle, siteLookup inventory.SitePackagesFunc) *Packer {
	return &Packer{
		Config:     cfg,
		Oracle:     oracle,
		SiteLookup: siteLookup,
		Stats:      stats.NewCollector(),
		Progress:   progress.Discard{},
		Now:        time.Now,
	}
}

// Run executes the full pack pipeline: validate config, resolve the
// environment, build the inventory, walk and classify, rewrite and
// write every file through the pipeline, then append the conda-meta
// passthrough and deferred-rewrite manifest before finalizing the
// sink.
func (pk *Packer) Run(ctx context.Context) error {
	if err := pk.Config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sourcePrefix, err := pk.resolvePrefix()
	if err != nil {
		return err
	}

	inv, uncached, err := inventory.Build(sourcePrefix, pk.Oracle, pk.SiteLookup, pk.Config.IgnoreMissingFiles)
	if err != nil {
		return err
	}
	for range uncached {
		pk.Stats.RecordWarning()
	}

	if !pk.Config.IgnoreEditablePackages && pk.SiteLookup != nil {
		if site := pk.SiteLookup(); site != "" {
			offenders, err := classify.EditablePackages(sourcePrefix, site)
			if err != nil {
				return err
			}
			if len(offenders) > 0 {
				return errs.New(errs.EditablePackageFound, strings.Join(offenders, ", "))
			}
		}
	}

	destPrefix := pk.effectiveDestPrefix()
	if ok, offending := prefix.CheckDestinationLength(destPrefix, binaryPlaceholders(inv)); !ok {
		return errs.New(errs.DestinationTooLong, offending)
	}

	sink, err := pk.openSink()
	if err != nil {
		return err
	}

	now := pk.Now()
	pk.manifest = unpackmeta.New(sourcePrefix, destPrefix)

	policy := classify.Policy{
		IncludeUnmanaged:   pk.Config.Unmanaged,
		IgnoreMissingFiles: pk.Config.IgnoreMissingFiles,
		IgnoreLongPaths:    pk.Config.IgnoreLongPaths,
		MaxPathLen:         classify.DefaultMaxPathLen,
		EditableAllowed:    pk.Config.IgnoreEditablePackages,
	}

	runCtx, cancel := context.WithCancel(ctx)
	records, walkErrc := classify.Walk(runCtx, sourcePrefix, inv, policy)

	pipelineCfg := pipeline.Config{
		NumWorkers: pk.Config.NThreadsResolved(),
		Sink:       sink,
		Transform:  pk.transform(sourcePrefix, destPrefix, now),
		Stats:      pk.Stats,
		Progress:   pk.Progress,
	}

	runErr := pipeline.Run(runCtx, records, pipelineCfg)
	cancel() // release the walker if it's still blocked sending on runCtx
	if walkErr := <-walkErrc; walkErr != nil && runErr == nil {
		runErr = walkErr
	}
	if runErr != nil {
		_ = sink.Abort()
		return runErr
	}

	if err := pk.injectCondaMeta(sourcePrefix, sink, inv.Packages, now); err != nil {
		_ = sink.Abort()
		return fmt.Errorf("inject conda-meta: %w", err)
	}
	if err := pk.injectUnpackMeta(sink, now); err != nil {
		_ = sink.Abort()
		return fmt.Errorf("inject deferred-rewrite manifest: %w", err)
	}
	if parcelSink, ok := sink.(*archive.ParcelSink); ok {
		if err := parcelSink.InjectMetadata(parcelPackageEntries(inv.Packages), now); err != nil {
			_ = sink.Abort()
			return fmt.Errorf("inject parcel metadata: %w", err)
		}
	}

	if err := sink.Finalize(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}

// resolvePrefix turns Config.Prefix or Config.Name into the absolute
// source prefix. Name-based resolution is a decision left to the
// oracle per spec.md §6 ("name resolves via the oracle"); an oracle
// that doesn't support it (doesn't implement inventory.NameResolver)
// makes -name unusable, which is reported here rather than deep inside
// inventory.Build.
func (pk *Packer) resolvePrefix() (string, error) {
	if pk.Config.Prefix != "" {
		return prefix.Normalize(pk.Config.Prefix), nil
	}
	resolver, ok := pk.Oracle.(inventory.NameResolver)
	if !ok {
		return "", fmt.Errorf("environment name %q given but the package-manager oracle does not support name resolution", pk.Config.Name)
	}
	resolved, err := resolver.ResolveName(pk.Config.Name)
	if err != nil {
		return "", fmt.Errorf("resolve environment name %q: %w", pk.Config.Name, err)
	}
	return prefix.Normalize(resolved), nil
}

// effectiveDestPrefix returns Config.DestPrefix if set, the parcel
// format's forced destination if the format is parcel (Config.Validate
// already rejects an explicit DestPrefix override for parcel, so the
// two never conflict), or else the relocatable placeholder: an archive
// with no destination is left for the companion runner to finish
// resolving at unpack time.
func (pk *Packer) effectiveDestPrefix() string {
	if pk.Config.Format == config.FormatParcel {
		return pk.parcelInfo().DestPrefix()
	}
	if pk.Config.DestPrefix != "" {
		return pk.Config.DestPrefix
	}
	return prefix.Placeholder
}

func binaryPlaceholders(inv *inventory.Inventory) []string {
	var out []string
	for _, fm := range inv.Files {
		if fm.PrefixKind == prefix.Binary && fm.PrefixPlaceholder != "" {
			out = append(out, fm.PrefixPlaceholder)
		}
	}
	return out
}

// arcPath joins relPath under Config.ArcRoot, the directory prefix
// spec.md §6 says every archive member's path begins with.
func (pk *Packer) arcPath(relPath string) string {
	if pk.Config.ArcRoot == "" {
		return relPath
	}
	return strings.TrimSuffix(pk.Config.ArcRoot, "/") + "/" + relPath
}

func parcelPackageEntries(pkgs []inventory.Package) []archive.ParcelPackageEntry {
	out := make([]archive.ParcelPackageEntry, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, archive.ParcelPackageEntry{Name: p.Name, Version: p.Version, Build: p.Build})
	}
	return out
}

// injectCondaMeta archives every package's conda-meta JSON record
// (scrubbed) plus conda-meta/history, regardless of inclusion policy
// (spec.md §5.2) — these never go through the regular walk, since
// classify.Walk treats conda-meta as a bookkeeping directory dropped
// by default.
func (pk *Packer) injectCondaMeta(sourcePrefix string, sink archive.Sink, pkgs []inventory.Package, mtime time.Time) error {
	for _, pkg := range pkgs {
		name := pkg.String() + ".json"
		raw, err := os.ReadFile(filepath.Join(sourcePrefix, "conda-meta", name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read conda-meta for %s: %w", pkg, err)
		}
		scrubbed, err := rewrite.ScrubMetadata(raw)
		if err != nil {
			return fmt.Errorf("scrub conda-meta for %s: %w", pkg, err)
		}
		if err := sink.AddBytes(pk.arcPath("conda-meta/"+name), 0o644, mtime, scrubbed); err != nil {
			return err
		}
	}

	history, err := os.ReadFile(filepath.Join(sourcePrefix, "conda-meta", "history"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conda-meta/history: %w", err)
	}
	return sink.AddBytes(pk.arcPath("conda-meta/history"), 0o644, mtime, history)
}

// injectUnpackMeta writes the deferred-rewrite manifest and, if a
// pre-built runner binary was supplied, installs it at the fixed
// archive path (spec.md §10 — the sink never compiles the runner, it
// copies a pre-built one, the same way core.py's Packer.finish bundles
// a pre-built cli-32.exe/cli-64.exe resource).
func (pk *Packer) injectUnpackMeta(sink archive.Sink, mtime time.Time) error {
	data, err := pk.manifest.Marshal()
	if err != nil {
		return err
	}
	if err := sink.AddBytes(pk.arcPath(unpackmeta.ManifestPath), 0o644, mtime, data); err != nil {
		return err
	}

	if pk.Config.RunnerBinaryPath == "" {
		return nil
	}
	runnerBytes, err := os.ReadFile(pk.Config.RunnerBinaryPath)
	if err != nil {
		return fmt.Errorf("read runner binary %s: %w", pk.Config.RunnerBinaryPath, err)
	}
	return sink.AddBytes(pk.arcPath(unpackmeta.RunnerPath), 0o755, mtime, runnerBytes)
}

func (pk *Packer) recordBinary(relPath string) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.manifest.AddBinary(relPath)
}

func (pk *Packer) recordDeferredText(relPath string) {
	pk.mu.Lock()
	defer pk.mu.Unlock()
	pk.manifest.AddDeferredText(relPath)
}
