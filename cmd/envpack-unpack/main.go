// Command envpack-unpack is the companion on-target runner bundled
// into every archive at bin/envpack-unpack (spec.md §10). It finishes
// what pack time deferred: length-preserving binary prefix rewrites,
// and the second text-rewrite pass for files that were only rewritten
// to the sentinel placeholder because no fixed destination prefix was
// known at pack time. Grounded on
// original_source/conda_pack/core.py's _conda_unpack_template (the
// new_prefix derivation from the runner's own install location) and
// cmd/beam/main.go for the flag/exit-code conventions.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relocatable/envpack/internal/prefix"
	"github.com/relocatable/envpack/internal/rewrite"
	"github.com/relocatable/envpack/internal/unpackmeta"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:           "envpack-unpack",
		Short:         "Finish unpacking a relocated environment by cleaning up deferred prefix references",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "envpack-unpack %s\n", version)
				return nil
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return unpack(logger)
		},
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// unpack locates the extracted tree from its own binary path, reads
// the deferred-rewrite manifest, and applies every outstanding
// rewrite in place.
func unpack(logger *slog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	// bin/envpack-unpack -> new_prefix is two directories up, mirroring
	// _conda_unpack_template's script_dir/new_prefix derivation.
	scriptDir := filepath.Dir(exe)
	newPrefix := filepath.Dir(scriptDir)

	return unpackAt(newPrefix, logger)
}

// unpackAt applies every deferred rewrite the manifest under newPrefix
// lists, against the extracted tree rooted at newPrefix. Split from
// unpack so tests can exercise it without needing a real installed
// binary location.
func unpackAt(newPrefix string, logger *slog.Logger) error {
	manifestPath := filepath.Join(newPrefix, unpackmeta.ManifestPath)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", manifestPath, err)
	}
	manifest, err := unpackmeta.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", manifestPath, err)
	}

	if manifest.Empty() {
		logger.Info("nothing to unpack", "prefix", newPrefix)
		return nil
	}

	// A fixed destination prefix baked in at pack time takes priority
	// over this install's actual location: the archive's text files
	// already carry that literal value, so binary rewrites must target
	// the same value for the tree to remain internally consistent.
	effectiveDest := newPrefix
	if manifest.DestinationPrefix != prefix.Placeholder {
		effectiveDest = manifest.DestinationPrefix
	}

	logger.Info("unpacking environment", "prefix", newPrefix, "files", len(manifest.Files))

	for _, entry := range manifest.Files {
		target := filepath.Join(newPrefix, entry.Path)
		if err := rewriteFile(target, entry, manifest, effectiveDest); err != nil {
			return fmt.Errorf("rewrite %s: %w", entry.Path, err)
		}
	}
	return nil
}

func rewriteFile(target string, entry unpackmeta.FileEntry, manifest *unpackmeta.Manifest, effectiveDest string) error {
	info, err := os.Stat(target)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return err
	}

	var out []byte
	switch entry.Mode {
	case unpackmeta.ModeBinary:
		out, err = rewrite.BinaryReplace(data, manifest.PrefixPlaceholder, effectiveDest)
		if err != nil {
			return err
		}
	case unpackmeta.ModeText:
		out = rewrite.TextReplace(data, prefix.Placeholder, effectiveDest)
	default:
		return fmt.Errorf("unknown deferred-rewrite mode %q", entry.Mode)
	}

	return os.WriteFile(target, out, info.Mode().Perm())
}
