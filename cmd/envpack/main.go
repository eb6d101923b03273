package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relocatable/envpack/internal/condaenv"
	"github.com/relocatable/envpack/internal/config"
	"github.com/relocatable/envpack/internal/packer"
	"github.com/relocatable/envpack/internal/progress"
	"github.com/relocatable/envpack/internal/stats"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo,revive // cyclomatic,cognitive-complexity: main CLI entry point orchestrates all flag parsing
func run() int {
	var (
		cfg         config.Config
		quiet       bool
		logJSON     bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "envpack",
		Short:         "Pack an installed package-manager environment into a relocatable archive",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "envpack %s\n", version)
				return nil
			}

			logLevel := slog.LevelInfo
			if quiet {
				logLevel = slog.LevelWarn
			}
			var handler slog.Handler
			if logJSON {
				handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
			} else {
				handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
			}
			logger := slog.New(handler)
			slog.SetDefault(logger)

			fileDefaults, err := config.Load()
			if err != nil {
				logger.Warn("failed to load config file", "error", err)
			}
			config.ApplyDefaults(&cfg, fileDefaults, cmd.Flags().Changed)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			oracle := condaenv.NewOracle()
			siteLookup := condaenv.SitePackages(resolvedPrefixForSiteLookup(cfg, oracle))

			coll := stats.NewCollector()
			var reporter progress.Reporter = progress.Discard{}
			if !quiet {
				reporter = progress.NewPlain(os.Stdout, os.Stderr, coll, 5*time.Second)
			}

			pk := packer.New(cfg, oracle, siteLookup)
			pk.Stats = coll
			pk.Progress = reporter

			logger.Debug("starting pack",
				"prefix", cfg.Prefix, "name", cfg.Name, "output", cfg.Output, "format", string(cfg.Format))

			if err := pk.Run(ctx); err != nil {
				logger.Error("pack failed", "error", err)
				return err
			}
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Prefix, "prefix", "", "absolute path to the environment to pack")
	flags.StringVar(&cfg.Name, "name", "", "environment name, resolved via the package-manager oracle (mutually exclusive with --prefix)")
	flags.StringVarP(&cfg.Output, "output", "o", "", "output archive path (required)")
	flags.StringVar((*string)(&cfg.Format), "format", string(config.FormatInfer), "archive format: infer, zip, tar, tar.gz, tar.bz2, tar.xz, tar.zst, squashfs, parcel, no-archive")
	flags.IntVar(&cfg.CompressLevel, "compress-level", 4, "compression level, 0-9 (format-specific interpretation)")
	flags.IntVar(&cfg.NThreads, "threads", 1, "worker count: -1 for all cores, 0 or 1 for serial")
	flags.StringVar(&cfg.ArcRoot, "arcroot", "", "directory prefix for every archive member path")
	flags.StringVar(&cfg.DestPrefix, "dest-prefix", "", "fixed destination prefix baked into the archive (default: deferred to the on-target runner)")
	flags.BoolVar(&cfg.IgnoreEditablePackages, "ignore-editable-packages", false, "allow packing an environment with editable (develop-mode) packages installed")
	flags.BoolVar(&cfg.IgnoreMissingFiles, "ignore-missing-files", false, "warn instead of failing when a managed file or package cache entry is absent")
	flags.BoolVar(&cfg.IgnoreLongPaths, "ignore-long-paths", false, "warn instead of failing when a path exceeds the target format's length limit")
	flags.BoolVar(&cfg.Unmanaged, "unmanaged", false, "also include unmanaged files under package-manager bookkeeping directories (conda-meta, pkgs, .cache); unmanaged files elsewhere are always included")
	flags.BoolVarP(&cfg.Force, "force", "f", false, "overwrite an existing output path")
	flags.StringVar(&cfg.ParcelName, "parcel-name", "", "parcel component name (format=parcel only)")
	flags.StringVar(&cfg.ParcelVersion, "parcel-version", "", "parcel component version (format=parcel only)")
	flags.StringVar(&cfg.ParcelDistribution, "parcel-distribution", "", "parcel distribution tag, e.g. el7 (format=parcel only)")
	flags.StringVar(&cfg.ParcelRoot, "parcel-root", "/opt/cloudera/parcels", "parcel install root (format=parcel only)")
	flags.StringVar(&cfg.RunnerBinaryPath, "runner-binary", "", "path to a pre-built envpack-unpack binary to bundle at bin/envpack-unpack")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress progress output, only log warnings and errors")
	flags.BoolVar(&logJSON, "log-json", false, "emit structured JSON logs instead of text")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// resolvedPrefixForSiteLookup mirrors packer.Packer.resolvePrefix just
// enough to hand condaenv.SitePackages a usable prefix before Run
// resolves it properly; an unresolvable name here simply yields no
// site-packages remap, which Run's own resolution will catch as a
// hard error before the walk begins.
func resolvedPrefixForSiteLookup(cfg config.Config, resolver interface {
	ResolveName(name string) (string, error)
}) string {
	if cfg.Prefix != "" {
		return cfg.Prefix
	}
	resolved, err := resolver.ResolveName(cfg.Name)
	if err != nil {
		return ""
	}
	return resolved
}
