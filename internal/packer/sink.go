package packer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/relocatable/envpack/internal/archive"
	"github.com/relocatable/envpack/internal/config"
)

// openSink resolves the configured (or inferred) format into a
// concrete archive.Sink, per spec.md §4.4 and §6.
func (pk *Packer) openSink() (archive.Sink, error) {
	format := pk.Config.Format
	if format == config.FormatInfer {
		format = inferFormat(pk.Config.Output)
	}

	opts := archive.Options{
		CompressLevel: pk.Config.CompressLevel,
		Force:         pk.Config.Force,
		Repro:         archive.ReproducibilityPolicy{Reproducible: true},
	}

	switch format {
	case config.FormatTar:
		return archive.OpenTar(pk.Config.Output, archive.CompressionNone, opts)
	case config.FormatTarGz:
		return archive.OpenTar(pk.Config.Output, archive.CompressionGzip, opts)
	case config.FormatTarBz2:
		return archive.OpenTar(pk.Config.Output, archive.CompressionBzip2, opts)
	case config.FormatTarXz:
		return archive.OpenTar(pk.Config.Output, archive.CompressionXz, opts)
	case config.FormatTarZst:
		return archive.OpenTar(pk.Config.Output, archive.CompressionZstd, opts)
	case config.FormatZip:
		return archive.OpenZip(pk.Config.Output, opts)
	case config.FormatSquashfs:
		return archive.OpenSquashfs(pk.Config.Output, squashfsCodec(pk.Config.CompressLevel), opts)
	case config.FormatParcel:
		return archive.OpenParcel(pk.Config.Output, pk.parcelInfo(), opts)
	case config.FormatNoArchive:
		return archive.OpenDirectory(pk.Config.Output, opts)
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}

// inferFormat maps an output path's extension to a format, per
// spec.md §6's "extension infers format unless format is set".
func inferFormat(output string) config.Format {
	name := strings.ToLower(filepath.Base(output))
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return config.FormatTarGz
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return config.FormatTarBz2
	case strings.HasSuffix(name, ".tar.xz"):
		return config.FormatTarXz
	case strings.HasSuffix(name, ".tar.zst"):
		return config.FormatTarZst
	case strings.HasSuffix(name, ".tar"):
		return config.FormatTar
	case strings.HasSuffix(name, ".zip"):
		return config.FormatZip
	case strings.HasSuffix(name, ".squashfs") || strings.HasSuffix(name, ".sqfs"):
		return config.FormatSquashfs
	case strings.HasSuffix(name, ".parcel"):
		return config.FormatParcel
	default:
		return config.FormatNoArchive
	}
}

// squashfsCodec maps spec.md §6's abstract 0-9 compress_level onto
// mksquashfs's three supported codecs (spec.md §4.4's open question,
// resolved by internal/archive.SquashfsCodec's explicit enum).
func squashfsCodec(level int) archive.SquashfsCodec {
	switch {
	case level <= 0:
		return archive.SquashfsNone
	case level >= 7:
		return archive.SquashfsXz
	default:
		return archive.SquashfsZstd
	}
}

func (pk *Packer) parcelInfo() archive.ParcelInfo {
	return archive.ParcelInfo{
		Name:         pk.Config.ParcelName,
		Version:      pk.Config.ParcelVersion,
		Distribution: pk.Config.ParcelDistribution,
		Root:         pk.Config.ParcelRoot,
	}
}
