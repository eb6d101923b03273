// Package prefix implements the path and install-prefix primitives that
// every other envpack component builds on: normalizing the environment
// root, and detecting where a file's bytes contain a textual or
// null-terminated binary occurrence of it.
package prefix

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Placeholder is the default destination prefix baked into archives
// that don't specify one, long enough to cover common deploy targets
// without the binary-rewrite length check (CheckDestinationLength, below) ever
// tripping on it. Deliberately split across concatenations, mirroring
// conda-pack's PREFIX_PLACEHOLDER, so the literal doesn't show up
// unintentionally in this file's own bytes.
const Placeholder = "/opt/envpack1envpack2" + "envpack3"

// Normalize cleans path into an absolute, slash-separated form with no
// trailing separator (except for "/" itself).
func Normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(filepath.Clean(abs))
	if len(abs) > 1 {
		abs = strings.TrimRight(abs, "/")
	}
	return abs
}

// Kind is the prefix-rewrite strategy for a single file.
type Kind int

const (
	None Kind = iota
	Text
	Binary
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return "none"
	}
}

// ParseKind parses "text"/"binary" into a Kind, defaulting to None for
// anything else.
func ParseKind(s string) Kind {
	switch s {
	case "text":
		return Text
	case "binary":
		return Binary
	default:
		return None
	}
}

// ContainsLiteral reports whether data contains placeholder as a
// contiguous byte substring — the textual-hit test used by both the
// unmanaged-file sniffer and property P2's verification.
func ContainsLiteral(data []byte, placeholder string) bool {
	return bytes.Contains(data, []byte(placeholder))
}

// LooksBinary classifies data the way conda-pack's is_binary_file does:
// valid UTF-8 is assumed text, anything else is binary.
func LooksBinary(data []byte) bool {
	return !utf8.Valid(data)
}

// SniffKind classifies unmanaged file content per SPEC_FULL.md §5.1:
// attempt UTF-8 decode, text on success, binary on failure.
func SniffKind(data []byte) Kind {
	if LooksBinary(data) {
		return Binary
	}
	return Text
}

// Window is the minimum sliding-buffer overlap required to catch a
// placeholder match straddling two read chunks, per spec invariant I2.
func Window(placeholder string) int {
	n := len(placeholder) - 1
	if n < 0 {
		return 0
	}
	return n
}

// CheckDestinationLength validates spec §4.3's policy check: the
// destination prefix must not be longer than any binary placeholder it
// will replace (a binary rewrite is length-preserving and pads with
// NUL, so it can only shrink, never grow).
func CheckDestinationLength(destPrefix string, binaryPlaceholders []string) (ok bool, offendingPlaceholder string) {
	for _, ph := range binaryPlaceholders {
		if len(destPrefix) > len(ph) {
			return false, ph
		}
	}
	return true, ""
}
