// Package rewrite implements the three families of prefix handling
// spec.md §4.3 and §4 (SPEC_FULL) describe: streaming text
// substitution, deferred binary replacement records, and structured
// conda-meta field scrubbing. Grounded on
// original_source/conda_pack/prefixes.py (text_replace, binary_replace)
// and core.py (rewrite_shebang, rewrite_conda_meta).
package rewrite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"

	"github.com/relocatable/envpack/internal/prefix"
)

// TextReplace substitutes every occurrence of placeholder with
// newPrefix in data, byte-exact (no regex), matching
// prefixes.py:text_replace.
func TextReplace(data []byte, placeholder, newPrefix string) []byte {
	return bytes.ReplaceAll(data, []byte(placeholder), []byte(newPrefix))
}

// StreamTextReplace applies TextReplace across a reader in
// bounded-memory chunks, keeping a trailing overlap of
// prefix.Window(placeholder) bytes between reads so a placeholder
// occurrence straddling a chunk boundary is still caught (I2).
func StreamTextReplace(w io.Writer, r io.Reader, placeholder, newPrefix string) error {
	const chunkSize = 64 * 1024
	overlap := prefix.Window(placeholder)

	buf := make([]byte, 0, chunkSize+overlap)
	read := make([]byte, chunkSize)

	for {
		n, err := r.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
		}
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return fmt.Errorf("read during text rewrite: %w", err)
		}

		flushTo := len(buf)
		if !atEOF && flushTo > overlap {
			flushTo -= overlap
			// Don't split a match: back off to the start of any
			// occurrence that straddles the cut.
			if cut := lastSafeCut(buf, flushTo, placeholder); cut >= 0 {
				flushTo = cut
			}
		}

		out := TextReplace(buf[:flushTo], placeholder, newPrefix)
		if _, err := w.Write(out); err != nil {
			return fmt.Errorf("write during text rewrite: %w", err)
		}
		buf = append(buf[:0], buf[flushTo:]...)

		if atEOF {
			return nil
		}
	}
}

// lastSafeCut returns the start of the placeholder occurrence that
// begins before limit and ends after it, matching left to right as
// TextReplace does, so flushing buf[:idx] can never emit half of a
// match. Returns -1 if no occurrence straddles limit.
func lastSafeCut(buf []byte, limit int, placeholder string) int {
	if len(placeholder) <= 1 {
		return -1
	}
	pat := []byte(placeholder)
	for i := 0; i < limit; {
		j := bytes.Index(buf[i:], pat)
		if j < 0 || i+j >= limit {
			return -1
		}
		start := i + j
		if start+len(pat) > limit {
			return start
		}
		i = start + len(pat)
	}
	return -1
}

// BinaryReplace performs the length-preserving, NUL-padded substring
// replacement described by I2, matching prefixes.py:binary_replace.
// It errors if newPrefix is longer than placeholder (padding would go
// negative) — callers should have already rejected this case via
// prefix.CheckDestinationLength before reaching here.
func BinaryReplace(data []byte, placeholder, newPrefix string) ([]byte, error) {
	if len(newPrefix) > len(placeholder) {
		return nil, fmt.Errorf("negative padding: new prefix %q longer than placeholder %q", newPrefix, placeholder)
	}
	pat := regexp.MustCompile(regexp.QuoteMeta(placeholder) + `([^\x00]*?)\x00`)
	padding := len(placeholder) - len(newPrefix)
	replacement := []byte(newPrefix)

	out := pat.ReplaceAllFunc(data, func(match []byte) []byte {
		rest := match[len(placeholder) : len(match)-1] // the "[^\0]*?" capture, sans the trailing NUL
		buf := make([]byte, 0, len(match)+padding)
		buf = append(buf, replacement...)
		buf = append(buf, bytes.Repeat([]byte{0}, padding)...)
		buf = append(buf, rest...)
		buf = append(buf, 0)
		return buf
	})
	return out, nil
}

// shebangPattern matches a "#!interpreter options" first line, mirroring
// prefixes.py's SHEBANG_REGEX. No multiline flag: like the original's
// re.match, this only ever matches at the very start of data.
var shebangPattern = regexp.MustCompile(`^(#![ ]*(/(?:\\ |[^ \n\r\t])*)(.*))`)

// RewriteShebang rewrites a script's shebang line to
// "#!/usr/bin/env <name>" when it points at an interpreter inside
// sourcePrefix, matching core.py:rewrite_shebang. It only applies when
// there is exactly one occurrence of sourcePrefix in data (more than
// one means the file needs full text rewriting instead, since this
// rewrite alone can't clean it up). The returned bool reports whether
// a rewrite was made.
func RewriteShebang(data []byte, sourcePrefix string) ([]byte, bool) {
	prefixBytes := []byte(sourcePrefix)
	if bytes.Count(data, prefixBytes) > 1 {
		return data, false
	}

	m := shebangPattern.FindSubmatchIndex(data)
	if m == nil {
		return data, false
	}
	shebang := data[m[2]:m[3]]
	executable := data[m[4]:m[5]]
	options := data[m[6]:m[7]]

	if !bytes.HasPrefix(executable, prefixBytes) {
		return data, false
	}

	parts := bytes.Split(executable, []byte("/"))
	name := parts[len(parts)-1]
	newShebang := append([]byte("#!/usr/bin/env "), name...)
	newShebang = append(newShebang, options...)

	return bytes.Replace(data, shebang, newShebang, 1), true
}

// condaMetaScrubFields are the install-time-only absolute paths
// blanked out of a package's conda-meta JSON record before archiving.
var condaMetaScrubFields = []string{"extracted_package_dir", "package_tarball_full_path"}

// ScrubMetadata blanks the install-time-only fields in a conda-meta
// package record, matching core.py:rewrite_conda_meta. It canonicalizes
// key order (sorted) the same way json.dumps(..., sort_keys=True) does,
// so output is reproducible across runs.
func ScrubMetadata(raw []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse conda-meta record: %w", err)
	}

	for _, field := range condaMetaScrubFields {
		if _, ok := doc[field]; ok {
			doc[field] = ""
		}
	}
	if link, ok := doc["link"].(map[string]any); ok {
		if _, ok := link["source"]; ok {
			link["source"] = ""
		}
	}

	return marshalSortedIndent(doc)
}

// marshalSortedIndent renders doc with sorted keys and two-space
// indentation, since encoding/json.Marshal on a map[string]any already
// sorts keys but doesn't indent; we add indentation to match the
// original's json.dumps(indent=True) pretty-printing for readability
// in the archived metadata.
func marshalSortedIndent(doc map[string]any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal conda-meta record: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("indent conda-meta record: %w", err)
	}
	return buf.Bytes(), nil
}
