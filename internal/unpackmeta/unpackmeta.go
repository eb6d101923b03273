// Package unpackmeta emits and reads the deferred-rewrite manifest
// (spec.md §4.4): the JSON document every sink writes at a fixed
// archive path, alongside the companion runner, enumerating every
// binary rewrite and every text file that pack time rewrote to the
// sentinel placeholder rather than a real destination. Grounded on original_source/conda_pack/core.py's
// _conda_unpack_template (the reader side, reimplemented in
// cmd/envpack-unpack) and formats.py's manifest-writing call in
// Packer.finish.
package unpackmeta

import (
	"encoding/json"
	"fmt"
)

// ManifestPath is the fixed archive path every sink writes the
// deferred-rewrite manifest to, per spec.md §4.4.
const ManifestPath = "conda-meta/conda-pack.json"

// RunnerPath is the fixed archive path the companion runner binary is
// installed at, so it is directly executable after extraction.
const RunnerPath = "bin/envpack-unpack"

// Mode is the kind of deferred rewrite a manifest entry records.
type Mode string

const (
	ModeText   Mode = "text"
	ModeBinary Mode = "binary"
)

// FileEntry is one member of the manifest's "files" array.
type FileEntry struct {
	Path string `json:"path"`
	Mode Mode   `json:"mode"`
}

// Manifest is the deferred-rewrite manifest document, matching
// spec.md §4.4's JSON shape field-for-field.
type Manifest struct {
	PrefixPlaceholder string      `json:"prefix_placeholder"`
	DestinationPrefix string      `json:"destination_prefix"`
	Files             []FileEntry `json:"files"`
}

// New creates an empty manifest for one pack run. placeholder is the
// source install prefix as it appears in every rewritten file;
// destinationPrefix is the new prefix requested at pack time (or, for
// a relocatable archive with no fixed destination, the placeholder
// itself — the runner resolves the real value at unpack time).
func New(placeholder, destinationPrefix string) *Manifest {
	return &Manifest{PrefixPlaceholder: placeholder, DestinationPrefix: destinationPrefix}
}

// AddBinary records a deferred binary rewrite (I6): the file shipped
// unchanged, to be length-preserving-rewritten by the runner.
func (m *Manifest) AddBinary(relPath string) {
	m.Files = append(m.Files, FileEntry{Path: relPath, Mode: ModeBinary})
}

// AddDeferredText records a text file rewritten at pack time to the
// sentinel placeholder rather than a real destination (no fixed
// dest_prefix was requested): the runner re-applies text-replace to
// these, swapping the sentinel for the real install location, once
// that location is known (I6).
func (m *Manifest) AddDeferredText(relPath string) {
	m.Files = append(m.Files, FileEntry{Path: relPath, Mode: ModeText})
}

// Empty reports whether the manifest has no deferred entries at all.
// A sink may still choose to write it (the companion runner expects
// it to exist at ManifestPath), but an empty manifest means the
// runner has nothing to do beyond verifying there is nothing to do.
func (m *Manifest) Empty() bool {
	return len(m.Files) == 0
}

// Marshal renders the manifest as indented JSON, matching the
// human-readable formatting conda-pack's own json.dumps(indent=2)
// produces for this file.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal deferred-rewrite manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// Unmarshal parses a deferred-rewrite manifest, the read side the
// runner uses.
func Unmarshal(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse deferred-rewrite manifest: %w", err)
	}
	return &m, nil
}
