package rewrite_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/rewrite"
)

func TestTextReplace(t *testing.T) {
	t.Parallel()

	in := []byte("source /opt/env_build/bin/activate\n")
	out := rewrite.TextReplace(in, "/opt/env_build", "/srv/app")
	assert.Equal(t, "source /srv/app/bin/activate\n", string(out))
	assert.NotContains(t, string(out), "/opt/env_build")
}

func TestStreamTextReplaceAcrossChunkBoundary(t *testing.T) {
	t.Parallel()

	placeholder := "/opt/env_build"
	// Construct input long enough to force multiple 64KiB reads, with
	// a placeholder occurrence straddling the boundary.
	pad := strings.Repeat("x", 64*1024-5)
	in := pad + placeholder + "/tail\n"

	var out bytes.Buffer
	require.NoError(t, rewrite.StreamTextReplace(&out, strings.NewReader(in), placeholder, "/srv/app"))

	got := out.String()
	assert.NotContains(t, got, placeholder)
	assert.Contains(t, got, "/srv/app/tail")
	assert.Equal(t, pad+"/srv/app/tail\n", got)
}

func TestBinaryReplaceShortensWithNulPadding(t *testing.T) {
	t.Parallel()

	placeholder := "/opt/env_build" // 14 bytes
	newPrefix := "/srv/app"         // 8 bytes
	data := []byte("prefix=" + placeholder + "\x00rest")

	out, err := rewrite.BinaryReplace(data, placeholder, newPrefix)
	require.NoError(t, err)

	assert.Equal(t, len(data), len(out))
	assert.NotContains(t, string(out), placeholder)
	assert.Contains(t, string(out), newPrefix+"\x00\x00\x00\x00\x00\x00")
	assert.Contains(t, string(out), "rest")
}

func TestBinaryReplaceRejectsLongerPrefix(t *testing.T) {
	t.Parallel()

	_, err := rewrite.BinaryReplace([]byte("x"), "/opt/env_build", "/a/very/deep/destination/path/here")
	require.Error(t, err)
}

func TestRewriteShebangInsidePrefix(t *testing.T) {
	t.Parallel()

	data := []byte("#!/opt/env_build/bin/python3 -u\nprint('hi')\n")
	out, fixed := rewrite.RewriteShebang(data, "/opt/env_build")
	require.True(t, fixed)
	assert.True(t, bytes.HasPrefix(out, []byte("#!/usr/bin/env python3 -u\n")))
}

func TestRewriteShebangMultipleOccurrencesSkipped(t *testing.T) {
	t.Parallel()

	data := []byte("#!/opt/env_build/bin/python3\n# /opt/env_build again\n")
	_, fixed := rewrite.RewriteShebang(data, "/opt/env_build")
	assert.False(t, fixed)
}

func TestRewriteShebangNotInPrefix(t *testing.T) {
	t.Parallel()

	data := []byte("#!/usr/bin/env bash\necho hi\n")
	out, fixed := rewrite.RewriteShebang(data, "/opt/env_build")
	assert.False(t, fixed)
	assert.Equal(t, data, out)
}

func TestScrubMetadataBlanksInstallFields(t *testing.T) {
	t.Parallel()

	in := []byte(`{
		"name": "numpy",
		"extracted_package_dir": "/opt/env_build/pkgs/numpy-1.26.0",
		"package_tarball_full_path": "/opt/env_build/pkgs/numpy-1.26.0.tar.bz2",
		"link": {"source": "/opt/env_build/pkgs/numpy-1.26.0", "type": 1}
	}`)

	out, err := rewrite.ScrubMetadata(in)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `"extracted_package_dir": ""`)
	assert.Contains(t, s, `"package_tarball_full_path": ""`)
	assert.Contains(t, s, `"source": ""`)
	assert.Contains(t, s, `"name": "numpy"`)
}
