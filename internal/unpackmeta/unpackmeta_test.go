package unpackmeta_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/unpackmeta"
)

func TestNewManifestIsEmpty(t *testing.T) {
	m := unpackmeta.New("/opt/env_build", "/srv/app")
	assert.True(t, m.Empty())
}

func TestAddBinaryAndDeferredText(t *testing.T) {
	m := unpackmeta.New("/opt/env_build", "/srv/app")
	m.AddBinary("lib/libfoo.so")
	m.AddDeferredText("bin/weird-script")

	assert.False(t, m.Empty())
	require.Len(t, m.Files, 2)
	assert.Equal(t, unpackmeta.FileEntry{Path: "lib/libfoo.so", Mode: unpackmeta.ModeBinary}, m.Files[0])
	assert.Equal(t, unpackmeta.FileEntry{Path: "bin/weird-script", Mode: unpackmeta.ModeText}, m.Files[1])
}

func TestMarshalMatchesSpecShape(t *testing.T) {
	m := unpackmeta.New("/opt/env_build", "/srv/app")
	m.AddBinary("lib/libfoo.so")

	data, err := m.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "/opt/env_build", raw["prefix_placeholder"])
	assert.Equal(t, "/srv/app", raw["destination_prefix"])
	files, ok := raw["files"].([]any)
	require.True(t, ok)
	require.Len(t, files, 1)
	entry := files[0].(map[string]any)
	assert.Equal(t, "lib/libfoo.so", entry["path"])
	assert.Equal(t, "binary", entry["mode"])
}

func TestUnmarshalRoundTrips(t *testing.T) {
	m := unpackmeta.New("/opt/env_build", "/srv/app")
	m.AddBinary("lib/libfoo.so")
	m.AddDeferredText("bin/weird-script")

	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := unpackmeta.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m.PrefixPlaceholder, parsed.PrefixPlaceholder)
	assert.Equal(t, m.DestinationPrefix, parsed.DestinationPrefix)
	assert.Equal(t, m.Files, parsed.Files)
}

func TestUnmarshalRejectsInvalidJSON(t *testing.T) {
	_, err := unpackmeta.Unmarshal([]byte("not json"))
	assert.Error(t, err)
}
