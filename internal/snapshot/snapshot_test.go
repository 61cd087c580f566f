package snapshot

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	apperrors "peersync/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Items map[string][]string `json:"items"`
}

func TestWriteJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.json")
	in := doc{Items: map[string][]string{"d1": {"a", "b"}}}

	require.NoError(t, WriteJSON(path, in))

	var out doc
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	_, err := os.Stat(TempPath(path))
	assert.True(t, os.IsNotExist(err), "temp file must not survive a successful write")
}

func TestWriteJSON_OverwritesPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")

	require.NoError(t, WriteJSON(path, doc{Items: map[string][]string{"old": {"1"}}}))
	require.NoError(t, WriteJSON(path, doc{Items: map[string][]string{"new": {"2"}}}))

	var out doc
	require.NoError(t, ReadJSON(path, &out))
	assert.Contains(t, out.Items, "new")
	assert.NotContains(t, out.Items, "old")
}

func TestWriteFile_RenameFailureKeepsPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.json")
	previous := doc{Items: map[string][]string{"d1": {"kept"}}}
	require.NoError(t, WriteJSON(path, previous))

	rename = func(string, string) error { return errors.New("interrupted") }
	defer func() { rename = os.Rename }()

	err := WriteJSON(path, doc{Items: map[string][]string{"d1": {"lost"}}})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePersistence, apperrors.GetCode(err))

	_, statErr := os.Stat(TempPath(path))
	assert.True(t, os.IsNotExist(statErr), "temp file must be removed after a failed write")

	var out doc
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, previous, out)
}

func TestWriteFile_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "queues.json")

	err := WriteFile(path, []byte("{}"), 0600)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodePersistence, apperrors.GetCode(err))
}

func TestReadJSON_NotFound(t *testing.T) {
	var out doc
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadJSON_Corrupt(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{{{"},
		{name: "truncated", content: `{"version":1,"checksum":"ab","data":{"it`},
		{name: "wrong version", content: `{"version":99,"checksum":"","data":{}}`},
		{name: "checksum mismatch", content: `{"version":1,"checksum":"deadbeef","data":{"items":{}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			var out doc
			assert.ErrorIs(t, ReadJSON(path, &out), ErrCorrupt)
		})
	}
}

func TestReadJSON_TamperedPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, WriteJSON(path, doc{Items: map[string][]string{"d1": {"a"}}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`["a"]`), []byte(`["z"]`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	var out doc
	assert.ErrorIs(t, ReadJSON(path, &out), ErrCorrupt)
}

func TestRemoveStaleTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead_letters.json")

	removed, err := RemoveStaleTemp(path)
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, os.WriteFile(TempPath(path), []byte("partial"), 0600))
	removed, err = RemoveStaleTemp(path)
	require.NoError(t, err)
	assert.True(t, removed)

	_, statErr := os.Stat(TempPath(path))
	assert.True(t, os.IsNotExist(statErr))
}
