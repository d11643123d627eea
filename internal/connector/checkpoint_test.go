package connector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointMissingFileIsFreshStart(t *testing.T) {
	cp := NewCheckpointer(filepath.Join(t.TempDir(), "checkpoint.json"))
	loaded, err := cp.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.Cursor)
	assert.True(t, loaded.UpdatedAt.IsZero())
}

func TestCheckpointAdvanceAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp := NewCheckpointer(path)

	require.NoError(t, cp.Advance("evt-100"))
	require.NoError(t, cp.Advance("evt-200"))
	assert.Equal(t, "evt-200", cp.Current().Cursor)

	// A fresh process sees the last durable cursor.
	reloaded, err := NewCheckpointer(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "evt-200", reloaded.Cursor)
	assert.False(t, reloaded.UpdatedAt.IsZero())
}

func TestCheckpointLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	cp := NewCheckpointer(filepath.Join(dir, "checkpoint.json"))
	require.NoError(t, cp.Advance("evt-1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoint.json", entries[0].Name())
}

func TestCheckpointCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))

	_, err := NewCheckpointer(path).Load()
	assert.Error(t, err)
}
