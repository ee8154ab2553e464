package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteJSON(path, payload{Name: "Ada", Count: 3}))

	var got payload
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, payload{Name: "Ada", Count: 3}, got)
}

func TestReadJSONMissingFile(t *testing.T) {
	var got payload
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &got)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRemoveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSON(path, payload{}))

	require.NoError(t, RemoveFile(path))
	assert.False(t, IsRegularFile(path))

	// Removing a missing file is not an error.
	require.NoError(t, RemoveFile(path))
}
