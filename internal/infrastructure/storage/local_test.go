package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_SaveThenGet(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStorage(dir, "http://localhost:8080/blobs")

	err := s.Save(context.Background(), "essay/file.txt", []byte("hello"), "text/plain")
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "essay/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLocalStorage_Save_CreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStorage(dir, "http://localhost:8080/blobs")

	require.NoError(t, s.Save(context.Background(), "a/b/c/file.bin", []byte("data"), "application/octet-stream"))

	_, err := os.Stat(filepath.Join(dir, "a", "b", "c", "file.bin"))
	require.NoError(t, err)
}

func TestLocalStorage_URL_PrefixesBaseURL(t *testing.T) {
	s := NewLocalStorage(t.TempDir(), "http://localhost:8080/blobs")

	url, err := s.URL(context.Background(), "essay/file.txt")

	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blobs/essay/file.txt", url)
}

func TestLocalStorage_Get_MissingFile(t *testing.T) {
	s := NewLocalStorage(t.TempDir(), "http://localhost:8080/blobs")

	_, err := s.Get(context.Background(), "nope/missing.txt")

	assert.Error(t, err)
}
