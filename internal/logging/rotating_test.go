package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenRotating(filepath.Join(dir, "gateway.log"), 1<<20, 0)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "gateway-"+today+".log"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRotatingWriterSizeRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenRotating(filepath.Join(dir, "gateway.log"), 10, 0)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		_, err = w.Write([]byte("0123456789"))
		require.NoError(t, err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "gateway-*.log"))
	require.NoError(t, err)
	assert.Greater(t, len(matches), 1, "size threshold must start new files")
}

func TestRotatingWriterDiscard(t *testing.T) {
	w, err := OpenRotating("-", 0, 0)
	require.NoError(t, err)
	n, err := w.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, w.Close())
}

func TestSetupLoggerPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "gateway.log"), 1<<20, 0)
	require.NoError(t, err)
	defer s.Close()

	s.Logger("pipeline").Printf("request served")

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "gateway-"+today+".log"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[pipeline] "))
	assert.Contains(t, string(data), "request served")
}
