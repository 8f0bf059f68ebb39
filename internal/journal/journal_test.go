package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionpipe/internal/digest"
)

func TestAppendAndCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NOTES.md")

	d := &digest.Digest{Agent: "RC", TaskID: "t-1", Summary: "did a thing"}
	require.NoError(t, Append(path, d, time.Now()))

	n, err := CountEntries(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Subagent Digest — RC — task:t-1")
}

func TestRotateNoopUnderCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NOTES.md")
	archiveDir := filepath.Join(dir, "notes-archive")

	for i := 0; i < MaxEntries; i++ {
		d := &digest.Digest{Agent: "RC", TaskID: "t", Summary: "x"}
		require.NoError(t, Append(path, d, time.Now()))
	}

	require.NoError(t, Rotate(path, archiveDir, time.Now()))
	n, err := CountEntries(path)
	require.NoError(t, err)
	assert.Equal(t, MaxEntries, n, "rotation at exactly the cap is a no-op")

	entries, err := os.ReadDir(archiveDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestRotateArchivesOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NOTES.md")
	archiveDir := filepath.Join(dir, "notes-archive")

	total := MaxEntries + 5
	for i := 0; i < total; i++ {
		d := &digest.Digest{Agent: "RC", TaskID: "t", Summary: "x"}
		require.NoError(t, Append(path, d, time.Now()))
	}

	require.NoError(t, Rotate(path, archiveDir, time.Now()))

	n, err := CountEntries(path)
	require.NoError(t, err)
	assert.Equal(t, MaxEntries, n)

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTailAndLastEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NOTES.md")

	require.NoError(t, Append(path, &digest.Digest{Agent: "DME", TaskID: "t-1", Summary: "schema change"}, time.Now()))
	require.NoError(t, Append(path, &digest.Digest{Agent: "RC", TaskID: "t-2", Summary: "other work"}, time.Now()))

	tail, err := Tail(path, 500)
	require.NoError(t, err)
	assert.Contains(t, tail, "DME", "tail scrape should be able to find the agent tag")

	last, err := LastEntries(path, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Contains(t, last[0], "task:t-2")
}

func TestEnsurePlaceholder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "NOTES.md")

	require.NoError(t, EnsurePlaceholder(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	// Second call must not clobber existing content.
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o644))
	require.NoError(t, EnsurePlaceholder(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}
