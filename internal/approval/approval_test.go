package approval

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchByBasename(t *testing.T) {
	var s Store
	now := time.Now()
	s.Record([]string{"design-notes.md"}, now)

	assert.True(t, s.Match("/proj/docs/design-notes.md", now))
	assert.Len(t, s.Entries, 0, "match consumes the entry")
}

func TestMatchBySubstringPath(t *testing.T) {
	var s Store
	now := time.Now()
	s.Record([]string{"docs/adr/"}, now)

	assert.True(t, s.Match("/proj/docs/adr/0001-choose-db.md", now))
}

func TestMatchExpired(t *testing.T) {
	var s Store
	old := time.Now().Add(-10 * time.Minute)
	s.Record([]string{"design-notes.md"}, old)

	assert.False(t, s.Match("/proj/design-notes.md", time.Now()))
	assert.Empty(t, s.Entries, "expired entries are pruned")
}

func TestMatchNoMatchLeavesEntryIntact(t *testing.T) {
	var s Store
	now := time.Now()
	s.Record([]string{"design-notes.md"}, now)

	assert.False(t, s.Match("/proj/other.md", now))
	require.Len(t, s.Entries, 1)
}

func TestPermissiveSentinelIsNeverConsumed(t *testing.T) {
	var s Store
	now := time.Now()
	s.Record([]string{PermissiveSentinel}, now)

	assert.True(t, s.Match("/proj/anything.md", now))
	assert.True(t, s.Match("/proj/anything-else.md", now))
	require.Len(t, s.Entries, 1, "sentinel entry survives repeated matches")
}

func TestMatchConsumesOnlyTheMatchedTarget(t *testing.T) {
	var s Store
	now := time.Now()
	s.Record([]string{"a.md", "b.md"}, now)

	assert.True(t, s.Match("/proj/a.md", now))
	require.Len(t, s.Entries, 1)
	assert.Equal(t, []string{"b.md"}, s.Entries[0].Targets)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.json")

	var s Store
	s.Record([]string{"notes.md"}, time.Now())
	require.NoError(t, Save(path, s))

	loaded := Load(path)
	require.Len(t, loaded.Entries, 1)
	assert.Equal(t, []string{"notes.md"}, loaded.Entries[0].Targets)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := Load("/nonexistent/approvals.json")
	assert.Empty(t, s.Entries)
}
