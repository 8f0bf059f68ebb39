package digest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFirst(t *testing.T) {
	text := "some preamble\n```json DIGEST\n{\"agent\":\"RC\",\"task_id\":\"t-1\",\"decisions\":[\"d1\",\"d2\"],\"files\":[{\"path\":\"lib/a.ts\",\"reason\":\"edit\"}]}\n```\ntrailer"

	d, ok := ExtractFirst(text)
	require.True(t, ok)
	assert.Equal(t, "RC", d.Agent)
	assert.Equal(t, "t-1", d.TaskID)
	assert.Equal(t, []string{"d1", "d2"}, d.Decisions)
	require.Len(t, d.Files, 1)
	assert.Equal(t, "lib/a.ts", d.Files[0].Path)
	assert.Equal(t, TypeDecision, d.Type, "type defaults to decision")
	assert.Equal(t, StageImplemented, d.Stage)
	assert.Equal(t, OutcomeNone, d.OutcomeStatus)
	require.NotNil(t, d.Confidence)
	assert.Equal(t, 0.95, *d.Confidence)
}

func TestExtractFirstMalformedJSONIsNoDigest(t *testing.T) {
	text := "```DIGEST\n{not json}\n```"
	_, ok := ExtractFirst(text)
	assert.False(t, ok)
}

func TestExtractFirstNoFence(t *testing.T) {
	_, ok := ExtractFirst("just plain text, no fences here")
	assert.False(t, ok)
}

func TestExtractFirstReturnsFirstMatch(t *testing.T) {
	text := "```DIGEST\n{\"agent\":\"A\",\"task_id\":\"t-1\"}\n```\n" +
		"```DIGEST\n{\"agent\":\"B\",\"task_id\":\"t-2\"}\n```"
	d, ok := ExtractFirst(text)
	require.True(t, ok)
	assert.Equal(t, "A", d.Agent)
}

func TestExtractAllReturnsEveryMatch(t *testing.T) {
	text := "```DIGEST\n{\"agent\":\"A\",\"task_id\":\"t-1\"}\n```\n" +
		"```DIGEST\n{\"agent\":\"B\",\"task_id\":\"t-2\"}\n```"
	all := ExtractAll(text)
	require.Len(t, all, 2)
	assert.Equal(t, "B", all[1].Agent)
}

func TestExtractPreservesUnknownFields(t *testing.T) {
	text := "```DIGEST\n{\"agent\":\"A\",\"task_id\":\"t-1\",\"mystery\":42}\n```"
	d, ok := ExtractFirst(text)
	require.True(t, ok)
	require.Contains(t, d.Extra, "mystery")
}

func TestAcceptable(t *testing.T) {
	cases := []struct {
		name string
		d    Digest
		ok   bool
	}{
		{"missing agent", Digest{TaskID: "t1", Summary: "x"}, false},
		{"unknown agent", Digest{Agent: "UNKNOWN", TaskID: "t1", Summary: "x"}, false},
		{"untagged task", Digest{Agent: "A", TaskID: "untagged", Summary: "x"}, false},
		{"empty task", Digest{Agent: "A", TaskID: "", Summary: "x"}, false},
		{"summary only", Digest{Agent: "A", TaskID: "t1", Summary: "hi"}, true},
		{"problem+solution", Digest{Agent: "A", TaskID: "t1", Problem: "p", Solution: "s"}, true},
		{"problem only", Digest{Agent: "A", TaskID: "t1", Problem: "p"}, false},
		{"decisions only", Digest{Agent: "A", TaskID: "t1", Decisions: []string{"d"}}, true},
		{"nothing", Digest{Agent: "A", TaskID: "t1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, _ := tc.d.Acceptable()
			assert.Equal(t, tc.ok, ok)
		})
	}
}

func TestToIngestionTextMinLength(t *testing.T) {
	d := Digest{Agent: "A", TaskID: "t1"}
	_, err := d.ToIngestionText()
	assert.ErrorIs(t, err, ErrInsufficientLength)
}

func TestToIngestionTextFullTemplate(t *testing.T) {
	d := Digest{
		Agent:     "RC",
		TaskID:    "t-1",
		Summary:   "Refactored the config loader to support layered overrides.",
		Problem:   "Config loader didn't support env overrides.",
		RootCause: "Hardcoded defaults with no override path.",
		Solution:  "Added env-then-file-then-default resolution.",
		Outcome:   "Config now layers correctly in staging.",
		Files: []File{
			{Path: "internal/paths/paths.go", Reason: "added overrides"},
			{Path: "internal/paths/paths_test.go", Reason: "tests"},
			{Path: "cmd/hook-stop/main.go", Reason: "wiring"},
			{Path: "cmd/daemon/main.go", Reason: "wiring"},
		},
		Contracts: []string{"Layout", "Resolve"},
		Next:      []string{"document env vars", "add yaml overrides"},
	}
	text, err := d.ToIngestionText()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(text), MinIngestionLength)
	assert.Contains(t, text, "Session Summary: RC agent completed task 't-1'")
	assert.Contains(t, text, "Problem: Config loader didn't support env overrides.")
	assert.Contains(t, text, "Root Cause:")
	assert.Contains(t, text, "Solution:")
	assert.Contains(t, text, "Project Context: paths.go, paths_test.go, main.go (and 1 more files)")
	assert.Contains(t, text, "API Contracts Affected: Layout, Resolve")
	assert.Contains(t, text, "Recommended Next Steps: document env vars, add yaml overrides")
}

func TestToIngestionTextFallsBackToDecisionsAndEvidence(t *testing.T) {
	d := Digest{
		Agent:     "RC",
		TaskID:    "t-1",
		Decisions: []string{"decided to use cobra for CLI flags", "decided to keep env var overrides"},
		Evidence:  map[string]string{"duration_ms": "120", "files_touched": "4"},
	}
	text, err := d.ToIngestionText()
	require.NoError(t, err)
	assert.Contains(t, text, "1. decided to use cobra for CLI flags")
	assert.Contains(t, text, "Outcome: duration_ms=120, files_touched=4")
}

func TestToJournalEntry(t *testing.T) {
	d := Digest{
		Agent:     "RC",
		TaskID:    "t-1",
		Decisions: []string{"d1", "d2"},
		Files:     []File{{Path: "lib/a.ts", Reason: "edit"}},
	}
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	entry := d.ToJournalEntry(ts)
	assert.Contains(t, entry, "## [2026-03-01 10:30:00 UTC] Subagent Digest — RC — task:t-1")
	assert.Contains(t, entry, "**Decisions**\n- d1\n- d2\n")
	assert.Contains(t, entry, "**Files**\n- lib/a.ts — edit\n")
	assert.Contains(t, entry, "**Contracts Affected**\n- n/a\n")
	assert.Contains(t, entry, "**Evidence**\n- n/a\n")
}

func TestParseHeaderRoundTrip(t *testing.T) {
	d := Digest{Agent: "RC", TaskID: "t-1"}
	ts := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	entry := d.ToJournalEntry(ts)

	lines := splitFirstLine(entry)
	m, ok := ParseHeader(lines)
	require.True(t, ok)
	assert.Equal(t, "RC", m.Agent)
	assert.Equal(t, "t-1", m.TaskID)
}

func splitFirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
