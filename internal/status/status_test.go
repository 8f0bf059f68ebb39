package status

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionpipe/internal/vectorrpc"
	"sessionpipe/internal/wsi"
)

func TestCompactLineCollapsesWhitespaceAndTruncates(t *testing.T) {
	assert.Equal(t, "a b c", CompactLine("a   b\n c", 85))
	long := CompactLine("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", 10)
	assert.Equal(t, 10, len([]rune(long)))
	assert.Contains(t, long, "…")
}

func TestShouldSkipOnEnvOptOut(t *testing.T) {
	reason, skip := ShouldSkip(Config{DisableUpdate: true, ProjectRoot: t.TempDir()})
	assert.True(t, skip)
	assert.Equal(t, "env:DISABLE_CLAUDE_MD_UPDATE", reason)
}

func TestShouldSkipOnGlobalRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	claudeDir := filepath.Join(home, ".claude")
	require.NoError(t, os.MkdirAll(claudeDir, 0o755))

	reason, skip := ShouldSkip(Config{ProjectRoot: claudeDir})
	assert.True(t, skip)
	assert.Equal(t, "global_root_protected", reason)
}

func TestShouldSkipAllowsGlobalRootWhenExplicit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	claudeDir := filepath.Join(home, ".claude")
	require.NoError(t, os.MkdirAll(claudeDir, 0o755))

	_, skip := ShouldSkip(Config{ProjectRoot: claudeDir, AllowGlobalRoot: true})
	assert.False(t, skip)
}

func TestShouldSkipAllowsOrdinaryProject(t *testing.T) {
	_, skip := ShouldSkip(Config{ProjectRoot: t.TempDir()})
	assert.False(t, skip)
}

const sampleNotes = `## [2026-01-01 00:00:00 UTC] Subagent Digest — Agent A — task:t1

**Decisions**
- Chose approach A

**Files**
- internal/foo.go — added

**Contracts Affected**
- n/a

**Next Steps**
- n/a

**Evidence**
- n/a

## [2026-01-02 00:00:00 UTC] Subagent Digest — Agent B — task:t2

**Decisions**
- Chose approach B

**Files**
- internal/bar.go — modified

**Contracts Affected**
- n/a

**Next Steps**
- n/a

**Evidence**
- n/a

`

func TestExtractFromNotesCollectsDecisionsAndComponents(t *testing.T) {
	fb := ExtractFromNotes(sampleNotes, 3)
	assert.Equal(t, []string{"Chose approach A", "Chose approach B"}, fb.Decisions)
	assert.Equal(t, []string{"foo.go", "bar.go"}, fb.Components)
}

func TestExtractFromNotesEmptyText(t *testing.T) {
	fb := ExtractFromNotes("", 3)
	assert.Empty(t, fb.Decisions)
	assert.Empty(t, fb.Components)
}

func TestHotComponentsNoDominantFocusWhenEvenlySpread(t *testing.T) {
	items := []wsi.Item{
		{Path: "a.go"}, {Path: "b.go"}, {Path: "c.go"},
	}
	hot, focus := HotComponents(items)
	assert.ElementsMatch(t, []string{"a.go", "b.go", "c.go"}, hot)
	assert.Empty(t, focus)
}

func TestHotComponentsDetectsDominantFocus(t *testing.T) {
	var items []wsi.Item
	for i := 0; i < 4; i++ {
		items = append(items, wsi.Item{Path: "hot.go"})
	}
	items = append(items, wsi.Item{Path: "cold.go"})

	hot, focus := HotComponents(items)
	assert.Contains(t, hot, "hot.go")
	assert.Equal(t, "hot.go", focus)
}

func TestInferPhaseOnboardingWhenStaleAndSetupMentioned(t *testing.T) {
	phase := InferPhase([]string{"initial setup"}, nil, nil, "stale", 0, false)
	assert.Equal(t, "Onboarding", phase)
}

func TestInferPhaseStabilizingWhenQueueBacklog(t *testing.T) {
	phase := InferPhase(nil, nil, nil, "fresh", 3, true)
	assert.Equal(t, "Stabilizing Vector RAG", phase)
}

func TestInferPhaseImplementingOnMigrateKeyword(t *testing.T) {
	phase := InferPhase(nil, nil, []string{"migrate the schema"}, "fresh", 0, true)
	assert.Equal(t, "Implementing", phase)
}

func TestInferPhaseDefaultsToExecuting(t *testing.T) {
	phase := InferPhase(nil, nil, nil, "fresh", 0, true)
	assert.Equal(t, "Executing", phase)
}

func TestRenderBlockIsWrappedInSentinelTags(t *testing.T) {
	s := Snapshot{Project: "proj", UpdatedAt: "2026-01-01", DataState: "stale", Summary: "Phase: Executing"}
	block := RenderBlock(s)
	assert.True(t, len(block) > 0)
	assert.Contains(t, block, TagStart)
	assert.Contains(t, block, TagEnd)
	assert.Contains(t, block, "Project: proj")
}

func TestInsertOrReplaceInsertsAfterAnchor(t *testing.T) {
	md := "# Title\n\n<context_engineering>\nstuff\n</context_engineering>\n\nBody text.\n"
	block := TagStart + "\nhello\n" + TagEnd + "\n"

	out := InsertOrReplace(md, block)
	assert.True(t, indexOf(out, "</context_engineering>") < indexOf(out, TagStart))
	assert.Contains(t, out, "Body text.")
}

func TestInsertOrReplacePrependsWhenNoAnchor(t *testing.T) {
	md := "# Title\n\nBody text.\n"
	block := TagStart + "\nhello\n" + TagEnd + "\n"

	out := InsertOrReplace(md, block)
	assert.True(t, indexOf(out, TagStart) < indexOf(out, "# Title"))
}

func TestInsertOrReplaceReplacesExistingBlock(t *testing.T) {
	md := "# Title\n\n" + TagStart + "\nold\n" + TagEnd + "\n\nBody.\n"
	block := TagStart + "\nnew\n" + TagEnd + "\n"

	out := InsertOrReplace(md, block)
	assert.NotContains(t, out, "old")
	assert.Contains(t, out, "new")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestRefreshSkipsWhenTargetMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ProjectRoot: dir, TargetPath: filepath.Join(dir, "CLAUDE.md")}
	res := Refresh(context.Background(), cfg, Fused{ProjectRoot: dir, Now: time.Now()})
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestRefreshIsIdempotentOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "CLAUDE.md")
	require.NoError(t, os.WriteFile(target, []byte("# Project\n\nSome notes.\n"), 0o644))

	cfg := Config{ProjectRoot: dir, TargetPath: target}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := Fused{ProjectRoot: dir, Now: now}

	first := Refresh(context.Background(), cfg, f)
	require.True(t, first.OK)
	assert.True(t, first.Updated)

	after, err := os.ReadFile(target)
	require.NoError(t, err)

	second := Refresh(context.Background(), cfg, f)
	require.True(t, second.OK)
	assert.False(t, second.Updated)

	after2, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, string(after), string(after2))
}

func TestRefreshUsesVectorClientWhenEnabledAndQueueEmpty(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "CLAUDE.md")
	require.NoError(t, os.WriteFile(target, []byte("# Project\n"), 0o644))

	script := `cat >/dev/null; printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'; printf '{"jsonrpc":"2.0","id":2,"result":{"content":[{"text":"{\\"results\\":[{\\"meta\\":{\\"type\\":\\"decision\\"},\\"text\\":\\"adopted pattern X\\",\\"updated_at\\":\\"2026-01-01T00:00:00Z\\"}]}"}]}}\n'`
	client := vectorrpc.NewClient("sh", "-c", script)

	cfg := Config{ProjectRoot: dir, TargetPath: target, VectorClient: &client, VectorTimeout: time.Second}
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	f := Fused{ProjectRoot: dir, QueueDepth: 0, EnableVectorRAG: true, Now: now}

	res := Refresh(context.Background(), cfg, f)
	require.True(t, res.OK)
	assert.True(t, res.Updated)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Data: fresh")
}
