package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionpipe/internal/approval"
)

func TestCheckpointTriggerSchemaEdit(t *testing.T) {
	fire, reason := CheckpointTrigger("Edit", "/proj/prisma/schema.prisma", "", 1)
	assert.True(t, fire)
	assert.Contains(t, reason, "schema")
}

func TestCheckpointTriggerDangerousShell(t *testing.T) {
	fire, _ := CheckpointTrigger("Bash", "", "git status && rm -rf /tmp/x", 1)
	assert.True(t, fire)
}

func TestCheckpointTriggerPeriodic(t *testing.T) {
	fire, reason := CheckpointTrigger("Read", "/proj/a.go", "", 50)
	assert.True(t, fire)
	assert.Contains(t, reason, "periodic")
}

func TestCheckpointTriggerNoneForOrdinaryEdit(t *testing.T) {
	fire, _ := CheckpointTrigger("Edit", "/proj/src/handler.go", "", 3)
	assert.False(t, fire)
}

func TestSchemaChangeGateBlocksWithoutDME(t *testing.T) {
	d := SchemaChangeGate("Edit", "/proj/prisma/schema.prisma", "some other digest text")
	assert.Equal(t, Block, d.Code)
}

func TestSchemaChangeGateAllowsWithDME(t *testing.T) {
	tail := `## [...] Subagent Digest` + "\n" + `"agent": "DME"` + "\n"
	d := SchemaChangeGate("Edit", "/proj/prisma/schema.prisma", tail)
	assert.Equal(t, Allow, d.Code)
}

func TestSchemaChangeGateIgnoresUnrelatedFiles(t *testing.T) {
	d := SchemaChangeGate("Edit", "/proj/src/handler.go", "")
	assert.Equal(t, Allow, d.Code)
}

func TestPeriodicTypecheckTriggerEvery20Turns(t *testing.T) {
	assert.True(t, PeriodicTypecheckTrigger("Read", "/proj/a.txt", 20))
	assert.False(t, PeriodicTypecheckTrigger("Read", "/proj/a.txt", 21))
}

func TestPeriodicTypecheckTriggerOnRelevantEdit(t *testing.T) {
	assert.True(t, PeriodicTypecheckTrigger("Edit", "/proj/src/a.ts", 3))
	assert.False(t, PeriodicTypecheckTrigger("Edit", "/proj/README.md", 3))
}

func TestDuplicateReadGateEscalates(t *testing.T) {
	cache := ReadCache{}
	path := "/proj/a.go"
	hash := HashContent([]byte("same content"))

	d1 := DuplicateReadGate(cache, path, hash, 1)
	assert.Equal(t, Allow, d1.Code, "first read is never a duplicate")

	d2 := DuplicateReadGate(cache, path, hash, 2)
	assert.Equal(t, Warn, d2.Code)

	d3 := DuplicateReadGate(cache, path, hash, 3)
	assert.Equal(t, Warn, d3.Code)

	d4 := DuplicateReadGate(cache, path, hash, 4)
	assert.Equal(t, Block, d4.Code)
}

func TestDuplicateReadGateResetsOnChangedContent(t *testing.T) {
	cache := ReadCache{}
	path := "/proj/a.go"
	DuplicateReadGate(cache, path, HashContent([]byte("v1")), 1)
	DuplicateReadGate(cache, path, HashContent([]byte("v1")), 2)

	d := DuplicateReadGate(cache, path, HashContent([]byte("v2")), 3)
	assert.Equal(t, Allow, d.Code, "changed content resets the counter")
	assert.Equal(t, 0, cache[path].DuplicateAttempts)
}

func TestDuplicateReadGateResetsOutsideWindow(t *testing.T) {
	cache := ReadCache{}
	path := "/proj/a.go"
	hash := HashContent([]byte("same"))
	DuplicateReadGate(cache, path, hash, 1)

	d := DuplicateReadGate(cache, path, hash, 1+DuplicateReadWindow+1)
	assert.Equal(t, Allow, d.Code, "outside the window resets the counter")
}

func TestReadCacheSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "read-cache.json")
	c := ReadCache{"/proj/a.go": ReadCacheEntry{Hash: "abc", Turn: 5, DuplicateAttempts: 1}}
	require.NoError(t, SaveReadCache(path, c))

	loaded := LoadReadCache(path)
	require.Contains(t, loaded, "/proj/a.go")
	assert.Equal(t, 1, loaded["/proj/a.go"].DuplicateAttempts)
}

func TestDependencyRemovalGateBlocksWithoutIDS(t *testing.T) {
	d := DependencyRemovalGate("Bash", "npm uninstall left-pad", "no marker here")
	assert.Equal(t, Block, d.Code)
}

func TestDependencyRemovalGateAllowsWithIDS(t *testing.T) {
	d := DependencyRemovalGate("Bash", "pnpm remove left-pad", `"agent": "IDS"`)
	assert.Equal(t, Allow, d.Code)
}

func TestDependencyRemovalGateIgnoresUnrelatedCommands(t *testing.T) {
	d := DependencyRemovalGate("Bash", "npm install left-pad", "")
	assert.Equal(t, Allow, d.Code)
}

func TestRoutingAdvisoryFiresForProjectCode(t *testing.T) {
	d := RoutingAdvisory("Edit", "/proj/src/handler.ts")
	assert.Equal(t, Warn, d.Code)
}

func TestRoutingAdvisoryAllowsInfraDirs(t *testing.T) {
	d := RoutingAdvisory("Edit", "/proj/.claude/hooks/handler.ts")
	assert.Equal(t, Allow, d.Code)
}

func TestRoutingAdvisoryAllowsNonCodeExtensions(t *testing.T) {
	d := RoutingAdvisory("Edit", "/proj/src/notes.txt")
	assert.Equal(t, Allow, d.Code)
}

func TestMarkdownCreationGateAllowsAllowListed(t *testing.T) {
	d := MarkdownCreationGate("Write", "/proj/NOTES.md", nil, time.Now())
	assert.Equal(t, Allow, d.Code)
}

func TestMarkdownCreationGateBlocksWithoutApproval(t *testing.T) {
	var store approval.Store
	d := MarkdownCreationGate("Write", "/proj/docs/design.md", &store, time.Now())
	assert.Equal(t, Block, d.Code)
}

func TestMarkdownCreationGateAllowsWithApproval(t *testing.T) {
	var store approval.Store
	now := time.Now()
	store.Record([]string{"design.md"}, now)

	d := MarkdownCreationGate("Write", "/proj/docs/design.md", &store, now)
	assert.Equal(t, Allow, d.Code)
}

func TestMarkdownCreationGateIgnoresNonMarkdown(t *testing.T) {
	d := MarkdownCreationGate("Write", "/proj/src/a.go", nil, time.Now())
	assert.Equal(t, Allow, d.Code)
}

func TestWSIPruningTrigger(t *testing.T) {
	assert.True(t, WSIPruningTrigger(10))
	assert.False(t, WSIPruningTrigger(11))
}

func TestEvaluateReturnsFirstBlock(t *testing.T) {
	d := Evaluate(Input{
		ToolName:    "Edit",
		FilePath:    "/proj/prisma/schema.prisma",
		JournalTail: "",
	})
	assert.Equal(t, Block, d.Code)
	assert.Equal(t, "schema-change", d.Rule)
}

func TestEvaluateReturnsWarnWhenNoBlock(t *testing.T) {
	d := Evaluate(Input{
		ToolName: "Edit",
		FilePath: "/proj/src/handler.ts",
	})
	assert.Equal(t, Warn, d.Code)
}

func TestEvaluateAllowsPlainOperation(t *testing.T) {
	d := Evaluate(Input{ToolName: "Read", FilePath: "/proj/README.md"})
	assert.Equal(t, Allow, d.Code)
}

func TestLoadPatternOverridesMissingFileIsNoop(t *testing.T) {
	before := append([]string{}, dangerousShellSubstrings...)
	LoadPatternOverrides("/nonexistent/policy-patterns.yaml")
	assert.Equal(t, before, dangerousShellSubstrings)
}

func TestLoadPatternOverridesAppliesNonEmptyLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy-patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dangerous_shell_substrings:\n  - \"custom danger\"\n"), 0o644))

	saved := append([]string{}, dangerousShellSubstrings...)
	defer func() { dangerousShellSubstrings = saved }()

	LoadPatternOverrides(path)
	assert.Contains(t, dangerousShellSubstrings, "custom danger")

	fire, _ := CheckpointTrigger("Bash", "", "echo custom danger here", 1)
	assert.True(t, fire)
}
