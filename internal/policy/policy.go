// Package policy implements the PreToolUse gates: an ordered set of
// checks run against every tool invocation, each either silent
// (exit 0), advisory (exit 1), or a hard block (exit 2). The first hard
// block wins; advisories are remembered but don't stop evaluation of
// gates that could still escalate to a block.
package policy

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sessionpipe/internal/approval"
)

// Decision codes, matching the envelope exit-code contract.
const (
	Allow = 0
	Warn  = 1
	Block = 2
)

// Decision is the outcome of evaluating one or more gates.
type Decision struct {
	Code        int
	Rule        string
	Message     string
	Remediation []string
}

func allow() Decision { return Decision{Code: Allow} }

// --- Turn counter -----------------------------------------------------

// ReadTurn reads the persisted turn counter, defaulting to 0 if absent
// or unparsable.
func ReadTurn(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return n
}

// IncrementTurn reads, increments, and persists the turn counter,
// returning the new value. A write failure doesn't block the caller;
// the in-memory incremented value is still returned.
func IncrementTurn(path string) int {
	n := ReadTurn(path) + 1
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644)
	return n
}

// --- Gate 1: checkpoint triggers ---------------------------------------

var schemaFileMarkers = []string{"schema.prisma", "/migrations/", "alembic", "/models/"}
var criticalConfigBasenames = map[string]bool{
	"package.json": true, "pyproject.toml": true, "requirements.txt": true,
	".env": true, "config.json": true, "settings.json": true,
}
var dangerousShellSubstrings = []string{
	"rm -rf", "drop table", "drop database", "delete from", "truncate",
	"prisma migrate", "sudo", "chmod 777",
}

// patternOverrides is the optional `policy-patterns.yaml` shape: each
// field, when non-empty, replaces the corresponding hardcoded default
// rather than merging with it.
type patternOverrides struct {
	SchemaFileMarkers        []string `yaml:"schema_file_markers"`
	CriticalConfigBasenames  []string `yaml:"critical_config_basenames"`
	DangerousShellSubstrings []string `yaml:"dangerous_shell_substrings"`
}

// LoadPatternOverrides reads a YAML pattern-override file and applies
// any non-empty lists over the package defaults. Missing file or parse
// failure is a silent no-op — the hardcoded defaults remain in force,
// matching the conservative-bias design of every gate in this package.
func LoadPatternOverrides(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var o patternOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return
	}
	if len(o.SchemaFileMarkers) > 0 {
		schemaFileMarkers = o.SchemaFileMarkers
	}
	if len(o.CriticalConfigBasenames) > 0 {
		criticalConfigBasenames = toSet(o.CriticalConfigBasenames)
	}
	if len(o.DangerousShellSubstrings) > 0 {
		dangerousShellSubstrings = o.DangerousShellSubstrings
	}
}

func toSet(vals []string) map[string]bool {
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[strings.ToLower(v)] = true
	}
	return out
}

// CheckpointTrigger reports whether this call should fire a checkpoint.
// Advisory only — it never blocks the tool call itself.
func CheckpointTrigger(toolName, filePath, command string, turn int) (bool, string) {
	if isEditTool(toolName) {
		if isSchemaPath(filePath) {
			return true, "schema or migration edit"
		}
		if criticalConfigBasenames[strings.ToLower(filepath.Base(filePath))] {
			return true, "critical config edit"
		}
	}
	if isShellTool(toolName) {
		lower := strings.ToLower(command)
		for _, marker := range dangerousShellSubstrings {
			if strings.Contains(lower, marker) {
				return true, "dangerous shell command: " + marker
			}
		}
	}
	if turn > 0 && turn%50 == 0 {
		return true, "periodic checkpoint (every 50 turns)"
	}
	return false, ""
}

func isSchemaPath(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasSuffix(strings.ToLower(path), ".sql") {
		return true
	}
	lower := strings.ToLower(path)
	for _, marker := range schemaFileMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// --- Gate 2: schema-change block ---------------------------------------

// SchemaEditMarker is the literal journal substring that authorizes a
// schema/migration edit.
const SchemaEditMarker = `agent": "DME"`

// SchemaChangeGate hard-blocks edits to schema.prisma or any path under
// a migrations/ directory unless journalTail contains SchemaEditMarker.
func SchemaChangeGate(toolName, filePath, journalTail string) Decision {
	if !isEditTool(toolName) {
		return allow()
	}
	lower := strings.ToLower(filePath)
	if !(strings.Contains(lower, "schema.prisma") || strings.Contains(lower, "/migrations/")) {
		return allow()
	}
	if strings.Contains(journalTail, SchemaEditMarker) {
		return allow()
	}
	return Decision{
		Code:    Block,
		Rule:    "schema-change",
		Message: fmt.Sprintf("edit to %s requires a recent DME digest authorizing the schema change", filePath),
		Remediation: []string{
			"run the schema/migration change through the DME agent first",
			"or edit a non-schema file",
		},
	}
}

// --- Gate 3: periodic typecheck trigger --------------------------------

var typecheckRelevantExts = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
}

// PeriodicTypecheckTrigger reports whether the tool call should trigger
// a typecheck run: every 20 turns, or immediately after an edit to a
// typecheck-relevant file.
func PeriodicTypecheckTrigger(toolName, filePath string, turn int) bool {
	if turn > 0 && turn%20 == 0 {
		return true
	}
	if isEditTool(toolName) && typecheckRelevantExts[strings.ToLower(filepath.Ext(filePath))] {
		return true
	}
	return false
}

// --- Gate 4: duplicate-read gate ---------------------------------------

// ReadCacheEntry tracks one previously-read file's content hash and
// repeat-read count within the duplicate-read window.
type ReadCacheEntry struct {
	Hash              string `json:"hash"`
	Turn              int    `json:"turn"`
	DuplicateAttempts int    `json:"duplicate_attempts"`
}

// ReadCache is the on-disk map keyed by file path.
type ReadCache map[string]ReadCacheEntry

// DuplicateReadWindow is how many turns a read hash stays eligible for
// the duplicate-read gate.
const DuplicateReadWindow = 10

// LoadReadCache reads the cache file, returning an empty cache if
// absent or corrupt.
func LoadReadCache(path string) ReadCache {
	data, err := os.ReadFile(path)
	if err != nil {
		return ReadCache{}
	}
	var c ReadCache
	if err := json.Unmarshal(data, &c); err != nil {
		return ReadCache{}
	}
	return c
}

// SaveReadCache persists the cache.
func SaveReadCache(path string, c ReadCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// HashContent computes the MD5 hash the duplicate-read gate compares
// against, hex-encoded.
func HashContent(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// DuplicateReadGate implements the repeat-read-of-unchanged-content
// check: attempt 1 and 2 within the window warn, attempt 3 blocks.
// Reads of changed content (or a first-ever read) reset the counter.
// Mutates c in place; the caller persists it with SaveReadCache.
func DuplicateReadGate(c ReadCache, path, hash string, turn int) Decision {
	entry, ok := c[path]
	if !ok || entry.Hash != hash || turn-entry.Turn > DuplicateReadWindow {
		c[path] = ReadCacheEntry{Hash: hash, Turn: turn, DuplicateAttempts: 0}
		return allow()
	}

	entry.DuplicateAttempts++
	entry.Turn = turn
	c[path] = entry

	switch entry.DuplicateAttempts {
	case 1, 2:
		return Decision{
			Code:    Warn,
			Rule:    "duplicate-read",
			Message: fmt.Sprintf("%s was already read with unchanged content (attempt %d)", path, entry.DuplicateAttempts),
		}
	default:
		return Decision{
			Code:    Block,
			Rule:    "duplicate-read",
			Message: fmt.Sprintf("%s has been re-read %d times with no change", path, entry.DuplicateAttempts),
			Remediation: []string{
				"use the working set / journal instead of re-reading the same unchanged file",
			},
		}
	}
}

// --- Gate 5: dependency-removal gate ------------------------------------

// DependencyRemovalMarker is the literal journal substring that
// authorizes a dependency removal.
const DependencyRemovalMarker = `agent": "IDS"`

var dependencyRemovalRe = regexp.MustCompile(`\b(npm uninstall|pip uninstall|pnpm remove)\b`)

// DependencyRemovalGate hard-blocks shell commands that remove
// dependencies unless journalTail contains DependencyRemovalMarker.
func DependencyRemovalGate(toolName, command, journalTail string) Decision {
	if !isShellTool(toolName) || !dependencyRemovalRe.MatchString(command) {
		return allow()
	}
	if strings.Contains(journalTail, DependencyRemovalMarker) {
		return allow()
	}
	return Decision{
		Code:    Block,
		Rule:    "dependency-removal",
		Message: "dependency removal requires a recent IDS digest authorizing it",
		Remediation: []string{
			"run the dependency change through the IDS agent first",
		},
	}
}

// --- Gate 6: routing advisory --------------------------------------------

var routedCodeExts = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
	".java": true, ".cpp": true, ".c": true, ".rs": true, ".go": true, ".rb": true,
}
var projectCodeDirs = []string{"/lib/", "/app/", "/components/", "/src/", "/packages/"}
var allowedInfraDirs = []string{"/claude-hooks/", "/.claude/", "/scripts/"}

// RoutingAdvisory surfaces an advisory (never blocks) for edits to code
// files inside project code directories that aren't in an allow-listed
// infrastructure directory.
func RoutingAdvisory(toolName, filePath string) Decision {
	if !isEditTool(toolName) {
		return allow()
	}
	if !routedCodeExts[strings.ToLower(filepath.Ext(filePath))] {
		return allow()
	}
	lower := strings.ToLower(filePath)
	for _, dir := range allowedInfraDirs {
		if strings.Contains(lower, dir) {
			return allow()
		}
	}
	inProjectDir := false
	for _, dir := range projectCodeDirs {
		if strings.Contains(lower, dir) {
			inProjectDir = true
			break
		}
	}
	if !inProjectDir {
		return allow()
	}
	return Decision{Code: Warn, Rule: "routing", Message: fmt.Sprintf("edit to %s — confirm this belongs in project code, not hook infrastructure", filePath)}
}

// --- Gate 7: markdown-creation block --------------------------------------

var markdownAllowList = map[string]bool{
	"feature_map.md": true, "notes.md": true, "compaction.md": true,
	"changelog.md": true, "readme.md": true, "claude.md": true,
}

// MarkdownCreationGate hard-blocks Write calls whose target ends in .md
// unless the basename is allow-listed or a live approval matches.
func MarkdownCreationGate(toolName, filePath string, store *approval.Store, now time.Time) Decision {
	if toolName != "Write" || !strings.HasSuffix(strings.ToLower(filePath), ".md") {
		return allow()
	}
	if markdownAllowList[strings.ToLower(filepath.Base(filePath))] {
		return allow()
	}
	if store != nil && store.Match(filePath, now) {
		return allow()
	}
	return Decision{
		Code:    Block,
		Rule:    "markdown-creation",
		Message: fmt.Sprintf("creating %s requires prior approval", filePath),
		Remediation: []string{
			"approve this path/basename first, or write to an allow-listed system file",
		},
	}
}

// --- UserPromptSubmit: digest reminder -------------------------------------

// ReminderGate advises capturing a digest once cadence has elapsed since
// the last journal entry. cadence<=0 disables the reminder entirely; a
// zero lastEntry (no journal entries yet) never reminds — there's
// nothing to have forgotten to capture yet.
func ReminderGate(lastEntry, now time.Time, cadence time.Duration) Decision {
	if cadence <= 0 || lastEntry.IsZero() {
		return allow()
	}
	if now.Sub(lastEntry) < cadence {
		return allow()
	}
	return Decision{
		Code:    Warn,
		Rule:    "digest-reminder",
		Message: fmt.Sprintf("it's been %s since the last DIGEST — request one from the next subagent before continuing", cadence),
	}
}

// --- Gate 8: WSI pruning trigger -------------------------------------------

// WSIPruningTrigger reports whether this turn should check the working
// set index for overflow (every 10 turns).
func WSIPruningTrigger(turn int) bool {
	return turn > 0 && turn%10 == 0
}

// --- shared tool-name classification ---------------------------------------

func isEditTool(toolName string) bool {
	return toolName == "Write" || toolName == "Edit" || toolName == "MultiEdit" || toolName == "NotebookEdit"
}

func isShellTool(toolName string) bool {
	return toolName == "Bash"
}

// --- combined evaluation ---------------------------------------------------

// Input bundles everything the blocking gates (schema-change,
// duplicate-read, dependency-removal, routing, markdown-creation) need.
// ReadCache/ReadHash are only consulted for Read calls; Approvals/Now
// only for Write calls.
type Input struct {
	ToolName    string
	FilePath    string
	Command     string
	JournalTail string
	Turn        int

	ReadHash  string
	ReadCache ReadCache

	Approvals *approval.Store
	Now       time.Time
}

// Evaluate runs the blocking/advisory gates in their declared order and
// returns the first hard block encountered, or the first (if any)
// advisory if no block fires. Gate 1 (checkpoint), gate 3 (typecheck),
// and gate 8 (WSI pruning) are triggers with side effects the caller
// runs separately — see CheckpointTrigger, PeriodicTypecheckTrigger, and
// WSIPruningTrigger.
func Evaluate(in Input) Decision {
	gates := []func() Decision{
		func() Decision { return SchemaChangeGate(in.ToolName, in.FilePath, in.JournalTail) },
		func() Decision {
			if in.ToolName != "Read" || in.ReadCache == nil {
				return allow()
			}
			return DuplicateReadGate(in.ReadCache, in.FilePath, in.ReadHash, in.Turn)
		},
		func() Decision { return DependencyRemovalGate(in.ToolName, in.Command, in.JournalTail) },
		func() Decision { return RoutingAdvisory(in.ToolName, in.FilePath) },
		func() Decision { return MarkdownCreationGate(in.ToolName, in.FilePath, in.Approvals, in.Now) },
	}

	var firstWarn *Decision
	for _, gate := range gates {
		d := gate()
		switch d.Code {
		case Block:
			return d
		case Warn:
			if firstWarn == nil {
				warn := d
				firstWarn = &warn
			}
		}
	}
	if firstWarn != nil {
		return *firstWarn
	}
	return allow()
}
