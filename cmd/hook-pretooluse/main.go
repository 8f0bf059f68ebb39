// Command hook-pretooluse is the PreToolUse hook: it reads one event
// envelope from stdin, runs the turn-scoped triggers and gates in their
// declared order, and exits 0/1/2 per the first hit.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sessionpipe/internal/approval"
	"sessionpipe/internal/checkpoint"
	"sessionpipe/internal/diagio"
	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/envelope"
	"sessionpipe/internal/journal"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/policy"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/validator"
	"sessionpipe/internal/wsi"
)

func main() {
	os.Exit(preToolUse())
}

// gateResult unifies policy.Decision and validator.Decision so both can
// be rendered and ranked through the same first-block/first-warn logic.
type gateResult struct {
	Code        int
	Rule        string
	Message     string
	Remediation []string
}

func fromPolicy(d policy.Decision) gateResult {
	return gateResult{Code: d.Code, Rule: d.Rule, Message: d.Message, Remediation: d.Remediation}
}

func fromValidator(d validator.Decision) gateResult {
	return gateResult{Code: d.Code, Rule: d.Rule, Message: d.Message}
}

// safeBashMarkers are commands the original project never checkpoints
// ahead of, even when a checkpoint condition matched — they're read-only
// or already versioned, so a stash snapshot adds nothing.
var safeBashMarkers = []string{"git", "ls", "cat", "grep", "find"}

func preToolUse() int {
	event := envelope.Decode(os.Stdin)

	layout, err := paths.Resolve(event.CWD)
	if err != nil {
		fmt.Fprintln(os.Stderr, "hook-pretooluse: "+err.Error())
		return envelope.ExitAllow
	}
	if err := layout.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, "hook-pretooluse: "+err.Error())
		return envelope.ExitAllow
	}

	logger := telemetry.New(layout.LogsDir, "pretooluse", envconfig.Bool("PRETOOLUSE_DEBUG", false))
	policy.LoadPatternOverrides(layout.PolicyPatternsPath)

	toolName := event.ToolName
	filePath := event.ToolInputString("file_path")
	command := event.ToolInputString("command")

	turn := policy.IncrementTurn(layout.TurnCounterPath)
	logger.Logf("turn=%d tool=%s file=%s", turn, toolName, filePath)

	ctx := context.Background()

	// Gate 8 runs first in practice: it's a pure side effect (no exit
	// code), so its position relative to the blocking/advisory gates
	// below never affects which one wins.
	if policy.WSIPruningTrigger(turn) {
		pruneWSI(layout)
	}

	journalTail, _ := journal.Tail(layout.NotesPath, 4096)

	var firstWarn *gateResult
	block := func(g gateResult) int {
		diagio.Block(os.Stderr, g.Rule, g.Message, g.Remediation...)
		logger.Logf("blocked rule=%s", g.Rule)
		return envelope.ExitBlock
	}
	consider := func(g gateResult) (stop bool, code int) {
		if g.Code == policy.Block {
			return true, block(g)
		}
		if g.Code == policy.Warn && firstWarn == nil {
			w := g
			firstWarn = &w
		}
		return false, 0
	}

	// Gate 1: checkpoint trigger. Advisory-only upstream; it never
	// contributes a Decision, so it just fires and moves on.
	if needed, reason := policy.CheckpointTrigger(toolName, filePath, command, turn); needed {
		if !(toolName == "Bash" && containsAny(strings.ToLower(command), safeBashMarkers)) {
			res := checkpoint.Create(ctx, layout.CheckpointsDir, layout.ProjectRoot, reason, nil, time.Now())
			logger.Logf("checkpoint reason=%q success=%v skipped=%v error=%q", reason, res.Success, res.Skipped, res.Error)
		}
	}

	// Gate 2: schema-change block.
	if stop, code := consider(fromPolicy(policy.SchemaChangeGate(toolName, filePath, journalTail))); stop {
		return code
	}

	// Gate 3: periodic typecheck trigger.
	if policy.PeriodicTypecheckTrigger(toolName, filePath, turn) {
		if stop, code := consider(fromValidator(validator.Validate(ctx, toolName, layout.ProjectRoot, filePath))); stop {
			return code
		}
	}

	// Gate 4: duplicate-read gate.
	if toolName == "Read" && filePath != "" {
		cache := policy.LoadReadCache(layout.ReadCachePath)
		hash := hashIfReadable(filePath)
		decision := policy.DuplicateReadGate(cache, filePath, hash, turn)
		if err := policy.SaveReadCache(layout.ReadCachePath, cache); err != nil {
			logger.Logf("read-cache save error: %v", err)
		}
		if stop, code := consider(fromPolicy(decision)); stop {
			return code
		}
	}

	// Gate 5: dependency-removal gate.
	if stop, code := consider(fromPolicy(policy.DependencyRemovalGate(toolName, command, journalTail))); stop {
		return code
	}

	// Gate 6: routing advisory.
	if stop, code := consider(fromPolicy(policy.RoutingAdvisory(toolName, filePath))); stop {
		return code
	}

	// Gate 7: markdown-creation block.
	store := approval.Load(layout.ApprovalsPath)
	if stop, code := consider(fromPolicy(policy.MarkdownCreationGate(toolName, filePath, &store, time.Now()))); stop {
		return code
	}

	if firstWarn != nil {
		diagio.Warn(os.Stderr, firstWarn.Rule, firstWarn.Message, firstWarn.Remediation...)
		logger.Logf("warned rule=%s", firstWarn.Rule)
		return envelope.ExitWarn
	}

	return envelope.ExitAllow
}

func pruneWSI(layout *paths.Layout) {
	idx := wsi.Load(layout.WSIPath)
	overflow := idx.Prune(wsi.DefaultCap)
	if len(overflow) == 0 {
		return
	}
	_ = wsi.Save(layout.WSIPath, idx)
	_ = wsi.ArchiveOverflow(filepath.Join(layout.StateDir, "wsi-archive"), overflow, time.Now())
}

func hashIfReadable(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return policy.HashContent(data)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
