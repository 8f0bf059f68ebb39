// Package validator implements the PostToolUse check: after a file-editing
// tool call, run the project typechecker on the edited file and translate
// its outcome into a block/warn/allow decision.
package validator

import (
	"context"
	"fmt"

	"sessionpipe/internal/typecheck"
)

const (
	Allow = 0
	Warn  = 1
	Block = 2
)

// Decision mirrors the policy package's shape so callers can route both
// through the same exit-code translation.
type Decision struct {
	Code    int
	Rule    string
	Message string
}

// editTools are the tool names that can trigger a post-edit typecheck.
var editTools = map[string]bool{"Write": true, "Edit": true, "MultiEdit": true}

// Validate runs a typecheck for toolName/filePath if applicable. Any
// non-zero exit is a hard block; a timeout is advisory; no applicable
// typechecker, or a clean exit, is an allow.
func Validate(ctx context.Context, toolName, projectRoot, filePath string) Decision {
	if !editTools[toolName] || filePath == "" {
		return Decision{Code: Allow}
	}

	result := typecheck.RunForFile(ctx, projectRoot, filePath, typecheck.DefaultTimeout)
	if !result.Ran {
		return Decision{Code: Allow, Rule: "typecheck", Message: result.Skipped}
	}
	if result.TimedOut {
		return Decision{
			Code:    Warn,
			Rule:    "typecheck-timeout",
			Message: fmt.Sprintf("%s timed out after %s", result.Command, typecheck.DefaultTimeout),
		}
	}
	if result.ExitCode != 0 {
		return Decision{
			Code:    Block,
			Rule:    "typecheck-failure",
			Message: fmt.Sprintf("%s exited %d:\n%s", result.Command, result.ExitCode, result.Output),
		}
	}
	return Decision{Code: Allow, Rule: "typecheck", Message: result.Command}
}
