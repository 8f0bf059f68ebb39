// Command hook-posttooluse is the PostToolUse hook: after a file-editing
// tool call completes, it runs the project typechecker on the touched
// file and exits 0/1/2 per the result.
package main

import (
	"context"
	"os"

	"sessionpipe/internal/diagio"
	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/envelope"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/validator"
)

func main() {
	os.Exit(postToolUse())
}

func postToolUse() int {
	event := envelope.Decode(os.Stdin)

	layout, err := paths.Resolve(event.CWD)
	if err != nil {
		return envelope.ExitAllow
	}

	logger := telemetry.New(layout.LogsDir, "posttooluse", envconfig.Bool("POSTTOOLUSE_DEBUG", false))

	filePath := event.ToolInputString("file_path")
	decision := validator.Validate(context.Background(), event.ToolName, layout.ProjectRoot, filePath)

	switch decision.Code {
	case validator.Block:
		diagio.Block(os.Stderr, decision.Rule, decision.Message)
		logger.Logf("blocked rule=%s file=%s", decision.Rule, filePath)
		return envelope.ExitBlock
	case validator.Warn:
		diagio.Warn(os.Stderr, decision.Rule, decision.Message)
		logger.Logf("warned rule=%s file=%s", decision.Rule, filePath)
		return envelope.ExitWarn
	default:
		return envelope.ExitAllow
	}
}
