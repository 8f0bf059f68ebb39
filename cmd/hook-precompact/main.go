// Command hook-precompact is the PreCompact hook: before the transcript
// is compacted, it extracts whatever digests survived the session,
// builds the compaction summary, and writes both its JSON and Markdown
// renderings.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"sessionpipe/internal/compaction"
	"sessionpipe/internal/envelope"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/vcs"
	"sessionpipe/internal/wsi"
)

func main() {
	os.Exit(preCompact())
}

func preCompact() int {
	raw, _ := io.ReadAll(os.Stdin)
	event := envelope.Decode(bytes.NewReader(raw))

	var payload map[string]any
	_ = json.Unmarshal(raw, &payload)

	layout, err := paths.Resolve(event.CWD)
	if err != nil {
		return envelope.ExitAllow
	}
	if err := layout.EnsureDirs(); err != nil {
		return envelope.ExitAllow
	}

	logger := telemetry.New(layout.LogsDir, "precompact", os.Getenv("PRECOMPACT_DEBUG") == "1")

	ctx := context.Background()
	repo := vcs.Repo{Dir: layout.ProjectRoot}

	digests := compaction.ExtractDigests(ctx, layout.NotesPath, payload, repo, layout.ProjectRoot)
	logger.Logf("extracted %d digests", len(digests))

	notesText := ""
	if data, err := os.ReadFile(layout.NotesPath); err == nil {
		notesText = string(data)
	}

	idx := wsi.Load(layout.WSIPath)
	summary := compaction.Build(digests, notesText, idx.Items, time.Now())

	if err := compaction.WriteJSON(layout.CompactionJSON, summary); err != nil {
		logger.Logf("write json error: %v", err)
	}
	if err := compaction.WriteMarkdown(layout.CompactionMD, summary); err != nil {
		logger.Logf("write markdown error: %v", err)
	}

	return envelope.ExitAllow
}
