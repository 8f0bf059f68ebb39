// Command hook-promptsubmit is the UserPromptSubmit hook: it nudges the
// main agent to request a DIGEST from the next subagent once enough
// time has passed since the last one landed in the journal.
package main

import (
	"os"
	"strings"
	"time"

	"sessionpipe/internal/diagio"
	"sessionpipe/internal/digest"
	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/envelope"
	"sessionpipe/internal/journal"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/policy"
)

// digestTimestampLayout matches the journal header's "2006-01-02
// 15:04:05 MST" layout (time plus zone abbreviation).
const digestTimestampLayout = "2006-01-02 15:04:05 MST"

func main() {
	os.Exit(promptSubmit())
}

func promptSubmit() int {
	event := envelope.Decode(os.Stdin)

	layout, err := paths.Resolve(event.CWD)
	if err != nil {
		return envelope.ExitAllow
	}

	cadence := envconfig.Minutes("DIGEST_REMINDER_MINUTES", 0)
	lastEntry := lastDigestTime(layout.NotesPath)

	decision := policy.ReminderGate(lastEntry, time.Now(), cadence)
	if decision.Code == policy.Warn {
		diagio.Warn(os.Stderr, decision.Rule, decision.Message)
		return envelope.ExitWarn
	}
	return envelope.ExitAllow
}

// lastDigestTime returns the timestamp of the most recent journal entry,
// or the zero Time if the journal is empty or unparsable.
func lastDigestTime(notesPath string) time.Time {
	entries, err := journal.LastEntries(notesPath, 1)
	if err != nil || len(entries) == 0 {
		return time.Time{}
	}
	lines := strings.SplitN(entries[0], "\n", 2)
	header, ok := digest.ParseHeader(strings.TrimRight(lines[0], "\r\n"))
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(digestTimestampLayout, header.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}
