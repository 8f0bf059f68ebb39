package digest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// HeaderRe matches a journal entry's H2 header line, capturing the
// timestamp, agent, and task id. Used by journal rotation (counting
// entries) and by the compaction builder (scraping agent/task_id back
// out of NOTES.md).
var HeaderRe = regexp.MustCompile(`^## \[([^\]]+)\] Subagent Digest — ([^—]+) — task:(\S+)\s*$`)

// HeaderMatch is one parsed journal entry header.
type HeaderMatch struct {
	Timestamp string
	Agent     string
	TaskID    string
}

// ParseHeader parses a single journal header line, or ok=false if it
// doesn't match.
func ParseHeader(line string) (HeaderMatch, bool) {
	m := HeaderRe.FindStringSubmatch(line)
	if m == nil {
		return HeaderMatch{}, false
	}
	return HeaderMatch{Timestamp: m[1], Agent: strings.TrimSpace(m[2]), TaskID: m[3]}, true
}

// JournalTimeFormat matches the header format:
// "## [<YYYY-MM-DD HH:MM:SS TZ>] Subagent Digest — <agent> — task:<task_id>".
const JournalTimeFormat = "2006-01-02 15:04:05 MST"

// ToJournalEntry renders the canonical markdown journal entry. Section
// names and bullet shapes are a stable external interface — never change
// them without updating every consumer (the compaction builder scrapes
// this exact format).
func (d *Digest) ToJournalEntry(at time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## [%s] Subagent Digest — %s — task:%s\n\n", at.Format(JournalTimeFormat), d.Agent, d.TaskID)

	b.WriteString("**Decisions**\n")
	writeBullets(&b, d.journalDecisions())

	b.WriteString("\n**Files**\n")
	writeBullets(&b, d.journalFiles())

	b.WriteString("\n**Contracts Affected**\n")
	writeBullets(&b, d.Contracts)

	b.WriteString("\n**Next Steps**\n")
	writeBullets(&b, d.Next)

	b.WriteString("\n**Evidence**\n")
	writeBullets(&b, d.journalEvidence())

	b.WriteString("\n")
	return b.String()
}

func (d *Digest) journalDecisions() []string {
	if len(d.Decisions) > 0 {
		return d.Decisions
	}
	var out []string
	if s := strings.TrimSpace(d.Summary); s != "" {
		out = append(out, s)
	}
	if p := d.problemText(); p != "" {
		out = append(out, "Problem: "+p)
	}
	if sol := d.solutionText(); sol != "" {
		out = append(out, "Solution: "+sol)
	}
	return out
}

func (d *Digest) journalFiles() []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if f.Reason != "" {
			out = append(out, fmt.Sprintf("%s — %s", f.Path, f.Reason))
		} else {
			out = append(out, f.Path)
		}
	}
	return out
}

func (d *Digest) journalEvidence() []string {
	if len(d.Evidence) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Evidence))
	for k := range d.Evidence {
		keys = append(keys, k)
	}
	sortStrings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %s", k, d.Evidence[k]))
	}
	return out
}

func writeBullets(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- n/a\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
