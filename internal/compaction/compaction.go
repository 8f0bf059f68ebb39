// Package compaction builds the bounded, durable summary written before a
// context reset: a union of recent DIGEST-derived facts from the journal,
// falling back to the PreCompact payload, and finally to raw VCS signals
// when neither carries a DIGEST. Output is both compaction-summary.json
// (machine-readable) and COMPACTION.md (human-readable).
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"sessionpipe/internal/digest"
	"sessionpipe/internal/journal"
	"sessionpipe/internal/vcs"
	"sessionpipe/internal/wsi"
)

// MaxDigests bounds how many digests the payload fallback extraction keeps
// (most recent last).
const MaxDigests = 8

// Summary is the full compaction artifact, serialised verbatim to
// compaction-summary.json and rendered into COMPACTION.md.
type Summary struct {
	Timestamp        string        `json:"timestamp"`
	AgentsSeen       []string      `json:"agents_seen"`
	Decisions        []string      `json:"decisions"`
	OpenQuestions    []string      `json:"open_questions"`
	OwnedArtifacts   []string      `json:"owned_artifacts"`
	ContractsTouched []string      `json:"contracts_touched"`
	FilesTouched     []digest.File `json:"files_touched"`
	Risks            []string      `json:"risks"`
	NextSteps        []string      `json:"next_steps"`
	WSISnapshot      []wsi.Item    `json:"wsi_snapshot"`
}

// ExtractFromJournalEntries reconstructs digests from journal entry blocks
// (as rendered by digest.ToJournalEntry): an H2 header followed by bold
// "**Section**" bullet lists, rather than a fenced JSON DIGEST block — the
// journal never stores raw JSON, so reconstruction happens against our own
// rendered markdown shape instead of digest.ExtractAll.
func ExtractFromJournalEntries(blocks []string) []*digest.Digest {
	var out []*digest.Digest
	for _, block := range blocks {
		lines := strings.SplitN(block, "\n", 2)
		header, ok := digest.ParseHeader(strings.TrimRight(lines[0], "\r\n"))
		if !ok {
			continue
		}
		d := &digest.Digest{
			Agent:     header.Agent,
			TaskID:    header.TaskID,
			Decisions: bulletSection(block, "Decisions"),
			Contracts: bulletSection(block, "Contracts Affected"),
			Next:      bulletSection(block, "Next Steps"),
			Files:     fileBulletSection(block, "Files"),
		}
		out = append(out, d)
	}
	return out
}

// sectionHeaderRe matches only the bold header line itself (e.g.
// "**Decisions**"), never its body — boldSectionBody then slices the text
// between two header matches, which avoids the classic non-overlapping-
// match trap of trying to capture a lazy body up to the next header in
// the same regex (that would consume the next header's leading "**" as
// part of the previous match and break FindAll's left-to-right scan).
var sectionHeaderRe = regexp.MustCompile(`(?m)^\*\*([^*]+)\*\*\s*$`)

func bulletSection(block, title string) []string {
	body := boldSectionBody(block, title)
	return bullets(body)
}

func fileBulletSection(block, title string) []digest.File {
	body := boldSectionBody(block, title)
	items := bullets(body)
	out := make([]digest.File, 0, len(items))
	for _, it := range items {
		if path, reason, ok := strings.Cut(it, " — "); ok {
			out = append(out, digest.File{Path: path, Reason: reason})
		} else {
			out = append(out, digest.File{Path: it})
		}
	}
	return out
}

func boldSectionBody(block, title string) string {
	matches := sectionHeaderRe.FindAllStringSubmatchIndex(block, -1)
	for i, m := range matches {
		name := block[m[2]:m[3]]
		if !strings.EqualFold(strings.TrimSpace(name), title) {
			continue
		}
		start := m[1]
		end := len(block)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		return block[start:end]
	}
	return ""
}

func bullets(body string) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "n/a") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ExtractFromPayload mirrors the journal extraction but reads DIGEST fenced
// blocks out of a decoded JSON payload: flat text fields first
// (assistant_text, final_message, content), then a messages/history array.
func ExtractFromPayload(payload map[string]any) []*digest.Digest {
	var out []*digest.Digest
	for _, key := range []string{"assistant_text", "final_message", "content"} {
		if s, ok := payload[key].(string); ok {
			out = append(out, digest.ExtractAll(s)...)
		}
	}

	var msgs []any
	if v, ok := payload["messages"].([]any); ok {
		msgs = v
	} else if v, ok := payload["history"].([]any); ok {
		msgs = v
	}
	for _, m := range msgs {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"text", "content", "message", "assistant_text"} {
			if s, ok := mm[key].(string); ok {
				out = append(out, digest.ExtractAll(s)...)
			}
		}
	}

	if len(out) > MaxDigests {
		out = out[len(out)-MaxDigests:]
	}
	return out
}

// gitChanges is the parsed form of `git status --porcelain` / `git log`.
type gitChanges struct {
	modified []string
	created  []string
	commits  []string
}

func collectGitChanges(ctx context.Context, repo vcs.Repo) gitChanges {
	var gc gitChanges

	lines, err := repo.Status(ctx)
	if err == nil {
		for _, line := range lines {
			if len(line) < 3 {
				continue
			}
			status := strings.TrimSpace(line[:2])
			path := strings.TrimSpace(line[3:])
			switch {
			case status == "M":
				gc.modified = append(gc.modified, path)
			case status == "A" || status == "??":
				gc.created = append(gc.created, path)
			}
		}
	}

	if len(gc.modified) == 0 && len(gc.created) == 0 {
		out, err := repo.RecentCommits(ctx, 3)
		if err == nil {
			for _, line := range strings.Split(out, "\n") {
				if line == "" {
					continue
				}
				if subject, ok := strings.CutPrefix(line, "COMMIT:"); ok {
					gc.commits = append(gc.commits, strings.TrimSpace(subject))
					continue
				}
				if status, path, ok := strings.Cut(line, "\t"); ok {
					status = strings.TrimSpace(status)
					switch status {
					case "M":
						gc.modified = append(gc.modified, path)
					case "A":
						gc.created = append(gc.created, path)
					}
				}
			}
		}
	}
	return gc
}

var featureMapActiveLine = regexp.MustCompile(`(?i)active`)

// featureMapUpdates scrapes a table-formatted FEATURE_MAP.md in
// projectRoot for rows marked active, returning the feature name from the
// first column. Returns nil if the file doesn't exist.
func featureMapUpdates(projectRoot string) []string {
	data, err := os.ReadFile(filepath.Join(projectRoot, "FEATURE_MAP.md"))
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") || !featureMapActiveLine.MatchString(line) {
			continue
		}
		cells := strings.Split(line, "|")
		for _, c := range cells {
			c = strings.Trim(strings.TrimSpace(c), "*")
			if c != "" && !strings.EqualFold(c, "Feature") {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// FallbackFromVCS synthesises a single digest from local VCS signals when
// no DIGEST was found in the journal or the payload.
func FallbackFromVCS(ctx context.Context, repo vcs.Repo, projectRoot string) (*digest.Digest, bool) {
	gc := collectGitChanges(ctx, repo)
	updates := featureMapUpdates(projectRoot)

	if len(gc.modified) == 0 && len(gc.created) == 0 && len(updates) == 0 {
		return nil, false
	}

	decisions := updates
	if len(decisions) == 0 {
		decisions = gc.commits
	}
	if len(decisions) == 0 {
		decisions = []string{"Configuration and code updates"}
	}
	decisions = capN(decisions, 8)

	var files []digest.File
	for _, p := range capN(gc.modified, 10) {
		files = append(files, digest.File{Path: p, Reason: "modified"})
	}
	for _, p := range capN(gc.created, 10) {
		files = append(files, digest.File{Path: p, Reason: "created"})
	}

	return &digest.Digest{
		Agent:     "Main Agent (Direct Work)",
		TaskID:    "vcs-fallback-" + time.Now().UTC().Format("20060102"),
		Decisions: decisions,
		Files:     files,
	}, true
}

// ExtractFromJournal reads the last n entries from the journal at path and
// reconstructs digests from them.
func ExtractFromJournal(path string, n int) ([]*digest.Digest, error) {
	blocks, err := journal.LastEntries(path, n)
	if err != nil {
		return nil, err
	}
	return ExtractFromJournalEntries(blocks), nil
}

// ExtractDigests runs the three-step fallback chain: journal, then
// payload, then VCS signals.
func ExtractDigests(ctx context.Context, journalPath string, payload map[string]any, repo vcs.Repo, projectRoot string) []*digest.Digest {
	if ds, err := ExtractFromJournal(journalPath, journal.MaxEntries); err == nil && len(ds) > 0 {
		return ds
	}
	if ds := ExtractFromPayload(payload); len(ds) > 0 {
		return ds
	}
	if d, ok := FallbackFromVCS(ctx, repo, projectRoot); ok {
		return []*digest.Digest{d}
	}
	return nil
}

var sectionRe = func(title string) *regexp.Regexp {
	return regexp.MustCompile(`(?ism)^##\s*` + regexp.QuoteMeta(title) + `\s*$\n(.*?)(?:\n##\s|\z)`)
}

func scrapeSection(notesText string, titles ...string) []string {
	for _, title := range titles {
		m := sectionRe(title).FindStringSubmatch(notesText)
		if m == nil {
			continue
		}
		items := bullets(m[1])
		if len(items) > 0 {
			return items
		}
	}
	return nil
}

// Build unions digests into the final Summary: decisions/next_steps/
// contracts/owned_artifacts deduplicated preserving first-seen order,
// open_questions/risks scraped from H2 sections in notesText, agents_seen
// sorted.
func Build(digests []*digest.Digest, notesText string, wsiItems []wsi.Item, now time.Time) Summary {
	var decisions, nextSteps, contracts, owned []string
	var files []digest.File
	agents := map[string]bool{}

	for _, d := range digests {
		agent := d.Agent
		if agent == "" {
			agent = "UNKNOWN"
		}
		agents[agent] = true
		decisions = append(decisions, d.Decisions...)
		nextSteps = append(nextSteps, d.Next...)
		contracts = append(contracts, d.Contracts...)
		for _, f := range d.Files {
			if f.Path == "" {
				continue
			}
			owned = append(owned, f.Path)
			files = append(files, f)
		}
	}

	agentList := make([]string, 0, len(agents))
	for a := range agents {
		agentList = append(agentList, a)
	}
	sort.Strings(agentList)

	return Summary{
		Timestamp:        now.Format("2006-01-02 15:04:05 MST"),
		AgentsSeen:       agentList,
		Decisions:        dedupe(decisions),
		OpenQuestions:    scrapeSection(notesText, "Open Questions"),
		OwnedArtifacts:   dedupe(owned),
		ContractsTouched: dedupe(contracts),
		FilesTouched:     files,
		Risks:            scrapeSection(notesText, "Risks", "Risks / Assumptions", "Risk/Assumptions"),
		NextSteps:        dedupe(nextSteps),
		WSISnapshot:      wsiItems,
	}
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

func capN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// WriteJSON persists the Summary as indented JSON.
func WriteJSON(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("compaction: marshal: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

// WriteMarkdown renders the prescribed COMPACTION.md structure: Executive
// Summary, Key Decisions (<=5), Next Steps as a checklist, Critical Paths
// (<=10), Contracts Touched, Open Questions, Risks/Assumptions, and a
// collapsible WSI Snapshot.
func WriteMarkdown(path string, s Summary) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Compaction Summary — %s\n\n", s.Timestamp)

	b.WriteString("## Executive Summary\n")
	agents := "none"
	if len(s.AgentsSeen) > 0 {
		agents = strings.Join(s.AgentsSeen, ", ")
	}
	fmt.Fprintf(&b, "- Agents active: %s\n", agents)
	fmt.Fprintf(&b, "- Files modified: %s\n", strconv.Itoa(len(s.OwnedArtifacts)))
	fmt.Fprintf(&b, "- Contracts affected: %s\n", strconv.Itoa(len(s.ContractsTouched)))
	fmt.Fprintf(&b, "- Open questions: %s\n\n", strconv.Itoa(len(s.OpenQuestions)))

	writeListSection(&b, "Key Decisions (retain for context)", capN(s.Decisions, 5), "- %s\n")
	writeChecklistSection(&b, "Next Steps (actionable)", s.NextSteps)
	writePathsSection(&b, "Critical Paths (for JIT retrieval)", capN(s.OwnedArtifacts, 10))
	writeListSection(&b, "Contracts Touched (verify stability)", s.ContractsTouched, "- %s\n")
	writeListSection(&b, "Open Questions (needs resolution)", s.OpenQuestions, "- %s\n")
	writeListSection(&b, "Risks / Assumptions", s.Risks, "- %s\n")

	b.WriteString("<details>\n<summary>WSI Snapshot (expand if needed)</summary>\n\n")
	if len(s.WSISnapshot) == 0 {
		b.WriteString("- n/a\n")
	} else {
		for _, it := range s.WSISnapshot {
			fmt.Fprintf(&b, "- %s — %s\n", it.Path, it.Reason)
		}
	}
	b.WriteString("</details>\n")

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func writeListSection(b *strings.Builder, title string, items []string, format string) {
	fmt.Fprintf(b, "## %s\n", title)
	if len(items) == 0 {
		b.WriteString("- n/a\n\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, format, it)
	}
	b.WriteString("\n")
}

func writeChecklistSection(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "## %s\n", title)
	if len(items) == 0 {
		b.WriteString("- n/a\n\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- [ ] %s\n", it)
	}
	b.WriteString("\n")
}

func writePathsSection(b *strings.Builder, title string, items []string) {
	fmt.Fprintf(b, "## %s\n", title)
	if len(items) == 0 {
		b.WriteString("- n/a\n\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(b, "- `%s`\n", it)
	}
	b.WriteString("\n")
}
