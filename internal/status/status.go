// Package status synthesises a bounded, idempotent status block — phase,
// recent decisions, risks, next steps, and a "hot focus" component — and
// splices it into a designated user-facing markdown document (typically
// CLAUDE.md) between sentinel tags. It reads the journal tail and the WSI
// unconditionally, and queries the vector memory service opportunistically
// when enabled and the ingestion queue is empty.
package status

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"sessionpipe/internal/vectorrpc"
	"sessionpipe/internal/wsi"
)

// TagStart/TagEnd delimit the rendered block; any existing occurrence
// between them is replaced wholesale, never merged field-by-field.
const (
	TagStart = "<project_status>"
	TagEnd   = "</project_status>"
)

// ContextEngineeringAnchor is the closing tag the block is inserted after
// when present; otherwise the block is prepended to the document.
const ContextEngineeringAnchor = "</context_engineering>"

// Milestones is the compact "what's done / what's next / ETA" triad.
type Milestones struct {
	Done []string
	Next []string
	ETA  []string
}

// Snapshot is the fused status used to render the block.
type Snapshot struct {
	Project       string
	UpdatedAt     string
	DataState     string // "fresh" | "stale"
	Queue         int
	Mode          string // "vector" | "local"
	Summary       string
	Milestones    Milestones
	Decisions     []string
	Risks         []string
	OpenQuestions []string
	Components    []string
}

// Config carries the paths and toggles Refresh needs. Whether to actually
// query the vector service is decided by Fused.EnableVectorRAG together
// with Fused.QueueDepth (only query an empty queue), not here — this
// struct is guard/path configuration, Fused is the per-run data snapshot.
type Config struct {
	ProjectRoot     string
	LogsDir         string
	WSIPath         string
	TargetPath      string // e.g. CLAUDE.md; never created, only updated
	QueueDir        string
	DisableUpdate   bool
	AllowGlobalRoot bool
	VectorClient    *vectorrpc.Client
	VectorTimeout   time.Duration
}

// ShouldSkip reports the reason a write should be skipped, per the two
// hard guards: an explicit opt-out, and protection of the global
// ~/.claude root unless explicitly allowed.
func ShouldSkip(cfg Config) (string, bool) {
	if cfg.DisableUpdate {
		return "env:DISABLE_CLAUDE_MD_UPDATE", true
	}
	if isGlobalRoot(cfg.ProjectRoot) && !cfg.AllowGlobalRoot {
		return "global_root_protected", true
	}
	return "", false
}

func isGlobalRoot(projectRoot string) bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	a, err1 := filepath.EvalSymlinks(projectRoot)
	b, err2 := filepath.EvalSymlinks(filepath.Join(home, ".claude"))
	if err1 != nil || err2 != nil {
		return false
	}
	return a == b
}

// CompactLine collapses whitespace and truncates to limit runes, appending
// an ellipsis when truncated.
func CompactLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}

var notesHeaderRe = regexp.MustCompile(`## \[[^\]\n]*\]`)
var decisionsBulletRe = regexp.MustCompile(`(?s)\*\*Decisions\*\*[\r\n]+(.*?)(?:\n\*\*|\z)`)
var filesBulletRe = regexp.MustCompile(`(?s)\*\*Files\*\*[\r\n]+(.*?)(?:\n\*\*|\z)`)

// NotesExtract is the journal-tail-derived fallback: compacted recent
// decisions and basenames of recently touched files.
type NotesExtract struct {
	Decisions  []string
	Components []string
}

// ExtractFromNotes scrapes the last `count` journal entries for their
// Decisions and Files bullet sections, mirroring the journal's own
// bullet-markdown shape (see internal/compaction for the stricter,
// header-aware version of this scrape; this one only needs compacted
// text, not full digest reconstruction).
func ExtractFromNotes(notesText string, count int) NotesExtract {
	if notesText == "" {
		return NotesExtract{}
	}
	locs := notesHeaderRe.FindAllStringIndex(notesText, -1)
	sections := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(notesText)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, notesText[loc[1]:end])
	}
	if len(sections) > count {
		sections = sections[len(sections)-count:]
	}

	var decisions, components []string
	for _, section := range sections {
		if dm := decisionsBulletRe.FindStringSubmatch(section); dm != nil {
			for _, line := range strings.Split(dm[1], "\n") {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "- ") {
					decisions = append(decisions, CompactLine(line[2:], 85))
				}
			}
		}
		if fm := filesBulletRe.FindStringSubmatch(section); fm != nil {
			for _, line := range strings.Split(fm[1], "\n") {
				line = strings.TrimSpace(line)
				if !strings.HasPrefix(line, "- ") {
					continue
				}
				path := strings.TrimSpace(strings.SplitN(line[2:], " — ", 2)[0])
				if path != "" {
					components = append(components, filepath.Base(path))
				}
			}
		}
	}

	return NotesExtract{Decisions: capN(decisions, 3), Components: dedupeCap(components, 5)}
}

// ComponentsFromWSI returns the basenames of WSI paths, most recent last
// as stored, deduplicated and capped.
func ComponentsFromWSI(items []wsi.Item, max int) []string {
	var out []string
	for _, it := range items {
		if it.Path != "" {
			out = append(out, filepath.Base(it.Path))
		}
	}
	return dedupeCap(out, max)
}

// HotComponents derives up to 3 most-frequently-touched basenames from the
// last 20 WSI entries, and a single dominant "hot focus" component when
// one basename clearly dominates recent activity (appears at least twice,
// strictly more than the runner-up, and is at least ~a third of all
// considered touches).
func HotComponents(items []wsi.Item) (hot []string, focus string) {
	recent := items
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	freq := map[string]int{}
	var order []string
	total := 0
	for _, it := range recent {
		name := filepath.Base(it.Path)
		if name == "" {
			continue
		}
		if freq[name] == 0 {
			order = append(order, name)
		}
		freq[name]++
		total++
	}
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })

	if len(order) == 0 {
		return nil, ""
	}
	if len(order) > 3 {
		hot = order[:3]
	} else {
		hot = order
	}

	topCount := freq[order[0]]
	nextCount := 0
	if len(order) > 1 {
		nextCount = freq[order[1]]
	}
	if total > 0 && topCount >= 2 && topCount >= nextCount+1 && float64(topCount)/float64(total) >= 0.34 {
		focus = order[0]
	}
	return hot, focus
}

// InferPhase applies the same keyword heuristics as the original
// PM-facing status line: onboarding signals, queue backlog, then
// next-steps/risk vocabulary, falling back to "Executing".
func InferPhase(decisions, risks, next []string, dataState string, queued int, vectorEnabled bool) string {
	d := strings.ToLower(strings.Join(decisions, " \n "))
	r := strings.ToLower(strings.Join(risks, " \n "))
	n := strings.ToLower(strings.Join(next, " \n "))

	if !vectorEnabled || dataState != "fresh" {
		if strings.Contains(r, "credential") || strings.Contains(r, "enable") ||
			strings.Contains(d, "setup") || strings.Contains(n, "setup") {
			return "Onboarding"
		}
	}
	if queued > 0 || strings.Contains(d, "ingest") || strings.Contains(r, "ingest") {
		return "Stabilizing Vector RAG"
	}
	if containsAny(n, "migrate", "refactor", "schema", "design") {
		return "Implementing"
	}
	if containsAny(n, "integrat", "wire", "router", "cohesion") {
		return "Integrating"
	}
	if containsAny(n, "verify", "test", "canary", "readiness", "release") {
		return "Verifying"
	}
	if containsAny(r, "security", "incident", "regression") {
		return "Hardening"
	}
	return "Executing"
}

func containsAny(s string, keys ...string) bool {
	for _, k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// vectorHit is one memory_search result entry.
type vectorHit struct {
	Meta      map[string]any `json:"meta"`
	Text      string         `json:"text"`
	Snippet   string         `json:"snippet"`
	Path      string         `json:"path"`
	UpdatedAt string         `json:"updated_at"`
}

func (h vectorHit) metaString(key string) string {
	if h.Meta == nil {
		return ""
	}
	if v, ok := h.Meta[key].(string); ok {
		return v
	}
	return ""
}

func (h vectorHit) body() string {
	if h.Text != "" {
		return h.Text
	}
	return h.Snippet
}

func (h vectorHit) line() string {
	title := h.metaString("task_id")
	if title == "" {
		title = h.Path
	}
	if title == "" {
		title = h.metaString("category")
	}
	if title == "" {
		title = "item"
	}
	return CompactLine(title+": "+h.body(), 85)
}

// ageDays reports elapsed days since the hit's updated_at, best-effort;
// 0 when absent/unparseable.
func (h vectorHit) ageDays(now time.Time) float64 {
	if h.UpdatedAt == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, h.UpdatedAt)
	if err != nil {
		return 0
	}
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

var decisionTypeWeights = map[string]float64{"decision": 1.0, "incident": 0.9, "status": 0.8}
var riskSeverityWeights = map[string]float64{
	"security": 1.0, "data": 0.95, "infra": 0.9, "regression": 0.88, "build": 0.8, "timeout": 0.7,
}

func decay(ageDays float64) float64 {
	return math.Exp(-0.05 * ageDays)
}

func scoreDecision(h vectorHit, now time.Time) float64 {
	t := strings.ToLower(h.metaString("type"))
	if t == "" {
		t = strings.ToLower(h.metaString("category"))
	}
	w, ok := decisionTypeWeights[t]
	if !ok {
		w = 0.7
	}
	return w * decay(h.ageDays(now))
}

func scoreRisk(h vectorHit, now time.Time) float64 {
	w, ok := riskSeverityWeights[strings.ToLower(h.metaString("problem_type"))]
	if !ok {
		w = 0.75
	}
	return w * decay(h.ageDays(now))
}

// mentionBonus boosts a hit that name-checks a hot-focus or active
// component, rewarding relevance to what the session actually touched.
func mentionBonus(h vectorHit, active, hot []string) float64 {
	blob := strings.ToLower(h.body())
	for _, name := range hot {
		n := strings.ToLower(strings.TrimSpace(name))
		if len(n) >= 3 && strings.Contains(blob, n) {
			return 1.25
		}
	}
	for _, name := range active {
		n := strings.ToLower(strings.TrimSpace(name))
		if len(n) >= 3 && strings.Contains(blob, n) {
			return 1.15
		}
	}
	return 1.0
}

func rankLines(hits []vectorHit, score func(vectorHit) float64, active, hot []string, limit int) []string {
	type scored struct {
		hit vectorHit
		s   float64
	}
	ranked := make([]scored, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, scored{h, score(h) * mentionBonus(h, active, hot)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].s > ranked[j].s })

	var out []string
	seen := map[string]bool{}
	for _, r := range ranked {
		line := r.hit.line()
		key := strings.SplitN(line, ":", 2)[0]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) >= limit {
			break
		}
	}
	return out
}

var nextStepsRe = regexp.MustCompile(`(?is)next(?:\s*steps)?\s*:\s*(.*)`)
var bulletPrefixRe = regexp.MustCompile(`^[-*0-9.\s]+`)

// extractNextSteps pulls bullet or inline "Next:" content out of free text,
// capped at limit and deduplicated.
func extractNextSteps(text string, limit int) []string {
	var out []string
	if m := nextStepsRe.FindStringSubmatch(text); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			s := strings.TrimSpace(line)
			if s == "" {
				continue
			}
			if strings.HasPrefix(s, "- ") || strings.HasPrefix(s, "* ") ||
				strings.HasPrefix(s, "1.") || strings.HasPrefix(s, "2.") || strings.HasPrefix(s, "3.") {
				s = bulletPrefixRe.ReplaceAllString(s, "")
			}
			if s != "" {
				out = append(out, CompactLine(s, 85))
			}
			if len(out) >= limit {
				break
			}
		}
	}
	return dedupeCap(out, limit)
}

// Fused is the raw material Collect needs before it can build a Snapshot:
// everything that comes from the filesystem or the vector RPC child.
type Fused struct {
	ProjectRoot     string
	NotesText       string
	WSI             wsi.Index
	QueueDepth      int
	EnableVectorRAG bool
	Now             time.Time
}

// Collect fuses vector-search results (when the caller passes a non-nil
// client and the queue is empty) with the local journal/WSI fallback into
// a Snapshot, inferring phase and hot focus along the way.
func Collect(ctx context.Context, f Fused, client *vectorrpc.Client, timeout time.Duration) Snapshot {
	fb := ExtractFromNotes(f.NotesText, 3)
	wsiComponents := ComponentsFromWSI(f.WSI.Items, 5)
	hot, focus := HotComponents(f.WSI.Items)

	active := dedupeCap(append(append([]string{}, fb.Components...), wsiComponents...), 8)

	doVector := client != nil && f.EnableVectorRAG && f.QueueDepth == 0

	var decisions, risks, next []string
	var eta []string
	vectorEnabled := doVector

	if doVector {
		decHits := searchHits(ctx, *client, timeout, f.ProjectRoot,
			"project status decisions recent", 6, []string{"decision", "status", "incident"}, "type")
		riskHits := searchHits(ctx, *client, timeout, f.ProjectRoot,
			"risk blocker incident regression", 6, []string{"timeout", "build", "security", "infra"}, "problem_type")
		nextHits := searchHits(ctx, *client, timeout, f.ProjectRoot, "milestone next plan", 6, nil, "")

		if len(decHits) > 0 {
			decisions = rankLines(decHits, func(h vectorHit) float64 { return scoreDecision(h, f.Now) }, active, hot, 3)
		} else {
			decisions = fb.Decisions
		}
		if len(riskHits) > 0 {
			risks = rankLines(riskHits, func(h vectorHit) float64 { return scoreRisk(h, f.Now) }, active, hot, 3)
		}

		type ranked struct {
			hit   vectorHit
			bonus float64
		}
		rs := make([]ranked, 0, len(nextHits))
		for _, h := range nextHits {
			rs = append(rs, ranked{h, mentionBonus(h, active, hot)})
		}
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].bonus > rs[j].bonus })
		for _, r := range rs {
			for _, s := range extractNextSteps(r.hit.body(), 3) {
				if !containsString(next, s) {
					next = append(next, s)
				}
			}
			if len(next) >= 3 {
				break
			}
			if len(eta) < 2 {
				eta = append(eta, extractETA(r.hit.body())...)
			}
		}
	} else {
		decisions = fb.Decisions
	}

	hasCredsWarning := false // the caller may fold WARNINGS.md scraping in before calling Collect
	dataState := "stale"
	if vectorEnabled && !hasCredsWarning && f.QueueDepth == 0 {
		dataState = "fresh"
	}

	phase := InferPhase(decisions, risks, next, dataState, f.QueueDepth, vectorEnabled)

	summary := "Phase: " + phase + " — Status snapshot from vector digests + local logs"
	if focus != "" {
		summary = "Phase: " + phase + " — Focus: " + focus + " — Status snapshot from vector digests + local logs"
	}

	var done []string
	if len(decisions) > 0 {
		done = decisions[:1]
	}
	var nextMilestone []string
	if len(next) > 0 {
		nextMilestone = next[:1]
	}

	mode := "local"
	if vectorEnabled {
		mode = "vector"
	}

	components := wsiComponents
	if len(fb.Components) > 0 {
		components = fb.Components
	}

	return Snapshot{
		Project:   filepath.Base(f.ProjectRoot),
		UpdatedAt: f.Now.Format("2006-01-02 15:04:05 MST"),
		DataState: dataState,
		Queue:     f.QueueDepth,
		Mode:      mode,
		Summary:   summary,
		Milestones: Milestones{
			Done: done,
			Next: nextMilestone,
			ETA:  capN(eta, 2),
		},
		Decisions:  decisions,
		Risks:      risks,
		Components: capN(components, 5),
	}
}

var etaRe = regexp.MustCompile(`(?i)ETA\s*:\s*([^\n]+)`)
var byDateRe = regexp.MustCompile(`(?i)\bby\s+(\w{3,9}(?:\s+\d{1,2}(?:st|nd|rd|th)?|\s*EOD|\s*EOW|\s*tomorrow|\s*today)\b[\w\s:]*)`)

func extractETA(text string) []string {
	var out []string
	for _, m := range etaRe.FindAllStringSubmatch(text, -1) {
		out = append(out, CompactLine(m[1], 85))
	}
	for _, m := range byDateRe.FindAllStringSubmatch(text, -1) {
		out = append(out, CompactLine(m[0], 85))
	}
	return dedupeCap(out, 2)
}

func searchHits(ctx context.Context, client vectorrpc.Client, timeout time.Duration, projectRoot, query string, k int, allowedValues []string, metaKey string) []vectorHit {
	res := client.Search(ctx, timeout, projectRoot, query, k, false)
	if res.Error != "" || res.Raw == nil {
		return nil
	}
	var payload struct {
		Results []vectorHit `json:"results"`
	}
	if err := json.Unmarshal(res.Raw, &payload); err != nil {
		return nil
	}
	if metaKey == "" || len(allowedValues) == 0 {
		return payload.Results
	}
	var out []vectorHit
	for _, h := range payload.Results {
		v := strings.ToLower(h.metaString(metaKey))
		for _, allowed := range allowedValues {
			if v == strings.ToLower(allowed) {
				out = append(out, h)
				break
			}
		}
	}
	return out
}

// RenderBlock renders the fixed, sentinel-wrapped status block.
func RenderBlock(s Snapshot) string {
	var b strings.Builder
	b.WriteString(TagStart + "\n")
	b.WriteString("Project: " + s.Project + " | Last Update: " + s.UpdatedAt +
		" | Data: " + s.DataState + " (queue=" + strconv.Itoa(s.Queue) + ")\n")
	b.WriteString("Summary:\n")
	summary := s.Summary
	if summary == "" {
		summary = "n/a"
	}
	b.WriteString("- " + CompactLine(summary, 85) + "\n")

	b.WriteString("Milestones:\n")
	if len(s.Milestones.Done) > 0 {
		b.WriteString("- Done: " + CompactLine(s.Milestones.Done[0], 85) + "\n")
	}
	if len(s.Milestones.Next) > 0 {
		b.WriteString("- Next: " + CompactLine(s.Milestones.Next[0], 85) + "\n")
	}
	if len(s.Milestones.ETA) > 0 {
		b.WriteString("- ETA: " + CompactLine(strings.Join(s.Milestones.ETA, "; "), 85) + "\n")
	}

	if len(s.Decisions) > 0 {
		b.WriteString("Decisions (recent):\n")
		for _, d := range capN(s.Decisions, 3) {
			b.WriteString("- " + CompactLine(d, 85) + "\n")
		}
	}

	if len(s.Risks) > 0 {
		b.WriteString("Risks/Blockers:\n")
		for _, r := range capN(s.Risks, 3) {
			b.WriteString("- " + CompactLine(r, 85) + "\n")
		}
	}

	if len(s.OpenQuestions) > 0 {
		b.WriteString("Open Questions:\n")
		for _, q := range capN(s.OpenQuestions, 3) {
			b.WriteString("- " + CompactLine(q, 85) + "\n")
		}
	}

	if len(s.Components) > 0 {
		b.WriteString("Activity Snapshot:\n")
		b.WriteString("- Components: " + strings.Join(capN(s.Components, 5), ", ") + "\n")
	}

	b.WriteString(TagEnd + "\n")
	return b.String()
}

var blockRe = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(TagStart) + `.*?` + regexp.QuoteMeta(TagEnd) + `\n{0,2}`)

// InsertOrReplace removes any existing status block(s) (with up to two
// newlines after each) from mdText, then inserts block immediately after
// ContextEngineeringAnchor when present, else prepends it. Feeding the
// result back in with the same block returns it unchanged.
func InsertOrReplace(mdText, block string) string {
	cleaned := blockRe.ReplaceAllString(mdText, "")
	idx := strings.Index(cleaned, ContextEngineeringAnchor)
	if idx == -1 {
		return block + "\n" + cleaned
	}
	insertAt := idx + len(ContextEngineeringAnchor)
	rest := strings.TrimPrefix(cleaned[insertAt:], "\n\n")
	return cleaned[:insertAt] + "\n\n" + block + "\n" + rest
}

// Result is the outcome of Refresh.
type Result struct {
	OK      bool
	Updated bool
	Skipped string
	Error   string
}

// Refresh performs the whole idempotent update: guard checks, read (never
// create) the target document, collect and render the block, and write
// back only if the resulting document differs from what's on disk.
func Refresh(ctx context.Context, cfg Config, f Fused) Result {
	if reason, skip := ShouldSkip(cfg); skip {
		return Result{OK: true, Skipped: reason}
	}

	before, err := os.ReadFile(cfg.TargetPath)
	if err != nil {
		return Result{Error: "target document not found at " + cfg.TargetPath}
	}

	var client *vectorrpc.Client
	if cfg.VectorClient != nil {
		client = cfg.VectorClient
	}
	snapshot := Collect(ctx, f, client, cfg.VectorTimeout)
	block := RenderBlock(snapshot)
	after := InsertOrReplace(string(before), block)

	if sha256.Sum256(before) == sha256.Sum256([]byte(after)) {
		return Result{OK: true, Updated: false}
	}
	if err := os.WriteFile(cfg.TargetPath, []byte(after), 0o644); err != nil {
		return Result{Error: err.Error()}
	}
	return Result{OK: true, Updated: true}
}

func capN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func dedupeCap(items []string, n int) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) >= n {
			break
		}
	}
	return out
}

func containsString(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

