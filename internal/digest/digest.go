// Package digest implements the DIGEST codec: extracting a DIGEST object
// from a fenced code block, and serialising it to the canonical
// ingestion text and the canonical journal markdown entry.
package digest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Type is the `type` tag. Unrecognised values are kept as-is
// rather than rejected — the schema is "closed" for documentation, not
// validation; the Type constants below list the documented values.
type Type string

const (
	TypeDecision      Type = "decision"
	TypeInvestigation Type = "investigation"
	TypeIncident      Type = "incident"
	TypeExperiment    Type = "experiment"
	TypeDesign        Type = "design"
	TypeStatus        Type = "status"
	TypeKnowledge     Type = "knowledge"
)

// Stage is the `stage` tag.
type Stage string

const (
	StageObserved    Stage = "observed"
	StageProposed    Stage = "proposed"
	StageImplemented Stage = "implemented"
	StageValidated   Stage = "validated"
	StageDeprecated  Stage = "deprecated"
)

// OutcomeStatus is the `outcome_status` tag.
type OutcomeStatus string

const (
	OutcomeNone     OutcomeStatus = "none"
	OutcomeExpected OutcomeStatus = "expected"
	OutcomePartial  OutcomeStatus = "partial"
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeFailed   OutcomeStatus = "failed"
)

// File is one `files[]` entry.
type File struct {
	Path    string   `json:"path"`
	Reason  string   `json:"reason,omitempty"`
	Anchors []string `json:"anchors,omitempty"`
}

// Digest is the central artifact. Unknown JSON fields are kept in Extra
// when a DIGEST is extracted. Extra is not written by json.Marshal, so a
// re-encoded Digest carries only the named fields.
type Digest struct {
	Type   Type   `json:"type,omitempty"`
	Agent  string `json:"agent"`
	TaskID string `json:"task_id"`

	Summary string `json:"summary,omitempty"`

	Problem  string `json:"problem,omitempty"`
	Symptom  string `json:"symptom,omitempty"`
	Question string `json:"question,omitempty"`

	RootCause string `json:"root_cause,omitempty"`
	Cause     string `json:"cause,omitempty"`

	Solution string `json:"solution,omitempty"`
	Fix      string `json:"fix,omitempty"`

	Outcome string `json:"outcome,omitempty"`
	Results string `json:"results,omitempty"`
	Impact  string `json:"impact,omitempty"`

	CrossProjectLesson string `json:"cross_project_lesson,omitempty"`
	Lesson              string `json:"lesson,omitempty"`

	Decisions []string          `json:"decisions,omitempty"`
	Files     []File            `json:"files,omitempty"`
	Contracts []string          `json:"contracts,omitempty"`
	Next      []string          `json:"next,omitempty"`
	Evidence  map[string]string `json:"evidence,omitempty"`

	ProblemType     string `json:"problem_type,omitempty"`
	SolutionPattern string `json:"solution_pattern,omitempty"`

	TechStack []string `json:"tech_stack,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`

	Stage         Stage         `json:"stage,omitempty"`
	OutcomeStatus OutcomeStatus `json:"outcome_status,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// defaults applies the documented field defaults.
func (d *Digest) defaults() {
	if d.Type == "" {
		d.Type = TypeDecision
	}
	if d.Stage == "" {
		d.Stage = StageImplemented
	}
	if d.OutcomeStatus == "" {
		d.OutcomeStatus = OutcomeNone
	}
	if d.Confidence == nil {
		c := 0.95
		d.Confidence = &c
	}
}

// fenceRe matches a fenced code block whose info string begins with any
// alphanumeric run followed by the literal word "DIGEST" (case
// insensitive), capturing the lazy `{ ... }` JSON body inside. The (?s)
// flag lets '.' cross newlines inside the fence.
var fenceRe = regexp.MustCompile(`(?is)` + "```" + `[a-z0-9]*\s*digest\s*\n(\{.*?\})\s*` + "```")

// ExtractFirst returns the first DIGEST found in text. A malformed JSON
// body inside an otherwise-matching fence is treated as "no DIGEST" — it
// never surfaces a parse error upward.
func ExtractFirst(text string) (*Digest, bool) {
	loc := fenceRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil, false
	}
	body := text[loc[2]:loc[3]]
	return parse(body)
}

// ExtractAll returns every DIGEST found in text, in order of appearance.
// Used by callers (e.g. the transcript scanner) that want to pick the
// last rather than the first match within one blob.
func ExtractAll(text string) []*Digest {
	var out []*Digest
	matches := fenceRe.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range matches {
		body := text[loc[2]:loc[3]]
		if d, ok := parse(body); ok {
			out = append(out, d)
		}
	}
	return out
}

func parse(body string) (*Digest, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, false
	}
	var d Digest
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, false
	}
	d.defaults()

	known := knownFieldNames()
	extra := map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		d.Extra = extra
	}
	return &d, true
}

func knownFieldNames() map[string]bool {
	return map[string]bool{
		"type": true, "agent": true, "task_id": true, "summary": true,
		"problem": true, "symptom": true, "question": true,
		"root_cause": true, "cause": true,
		"solution": true, "fix": true,
		"outcome": true, "results": true, "impact": true,
		"cross_project_lesson": true, "lesson": true,
		"decisions": true, "files": true, "contracts": true, "next": true,
		"evidence": true, "problem_type": true, "solution_pattern": true,
		"tech_stack": true, "keywords": true, "stage": true,
		"outcome_status": true, "confidence": true,
	}
}

// Acceptable reports whether the DIGEST meets the ingestion-queue
// acceptance bar: agent and task_id mandatory, task_id not
// "untagged"/empty, and at least one of {summary, (problem and solution),
// decisions} non-empty.
func (d *Digest) Acceptable() (bool, string) {
	if d.Agent == "" || d.Agent == "UNKNOWN" {
		return false, "agent missing or UNKNOWN"
	}
	if d.TaskID == "" || d.TaskID == "untagged" {
		return false, "task_id missing or untagged"
	}
	if strings.TrimSpace(d.Summary) != "" {
		return true, ""
	}
	if d.problemText() != "" && d.solutionText() != "" {
		return true, ""
	}
	if len(d.Decisions) > 0 {
		return true, ""
	}
	return false, "none of summary, (problem and solution), decisions is present"
}

func (d *Digest) problemText() string {
	return firstNonEmpty(d.Problem, d.Symptom, d.Question)
}

func (d *Digest) rootCauseText() string {
	return firstNonEmpty(d.RootCause, d.Cause)
}

func (d *Digest) solutionText() string {
	return firstNonEmpty(d.Solution, d.Fix)
}

func (d *Digest) outcomeText() string {
	return firstNonEmpty(d.Outcome, d.Results, d.Impact)
}

func (d *Digest) lessonText() string {
	return firstNonEmpty(d.CrossProjectLesson, d.Lesson)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MinIngestionLength is the shortest acceptable canonical ingestion
// text, in characters.
const MinIngestionLength = 50

// ErrInsufficientLength is returned by ToIngestionText when the rendered
// text falls short of MinIngestionLength.
var ErrInsufficientLength = fmt.Errorf("digest: insufficient_length")

// ToIngestionText renders the fixed template (order significant).
// Returns ErrInsufficientLength if the result is under MinIngestionLength
// chars — the queue must not accept it.
func (d *Digest) ToIngestionText() (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "Session Summary: %s agent completed task '%s'\n", d.Agent, d.TaskID)

	if s := strings.TrimSpace(d.Summary); s != "" {
		fmt.Fprintf(&b, "Summary: %s\n", s)
	}
	if p := d.problemText(); p != "" {
		fmt.Fprintf(&b, "Problem: %s\n", p)
	}
	if rc := d.rootCauseText(); rc != "" {
		fmt.Fprintf(&b, "Root Cause: %s\n", rc)
	}

	if sol := d.solutionText(); sol != "" {
		fmt.Fprintf(&b, "Solution: %s\n", sol)
	} else if len(d.Decisions) > 0 {
		b.WriteString("Solution:\n")
		for i, dec := range d.Decisions {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, dec)
		}
	}

	if out := d.outcomeText(); out != "" {
		fmt.Fprintf(&b, "Outcome: %s\n", out)
	} else if len(d.Evidence) > 0 {
		fmt.Fprintf(&b, "Outcome: %s\n", evidenceList(d.Evidence))
	}

	if lesson := d.lessonText(); lesson != "" {
		fmt.Fprintf(&b, "Cross-Project Lesson: %s\n", lesson)
	}

	if len(d.Files) > 0 {
		names := make([]string, 0, len(d.Files))
		for _, f := range d.Files {
			names = append(names, basename(f.Path))
		}
		limit := 3
		if len(names) <= limit {
			fmt.Fprintf(&b, "Project Context: %s\n", strings.Join(names, ", "))
		} else {
			more := len(names) - limit
			fmt.Fprintf(&b, "Project Context: %s (and %d more files)\n", strings.Join(names[:limit], ", "), more)
		}
	}

	if len(d.Contracts) > 0 {
		fmt.Fprintf(&b, "API Contracts Affected: %s\n", strings.Join(capN(d.Contracts, 3), ", "))
	}

	if len(d.Next) > 0 {
		fmt.Fprintf(&b, "Recommended Next Steps: %s\n", strings.Join(capN(d.Next, 3), ", "))
	}

	text := b.String()
	if len(text) < MinIngestionLength {
		return "", ErrInsufficientLength
	}
	return text, nil
}

func evidenceList(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic-enough for a human-facing text rendering; evidence is
	// a small map in practice (counters/durations/links).
	sortStrings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func capN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
