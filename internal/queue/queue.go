// Package queue implements the durable ingestion queue: one job per
// file, JSON-encoded, with states {queued, dead}, attempt counts,
// exponential backoff with jitter, and a dead-letter directory.
package queue

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"sessionpipe/internal/digest"
)

// Status values.
const (
	StatusQueued = "queued"
	StatusDead   = "dead"
)

// Default tuning.
const (
	DefaultMaxAttempts = 6
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 900 * time.Second
)

// DefaultNonfatalPattern matches common retryable transport errors.
var DefaultNonfatalPattern = regexp.MustCompile(`(?i)timed out|ECONN|ENETUNREACH|ETIMEDOUT|EAI_AGAIN|connection reset|timeout`)

// Config tunes Drain's retry behaviour.
type Config struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	NonfatalPattern *regexp.Regexp
}

// DefaultConfig returns the package defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     DefaultMaxAttempts,
		BackoffBase:     DefaultBackoffBase,
		BackoffCap:      DefaultBackoffCap,
		NonfatalPattern: DefaultNonfatalPattern,
	}
}

// Payload is the ingestible content precomputed at enqueue time so Drain
// never needs to recompute the canonical ingestion text.
type Payload struct {
	Digest json.RawMessage   `json:"digest"`
	Text   string            `json:"text"`
	Path   string            `json:"path"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Job is one ingestion job.
type Job struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	ProjectRoot  string  `json:"project_root"`
	EnqueuedAt   string  `json:"enqueued_at"`
	AttemptCount int     `json:"attempt_count"`
	LastAttempt  string  `json:"last_attempt,omitempty"`
	LastError    string  `json:"last_error,omitempty"`
	Status       string  `json:"status"`
	Payload      Payload `json:"payload"`
}

// Enqueue mints a job id, renders the canonical ingestion text, and
// writes the job file to queueDir. Never fails in a way that blocks the
// caller: a rejected or unwritable digest is reported via ok=false with a
// reason, not an error.
func Enqueue(queueDir, projectRoot string, d *digest.Digest, now time.Time) (id string, ok bool, reason string) {
	if accept, why := d.Acceptable(); !accept {
		return "", false, why
	}
	text, err := d.ToIngestionText()
	if err != nil {
		return "", false, "insufficient_length"
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return "", false, "digest_marshal_failed"
	}

	path := fmt.Sprintf("NOTES.md#digest-%s", d.TaskID)
	job := Job{
		ID:           newID(now),
		Type:         "digest",
		ProjectRoot:  projectRoot,
		EnqueuedAt:   now.Format(time.RFC3339),
		AttemptCount: 0,
		Status:       StatusQueued,
		Payload: Payload{
			Digest: raw,
			Text:   text,
			Path:   path,
			Meta:   map[string]string{"agent": d.Agent, "task_id": d.TaskID, "type": string(d.Type)},
		},
	}

	if err := writeJob(queueDir, job); err != nil {
		return "", false, "write_failed"
	}
	return job.ID, true, ""
}

func newID(now time.Time) string {
	ms := now.UnixMilli()
	suffix := randHex(8)
	return fmt.Sprintf("%d-%s", ms, suffix)
}

func randHex(n int) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(hexDigits))))
		if err != nil {
			// crypto/rand failure is exceptionally rare; fall back to a
			// weaker source rather than fail enqueue outright.
			buf[i] = hexDigits[mathrand.Intn(len(hexDigits))]
			continue
		}
		buf[i] = hexDigits[idx.Int64()]
	}
	return string(buf)
}

func jobPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

func writeJob(dir string, j Job) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jobPath(dir, j.ID), data, 0o644)
}

func readJob(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// listByMtime lists queue job files sorted by modification time
// ascending (oldest first).
func listByMtime(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type withMtime struct {
		path  string
		mtime time.Time
	}
	var files []withMtime
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, withMtime{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Result is what an Ingestor returns for a single attempt.
type Result struct {
	// Err is set on any failure. A nil Err with NoCreds unset means
	// success.
	Err error
	// NoCreds marks a "not configured" condition (e.g. missing API
	// credentials), with or without Err: the attempt doesn't count against
	// AttemptCount and doesn't move the job toward dead-lettering.
	NoCreds bool
}

// Ingestor performs one ingestion attempt against the vector RPC client
// (or any substitute in tests). path/text/meta mirror the memory_ingest
// RPC arguments.
type Ingestor func(projectRoot, path, text string, meta map[string]string) Result

// Summary reports what one Drain call did, per-job-outcome.
type Summary struct {
	Succeeded      int
	Retryable      int
	Dead           int
	FailedQueued   int
	SkippedBackoff int
	SkippedNoCreds int
	CorruptDropped int
	NoCredsMessage string
}

// Processed is the number of jobs an actual ingestion attempt was made
// for (excludes skipped_backoff and corrupt-dropped jobs).
func (s Summary) Processed() int {
	return s.Succeeded + s.Retryable + s.Dead + s.FailedQueued + s.SkippedNoCreds
}

// Backoff computes the exponential-with-jitter delay before attempt
// number attemptCount+1 is eligible. The very first
// attempt (attemptCount == 0) is always immediately eligible.
func Backoff(cfg Config, attemptCount int, rnd *mathrand.Rand) time.Duration {
	if attemptCount <= 0 {
		return 0
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}
	cap := cfg.BackoffCap
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	d := base * time.Duration(1<<uint(attemptCount-1))
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := 0.875 + rnd.Float64()*0.25 // +/- 12.5%
	d = time.Duration(float64(d) * jitter)
	if d > cap {
		d = cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Drain processes up to maxJobs queued jobs within timeBudget, oldest
// first, calling ingest for each eligible job and applying the outcome
// classification:
//
//   - success: job file deleted.
//   - no-creds: attempt not counted, job left queued untouched (besides
//     last_error and last_attempt), counted separately so the caller can
//     warn once.
//   - retryable (matches cfg.NonfatalPattern): attempt counted,
//     last_error recorded, job stays queued for a later drain.
//   - fatal, under MaxAttempts: attempt counted, last_error recorded,
//     job stays queued.
//   - fatal, at or over MaxAttempts: job moved to deadDir with
//     status=dead.
//
// A job whose file fails to parse is deleted and counted as
// CorruptDropped rather than retried forever.
func Drain(queueDir, deadDir string, maxJobs int, timeBudget time.Duration, cfg Config, ingest Ingestor, now func() time.Time, rnd *mathrand.Rand) Summary {
	if cfg.NonfatalPattern == nil {
		cfg = DefaultConfig()
	}
	if rnd == nil {
		rnd = mathrand.New(mathrand.NewSource(now().UnixNano()))
	}

	var summary Summary
	deadline := now().Add(timeBudget)

	paths, err := listByMtime(queueDir)
	if err != nil {
		return summary
	}

	processed := 0
	for _, p := range paths {
		if processed >= maxJobs || now().After(deadline) {
			break
		}

		job, err := readJob(p)
		if err != nil {
			os.Remove(p)
			summary.CorruptDropped++
			continue
		}

		if job.AttemptCount > 0 {
			var lastAttempt time.Time
			if job.LastAttempt != "" {
				lastAttempt, _ = time.Parse(time.RFC3339, job.LastAttempt)
			}
			wait := Backoff(cfg, job.AttemptCount, rnd)
			if !lastAttempt.IsZero() && now().Sub(lastAttempt) < wait {
				summary.SkippedBackoff++
				continue
			}
		}

		result := ingest(job.ProjectRoot, job.Payload.Path, job.Payload.Text, job.Payload.Meta)
		job.LastAttempt = now().Format(time.RFC3339)

		switch {
		case result.NoCreds:
			msg := "vector memory not configured"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			job.LastError = msg
			_ = writeJob(queueDir, job)
			summary.SkippedNoCreds++
			summary.NoCredsMessage = msg
			processed++

		case result.Err == nil:
			os.Remove(p)
			summary.Succeeded++
			processed++

		case cfg.NonfatalPattern.MatchString(result.Err.Error()):
			job.AttemptCount++
			job.LastError = result.Err.Error()
			_ = writeJob(queueDir, job)
			summary.Retryable++
			processed++

		default:
			job.AttemptCount++
			job.LastError = result.Err.Error()
			maxAttempts := cfg.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = DefaultMaxAttempts
			}
			if job.AttemptCount >= maxAttempts {
				job.Status = StatusDead
				os.Remove(p)
				_ = writeJob(deadDir, job)
				summary.Dead++
			} else {
				_ = writeJob(queueDir, job)
				summary.FailedQueued++
			}
			processed++
		}
	}

	return summary
}

// DeadJob is one entry in Status's dead-letter sample.
type DeadJob struct {
	ID           string `json:"id"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error"`
	LastAttempt  string `json:"last_attempt"`
}

// StatusReport summarizes queue depth for `cmd/hook-stop --queue-status`.
type StatusReport struct {
	Queued   int       `json:"queued"`
	Dead     int       `json:"dead"`
	DeadJobs []DeadJob `json:"dead_jobs,omitempty"`
}

// Status reports queue/dead-letter depth and the last n dead jobs by
// mtime, listed oldest of those first.
func Status(queueDir, deadDir string, lastN int) (StatusReport, error) {
	queued, err := listByMtime(queueDir)
	if err != nil {
		return StatusReport{}, err
	}
	dead, err := listByMtime(deadDir)
	if err != nil {
		return StatusReport{}, err
	}

	report := StatusReport{Queued: len(queued), Dead: len(dead)}
	start := 0
	if len(dead) > lastN {
		start = len(dead) - lastN
	}
	for _, p := range dead[start:] {
		job, err := readJob(p)
		if err != nil {
			continue
		}
		report.DeadJobs = append(report.DeadJobs, DeadJob{
			ID:           job.ID,
			AttemptCount: job.AttemptCount,
			LastError:    job.LastError,
			LastAttempt:  job.LastAttempt,
		})
	}
	return report, nil
}

// RetryDead moves up to limit dead-lettered jobs (oldest first) back into
// the queue, resetting attempt_count and status, with collision-safe
// renaming if a queued job of the same id already exists. limit <= 0
// means unbounded.
func RetryDead(queueDir, deadDir string, limit int, now time.Time) (int, error) {
	paths, err := listByMtime(deadDir)
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	retried := 0
	for _, p := range paths {
		job, err := readJob(p)
		if err != nil {
			os.Remove(p)
			continue
		}
		job.Status = StatusQueued
		job.AttemptCount = 0
		job.LastError = ""
		job.LastAttempt = ""
		job.EnqueuedAt = now.Format(time.RFC3339)

		target := uniqueJobPath(queueDir, job.ID)
		job.ID = strings.TrimSuffix(filepath.Base(target), ".json")
		if err := writeJob(queueDir, job); err != nil {
			continue
		}
		os.Remove(p)
		retried++
	}
	return retried, nil
}

func uniqueJobPath(dir, id string) string {
	path := jobPath(dir, id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	for i := 1; ; i++ {
		candidate := jobPath(dir, fmt.Sprintf("%s-r%d", id, i))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
