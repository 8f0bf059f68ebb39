// Package checkpoint snapshots the working tree into a named git stash
// without changing the working directory, records the snapshot as a JSON
// file, and can later reapply it by id. The index is reset to HEAD after
// the snapshot, so changes staged before it end up unstaged.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sessionpipe/internal/vcs"
)

// MaxCheckpoints is how many checkpoint records are retained; Create
// rotates older ones away after writing a new one.
const MaxCheckpoints = 20

// Record is the persisted shape of one checkpoint.
type Record struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	Reason       string         `json:"reason"`
	StashRef     string         `json:"stash_ref"`
	GitRoot      string         `json:"git_root"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FilesChanged []string       `json:"files_changed"`
}

// Result is the outcome of a Create call.
type Result struct {
	Success    bool
	Skipped    bool
	Error      string
	Checkpoint Record
}

// Create stages everything, stashes it as an object, records the stash,
// resets the index to HEAD (the working tree is left as it was), and
// persists a Record.
// If the tree has no uncommitted changes, it returns Success with
// Skipped=true and does nothing else. metadata is stored on the record
// verbatim and otherwise unused.
func Create(ctx context.Context, checkpointsDir, projectDir, reason string, metadata map[string]any, now time.Time) Result {
	repo := vcs.Repo{Dir: projectDir}
	root := repo.Toplevel(ctx)
	if root == "" {
		return Result{Error: "Not a git repository"}
	}
	root = strings.TrimSpace(root)
	rootRepo := vcs.Repo{Dir: root}

	changed, err := rootRepo.Status(ctx)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if len(changed) == 0 {
		return Result{Success: true, Skipped: true}
	}

	if err := rootRepo.AddAll(ctx); err != nil {
		return Result{Error: err.Error()}
	}

	timestamp := now.Format(time.RFC3339)
	message := fmt.Sprintf("CHECKPOINT: %s | %s", reason, timestamp)

	stashRef, err := rootRepo.StashCreate(ctx, message)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if stashRef == "" {
		return Result{Error: "git stash create returned no object hash"}
	}

	if err := rootRepo.StashStore(ctx, stashRef, message); err != nil {
		return Result{Error: err.Error()}
	}
	if err := rootRepo.ResetHead(ctx); err != nil {
		return Result{Error: err.Error()}
	}

	record := Record{
		ID:           now.Format("20060102-150405"),
		Timestamp:    timestamp,
		Reason:       reason,
		StashRef:     stashRef,
		GitRoot:      root,
		Metadata:     metadata,
		FilesChanged: changed,
	}
	if err := writeRecord(checkpointsDir, record); err != nil {
		return Result{Error: err.Error()}
	}
	rotate(checkpointsDir)

	return Result{Success: true, Checkpoint: record}
}

// List returns every checkpoint record, most recent first.
func List(checkpointsDir string) ([]Record, error) {
	paths, err := recordPaths(checkpointsDir)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(paths))
	for i := len(paths) - 1; i >= 0; i-- {
		data, err := os.ReadFile(paths[i])
		if err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// RestoreResult is the outcome of a Restore call.
type RestoreResult struct {
	Success      bool
	Error        string
	RestoredFiles []string
	Reason       string
	Timestamp    string
}

// Restore applies the stash recorded under id back onto the working tree.
func Restore(ctx context.Context, checkpointsDir, id string) RestoreResult {
	path := recordPath(checkpointsDir, id)
	data, err := os.ReadFile(path)
	if err != nil {
		return RestoreResult{Error: fmt.Sprintf("checkpoint %s not found", id)}
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return RestoreResult{Error: fmt.Sprintf("checkpoint %s is corrupt: %v", id, err)}
	}

	repo := vcs.Repo{Dir: r.GitRoot}
	if err := repo.StashApply(ctx, r.StashRef); err != nil {
		return RestoreResult{Error: err.Error()}
	}

	return RestoreResult{
		Success:       true,
		RestoredFiles: r.FilesChanged,
		Reason:        r.Reason,
		Timestamp:     r.Timestamp,
	}
}

func recordPath(checkpointsDir, id string) string {
	return filepath.Join(checkpointsDir, id+".json")
}

func recordPaths(checkpointsDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(checkpointsDir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func writeRecord(checkpointsDir string, r Record) error {
	if err := os.MkdirAll(checkpointsDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(recordPath(checkpointsDir, r.ID), data, 0o644)
}

// rotate deletes the oldest records beyond MaxCheckpoints, by filename
// (which sorts chronologically since IDs are timestamp-derived).
func rotate(checkpointsDir string) {
	paths, err := recordPaths(checkpointsDir)
	if err != nil || len(paths) <= MaxCheckpoints {
		return
	}
	for _, p := range paths[:len(paths)-MaxCheckpoints] {
		os.Remove(p)
	}
}
