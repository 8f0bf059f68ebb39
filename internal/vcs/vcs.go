// Package vcs is a thin git subprocess wrapper: exact command shapes,
// scoped to a working directory, with explicit per-call timeouts.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout is used for git operations when the caller doesn't pass
// its own context deadline.
const DefaultTimeout = 8 * time.Second

// Repo scopes git subprocess calls to one working directory.
type Repo struct {
	Dir string
}

func (r Repo) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return out.String(), errBuf.String(), err
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}

// Toplevel returns the repository root, or "" if dir isn't inside a git
// repository.
func (r Repo) Toplevel(ctx context.Context) string {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, _, err := r.run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Status returns the porcelain status lines (one per changed/untracked
// file), empty when the tree is clean.
func (r Repo) Status(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, stderr, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("vcs: git status: %s: %w", strings.TrimSpace(stderr), err)
	}
	return splitNonEmptyLines(out), nil
}

// AddAll stages every change (`git add -A`).
func (r Repo) AddAll(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, stderr, err := r.run(ctx, "add", "-A")
	if err != nil {
		return fmt.Errorf("vcs: git add -A: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// StashCreate creates an object-only stash (doesn't touch the index or
// working tree) and returns its object hash, or "" if there was nothing
// to stash.
func (r Repo) StashCreate(ctx context.Context, message string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, stderr, err := r.run(ctx, "stash", "create", message)
	if err != nil {
		return "", fmt.Errorf("vcs: git stash create: %s: %w", strings.TrimSpace(stderr), err)
	}
	return strings.TrimSpace(out), nil
}

// StashStore records an existing stash object under refs/stash with a
// descriptive message.
func (r Repo) StashStore(ctx context.Context, objectHash, message string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, stderr, err := r.run(ctx, "stash", "store", "-m", message, objectHash)
	if err != nil {
		return fmt.Errorf("vcs: git stash store: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// ResetHead resets the index to HEAD, unstaging every staged change,
// without touching the working tree.
func (r Repo) ResetHead(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, stderr, err := r.run(ctx, "reset", "HEAD")
	if err != nil {
		return fmt.Errorf("vcs: git reset HEAD: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// StashApply applies a stash object hash to the working tree.
func (r Repo) StashApply(ctx context.Context, objectHash string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, stderr, err := r.run(ctx, "stash", "apply", objectHash)
	if err != nil {
		return fmt.Errorf("vcs: git stash apply: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// RecentCommits returns the last n commits formatted as
// "COMMIT:<subject>" followed by each commit's changed file names, via
// `git log -n --name-status --pretty=format:COMMIT:%s`.
func (r Repo) RecentCommits(ctx context.Context, n int) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, stderr, err := r.run(ctx, "log", fmt.Sprintf("-%d", n), "--name-status", "--pretty=format:COMMIT:%s")
	if err != nil {
		return "", fmt.Errorf("vcs: git log: %s: %w", strings.TrimSpace(stderr), err)
	}
	return out, nil
}

// RemoteURL returns the origin remote URL, or "" if unset.
func (r Repo) RemoteURL(ctx context.Context) string {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	out, _, err := r.run(ctx, "config", "--get", "remote.origin.url")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func splitNonEmptyLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
