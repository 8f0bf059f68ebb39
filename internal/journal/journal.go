// Package journal implements the append-only notes journal: a markdown
// sequence of DIGEST entries, capped to the last N entries, with
// overflow rotated to a timestamped archive file.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sessionpipe/internal/digest"
)

// MaxEntries is the journal cap.
const MaxEntries = 20

// Append writes a single DIGEST as a new entry at the end of the journal
// file, creating the file (and its parent directory) if necessary. Always
// ends with a trailing blank line.
func Append(path string, d *digest.Digest, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	entry := d.ToJournalEntry(at)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

// EnsurePlaceholder creates an empty journal file if none exists yet, so
// downstream readers (the compaction builder, status synthesiser) always
// find a file even when a session produced no DIGEST.
func EnsurePlaceholder(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	return os.WriteFile(path, []byte{}, 0o644)
}

// Rotate scans the journal for H2 digest headers; if there are more than
// MaxEntries, the oldest overflow entries are written to a timestamped
// file under archiveDir and the journal is rewritten to contain only the
// surviving last MaxEntries entries. A no-op at or under the cap,
// including exactly at the cap.
//
// The rewrite is non-atomic by design: the archive is written first, so
// a crash mid-rewrite loses no data, only possibly exposes a transient
// truncated view to a concurrent reader.
func Rotate(path, archiveDir string, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: read: %w", err)
	}

	preamble, entries := splitEntries(string(data))
	if len(entries) <= MaxEntries {
		return nil
	}

	overflow := entries[:len(entries)-MaxEntries]
	keep := entries[len(entries)-MaxEntries:]

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("journal: mkdir archive: %w", err)
	}
	archivePath := filepath.Join(archiveDir, fmt.Sprintf("notes-%s.md", now.Format("20060102-150405")))
	if err := os.WriteFile(archivePath, []byte(strings.Join(overflow, "")), 0o644); err != nil {
		return fmt.Errorf("journal: write archive: %w", err)
	}

	newContent := preamble + strings.Join(keep, "")
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		return fmt.Errorf("journal: rewrite: %w", err)
	}
	return nil
}

// CountEntries returns the number of H2 digest headers currently in the
// journal.
func CountEntries(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read: %w", err)
	}
	_, entries := splitEntries(string(data))
	return len(entries), nil
}

// Tail returns the last n bytes of the journal file, or the whole file if
// it's shorter. Used by policy gates that only need to check for a recent
// marker (e.g. `agent": "DME"`) without reading the whole journal.
func Tail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("journal: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("journal: stat: %w", err)
	}
	var offset int64
	if info.Size() > n {
		offset = info.Size() - n
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return "", fmt.Errorf("journal: seek: %w", err)
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.Read(buf); err != nil {
		return "", fmt.Errorf("journal: read tail: %w", err)
	}
	return string(buf), nil
}

// LastEntries returns the last n DIGEST entries (as raw markdown blocks,
// oldest first) for the compaction builder and status synthesiser to
// parse.
func LastEntries(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read: %w", err)
	}
	_, entries := splitEntries(string(data))
	if len(entries) <= n {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// splitEntries separates any preamble text before the first H2 header
// from the list of entry blocks (each block spans from one "## [" header
// up to, but not including, the next one).
func splitEntries(content string) (preamble string, entries []string) {
	lines := strings.SplitAfter(content, "\n")
	var headerIdxs []int
	for i, line := range lines {
		if digest.HeaderRe.MatchString(strings.TrimRight(line, "\n")) {
			headerIdxs = append(headerIdxs, i)
		}
	}
	if len(headerIdxs) == 0 {
		return content, nil
	}
	preamble = strings.Join(lines[:headerIdxs[0]], "")
	for i, start := range headerIdxs {
		end := len(lines)
		if i+1 < len(headerIdxs) {
			end = headerIdxs[i+1]
		}
		entries = append(entries, strings.Join(lines[start:end], ""))
	}
	return preamble, entries
}
