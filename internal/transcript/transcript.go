// Package transcript implements the transcript scanner: given a
// potentially large transcript file, finds the most recent assistant
// text that contains a DIGEST, using a bounded tail window first and a
// full parse only as fallback. Tolerates both JSON-array and
// line-delimited-JSON transcript shapes.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"sessionpipe/internal/digest"
)

// DefaultTailWindowBytes is TAIL_WINDOW_BYTES's default.
const DefaultTailWindowBytes = 512 * 1024

// Options configures one scan.
type Options struct {
	TailWindowBytes      int64
	MaxTranscriptBytes    int64 // 0 = unbounded
	TailFastOnly          bool
}

// message is the subset of a transcript record this scanner cares about.
type message struct {
	Type    string `json:"type"`
	Content any    `json:"content"`
	Text    string `json:"text"`
}

// Result carries the DIGEST found plus which strategy found it, useful
// for telemetry/tests.
type Result struct {
	Digest   *digest.Digest
	ViaTail  bool
	ViaFull  bool
}

// Scan runs the full scanner contract against path. Any IO error is
// best-effort: it yields "no DIGEST found" (ok=false), never an error the
// caller must handle.
func Scan(path string, opt Options) (Result, bool) {
	if opt.TailWindowBytes <= 0 {
		opt.TailWindowBytes = DefaultTailWindowBytes
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, false
	}

	if info.Size() > opt.TailWindowBytes {
		if d, ok := tailScan(path, opt.TailWindowBytes); ok {
			return Result{Digest: d, ViaTail: true}, true
		}
		if opt.MaxTranscriptBytes > 0 && info.Size() > opt.MaxTranscriptBytes && opt.TailFastOnly {
			return Result{}, false
		}
	}

	d, ok := fullScan(path)
	if !ok {
		return Result{}, false
	}
	return Result{Digest: d, ViaFull: true}, true
}

// tailScan reads only the last windowBytes of the file and searches for a
// DIGEST in the lossily-decoded text.
func tailScan(path string, windowBytes int64) (*digest.Digest, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false
	}

	var offset int64
	if info.Size() > windowBytes {
		offset = info.Size() - windowBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, false
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.Read(buf); err != nil {
		return nil, false
	}
	text := lossyUTF8(buf)

	all := digest.ExtractAll(text)
	if len(all) == 0 {
		return nil, false
	}
	return all[len(all)-1], true
}

// fullScan decodes the whole file (JSON array, falling back to
// line-delimited JSON) and walks messages in reverse, returning the first
// assistant message containing a DIGEST.
func fullScan(path string) (*digest.Digest, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	msgs, ok := decodeArray(data)
	if !ok {
		msgs = decodeLineDelimited(data)
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Type != "assistant" {
			continue
		}
		text := messageText(m)
		if text == "" {
			continue
		}
		if d, ok := digest.ExtractFirst(text); ok {
			return d, true
		}
	}
	return nil, false
}

func decodeArray(data []byte) ([]message, bool) {
	var msgs []message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, false
	}
	return msgs, true
}

func decodeLineDelimited(data []byte) []message {
	var msgs []message
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue // unparseable lines are skipped, not fatal
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// messageText joins the textual content blocks of a message (content may
// be a plain string, or an array of {type, text} blocks, matching common
// assistant-message transcript shapes).
func messageText(m message) string {
	if m.Text != "" {
		return m.Text
	}
	switch c := m.Content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t != "text" {
				continue
			}
			if txt, ok := block["text"].(string); ok {
				parts = append(parts, txt)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// lossyUTF8 decodes buf as UTF-8, dropping any partial rune at a boundary
// the tail window may have cut mid-character.
func lossyUTF8(buf []byte) string {
	return strings.ToValidUTF8(string(buf), "")
}
