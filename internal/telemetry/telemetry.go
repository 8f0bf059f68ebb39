// Package telemetry is the per-hook append-only debug log, gated by a
// debug flag so a production run carries none of the overhead.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Logger writes one JSON line per call to <logsDir>/<hook>_debug.log,
// tagged with a correlation id shared across every line from one process
// invocation. A disabled Logger is always safe to call (no-op).
type Logger struct {
	path    string
	enabled bool
	corrID  string
}

// New creates a Logger for the named hook. enabled should reflect the
// debug flag (e.g. STOP_DEBUG); when false every method is a no-op so
// callers never need their own guard.
func New(logsDir, hook string, enabled bool) *Logger {
	return &Logger{
		path:    filepath.Join(logsDir, hook+"_debug.log"),
		enabled: enabled,
		corrID:  uuid.NewString(),
	}
}

type line struct {
	Time   string `json:"time"`
	CorrID string `json:"corr_id"`
	Msg    string `json:"msg"`
}

// Logf appends one debug line. Any IO error is swallowed: telemetry must
// never be the reason a hook fails.
func (l *Logger) Logf(format string, args ...any) {
	if l == nil || !l.enabled {
		return
	}
	entry := line{
		Time:   time.Now().Format(time.RFC3339),
		CorrID: l.corrID,
		Msg:    fmt.Sprintf(format, args...),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(append(data, '\n'))
}
