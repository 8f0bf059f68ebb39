// Package paths resolves the project root and the filesystem layout every
// other package writes under. All writable locations derive from
// environment overrides with documented defaults, optionally refined by
// a project-level TOML file.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Layout is the resolved filesystem layout for one project.
type Layout struct {
	ProjectRoot string
	StateDir    string

	LogsDir          string
	NotesPath        string
	NotesArchiveDir  string
	WSIPath          string
	CompactionMD     string
	CompactionJSON   string
	WarningsPath     string
	StatusTargetPath string

	QueueDir string
	DeadDir  string

	CheckpointsDir string
	LaunchdDir     string

	TurnCounterPath    string
	ReadCachePath      string
	ApprovalsPath      string
	PolicyPatternsPath string

	SetupCompleteMarker  string
	NeedsVectorRAGMarker string
}

// overrides is the optional `.sessionpipe/config.toml` shape. Every field
// here has an environment-variable equivalent; the file is consulted
// only when the env var is unset.
type overrides struct {
	StateDir string `toml:"state_dir"`
	LogsDir  string `toml:"logs_dir"`
	WSIPath  string `toml:"wsi_path"`
}

// Resolve builds a Layout rooted at the project directory. projectRoot, if
// empty, is resolved from CLAUDE_PROJECT_DIR then the current working
// directory.
func Resolve(projectRoot string) (*Layout, error) {
	root, err := resolveProjectRoot(projectRoot)
	if err != nil {
		return nil, err
	}

	ov := loadOverrides(root)

	stateDir := firstNonEmpty(os.Getenv("SESSIONPIPE_STATE_DIR"), ov.StateDir, filepath.Join(root, ".sessionpipe"))
	logsDir := firstNonEmpty(os.Getenv("LOGS_DIR"), ov.LogsDir, filepath.Join(stateDir, "logs"))
	wsiPath := firstNonEmpty(os.Getenv("WSI_PATH"), ov.WSIPath, filepath.Join(logsDir, "wsi.json"))

	queueDir := filepath.Join(stateDir, "ingest-queue")

	return &Layout{
		ProjectRoot: root,
		StateDir:    stateDir,

		LogsDir:          logsDir,
		NotesPath:        filepath.Join(logsDir, "NOTES.md"),
		NotesArchiveDir:  filepath.Join(logsDir, "notes-archive"),
		WSIPath:          wsiPath,
		CompactionMD:     filepath.Join(logsDir, "COMPACTION.md"),
		CompactionJSON:   filepath.Join(logsDir, "compaction-summary.json"),
		WarningsPath:     filepath.Join(logsDir, "WARNINGS.md"),
		StatusTargetPath: firstNonEmpty(os.Getenv("STATUS_TARGET_PATH"), filepath.Join(root, "CLAUDE.md")),

		QueueDir: queueDir,
		DeadDir:  filepath.Join(queueDir, "dead"),

		CheckpointsDir: filepath.Join(stateDir, "checkpoints"),
		LaunchdDir:     filepath.Join(stateDir, "launchd"),

		TurnCounterPath:    filepath.Join(stateDir, "turn-count.txt"),
		ReadCachePath:      filepath.Join(stateDir, "read-cache.json"),
		ApprovalsPath:      filepath.Join(stateDir, "md-approvals.json"),
		PolicyPatternsPath: filepath.Join(root, ".sessionpipe", "policy-patterns.yaml"),

		SetupCompleteMarker:  filepath.Join(stateDir, ".setup_complete"),
		NeedsVectorRAGMarker: filepath.Join(stateDir, ".needs_vector_rag_setup"),
	}, nil
}

// EnsureDirs creates every directory the layout names, parents included.
func (l *Layout) EnsureDirs() error {
	dirs := []string{l.LogsDir, l.NotesArchiveDir, l.QueueDir, l.DeadDir, l.CheckpointsDir, l.LaunchdDir}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("paths: create %s: %w", d, err)
		}
	}
	return nil
}

func resolveProjectRoot(explicit string) (string, error) {
	if explicit != "" {
		return filepath.Abs(explicit)
	}
	if v := os.Getenv("CLAUDE_PROJECT_DIR"); v != "" {
		return filepath.Abs(v)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("paths: resolve project root: %w", err)
	}
	return cwd, nil
}

func loadOverrides(root string) overrides {
	var ov overrides
	data, err := os.ReadFile(filepath.Join(root, ".sessionpipe", "config.toml"))
	if err != nil {
		return ov
	}
	// A malformed config file never blocks path resolution; it just means
	// no overrides are applied (fail open).
	_ = toml.Unmarshal(data, &ov)
	return ov
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
