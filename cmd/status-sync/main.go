// Command status-sync is the one-shot project-status refresher: it
// fuses the journal tail, the working set index, and an opportunistic
// vector search into the <project_status> block spliced into
// CLAUDE.md. It also carries the same launchd scheduler-unit flags as
// cmd/hook-stop so it can be scheduled independently of the Stop
// coordinator's detached spawn.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/launchd"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/queue"
	"sessionpipe/internal/status"
	"sessionpipe/internal/vectorrpc"
	"sessionpipe/internal/wsi"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status-sync",
		Short:         "Refresh the project status block, or manage its launchd unit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			uninstall, _ := cmd.Flags().GetBool("uninstall-launchd")
			emitPlist := cmd.Flags().Lookup("emit-launchd-plist")

			layout, err := paths.Resolve("")
			if err != nil {
				return nil
			}
			if err := layout.EnsureDirs(); err != nil {
				return nil
			}

			switch {
			case uninstall:
				return runUninstallLaunchd(layout)
			case emitPlist.Changed:
				sec, _ := cmd.Flags().GetInt("emit-launchd-plist")
				return runEmitLaunchdPlist(layout, sec)
			default:
				return runRefresh(layout)
			}
		},
	}

	cmd.Flags().IntP("emit-launchd-plist", "L", 300, "write a scheduler unit for the given interval in seconds; print its path")
	cmd.Flags().Lookup("emit-launchd-plist").NoOptDefVal = "300"
	cmd.Flags().BoolP("uninstall-launchd", "U", false, "unload and remove the scheduler unit")

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runRefresh(layout *paths.Layout) error {
	ctx, cancel := context.WithTimeout(context.Background(), envconfig.Seconds("STATUS_SYNC_TIMEOUT_SEC", 10*time.Second))
	defer cancel()

	report, err := queue.Status(layout.QueueDir, layout.DeadDir, 0)
	if err != nil {
		return err
	}

	notesText := ""
	if data, err := os.ReadFile(layout.NotesPath); err == nil {
		notesText = string(data)
	}
	idx := wsi.Load(layout.WSIPath)

	enableVectorRAG := vectorrpc.Enabled()
	var client *vectorrpc.Client
	if enableVectorRAG {
		c := vectorrpc.NewDefaultClient()
		client = &c
	}

	cfg := status.Config{
		ProjectRoot:     layout.ProjectRoot,
		LogsDir:         layout.LogsDir,
		WSIPath:         layout.WSIPath,
		TargetPath:      layout.StatusTargetPath,
		QueueDir:        layout.QueueDir,
		DisableUpdate:   envconfig.Bool("DISABLE_CLAUDE_MD_UPDATE", false),
		AllowGlobalRoot: envconfig.Bool("ALLOW_GLOBAL_CLAUDE_MD_UPDATE", false),
		VectorClient:    client,
		VectorTimeout:   envconfig.Seconds("INGEST_MCP_TIMEOUT_SEC", vectorrpc.DefaultSearchTimeout),
	}
	fused := status.Fused{
		ProjectRoot:     layout.ProjectRoot,
		NotesText:       notesText,
		WSI:             idx,
		QueueDepth:      report.Queued,
		EnableVectorRAG: enableVectorRAG,
		Now:             time.Now(),
	}

	res := status.Refresh(ctx, cfg, fused)
	return printJSON(res)
}

func runEmitLaunchdPlist(layout *paths.Layout, intervalSec int) error {
	self, err := os.Executable()
	if err != nil {
		self = "status-sync"
	}
	env := map[string]string{
		"ENABLE_VECTOR_RAG":  envconfig.String("ENABLE_VECTOR_RAG", "true"),
		"WSI_PATH":           layout.WSIPath,
		"LOGS_DIR":           layout.LogsDir,
		"CLAUDE_PROJECT_DIR": layout.ProjectRoot,
	}
	label, path, err := launchd.Emit(layout.LaunchdDir, layout.ProjectRoot, intervalSec, self, nil, env)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"ok": true, "label": label, "plist_path": path, "interval_sec": intervalSec})
}

func runUninstallLaunchd(layout *paths.Layout) error {
	label := launchd.Label(filepath.Base(layout.ProjectRoot))
	if err := launchd.Uninstall(layout.LaunchdDir, label); err != nil {
		return err
	}
	return printJSON(map[string]any{"ok": true, "label": label})
}
