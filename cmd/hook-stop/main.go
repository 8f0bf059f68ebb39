// Command hook-stop is the Stop coordinator: on a tight time budget it
// tries to find a DIGEST (from the hook payload, then a transcript tail,
// then a full transcript scan), appends it to the journal, refreshes the
// working set index, and enqueues an ingestion job. Its CLI surface also
// exposes queue maintenance and launchd scheduler-unit management, none
// of which read stdin.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sessionpipe/internal/digest"
	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/envelope"
	"sessionpipe/internal/journal"
	"sessionpipe/internal/launchd"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/queue"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/transcript"
	"sessionpipe/internal/vectorrpc"
	"sessionpipe/internal/wsi"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(envelope.ExitAllow)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hook-stop",
		Short:         "Stop-event coordinator: fast-path DIGEST capture plus queue/launchd maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			processQueue, _ := cmd.Flags().GetBool("process-queue")
			queueStatus, _ := cmd.Flags().GetBool("queue-status")
			uninstall, _ := cmd.Flags().GetBool("uninstall-launchd")
			retryDead := cmd.Flags().Lookup("retry-dead")
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
			case queueStatus:
				return runQueueStatus(layout)
			case retryDead.Changed:
				n, _ := cmd.Flags().GetInt("retry-dead")
				return runRetryDead(layout, n)
			case processQueue:
				return runProcessQueue(layout)
			default:
				os.Exit(runStopCoordinator(layout))
				return nil
			}
		},
	}

	cmd.Flags().BoolP("process-queue", "q", false, "drain up to 999 jobs, 30s budget, print summary JSON")
	cmd.Flags().BoolP("queue-status", "s", false, "print queue/dead-letter counts and recent errors")
	cmd.Flags().IntP("retry-dead", "r", 0, "move up to N dead jobs back to queued (0 = unbounded)")
	cmd.Flags().Lookup("retry-dead").NoOptDefVal = "0"
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

func runProcessQueue(layout *paths.Layout) error {
	cfg := queue.Config{
		MaxAttempts:     envconfig.Int("INGEST_MAX_ATTEMPTS", queue.DefaultMaxAttempts),
		BackoffBase:     envconfig.Seconds("INGEST_BACKOFF_BASE", queue.DefaultBackoffBase),
		BackoffCap:      envconfig.Seconds("INGEST_BACKOFF_CAP", queue.DefaultBackoffCap),
		NonfatalPattern: envconfig.Regexp("INGEST_NONFATAL_ERRORS_PATTERN", queue.DefaultNonfatalPattern),
	}
	var ingest queue.Ingestor
	if vectorrpc.Enabled() {
		client := vectorrpc.NewDefaultClient()
		timeout := envconfig.Seconds("INGEST_MCP_TIMEOUT_SEC", vectorrpc.DefaultIngestTimeout)
		ingest = func(projectRoot, path, text string, meta map[string]string) queue.Result {
			res := client.Ingest(context.Background(), timeout, projectRoot, path, text, meta)
			if res.Error != "" {
				return queue.Result{Err: fmt.Errorf("%s", res.Error)}
			}
			return queue.Result{NoCreds: res.Skipped != ""}
		}
	} else {
		ingest = func(projectRoot, path, text string, meta map[string]string) queue.Result {
			r := vectorrpc.NotConfiguredResult()
			return queue.Result{NoCreds: r.Skipped != ""}
		}
	}

	summary := queue.Drain(layout.QueueDir, layout.DeadDir, 999, 30*time.Second, cfg, ingest, time.Now, rand.New(rand.NewSource(time.Now().UnixNano())))
	return printJSON(summary)
}

func runQueueStatus(layout *paths.Layout) error {
	report, err := queue.Status(layout.QueueDir, layout.DeadDir, 5)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runRetryDead(layout *paths.Layout, n int) error {
	retried, err := queue.RetryDead(layout.QueueDir, layout.DeadDir, n, time.Now())
	if err != nil {
		return err
	}
	return printJSON(map[string]int{"retried": retried})
}

func runEmitLaunchdPlist(layout *paths.Layout, intervalSec int) error {
	statusSync, err := siblingBinary("status-sync")
	if err != nil {
		return err
	}
	env := map[string]string{
		"ENABLE_VECTOR_RAG":  envconfig.String("ENABLE_VECTOR_RAG", "true"),
		"WSI_PATH":           layout.WSIPath,
		"LOGS_DIR":           layout.LogsDir,
		"CLAUDE_PROJECT_DIR": layout.ProjectRoot,
	}
	label, path, err := launchd.Emit(layout.LaunchdDir, layout.ProjectRoot, intervalSec, statusSync, nil, env)
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

// siblingBinary resolves another cmd/* binary installed alongside this
// one, falling back to a bare name lookup on PATH.
func siblingBinary(name string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return name, nil
	}
	candidate := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return name, nil
}

// runStopCoordinator implements the §4.11 fast-path/tail/full-scan
// sequence and returns the process exit code. Enqueue and WSI touch are
// local filesystem writes and the status refresh runs in a detached
// status-sync child; the only call that waits on the queue and the vector
// RPC is the opt-in inline drain (see maybeInlineDrain).
func runStopCoordinator(layout *paths.Layout) int {
	budget := time.Duration(envconfig.Int("STOP_TIME_BUDGET_MS", 2000)) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	logger := telemetry.New(layout.LogsDir, "stop", envconfig.Bool("STOP_DEBUG", false))

	event := envelope.Decode(os.Stdin)

	if d, ok := digest.ExtractFirst(event.AssistantText); ok {
		logger.Logf("fast-path: digest found in assistant_text")
		finishWithDigest(layout, d, logger)
		return envelope.ExitAllow
	}

	if event.TranscriptPath != "" && ctx.Err() == nil {
		opt := transcript.Options{
			TailWindowBytes:    envconfig.Int64("STOP_TAIL_WINDOW_BYTES", transcript.DefaultTailWindowBytes),
			MaxTranscriptBytes: envconfig.Int64("STOP_HOOK_MAX_TRANSCRIPT_BYTES", 0),
			TailFastOnly:       envconfig.Bool("STOP_TAIL_FAST_ONLY", false),
		}
		if res, ok := transcript.Scan(event.TranscriptPath, opt); ok {
			logger.Logf("digest found via_tail=%v via_full=%v", res.ViaTail, res.ViaFull)
			finishWithDigest(layout, res.Digest, logger)
			return envelope.ExitAllow
		}
	}

	logger.Logf("no digest found; ensuring placeholders")
	_ = journal.EnsurePlaceholder(layout.NotesPath)
	if _, err := os.Stat(layout.WSIPath); os.IsNotExist(err) {
		_ = wsi.Save(layout.WSIPath, wsi.Index{})
	}
	maybeInlineDrain(layout, logger)
	return envelope.ExitAllow
}

// maybeInlineDrain is the optional "drain a few queue items" behaviour:
// guarded by STOP_INLINE_DRAIN so a host that wants the queue worker
// handled entirely by the scheduled daemon/launchd unit can disable it.
// Bounded to 3 jobs and a 5s budget regardless of the scheduler's own
// tuning, since this runs inline on the hook's own time budget.
func maybeInlineDrain(layout *paths.Layout, logger *telemetry.Logger) {
	if !envconfig.Bool("STOP_INLINE_DRAIN", false) || !vectorrpc.Enabled() {
		return
	}
	client := vectorrpc.NewDefaultClient()
	timeout := envconfig.Seconds("INGEST_MCP_TIMEOUT_SEC", vectorrpc.DefaultIngestTimeout)
	ingest := func(projectRoot, path, text string, meta map[string]string) queue.Result {
		res := client.Ingest(context.Background(), timeout, projectRoot, path, text, meta)
		if res.Error != "" {
			return queue.Result{Err: fmt.Errorf("%s", res.Error)}
		}
		return queue.Result{NoCreds: res.Skipped != ""}
	}
	summary := queue.Drain(layout.QueueDir, layout.DeadDir, 3, 5*time.Second, queue.DefaultConfig(), ingest, time.Now, rand.New(rand.NewSource(time.Now().UnixNano())))
	logger.Logf("inline drain succeeded=%d retryable=%d dead=%d", summary.Succeeded, summary.Retryable, summary.Dead)
}

// finishWithDigest is the fast-path tail shared by all three discovery
// routes: append to the journal, touch the WSI for every file the digest
// names, enqueue one ingestion job, then kick off the project-status
// refresher without waiting for it.
func finishWithDigest(layout *paths.Layout, d *digest.Digest, logger *telemetry.Logger) {
	now := time.Now()

	if err := journal.Append(layout.NotesPath, d, now); err != nil {
		logger.Logf("journal append error: %v", err)
	}

	idx := wsi.Load(layout.WSIPath)
	for _, f := range d.Files {
		if f.Path == "" {
			continue
		}
		idx.Touch(f.Path, f.Reason, f.Anchors, now)
	}
	wsiCap := envconfig.Int("WSI_CAP", wsi.DefaultCap)
	overflow := idx.Prune(wsiCap)
	if err := wsi.Save(layout.WSIPath, idx); err != nil {
		logger.Logf("wsi save error: %v", err)
	}
	if len(overflow) > 0 {
		_ = wsi.ArchiveOverflow(layout.NotesArchiveDir, overflow, now)
	}

	id, ok, reason := queue.Enqueue(layout.QueueDir, layout.ProjectRoot, d, now)
	if !ok {
		logger.Logf("enqueue skipped: %s", reason)
	} else {
		logger.Logf("enqueued job %s", id)
	}

	maybeInlineDrain(layout, logger)
	spawnDetachedStatusSync(layout)
}

// spawnDetachedStatusSync fires the status-sync binary without waiting
// for it, so a slow vector query never counts against this hook's time
// budget.
func spawnDetachedStatusSync(layout *paths.Layout) {
	bin, err := siblingBinary("status-sync")
	if err != nil {
		return
	}
	cmd := exec.Command(bin)
	cmd.Dir = layout.ProjectRoot
	_ = cmd.Start()
}
