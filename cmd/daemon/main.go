// Command daemon is the long-lived in-process alternative to a
// launchd/cron unit: it runs the queue drain and status refresh timers
// until it receives an interrupt or termination signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sessionpipe/internal/envconfig"
	"sessionpipe/internal/paths"
	"sessionpipe/internal/queue"
	"sessionpipe/internal/scheduler"
	"sessionpipe/internal/status"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/vectorrpc"
	"sessionpipe/internal/wsi"
)

func main() {
	os.Exit(run())
}

func run() int {
	layout, err := paths.Resolve("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := layout.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger := telemetry.New(layout.LogsDir, "daemon", envconfig.Bool("DAEMON_DEBUG", false))

	var vectorClient *vectorrpc.Client
	if vectorrpc.Enabled() {
		c := vectorrpc.NewDefaultClient()
		vectorClient = &c
	}

	cfg := scheduler.Config{
		QueueDir: layout.QueueDir,
		DeadDir:  layout.DeadDir,
		QueueConfig: queue.Config{
			MaxAttempts:     envconfig.Int("INGEST_MAX_ATTEMPTS", queue.DefaultMaxAttempts),
			BackoffBase:     envconfig.Seconds("INGEST_BACKOFF_BASE", queue.DefaultBackoffBase),
			BackoffCap:      envconfig.Seconds("INGEST_BACKOFF_CAP", queue.DefaultBackoffCap),
			NonfatalPattern: envconfig.Regexp("INGEST_NONFATAL_ERRORS_PATTERN", queue.DefaultNonfatalPattern),
		},
		QueueInterval:   envconfig.Minutes("DAEMON_QUEUE_INTERVAL_MIN", scheduler.DefaultQueueInterval),
		QueueMaxJobs:    envconfig.Int("DAEMON_QUEUE_MAX_JOBS", scheduler.DefaultQueueMaxJobs),
		QueueTimeBudget: envconfig.Seconds("DAEMON_QUEUE_TIME_BUDGET_SEC", scheduler.DefaultQueueTimeBudget),

		StatusConfig: status.Config{
			ProjectRoot:     layout.ProjectRoot,
			LogsDir:         layout.LogsDir,
			WSIPath:         layout.WSIPath,
			TargetPath:      layout.StatusTargetPath,
			QueueDir:        layout.QueueDir,
			DisableUpdate:   envconfig.Bool("DISABLE_CLAUDE_MD_UPDATE", false),
			AllowGlobalRoot: envconfig.Bool("ALLOW_GLOBAL_CLAUDE_MD_UPDATE", false),
			VectorClient:    vectorClient,
			VectorTimeout:   envconfig.Seconds("INGEST_MCP_TIMEOUT_SEC", vectorrpc.DefaultSearchTimeout),
		},
		StatusInterval: envconfig.Minutes("DAEMON_STATUS_INTERVAL_MIN", scheduler.DefaultStatusInterval),

		VectorClient:  vectorClient,
		VectorTimeout: envconfig.Seconds("INGEST_MCP_TIMEOUT_SEC", vectorrpc.DefaultIngestTimeout),

		Logger: logger,
	}

	snapshot := func() status.Fused {
		notesText := ""
		if data, err := os.ReadFile(layout.NotesPath); err == nil {
			notesText = string(data)
		}
		return status.Fused{
			ProjectRoot:     layout.ProjectRoot,
			NotesText:       notesText,
			WSI:             wsi.Load(layout.WSIPath),
			QueueDepth:      queueDepth(layout),
			EnableVectorRAG: vectorrpc.Enabled(),
			Now:             time.Now(),
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Logf("daemon starting: queue every %s, status every %s", cfg.QueueInterval, cfg.StatusInterval)
	if err := scheduler.Run(ctx, cfg, snapshot); err != nil {
		logger.Logf("daemon exiting with error: %v", err)
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Logf("daemon stopped")
	return 0
}

func queueDepth(layout *paths.Layout) int {
	report, err := queue.Status(layout.QueueDir, layout.DeadDir, 0)
	if err != nil {
		return 0
	}
	return report.Queued
}
