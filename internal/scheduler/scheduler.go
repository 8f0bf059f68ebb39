// Package scheduler runs the queue drain and the project-status refresh
// as two independent timers inside one long-lived process, for hosts
// that have no launchd/cron unit installed. It changes no contract of
// either worker: each tick calls the exact same internal functions the
// one-shot CLI commands call.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sessionpipe/internal/queue"
	"sessionpipe/internal/status"
	"sessionpipe/internal/telemetry"
	"sessionpipe/internal/vectorrpc"
)

// Defaults mirror the cadence spec.md's concurrency model names: the
// queue worker every 15 minutes, the status synthesiser every 5.
const (
	DefaultQueueInterval   = 15 * time.Minute
	DefaultStatusInterval  = 5 * time.Minute
	DefaultQueueMaxJobs    = 999
	DefaultQueueTimeBudget = 30 * time.Second
)

// Config bundles what both timers need to run unattended.
type Config struct {
	QueueDir        string
	DeadDir         string
	QueueConfig     queue.Config
	QueueInterval   time.Duration
	QueueMaxJobs    int
	QueueTimeBudget time.Duration

	StatusConfig   status.Config
	StatusInterval time.Duration

	VectorClient  *vectorrpc.Client
	VectorTimeout time.Duration

	Logger *telemetry.Logger
}

// withDefaults fills in zero-valued tuning fields.
func (c Config) withDefaults() Config {
	if c.QueueInterval <= 0 {
		c.QueueInterval = DefaultQueueInterval
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.QueueMaxJobs <= 0 {
		c.QueueMaxJobs = DefaultQueueMaxJobs
	}
	if c.QueueTimeBudget <= 0 {
		c.QueueTimeBudget = DefaultQueueTimeBudget
	}
	return c
}

// VectorIngestor adapts a vector RPC client into a queue.Ingestor,
// translating its Result shape (Error/Skipped strings) into queue's
// (Err, NoCreds) classification.
func VectorIngestor(client vectorrpc.Client, timeout time.Duration) queue.Ingestor {
	return func(projectRoot, path, text string, meta map[string]string) queue.Result {
		res := client.Ingest(context.Background(), timeout, projectRoot, path, text, meta)
		if res.Error != "" {
			return queue.Result{Err: errors.New(res.Error)}
		}
		if res.Skipped != "" {
			return queue.Result{NoCreds: strings.Contains(strings.ToLower(res.Skipped), "not configured")}
		}
		return queue.Result{}
	}
}

// StatusSnapshot builds the Fused value the status refresh needs,
// evaluated fresh on every tick (notes text, WSI, and queue depth all
// change between ticks).
type StatusSnapshot func() status.Fused

// Run drives both timers until ctx is cancelled, logging each tick's
// outcome through cfg.Logger (a nil/disabled logger is a safe no-op).
// It returns the first error either timer goroutine reports; a clean
// context cancellation returns nil.
func Run(ctx context.Context, cfg Config, snapshot StatusSnapshot) error {
	cfg = cfg.withDefaults()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runQueueTimer(ctx, cfg) })
	g.Go(func() error { return runStatusTimer(ctx, cfg, snapshot) })
	return g.Wait()
}

func runQueueTimer(ctx context.Context, cfg Config) error {
	if cfg.VectorClient == nil {
		cfg.Logger.Logf("scheduler: queue timer disabled, no vector client configured")
		<-ctx.Done()
		return nil
	}

	ingest := VectorIngestor(*cfg.VectorClient, cfg.VectorTimeout)
	ticker := time.NewTicker(cfg.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary := queue.Drain(cfg.QueueDir, cfg.DeadDir, cfg.QueueMaxJobs, cfg.QueueTimeBudget, cfg.QueueConfig, ingest, time.Now, nil)
			cfg.Logger.Logf("scheduler: queue drain succeeded=%d retryable=%d dead=%d skipped_backoff=%d skipped_no_creds=%d",
				summary.Succeeded, summary.Retryable, summary.Dead, summary.SkippedBackoff, summary.SkippedNoCreds)
		}
	}
}

func runStatusTimer(ctx context.Context, cfg Config, snapshot StatusSnapshot) error {
	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := status.Refresh(ctx, cfg.StatusConfig, snapshot())
			switch {
			case res.Skipped != "":
				cfg.Logger.Logf("scheduler: status refresh skipped: %s", res.Skipped)
			case res.Error != "":
				cfg.Logger.Logf("scheduler: status refresh error: %s", res.Error)
			default:
				cfg.Logger.Logf("scheduler: status refresh updated=%v", res.Updated)
			}
		}
	}
}
