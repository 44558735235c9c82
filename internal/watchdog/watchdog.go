package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orkestr/orkestr/internal/store"
)

const scanLimit = 100

// Watchdog periodically scans for step runs stuck in RUNNING past the
// threshold and raises a warning for each. It is strictly read-only on
// execution state: it narrates, it never resets or re-dispatches.
type Watchdog struct {
	store     store.Store
	schedule  cron.Schedule
	threshold time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a watchdog from a standard five-field cron expression.
func New(s store.Store, cronExpr string, threshold time.Duration, logger *slog.Logger) (*Watchdog, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse watchdog cron %q: %w", cronExpr, err)
	}
	return &Watchdog{
		store:     s,
		schedule:  schedule,
		threshold: threshold,
		logger:    logger,
	}, nil
}

// Start launches the background scan loop.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return fmt.Errorf("watchdog already started")
	}
	scanCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(scanCtx)
	w.logger.Info("watchdog started", "threshold", w.threshold.String())
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watchdog) loop(ctx context.Context) {
	defer close(w.done)

	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.Scan(ctx)
		}
	}
}

// Scan runs one pass and reports how many stuck step runs were found.
func (w *Watchdog) Scan(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-w.threshold)
	stuck, err := w.store.FindStuckStepRuns(ctx, cutoff, scanLimit)
	if err != nil {
		w.logger.Error("stuck step scan failed", "error", err)
		return 0
	}

	for _, s := range stuck {
		w.logger.Warn("step run stuck in RUNNING",
			"step_run_id", s.StepRun.ID,
			"run_id", s.StepRun.RunID,
			"step_key", s.StepRun.StepKey,
			"workflow", s.WorkflowName,
			"running_since", s.StepRun.StartedAt,
		)
		if err := w.store.AppendRunLog(ctx, &store.RunLog{
			RunID:   s.StepRun.RunID,
			Level:   "warn",
			Message: "step run stuck in RUNNING past threshold",
			Context: map[string]any{
				"stepRunId": s.StepRun.ID,
				"stepKey":   s.StepRun.StepKey,
				"threshold": w.threshold.String(),
			},
		}); err != nil {
			w.logger.Error("append stuck warning failed", "error", err)
		}
	}

	return len(stuck)
}
