/*
scheduler.go - Periodic audit sweep

PURPOSE:
  Periodically reconciles every rule the source knows about, records one
  report run per rule and updates the metrics. Failures stay per rule: a
  rule with no active version or a slow fetch never stops the sweep.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Lists rules from the engine's source at each tick
  - Reconciles them in parallel through Engine.ReconcileAll
  - Records runs for audit and the GET /api/runs view

CONFIGURATION:
  - Interval: How often to sweep (scheduler.interval, 0 disables)

USAGE:
  scheduler := NewAuditScheduler(store, engine, metrics, logger)
  scheduler.Interval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual, single rule)
  - history/engine.go: ReconcileAll
*/
package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/store/sqlite"
)

// AuditScheduler handles the automated audit sweep.
type AuditScheduler struct {
	Store    *sqlite.Store
	Engine   *history.Engine
	Metrics  *Metrics
	Logger   *slog.Logger
	Interval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// SweepResult counts the outcomes of one sweep.
type SweepResult struct {
	Rules           int
	Completed       int
	NoActiveVersion int
	Failed          int
}

// NewAuditScheduler creates a new scheduler with a one hour interval.
func NewAuditScheduler(store *sqlite.Store, engine *history.Engine, metrics *Metrics, logger *slog.Logger) *AuditScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &AuditScheduler{
		Store:    store,
		Engine:   engine,
		Metrics:  metrics,
		Logger:   logger.With("component", "scheduler"),
		Interval: time.Hour,
	}
}

// Start begins the scheduler. A non-positive Interval leaves it disabled.
func (s *AuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("started", "interval", s.Interval)
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *AuditScheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.sweep(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *AuditScheduler) sweep(ctx context.Context) {
	res, err := s.RunNow(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.Logger.Error("sweep failed", "error", err)
		}
		return
	}
	s.Logger.Info("sweep completed",
		"rules", res.Rules,
		"completed", res.Completed,
		"no_active_version", res.NoActiveVersion,
		"failed", res.Failed,
	)
}

// RunNow performs one sweep synchronously (for testing/admin).
func (s *AuditScheduler) RunNow(ctx context.Context) (SweepResult, error) {
	names, err := s.Engine.Source.ListRules(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	started := time.Now()
	reports, err := s.Engine.ReconcileAll(ctx, names)
	if err != nil {
		return SweepResult{}, err
	}
	took := time.Since(started)

	res := SweepResult{Rules: len(reports)}
	for _, rep := range reports {
		s.Metrics.ObserveReport(TriggerScheduler, rep, took)
		if _, err := saveRun(ctx, s.Store, TriggerScheduler, rep, started); err != nil {
			s.Logger.Error("failed to record run", "rule", rep.LogicalName, "error", err)
		}

		switch RunStatus(rep) {
		case RunCompleted:
			res.Completed++
		case RunNoActiveVersion:
			res.NoActiveVersion++
			s.Logger.Warn("no active version", "rule", rep.LogicalName, "error", rep.CurrentErr)
		default:
			res.Failed++
			s.Logger.Warn("reconciliation failed", "rule", rep.LogicalName, "error", reportErr(rep))
		}
	}
	s.Metrics.markSweep(time.Now())
	return res, nil
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (s *AuditScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(s.Interval)
}

// =============================================================================
// RUN RECORDING (shared with handlers.go and cmd/rulehist)
// =============================================================================

// RecordReport stores the outcome of a reconciliation as a report run.
func RecordReport(ctx context.Context, store *sqlite.Store, trigger string, rep history.Report, started time.Time) (string, error) {
	return saveRun(ctx, store, trigger, rep, started)
}

func saveRun(ctx context.Context, store *sqlite.Store, trigger string, rep history.Report, started time.Time) (string, error) {
	completed := time.Now()
	run := sqlite.RunRecord{
		LogicalName: string(rep.LogicalName),
		Trigger:     trigger,
		Status:      RunStatus(rep),
		StartedAt:   started,
		CompletedAt: &completed,
	}
	if rep.History != nil {
		run.RecordCount = len(rep.History.Timeline)
		run.WarningCount = len(rep.History.Warnings)
	}
	if err := reportErr(rep); err != nil {
		run.Error = err.Error()
	}
	return store.RecordRun(ctx, run)
}

// RunStatus classifies a report for the run audit.
func RunStatus(rep history.Report) string {
	switch {
	case rep.Err != nil:
		return RunFailed
	case errors.Is(rep.CurrentErr, history.ErrNoActiveVersion):
		return RunNoActiveVersion
	case rep.CurrentErr != nil:
		return RunFailed
	default:
		return RunCompleted
	}
}

func reportErr(rep history.Report) error {
	if rep.Err != nil {
		return rep.Err
	}
	return rep.CurrentErr
}
