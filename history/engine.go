package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ENGINE - Fetch once, reconcile purely
// =============================================================================

// Engine wires a Source to the pure reconciliation components.
// It holds no mutable state, so one Engine serves concurrent callers.
type Engine struct {
	Source Source
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

func NewEngine(src Source, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Source: src,
		Config: cfg.withDefaults(),
		Logger: logger,
		Now:    time.Now,
	}
}

// History is the timeline view of one rule.
type History struct {
	LogicalName LogicalName
	GeneratedAt time.Time
	Timeline    []ChangeRecord
	Summary     Summary
	Warnings    []error // records skipped during normalization
}

// Report bundles history and current state, as produced by ReconcileAll.
type Report struct {
	LogicalName LogicalName
	History     *History
	Current     *CurrentState
	Err         error // fetch/merge failure; History is nil
	CurrentErr  error // projection failure; History may still be set
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Fetch bounds the source call by Config.FetchTimeout. A source that ignores
// ctx still cannot hang the caller: the engine stops waiting and reports
// SourceTimeoutError.
func (e *Engine) Fetch(ctx context.Context, name LogicalName) (Snapshot, error) {
	return e.fetch(ctx, name, e.Config.withDefaults().FieldScope)
}

func (e *Engine) fetch(ctx context.Context, name LogicalName, scope FieldScope) (Snapshot, error) {
	timeout := e.Config.withDefaults().FetchTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		snap Snapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := e.Source.Fetch(ctx, name, scope)
		ch <- result{snap: snap, err: err}
	}()

	select {
	case r := <-ch:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Snapshot{}, &SourceTimeoutError{LogicalName: name, Timeout: timeout}
		}
		if r.err != nil {
			return Snapshot{}, r.err
		}
		if len(r.snap.Versions) == 0 {
			return Snapshot{}, ErrRuleNotFound
		}
		return r.snap, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Snapshot{}, &SourceTimeoutError{LogicalName: name, Timeout: timeout}
		}
		return Snapshot{}, ctx.Err()
	}
}

// History fetches, normalizes, merges and summarizes one rule. The window
// filters the merged timeline before the summary is computed.
func (e *Engine) History(ctx context.Context, name LogicalName, window Window) (*History, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	snap, err := e.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.buildHistory(name, snap, window)
}

func (e *Engine) buildHistory(name LogicalName, snap Snapshot, window Window) (*History, error) {
	now := e.now()
	norm := Normalize(NormalizeInput{
		LogicalName:    name,
		Versions:       snap.Versions,
		Values:         snap.Values,
		Config:         e.Config,
		Now:            now,
		PathwayMethods: snap.PathwayMethods,
	})
	for _, w := range norm.Warnings {
		e.Logger.Warn("skipped malformed record", "rule", name, "error", w)
	}

	timeline, err := Merge(norm.Records)
	if err != nil {
		return nil, err
	}
	timeline = FilterWindow(timeline, window)

	return &History{
		LogicalName: name,
		GeneratedAt: now,
		Timeline:    timeline,
		Summary:     Summarize(timeline),
		Warnings:    norm.Warnings,
	}, nil
}

// Current projects the state in effect now.
func (e *Engine) Current(ctx context.Context, name LogicalName) (*CurrentState, error) {
	snap, err := e.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	return e.project(ctx, name, snap, e.now())
}

// CurrentAsOf projects the state in effect at an arbitrary instant.
func (e *Engine) CurrentAsOf(ctx context.Context, name LogicalName, at time.Time) (*CurrentState, error) {
	snap, err := e.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	active, err := activeAsOf(snap.Versions, at)
	if err != nil {
		return nil, err
	}
	values, err := e.valuesForSet(ctx, name, snap, active.FieldValueSetID)
	if err != nil {
		return nil, err
	}
	return StateAsOf(snap.Versions, values, at)
}

// Reconcile produces the full report for one rule. The timeline comes from a
// single fetch; projection may need a second one, see valuesForSet.
func (e *Engine) Reconcile(ctx context.Context, name LogicalName) Report {
	rep := Report{LogicalName: name}
	snap, err := e.Fetch(ctx, name)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.History, rep.Err = e.buildHistory(name, snap, Window{})
	if rep.Err != nil {
		return rep
	}
	rep.Current, rep.CurrentErr = e.project(ctx, name, snap, rep.History.GeneratedAt)
	return rep
}

func (e *Engine) project(ctx context.Context, name LogicalName, snap Snapshot, now time.Time) (*CurrentState, error) {
	active, err := pickActive(snap.Versions, now)
	if err != nil {
		return nil, err
	}
	values, err := e.valuesForSet(ctx, name, snap, active.FieldValueSetID)
	if err != nil {
		return nil, err
	}
	return Project(snap.Versions, values, now)
}

// valuesForSet returns field values that include every value of set.
// ScopeActiveVersion only carries the sets of open versions, so a version
// that is active through its window (retirement scheduled in the future, or
// a past instant) has its values fetched again under ScopeAllVersions.
func (e *Engine) valuesForSet(ctx context.Context, name LogicalName, snap Snapshot, set FieldValueSetID) ([]FieldValue, error) {
	if e.Config.withDefaults().FieldScope == ScopeAllVersions {
		return snap.Values, nil
	}
	for _, v := range snap.Versions {
		if v.InactiveFrom == nil && v.FieldValueSetID == set {
			return snap.Values, nil
		}
	}
	full, err := e.fetch(ctx, name, ScopeAllVersions)
	if err != nil {
		return nil, err
	}
	return full.Values, nil
}

// ReconcileAll reconciles many rules in parallel. Per-rule failures are kept
// on the matching Report; only cancellation of ctx aborts the batch.
// Reports come back in the order of names.
func (e *Engine) ReconcileAll(ctx context.Context, names []LogicalName) ([]Report, error) {
	reports := make([]Report, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Config.withDefaults().Parallelism)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reports[i] = e.Reconcile(gctx, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}
