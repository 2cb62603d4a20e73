package history_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/history/historytest"
	"github.com/warp/rule-history/history/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestEngine(t *testing.T, cfg history.Config) (*history.Engine, *store.Memory) {
	mem := store.NewMemory()
	require.NoError(t, historytest.Seed(context.Background(), mem))

	engine := history.NewEngine(mem, cfg, slog.Default())
	engine.Now = func() time.Time { return historytest.Now }
	return engine, mem
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestEngine_History_BaseMarginConv30(t *testing.T) {
	// GIVEN: V1 -> V2 fork and three marginPoints values on V2's set
	engine, _ := newTestEngine(t, history.DefaultConfig())

	// WHEN: Building the history
	h, err := engine.History(context.Background(), historytest.Rule, history.Window{})
	require.NoError(t, err)

	// THEN: Newest first, interleaving both pathways
	require.Len(t, h.Timeline, 4)

	c0, ok := h.Timeline[0].(history.FieldChange)
	require.True(t, ok)
	assert.Equal(t, "marginPoints", c0.FieldName)
	assert.Equal(t, "1.250", c0.OldValue)
	assert.Equal(t, "1.500", c0.NewValue)
	assert.True(t, historytest.Date(2025, time.December, 1).Equal(c0.Timestamp))

	c1, ok := h.Timeline[1].(history.VersionChange)
	require.True(t, ok)
	assert.Equal(t, history.VersionID(2), c1.VersionID)
	assert.Equal(t, history.StatusActive, c1.Status)

	c2, ok := h.Timeline[2].(history.FieldChange)
	require.True(t, ok)
	assert.Equal(t, "1.000", c2.OldValue)
	assert.Equal(t, "1.250", c2.NewValue)
	assert.Equal(t, "+0.250", c2.Delta.String())

	c3, ok := h.Timeline[3].(history.VersionChange)
	require.True(t, ok)
	assert.Equal(t, history.VersionID(1), c3.VersionID)
	assert.Equal(t, history.StatusInactive, c3.Status)

	assert.Equal(t, 4, h.Summary.Total)
	assert.Equal(t, 61, h.Summary.ElapsedDays)
	assert.True(t, historytest.Now.Equal(h.GeneratedAt))
}

func TestEngine_Current_BaseMarginConv30(t *testing.T) {
	engine, _ := newTestEngine(t, history.DefaultConfig())

	state, err := engine.Current(context.Background(), historytest.Rule)

	require.NoError(t, err)
	assert.Equal(t, history.VersionID(2), state.Version.VersionID)
	f, ok := state.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "1.500", f.Value.LiteralValue)
}

func TestEngine_CurrentAsOf(t *testing.T) {
	engine, _ := newTestEngine(t, history.DefaultConfig())

	state, err := engine.CurrentAsOf(context.Background(), historytest.Rule, historytest.Date(2025, time.November, 20))

	require.NoError(t, err)
	f, ok := state.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "1.250", f.Value.LiteralValue)
}

// =============================================================================
// PATHWAY INTERLEAVING
// =============================================================================

func TestEngine_ForkAndEditInterleave(t *testing.T) {
	// GIVEN: A fork followed by an in-place edit on the new version
	engine, mem := newTestEngine(t, history.DefaultConfig())
	ctx := context.Background()

	v3, err := mem.ForkVersion(ctx, history.ForkRequest{
		LogicalName: historytest.Rule,
		At:          historytest.Date(2026, time.January, 2),
		Actor:       "asmith",
		Method:      history.MethodCopy,
	})
	require.NoError(t, err)
	_, err = mem.SetFieldValue(ctx, history.FieldUpdate{
		FieldValueSetID: v3.FieldValueSetID,
		FieldName:       "marginPoints",
		Value:           "1.375",
		Actor:           "asmith",
		At:              historytest.Date(2026, time.January, 3),
	})
	require.NoError(t, err)

	// WHEN: Reconciling
	rep := engine.Reconcile(ctx, historytest.Rule)
	require.NoError(t, rep.Err)
	require.NoError(t, rep.CurrentErr)

	// THEN: The edit is attributed to V3 with a negative delta and V3 is current
	timeline := rep.History.Timeline
	require.Len(t, timeline, 6)
	edit := timeline[0].(history.FieldChange)
	assert.Equal(t, v3.VersionID, edit.OwnerVersionID)
	assert.Equal(t, "-0.125", edit.Delta.String())
	assert.Equal(t, v3.VersionID, timeline[1].(history.VersionChange).VersionID)
	assert.Equal(t, v3.VersionID, rep.Current.Version.VersionID)
}

// =============================================================================
// ERRORS AND TIMEOUTS
// =============================================================================

func TestEngine_UnknownRule(t *testing.T) {
	engine, _ := newTestEngine(t, history.DefaultConfig())

	_, err := engine.History(context.Background(), "Missing", history.Window{})

	assert.ErrorIs(t, err, history.ErrRuleNotFound)
	assert.True(t, history.IsNotFound(err))
}

func TestEngine_InvalidWindowRejectedBeforeFetch(t *testing.T) {
	engine, mem := newTestEngine(t, history.DefaultConfig())
	mem.Latency = time.Hour // a fetch would hang the test

	_, err := engine.History(context.Background(), historytest.Rule, history.Window{
		From: historytest.Ptr(historytest.Date(2025, time.December, 1)),
		To:   historytest.Ptr(historytest.Date(2025, time.November, 1)),
	})

	assert.ErrorIs(t, err, history.ErrInvalidWindow)
}

func TestEngine_SourceTimeout(t *testing.T) {
	// GIVEN: A source slower than the fetch bound
	cfg := history.DefaultConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	engine, mem := newTestEngine(t, cfg)
	mem.Latency = 500 * time.Millisecond

	// WHEN: Fetching
	start := time.Now()
	_, err := engine.History(context.Background(), historytest.Rule, history.Window{})

	// THEN: The engine gives up at the bound with a retryable error
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	var te *history.SourceTimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, cfg.FetchTimeout, te.Timeout)
	assert.True(t, history.IsRetryable(err))
}

func TestEngine_ReconcileAll_KeepsOrderAndPerRuleErrors(t *testing.T) {
	// GIVEN: The scenario rule plus a rule whose only version is retired
	engine, mem := newTestEngine(t, history.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, mem.ImportVersion(ctx, history.EntityVersion{
		VersionID:       50,
		LogicalName:     "Retired_Rule",
		CreatedAt:       historytest.Date(2025, time.January, 1),
		EffectiveFrom:   historytest.Date(2025, time.January, 1),
		InactiveFrom:    historytest.Ptr(historytest.Date(2025, time.February, 1)),
		FieldValueSetID: 50,
	}))

	names := []history.LogicalName{"Retired_Rule", "Missing", historytest.Rule}

	// WHEN: Reconciling all three
	reports, err := engine.ReconcileAll(ctx, names)
	require.NoError(t, err)

	// THEN: One report per name, failures kept per rule
	require.Len(t, reports, 3)
	for i, rep := range reports {
		assert.Equal(t, names[i], rep.LogicalName)
	}
	assert.NoError(t, reports[0].Err)
	assert.ErrorIs(t, reports[0].CurrentErr, history.ErrNoActiveVersion)
	assert.ErrorIs(t, reports[1].Err, history.ErrRuleNotFound)
	assert.NoError(t, reports[2].Err)
	assert.Equal(t, history.VersionID(2), reports[2].Current.Version.VersionID)
}

func TestEngine_ReconcileAll_CancelledContext(t *testing.T) {
	engine, _ := newTestEngine(t, history.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.ReconcileAll(ctx, []history.LogicalName{historytest.Rule})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_AllVersionsScopeSurfacesRetiredEdits(t *testing.T) {
	// GIVEN: An edit made on V1's set before V1 was retired
	engine, mem := newTestEngine(t, history.DefaultConfig())
	ctx := context.Background()
	require.NoError(t, mem.ImportFieldValue(ctx, fv(20, 1, "baseRate", "6.000", historytest.Date(2025, time.October, 2)), ""))
	require.NoError(t, mem.ImportFieldValue(ctx, fv(21, 1, "baseRate", "6.125", historytest.Date(2025, time.October, 3)), ""))

	// WHEN: Reading with each scope
	active, err := engine.History(ctx, historytest.Rule, history.Window{})
	require.NoError(t, err)
	engine.Config.FieldScope = history.ScopeAllVersions
	all, err := engine.History(ctx, historytest.Rule, history.Window{})
	require.NoError(t, err)

	// THEN: Only all_versions reports the edit, owned by V1
	assert.Len(t, active.Timeline, 4)
	require.Len(t, all.Timeline, 5)
	edit := all.Timeline[3].(history.FieldChange)
	assert.Equal(t, history.VersionID(1), edit.OwnerVersionID)
	assert.Equal(t, "+0.125", edit.Delta.String())
}

// =============================================================================
// PROJECTION UNDER ACTIVE_VERSION SCOPE
// =============================================================================

type scopeRecorder struct {
	history.Source
	scopes []history.FieldScope
}

func (s *scopeRecorder) Fetch(ctx context.Context, name history.LogicalName, scope history.FieldScope) (history.Snapshot, error) {
	s.scopes = append(s.scopes, scope)
	return s.Source.Fetch(ctx, name, scope)
}

func newScopedEngine(t *testing.T, versions []history.EntityVersion, values []history.FieldValue) (*history.Engine, *scopeRecorder) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, v := range versions {
		require.NoError(t, mem.ImportVersion(ctx, v))
	}
	for _, v := range values {
		require.NoError(t, mem.ImportFieldValue(ctx, v, ""))
	}
	src := &scopeRecorder{Source: mem}
	engine := history.NewEngine(src, history.DefaultConfig(), slog.Default())
	engine.Now = func() time.Time { return historytest.Now }
	return engine, src
}

func TestEngine_CurrentKeepsFieldsOfScheduledRetirement(t *testing.T) {
	// GIVEN: The only version retires after now and owns set 7
	engine, src := newScopedEngine(t,
		[]history.EntityVersion{version(1, 7, historytest.Date(2025, time.January, 1), historytest.Ptr(historytest.Date(2026, time.March, 1)))},
		[]history.FieldValue{fv(1, 7, "marginPoints", "1.000", historytest.Date(2025, time.January, 1))},
	)

	// WHEN: Projecting the current state
	state, err := engine.Current(context.Background(), historytest.Rule)

	// THEN: The version's own values are projected
	require.NoError(t, err)
	assert.Equal(t, history.VersionID(1), state.Version.VersionID)
	f, ok := state.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "1.000", f.Value.LiteralValue)
	assert.Equal(t, []history.FieldScope{history.ScopeActiveVersion, history.ScopeAllVersions}, src.scopes)
}

func TestEngine_ReconcileKeepsFieldsOfScheduledRetirement(t *testing.T) {
	engine, _ := newScopedEngine(t,
		[]history.EntityVersion{version(1, 7, historytest.Date(2025, time.January, 1), historytest.Ptr(historytest.Date(2026, time.March, 1)))},
		[]history.FieldValue{fv(1, 7, "marginPoints", "1.000", historytest.Date(2025, time.January, 1))},
	)

	rep := engine.Reconcile(context.Background(), historytest.Rule)

	require.NoError(t, rep.Err)
	require.NoError(t, rep.CurrentErr)
	require.Len(t, rep.Current.Fields, 1)
	assert.Equal(t, "marginPoints", rep.Current.Fields[0].Value.FieldName)
}

func TestEngine_CurrentAsOfReadsRetiredVersionValues(t *testing.T) {
	// GIVEN: V1 (set 1) retired on Dec 1 and replaced by V2 (set 2)
	engine, src := newScopedEngine(t,
		[]history.EntityVersion{
			version(1, 1, historytest.Date(2025, time.June, 1), historytest.Ptr(historytest.Date(2025, time.December, 1))),
			version(2, 2, historytest.Date(2025, time.December, 1), nil),
		},
		[]history.FieldValue{
			fv(1, 1, "marginPoints", "0.500", historytest.Date(2025, time.June, 1)),
			fv(2, 2, "marginPoints", "0.750", historytest.Date(2025, time.December, 1)),
		},
	)
	ctx := context.Background()

	// WHEN: Asking for a November instant, then for now
	past, err := engine.CurrentAsOf(ctx, historytest.Rule, historytest.Date(2025, time.November, 1))
	require.NoError(t, err)
	src.scopes = nil
	now, err := engine.Current(ctx, historytest.Rule)
	require.NoError(t, err)

	// THEN: November shows V1's value; now needs no second fetch
	f, ok := past.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "0.500", f.Value.LiteralValue)
	f, ok = now.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "0.750", f.Value.LiteralValue)
	assert.Equal(t, []history.FieldScope{history.ScopeActiveVersion}, src.scopes)
}
