package sqlite_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/history/historytest"
	"github.com/warp/rule-history/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seededStore(t *testing.T) *sqlite.Store {
	store := newTestStore(t)
	require.NoError(t, historytest.Seed(context.Background(), store))
	return store
}

// =============================================================================
// SOURCE TESTS
// =============================================================================

func TestFetch_RoundTripsScenario(t *testing.T) {
	// GIVEN: The reference scenario imported into sqlite
	store := seededStore(t)

	// WHEN: Fetching every version's fields
	snap, err := store.Fetch(context.Background(), historytest.Rule, history.ScopeAllVersions)
	require.NoError(t, err)

	// THEN: Rows come back as imported
	wantVersions, wantValues := historytest.BaseMarginConv30()
	require.Len(t, snap.Versions, 2)
	require.Len(t, snap.Values, 3)

	v1 := snap.Versions[0]
	assert.Equal(t, wantVersions[0].VersionID, v1.VersionID)
	assert.True(t, wantVersions[0].CreatedAt.Equal(v1.CreatedAt))
	require.NotNil(t, v1.InactiveFrom)
	assert.True(t, wantVersions[0].InactiveFrom.Equal(*v1.InactiveFrom))
	assert.Equal(t, history.MethodManual, v1.CreationMethod)
	assert.Nil(t, snap.Versions[1].InactiveFrom)

	for i, fv := range snap.Values {
		assert.Equal(t, wantValues[i].FieldValueID, fv.FieldValueID)
		assert.Equal(t, wantValues[i].LiteralValue, fv.LiteralValue)
		assert.True(t, wantValues[i].UpdatedAt.Equal(fv.UpdatedAt))
		assert.Equal(t, history.MethodBulkUpload, snap.PathwayMethods[fv.FieldValueID])
	}
}

func TestFetch_ActiveScopeSkipsRetiredSets(t *testing.T) {
	// GIVEN: A retired version whose set still holds a value
	store := seededStore(t)
	ctx := context.Background()
	require.NoError(t, store.ImportFieldValue(ctx, history.FieldValue{
		FieldValueID:    10,
		FieldValueSetID: 1,
		FieldName:       "basePoints",
		LiteralValue:    "0.500",
		UpdatedAt:       historytest.Date(2025, time.October, 2),
	}, ""))

	// WHEN: Fetching with each scope
	active, err := store.Fetch(ctx, historytest.Rule, history.ScopeActiveVersion)
	require.NoError(t, err)
	all, err := store.Fetch(ctx, historytest.Rule, history.ScopeAllVersions)
	require.NoError(t, err)

	// THEN: Only the all-versions scope sees set 1
	assert.Len(t, active.Values, 3)
	assert.Len(t, all.Values, 4)
	_, hasMethod := all.PathwayMethods[10]
	assert.False(t, hasMethod, "no pathway metadata was supplied")
}

func TestFetch_InvalidScope(t *testing.T) {
	store := seededStore(t)

	_, err := store.Fetch(context.Background(), historytest.Rule, history.FieldScope("bogus"))

	assert.ErrorIs(t, err, history.ErrInvalidScope)
}

func TestFetch_UnknownRuleIsEmpty(t *testing.T) {
	store := seededStore(t)

	snap, err := store.Fetch(context.Background(), "Nope", history.ScopeActiveVersion)

	require.NoError(t, err)
	assert.Empty(t, snap.Versions)
	assert.Empty(t, snap.Values)
}

func TestListRules(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()
	_, err := store.ForkVersion(ctx, history.ForkRequest{
		LogicalName: "AdjustCap_FHA",
		At:          historytest.Date(2025, time.June, 1),
		Actor:       "jdoe",
		Method:      history.MethodManual,
	})
	require.NoError(t, err)

	names, err := store.ListRules(ctx)

	require.NoError(t, err)
	assert.Equal(t, []history.LogicalName{"AdjustCap_FHA", historytest.Rule}, names)
}

func TestImport_DuplicateIDRejected(t *testing.T) {
	// GIVEN: The scenario already imported
	store := seededStore(t)
	versions, values := historytest.BaseMarginConv30()

	// WHEN: Importing the same rows again
	errVersion := store.ImportVersion(context.Background(), versions[0])
	errValue := store.ImportFieldValue(context.Background(), values[0], "")

	// THEN: Both are reported as duplicates
	assert.ErrorIs(t, errVersion, history.ErrDuplicateRecord)
	assert.ErrorIs(t, errValue, history.ErrDuplicateRecord)
}

func TestImport_MissingTimestampLoadsAsZero(t *testing.T) {
	// GIVEN: A legacy version row with no created_at
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.ImportVersion(ctx, history.EntityVersion{
		VersionID:       7,
		LogicalName:     "Legacy",
		FieldValueSetID: 3,
	}))

	// WHEN: Fetching it back
	snap, err := store.Fetch(ctx, "Legacy", history.ScopeActiveVersion)

	// THEN: The zero time survives for the normalizer to flag
	require.NoError(t, err)
	require.Len(t, snap.Versions, 1)
	assert.True(t, snap.Versions[0].CreatedAt.IsZero())
	assert.Equal(t, history.MethodUnknown, snap.Versions[0].CreationMethod)
}

// insertLegacyVersion writes a version row the way another tool would,
// bypassing the store's own timestamp formatting.
func insertLegacyVersion(t *testing.T, store *sqlite.Store, id, set int64, createdAt string, inactiveFrom any) {
	t.Helper()
	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO rule_versions (version_id, logical_name, created_at, created_by,
				effective_from, inactive_from, creation_method, field_value_set_id)
			VALUES (?, 'Legacy', ?, 'migration', ?, ?, 1, ?)`,
			id, createdAt, createdAt, inactiveFrom, set)
		return err
	})
	require.NoError(t, err)
}

func TestFetch_SQLiteDatetimeKeepsVersionRetired(t *testing.T) {
	// GIVEN: A retired version whose inactive_from uses SQLite's datetime() layout
	store := newTestStore(t)
	insertLegacyVersion(t, store, 1, 1, "2025-10-01 00:00:00", "2025-11-15 00:00:00")
	insertLegacyVersion(t, store, 2, 2, "2025-11-15 00:00:00", nil)

	// WHEN: Fetching the rule
	snap, err := store.Fetch(context.Background(), "Legacy", history.ScopeActiveVersion)

	// THEN: V1 is still retired and V2 is the only open version
	require.NoError(t, err)
	require.Len(t, snap.Versions, 2)
	require.NotNil(t, snap.Versions[0].InactiveFrom)
	assert.True(t, historytest.Date(2025, time.November, 15).Equal(*snap.Versions[0].InactiveFrom))
	assert.True(t, historytest.Date(2025, time.October, 1).Equal(snap.Versions[0].CreatedAt))
	assert.Nil(t, snap.Versions[1].InactiveFrom)

	state, err := history.Project(snap.Versions, snap.Values, historytest.Now)
	require.NoError(t, err)
	assert.Equal(t, history.VersionID(2), state.Version.VersionID)
}

func TestFetch_UnreadableTimestampFailsFetch(t *testing.T) {
	// GIVEN: A version whose inactive_from is not a timestamp at all
	store := newTestStore(t)
	insertLegacyVersion(t, store, 1, 1, "2025-10-01", "last autumn")

	// WHEN: Fetching the rule
	_, err := store.Fetch(context.Background(), "Legacy", history.ScopeAllVersions)

	// THEN: The fetch fails instead of reading the version as open
	require.Error(t, err)
	assert.ErrorIs(t, err, sqlite.ErrBadTimestamp)
	assert.Contains(t, err.Error(), "inactive_from")
}

// =============================================================================
// MUTATION PATHWAY TESTS
// =============================================================================

func TestForkVersion_InactivatesPriorAndCarriesSet(t *testing.T) {
	// GIVEN: The scenario with V2 active
	store := seededStore(t)
	ctx := context.Background()
	at := historytest.Date(2026, time.February, 1)

	// WHEN: Forking a new version without naming a set
	v3, err := store.ForkVersion(ctx, history.ForkRequest{
		LogicalName: historytest.Rule,
		At:          at,
		Actor:       "asmith",
		Method:      history.MethodCopy,
	})
	require.NoError(t, err)

	// THEN: V3 is new, shares V2's set and V2 is closed at the fork instant
	assert.Equal(t, history.VersionID(3), v3.VersionID)
	assert.Equal(t, history.FieldValueSetID(2), v3.FieldValueSetID)

	snap, err := store.Fetch(ctx, historytest.Rule, history.ScopeActiveVersion)
	require.NoError(t, err)
	require.Len(t, snap.Versions, 3)
	require.NotNil(t, snap.Versions[1].InactiveFrom)
	assert.True(t, at.Equal(*snap.Versions[1].InactiveFrom))
	assert.Nil(t, snap.Versions[2].InactiveFrom)
	assert.Equal(t, history.MethodCopy, snap.Versions[2].CreationMethod)
}

func TestForkVersion_NewRuleAllocatesSet(t *testing.T) {
	store := seededStore(t)

	v, err := store.ForkVersion(context.Background(), history.ForkRequest{
		LogicalName: "LockExt_Jumbo",
		At:          historytest.Date(2026, time.February, 1),
	})

	require.NoError(t, err)
	assert.Equal(t, history.FieldValueSetID(3), v.FieldValueSetID)
	assert.Equal(t, history.MethodUnknown, v.CreationMethod)
}

func TestForkVersion_RejectsMalformedRequest(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ForkVersion(context.Background(), history.ForkRequest{LogicalName: "X"})

	assert.ErrorIs(t, err, history.ErrMalformedRecord)
}

func TestSetFieldValue_SupersedesCurrent(t *testing.T) {
	// GIVEN: marginPoints currently 1.500
	store := seededStore(t)
	ctx := context.Background()
	at := historytest.Date(2026, time.January, 10)

	// WHEN: Setting it to 1.750
	fv, err := store.SetFieldValue(ctx, history.FieldUpdate{
		FieldValueSetID: 2,
		FieldName:       "marginPoints",
		Value:           "1.750",
		Actor:           "jdoe",
		At:              at,
	})
	require.NoError(t, err)

	// THEN: The old row is closed and exactly one value is current
	assert.Equal(t, history.FieldValueID(4), fv.FieldValueID)
	snap, err := store.Fetch(ctx, historytest.Rule, history.ScopeActiveVersion)
	require.NoError(t, err)
	require.Len(t, snap.Values, 4)

	current := 0
	for _, v := range snap.Values {
		if v.IsCurrent() {
			current++
			assert.Equal(t, "1.750", v.LiteralValue)
		}
	}
	assert.Equal(t, 1, current)
	require.NotNil(t, snap.Values[2].InactiveFrom)
	assert.True(t, at.Equal(*snap.Values[2].InactiveFrom))
	assert.Equal(t, history.MethodBulkUpload, snap.PathwayMethods[4])
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

func TestEngine_ScenarioOverSQLite(t *testing.T) {
	// GIVEN: An engine reading the scenario from sqlite
	store := seededStore(t)
	engine := history.NewEngine(store, history.DefaultConfig(), slog.Default())
	engine.Now = func() time.Time { return historytest.Now }

	// WHEN: Reconciling the rule
	rep := engine.Reconcile(context.Background(), historytest.Rule)

	// THEN: The timeline and current state match the scenario
	require.NoError(t, rep.Err)
	require.NoError(t, rep.CurrentErr)
	require.Len(t, rep.History.Timeline, 4)

	first, ok := rep.History.Timeline[0].(history.FieldChange)
	require.True(t, ok)
	assert.Equal(t, "1.250", first.OldValue)
	assert.Equal(t, "1.500", first.NewValue)
	assert.Equal(t, "+0.250", first.Delta.String())

	assert.Equal(t, history.VersionID(2), rep.Current.Version.VersionID)
	field, ok := rep.Current.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "1.500", field.Value.LiteralValue)
}

func TestEngine_ScheduledRetirementOverSQLite(t *testing.T) {
	// GIVEN: The only version retires on Mar 1 2026 and owns set 7
	store := newTestStore(t)
	ctx := context.Background()
	start := historytest.Date(2025, time.January, 1)
	require.NoError(t, store.ImportVersion(ctx, history.EntityVersion{
		VersionID:       1,
		LogicalName:     historytest.Rule,
		CreatedAt:       start,
		EffectiveFrom:   start,
		InactiveFrom:    historytest.Ptr(historytest.Date(2026, time.March, 1)),
		FieldValueSetID: 7,
		CreationMethod:  history.MethodManual,
	}))
	require.NoError(t, store.ImportFieldValue(ctx, history.FieldValue{
		FieldValueID:    1,
		FieldValueSetID: 7,
		FieldName:       "marginPoints",
		LiteralValue:    "1.000",
		UpdatedAt:       start,
		EffectiveFrom:   start,
	}, ""))
	engine := history.NewEngine(store, history.DefaultConfig(), slog.Default())
	engine.Now = func() time.Time { return historytest.Now }

	// WHEN: Projecting the current state under the default scope
	state, err := engine.Current(ctx, historytest.Rule)

	// THEN: V1 is active and its field is present
	require.NoError(t, err)
	assert.Equal(t, history.VersionID(1), state.Version.VersionID)
	field, ok := state.Field("marginPoints")
	require.True(t, ok)
	assert.Equal(t, "1.000", field.Value.LiteralValue)
}

// =============================================================================
// REPORT RUN TESTS
// =============================================================================

func TestRecordRun_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := historytest.Date(2026, time.January, 1)
	newer := historytest.Date(2026, time.January, 2)
	id1, err := store.RecordRun(ctx, sqlite.RunRecord{
		LogicalName: "A", Trigger: "cli", Status: "completed", RecordCount: 4, StartedAt: older,
	})
	require.NoError(t, err)
	_, err = store.RecordRun(ctx, sqlite.RunRecord{
		LogicalName: "B", Trigger: "scheduler", Status: "failed", Error: "boom", StartedAt: newer,
	})
	require.NoError(t, err)

	all, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "B", all[0].LogicalName)
	assert.Equal(t, "boom", all[0].Error)

	onlyA, err := store.ListRuns(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, id1, onlyA[0].ID)
	assert.Equal(t, 4, onlyA[0].RecordCount)
	assert.NotEmpty(t, id1)
}

func TestReset_ClearsTables(t *testing.T) {
	store := seededStore(t)
	ctx := context.Background()

	require.NoError(t, store.Reset(ctx))

	names, err := store.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
