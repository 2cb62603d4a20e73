package history_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/history/historytest"
)

func normalizeScenario(cfg history.Config) history.NormalizeResult {
	versions, values := historytest.BaseMarginConv30()
	return history.Normalize(history.NormalizeInput{
		LogicalName: historytest.Rule,
		Versions:    versions,
		Values:      values,
		Config:      cfg,
		Now:         historytest.Now,
	})
}

func TestNormalize_Scenario(t *testing.T) {
	// WHEN: Normalizing two versions and three field values
	res := normalizeScenario(history.DefaultConfig())

	// THEN: Two version changes and two field changes (the first value has
	// no predecessor and is not a change)
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Records, 4)

	var versions, fields int
	for _, r := range res.Records {
		switch c := r.(type) {
		case history.VersionChange:
			versions++
			if c.VersionID == 1 {
				assert.Equal(t, history.StatusInactive, c.Status)
				assert.Equal(t, history.MethodManual, c.Method)
			}
		case history.FieldChange:
			fields++
			assert.Equal(t, history.VersionID(2), c.OwnerVersionID)
			assert.Equal(t, history.MethodBulkUpload, c.Method)
			assert.True(t, c.Delta.Valid())
		}
	}
	assert.Equal(t, 2, versions)
	assert.Equal(t, 2, fields)
}

func TestNormalize_UntrackedFieldsDropped(t *testing.T) {
	cfg := history.DefaultConfig()
	cfg.TrackedFields = []string{"baseRate"}

	res := normalizeScenario(cfg)

	assert.Len(t, res.Records, 2, "only version changes remain")
}

func TestNormalize_EmptyAllowListTracksNoField(t *testing.T) {
	cfg := history.DefaultConfig()
	cfg.TrackedFields = []string{}

	res := normalizeScenario(cfg)

	require.Len(t, res.Records, 2)
	for _, r := range res.Records {
		assert.IsType(t, history.VersionChange{}, r)
	}
}

func TestNormalize_TrackAll(t *testing.T) {
	// GIVEN: A non-allow-listed, non-numeric field
	base := historytest.Date(2025, time.March, 1)
	in := history.NormalizeInput{
		LogicalName: "R",
		Values: []history.FieldValue{
			fv(1, 1, "productCode", "A", base),
			fv(2, 1, "productCode", "B", base.Add(time.Hour)),
		},
		Now: historytest.Now,
	}

	in.Config = history.Config{TrackedFields: []string{history.TrackAll}}
	res := history.Normalize(in)

	// THEN: It is recorded, with the delta skipped
	require.Len(t, res.Records, 1)
	fc := res.Records[0].(history.FieldChange)
	assert.Equal(t, "A", fc.OldValue)
	assert.Equal(t, history.SkipNotNumeric, fc.Delta.Skipped)
}

func TestNormalize_MalformedRecordsSkippedNotFatal(t *testing.T) {
	// GIVEN: One version without created_at and one field value without updated_at
	versions, values := historytest.BaseMarginConv30()
	versions = append(versions, history.EntityVersion{VersionID: 9, LogicalName: historytest.Rule, FieldValueSetID: 9})
	values = append(values, history.FieldValue{FieldValueID: 44, FieldValueSetID: 2, FieldName: "marginPoints", LiteralValue: "9"})

	// WHEN: Normalizing
	res := history.Normalize(history.NormalizeInput{
		LogicalName: historytest.Rule,
		Versions:    versions,
		Values:      values,
		Now:         historytest.Now,
	})

	// THEN: The good records survive and each bad one is a warning
	assert.Len(t, res.Records, 4)
	require.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		assert.ErrorIs(t, w, history.ErrMalformedRecord)
	}

	var mr *history.MalformedRecordError
	require.ErrorAs(t, res.Warnings[0], &mr)
	assert.Equal(t, history.KindVersion, mr.Kind)
	assert.Equal(t, "created_at", mr.Missing)
	require.ErrorAs(t, res.Warnings[1], &mr)
	assert.Equal(t, history.KindField, mr.Kind)
	assert.Equal(t, "updated_at", mr.Missing)
}

func TestNormalize_VersionWithoutEffectiveFromIsMalformed(t *testing.T) {
	// GIVEN: A version that has created_at but no effective_from
	versions, values := historytest.BaseMarginConv30()
	versions = append(versions, history.EntityVersion{
		VersionID:       9,
		LogicalName:     historytest.Rule,
		CreatedAt:       historytest.Date(2025, time.December, 20),
		FieldValueSetID: 9,
	})

	// WHEN: Normalizing
	res := history.Normalize(history.NormalizeInput{
		LogicalName: historytest.Rule,
		Versions:    versions,
		Values:      values,
		Now:         historytest.Now,
	})

	// THEN: It is skipped with a warning naming the missing column
	assert.Len(t, res.Records, 4)
	require.Len(t, res.Warnings, 1)
	var mr *history.MalformedRecordError
	require.ErrorAs(t, res.Warnings[0], &mr)
	assert.Equal(t, history.KindVersion, mr.Kind)
	assert.Equal(t, int64(9), mr.ID)
	assert.Equal(t, "effective_from", mr.Missing)
}

func TestNormalize_PathwayMethodAndUnknownVersionMethod(t *testing.T) {
	versions, values := historytest.BaseMarginConv30()
	versions[1].CreationMethod = ""

	res := history.Normalize(history.NormalizeInput{
		LogicalName:    historytest.Rule,
		Versions:       versions,
		Values:         values,
		Now:            historytest.Now,
		PathwayMethods: map[history.FieldValueID]history.CreationMethod{3: history.MethodManual},
	})

	for _, r := range res.Records {
		switch c := r.(type) {
		case history.VersionChange:
			if c.VersionID == 2 {
				assert.Equal(t, history.MethodUnknown, c.Method)
			}
		case history.FieldChange:
			if c.FieldValueID == 3 {
				assert.Equal(t, history.MethodManual, c.Method)
			} else {
				assert.Equal(t, history.MethodBulkUpload, c.Method)
			}
		}
	}
}

func TestNormalize_ParallelismKeepsOrderAndWarnings(t *testing.T) {
	// GIVEN: A long edit chain with two malformed values mixed in
	versions, values := historytest.BaseMarginConv30()
	for i := 0; i < 40; i++ {
		values = append(values, history.FieldValue{
			FieldValueID:    history.FieldValueID(100 + i),
			FieldValueSetID: 2,
			FieldName:       "marginPoints",
			LiteralValue:    "2.000",
			UpdatedAt:       historytest.Date(2025, time.December, 2).Add(time.Duration(i) * time.Hour),
		})
	}
	values[10].UpdatedAt = time.Time{}
	values[30].UpdatedAt = time.Time{}

	normalize := func(parallelism int) history.NormalizeResult {
		cfg := history.DefaultConfig()
		cfg.Parallelism = parallelism
		return history.Normalize(history.NormalizeInput{
			LogicalName: historytest.Rule,
			Versions:    versions,
			Values:      values,
			Config:      cfg,
			Now:         historytest.Now,
		})
	}

	// WHEN: Normalizing serially and with many workers
	serial := normalize(1)
	parallel := normalize(16)

	// THEN: Both runs agree, and only the malformed values are warnings
	assert.Equal(t, serial.Records, parallel.Records)
	assert.Equal(t, serial.Warnings, parallel.Warnings)
	require.Len(t, parallel.Warnings, 2)
	for _, w := range parallel.Warnings {
		assert.ErrorIs(t, w, history.ErrMalformedRecord)
	}
}
