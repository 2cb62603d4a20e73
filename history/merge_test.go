package history_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/history/historytest"
)

func versionChange(id int64, at time.Time) history.VersionChange {
	return history.VersionChange{
		VersionID:   history.VersionID(id),
		LogicalName: historytest.Rule,
		Timestamp:   at,
		Actor:       "jdoe",
		Method:      history.MethodManual,
	}
}

func fieldChange(id, owner int64, field string, at time.Time) history.FieldChange {
	return history.FieldChange{
		LogicalName:    historytest.Rule,
		FieldName:      field,
		Timestamp:      at,
		Actor:          "asmith",
		OwnerVersionID: history.VersionID(owner),
		FieldValueID:   history.FieldValueID(id),
		Method:         history.MethodBulkUpload,
	}
}

func TestMerge_NewestFirstWithTieBreaks(t *testing.T) {
	// GIVEN: Records sharing one instant plus an older one
	at := historytest.Date(2025, time.November, 15)
	versions := []history.ChangeRecord{
		versionChange(1, historytest.Date(2025, time.October, 1)),
		versionChange(2, at),
	}
	fields := []history.ChangeRecord{
		fieldChange(7, 2, "marginPoints", at),
		fieldChange(8, 2, "baseRate", at),
		fieldChange(9, 1, "marginPoints", at),
	}

	// WHEN: Merging
	timeline, err := history.Merge(versions, fields)
	require.NoError(t, err)

	// THEN: Version first, then owner desc, then field name asc
	require.Len(t, timeline, 5)
	assert.Equal(t, history.KindVersion, timeline[0].Kind())
	assert.Equal(t, history.FieldValueID(8), timeline[1].(history.FieldChange).FieldValueID)
	assert.Equal(t, history.FieldValueID(7), timeline[2].(history.FieldChange).FieldValueID)
	assert.Equal(t, history.FieldValueID(9), timeline[3].(history.FieldChange).FieldValueID)
	assert.Equal(t, history.VersionID(1), timeline[4].(history.VersionChange).VersionID)
}

func TestMerge_SameFieldSameInstantOrderedBySourceID(t *testing.T) {
	at := historytest.Date(2025, time.November, 15)

	timeline, err := history.Merge([]history.ChangeRecord{
		fieldChange(3, 2, "marginPoints", at),
		fieldChange(4, 2, "marginPoints", at),
	})

	require.NoError(t, err)
	assert.Equal(t, history.FieldValueID(4), timeline[0].(history.FieldChange).FieldValueID)
}

func TestMerge_PermutationInvariantAndLengthPreserving(t *testing.T) {
	// GIVEN: A mixed record set with many timestamp collisions
	base := historytest.Date(2025, time.January, 1)
	var records []history.ChangeRecord
	for i := int64(1); i <= 8; i++ {
		records = append(records, versionChange(i, base.Add(time.Duration(i%3)*time.Hour)))
	}
	for i := int64(1); i <= 20; i++ {
		records = append(records, fieldChange(i, i%4, []string{"a", "b"}[i%2], base.Add(time.Duration(i%3)*time.Hour)))
	}

	want, err := history.Merge(records)
	require.NoError(t, err)
	assert.Len(t, want, len(records))

	// WHEN/THEN: Any permutation and any split into sets gives the same output
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 20; n++ {
		shuffled := append([]history.ChangeRecord(nil), records...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		cut := rng.Intn(len(shuffled))

		got, err := history.Merge(shuffled[:cut], shuffled[cut:])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestMerge_EmptyInputs(t *testing.T) {
	timeline, err := history.Merge()
	require.NoError(t, err)
	assert.Empty(t, timeline)

	timeline, err = history.Merge(nil, []history.ChangeRecord{})
	require.NoError(t, err)
	assert.Empty(t, timeline)
}

func TestMerge_DuplicateRecordIsAmbiguous(t *testing.T) {
	at := historytest.Date(2025, time.November, 15)
	dup := fieldChange(7, 2, "marginPoints", at)

	_, err := history.Merge([]history.ChangeRecord{dup}, []history.ChangeRecord{dup})

	assert.ErrorIs(t, err, history.ErrAmbiguousOrder)
}
