// Package historytest holds shared rule fixtures for tests across packages.
package historytest

import (
	"context"
	"time"

	"github.com/warp/rule-history/history"
)

// Rule is the logical name of the reference scenario.
const Rule history.LogicalName = "BaseMargin_Conv30"

// Now is a fixed evaluation instant after every scenario record.
var Now = Date(2026, time.January, 15)

// Date returns midnight UTC on the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Ptr returns a pointer to t.
func Ptr(t time.Time) *time.Time {
	return &t
}

// BaseMarginConv30 returns the reference scenario: V1 created 2025-10-01 and
// replaced by V2 on 2025-11-15. V2's set carries marginPoints through
// 1.000 -> 1.250 -> 1.500.
func BaseMarginConv30() ([]history.EntityVersion, []history.FieldValue) {
	versions := []history.EntityVersion{
		{
			VersionID:       1,
			LogicalName:     Rule,
			CreatedAt:       Date(2025, time.October, 1),
			CreatedBy:       "jdoe",
			EffectiveFrom:   Date(2025, time.October, 1),
			InactiveFrom:    Ptr(Date(2025, time.November, 15)),
			CreationMethod:  history.MethodManual,
			FieldValueSetID: 1,
		},
		{
			VersionID:       2,
			LogicalName:     Rule,
			CreatedAt:       Date(2025, time.November, 15),
			CreatedBy:       "asmith",
			EffectiveFrom:   Date(2025, time.November, 15),
			CreationMethod:  history.MethodCopy,
			FieldValueSetID: 2,
		},
	}
	values := []history.FieldValue{
		{
			FieldValueID:    1,
			FieldValueSetID: 2,
			FieldName:       "marginPoints",
			LiteralValue:    "1.000",
			UpdatedAt:       Date(2025, time.October, 1),
			UpdatedBy:       "jdoe",
			EffectiveFrom:   Date(2025, time.October, 1),
			InactiveFrom:    Ptr(Date(2025, time.October, 30)),
		},
		{
			FieldValueID:    2,
			FieldValueSetID: 2,
			FieldName:       "marginPoints",
			LiteralValue:    "1.250",
			UpdatedAt:       Date(2025, time.October, 30),
			UpdatedBy:       "jdoe",
			EffectiveFrom:   Date(2025, time.October, 30),
			InactiveFrom:    Ptr(Date(2025, time.December, 1)),
		},
		{
			FieldValueID:    3,
			FieldValueSetID: 2,
			FieldName:       "marginPoints",
			LiteralValue:    "1.500",
			UpdatedAt:       Date(2025, time.December, 1),
			UpdatedBy:       "bulk-loader",
			EffectiveFrom:   Date(2025, time.December, 1),
		},
	}
	return versions, values
}

// Seed imports the reference scenario into rec.
func Seed(ctx context.Context, rec history.Recorder) error {
	versions, values := BaseMarginConv30()
	for _, v := range versions {
		if err := rec.ImportVersion(ctx, v); err != nil {
			return err
		}
	}
	for _, fv := range values {
		if err := rec.ImportFieldValue(ctx, fv, history.MethodBulkUpload); err != nil {
			return err
		}
	}
	return nil
}
