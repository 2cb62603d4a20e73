package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SUMMARY AGGREGATOR
// =============================================================================

// Summary is the dashboard view of a timeline.
type Summary struct {
	Total        int
	ByKind       map[RecordKind]int
	ByMethod     map[CreationMethod]int // "Bulk Upload" is counted as Bulk
	First        *time.Time
	Last         *time.Time
	ElapsedDays  int
	Contributors int
	AvgPerDay    decimal.Decimal // 2 places, zero when ElapsedDays is zero
}

// Summarize aggregates over the whole timeline it is given; callers apply any
// time window first (see FilterWindow).
func Summarize(timeline []ChangeRecord) Summary {
	s := Summary{
		Total:     len(timeline),
		ByKind:    map[RecordKind]int{KindVersion: 0, KindField: 0},
		ByMethod:  make(map[CreationMethod]int),
		AvgPerDay: decimal.Zero,
	}

	actors := make(map[string]struct{})
	for _, r := range timeline {
		s.ByKind[r.Kind()]++
		s.ByMethod[r.ChangeMethod().SummaryBucket()]++
		if r.By() != "" {
			actors[r.By()] = struct{}{}
		}

		at := r.At()
		if s.First == nil || at.Before(*s.First) {
			first := at
			s.First = &first
		}
		if s.Last == nil || at.After(*s.Last) {
			last := at
			s.Last = &last
		}
	}
	s.Contributors = len(actors)

	if s.First != nil {
		s.ElapsedDays = WholeDaysBetween(*s.First, *s.Last)
	}
	if s.ElapsedDays > 0 {
		s.AvgPerDay = decimal.NewFromInt(int64(s.Total)).
			Div(decimal.NewFromInt(int64(s.ElapsedDays))).
			Round(2)
	}
	return s
}
