package history

import "time"

// =============================================================================
// VALIDITY - Temporal-validity interval [From, Until)
// =============================================================================

// Validity is the half-open interval a versioned record is in effect.
// A nil Until means open-ended (still current).
//
// Examples:
//   - Active version:          [2025-11-15, ∞)
//   - Superseded field value:  [2025-10-01, 2025-10-30)
//   - Scheduled retirement:    [2025-11-15, 2026-01-01) evaluated on 2025-12-01
type Validity struct {
	From  time.Time
	Until *time.Time
}

// Contains reports whether t falls in [From, Until).
func (v Validity) Contains(t time.Time) bool {
	if t.Before(v.From) {
		return false
	}
	return v.Until == nil || t.Before(*v.Until)
}

// IsOpen reports whether the interval has no end.
func (v Validity) IsOpen() bool { return v.Until == nil }

// EndsAfter reports whether the interval is still running at t.
// Open intervals always do.
func (v Validity) EndsAfter(t time.Time) bool {
	return v.Until == nil || v.Until.After(t)
}

func (v Validity) String() string {
	until := "∞"
	if v.Until != nil {
		until = v.Until.UTC().Format(time.RFC3339)
	}
	return "[" + v.From.UTC().Format(time.RFC3339) + ", " + until + ")"
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

const day = 24 * time.Hour

// WholeDaysBetween returns floor((to - from) / 24h). Negative spans give 0.
func WholeDaysBetween(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}

// Window is an optional [From, To] filter applied by callers before summarizing.
type Window struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t is within the window (both ends inclusive).
func (w Window) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

// Validate rejects windows whose end precedes their start.
func (w Window) Validate() error {
	if w.From != nil && w.To != nil && w.To.Before(*w.From) {
		return ErrInvalidWindow
	}
	return nil
}

// FilterWindow keeps the records whose timestamp falls inside w, preserving order.
func FilterWindow(timeline []ChangeRecord, w Window) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(timeline))
	for _, r := range timeline {
		if w.Contains(r.At()) {
			out = append(out, r)
		}
	}
	return out
}
