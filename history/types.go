/*
Package history provides the rule change-history reconciliation engine.

PURPOSE:
  A pricing rule can change through two structurally different pathways:
  a full version fork (a new EntityVersion row) or an in-place mutation of a
  FieldValue inside the version's field-value-set. This package merges both
  mutation streams into one chronologically ordered, delta-aware timeline and
  answers "what is in effect right now?".

KEY CONCEPTS IN THIS FILE (types.go):
  - LogicalName: the stable business identity of a rule
  - EntityVersion: one fork of a rule, valid over [EffectiveFrom, InactiveFrom)
  - FieldValue: one value of one field, append-only, valid over the same kind
    of interval
  - ChangeRecord: closed tagged variant (VersionChange | FieldChange)

DESIGN PRINCIPLES:
  1. Append-only: nothing is ever deleted, "deletion" is an InactiveFrom stamp
  2. Precision: numeric deltas use decimal.Decimal, never float64
  3. Closed types: CreationMethod and ChangeRecord cannot grow silent variants
  4. Purity: every component is a pure function over an immutable snapshot

USAGE:
  result := history.Normalize(history.NormalizeInput{
      Versions: versions,
      Values:   values,
      Config:   history.DefaultConfig(),
      Now:      time.Now(),
  })
  timeline, err := history.Merge(result.Records)

SEE ALSO:
  - normalize.go: raw records to ChangeRecords
  - merge.go: timeline ordering
  - projector.go: current-state snapshot
  - engine.go: Source fetch + orchestration
*/
package history

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type LogicalName string
type VersionID int64
type FieldValueID int64
type FieldValueSetID int64

func (id VersionID) String() string    { return strconv.FormatInt(int64(id), 10) }
func (id FieldValueID) String() string { return strconv.FormatInt(int64(id), 10) }

// =============================================================================
// CREATION METHOD - Closed enum, integer-coded at the source
// =============================================================================

type CreationMethod string

const (
	MethodManual  CreationMethod = "Manual"
	MethodCopy    CreationMethod = "Copy"
	MethodBulk    CreationMethod = "Bulk"
	MethodUnknown CreationMethod = "Unknown"

	// MethodBulkUpload is the sentinel for in-place field mutations when the
	// caller supplies no pathway metadata. Summaries collapse it into Bulk.
	MethodBulkUpload CreationMethod = "Bulk Upload"
)

// CreationMethodFromCode maps the source system's integer codes.
// Missing or unmapped codes are Unknown, never a default.
func CreationMethodFromCode(code *int) CreationMethod {
	if code == nil {
		return MethodUnknown
	}
	switch *code {
	case 1:
		return MethodManual
	case 2:
		return MethodCopy
	case 3:
		return MethodBulk
	default:
		return MethodUnknown
	}
}

// Code is the inverse of CreationMethodFromCode. Unknown has no code.
func (m CreationMethod) Code() (int, bool) {
	switch m {
	case MethodManual:
		return 1, true
	case MethodCopy:
		return 2, true
	case MethodBulk, MethodBulkUpload:
		return 3, true
	default:
		return 0, false
	}
}

// SummaryBucket collapses the field-change sentinel into Bulk.
func (m CreationMethod) SummaryBucket() CreationMethod {
	switch m {
	case MethodManual, MethodCopy, MethodBulk:
		return m
	case MethodBulkUpload:
		return MethodBulk
	default:
		return MethodUnknown
	}
}

// =============================================================================
// ENTITY VERSION - One fork of a logical rule
// =============================================================================

type EntityVersion struct {
	VersionID       VersionID
	LogicalName     LogicalName
	CreatedAt       time.Time
	CreatedBy       string
	EffectiveFrom   time.Time
	InactiveFrom    *time.Time // nil = currently active
	VerifiedAt      *time.Time
	VerifiedBy      string
	CreationMethod  CreationMethod
	FieldValueSetID FieldValueSetID
}

// Validity returns the version's temporal-validity interval.
func (v EntityVersion) Validity() Validity {
	return Validity{From: v.EffectiveFrom, Until: v.InactiveFrom}
}

// StatusAt derives the display status at evaluation time.
func (v EntityVersion) StatusAt(now time.Time) VersionStatus {
	switch {
	case v.InactiveFrom == nil:
		return StatusActive
	case v.InactiveFrom.After(now):
		return StatusActiveFutureInactive
	default:
		return StatusInactive
	}
}

// VersionStatus is derived, never stored. Active -> Inactive is one-way.
type VersionStatus string

const (
	StatusActive               VersionStatus = "Active"
	StatusInactive             VersionStatus = "Inactive"
	StatusActiveFutureInactive VersionStatus = "ActiveFutureInactive"
)

// =============================================================================
// FIELD VALUE - In-place mutable field, append-only history
// =============================================================================

type FieldValue struct {
	FieldValueID    FieldValueID
	FieldValueSetID FieldValueSetID
	FieldName       string
	LiteralValue    string
	UpdatedAt       time.Time
	UpdatedBy       string
	EffectiveFrom   time.Time
	InactiveFrom    *time.Time // nil = current
}

func (f FieldValue) Validity() Validity {
	return Validity{From: f.EffectiveFrom, Until: f.InactiveFrom}
}

func (f FieldValue) IsCurrent() bool { return f.InactiveFrom == nil }

type fieldKey struct {
	SetID FieldValueSetID
	Field string
}

func (f FieldValue) key() fieldKey { return fieldKey{SetID: f.FieldValueSetID, Field: f.FieldName} }

// =============================================================================
// CHANGE RECORD - Closed tagged variant
// =============================================================================

type RecordKind string

const (
	KindVersion RecordKind = "version"
	KindField   RecordKind = "field"
)

// ChangeRecord is either a VersionChange or a FieldChange.
// The unexported marker keeps the set of variants closed to this package.
type ChangeRecord interface {
	Kind() RecordKind
	At() time.Time
	By() string
	Rule() LogicalName
	ChangeMethod() CreationMethod
	isChangeRecord()
}

// VersionChange is a full version fork.
type VersionChange struct {
	VersionID   VersionID
	LogicalName LogicalName
	Timestamp   time.Time
	Actor       string
	Method      CreationMethod
	Status      VersionStatus
}

func (c VersionChange) Kind() RecordKind             { return KindVersion }
func (c VersionChange) At() time.Time                { return c.Timestamp }
func (c VersionChange) By() string                   { return c.Actor }
func (c VersionChange) Rule() LogicalName            { return c.LogicalName }
func (c VersionChange) ChangeMethod() CreationMethod { return c.Method }
func (VersionChange) isChangeRecord()                {}

// FieldChange is an in-place mutation of one field value.
type FieldChange struct {
	LogicalName    LogicalName
	FieldName      string
	Timestamp      time.Time
	Actor          string
	OldValue       string
	NewValue       string
	OwnerVersionID VersionID
	FieldValueID   FieldValueID
	Method         CreationMethod
	Delta          Delta
}

func (c FieldChange) Kind() RecordKind             { return KindField }
func (c FieldChange) At() time.Time                { return c.Timestamp }
func (c FieldChange) By() string                   { return c.Actor }
func (c FieldChange) Rule() LogicalName            { return c.LogicalName }
func (c FieldChange) ChangeMethod() CreationMethod { return c.Method }
func (FieldChange) isChangeRecord()                {}

// =============================================================================
// DELTA - Fixed-point difference between consecutive values
// =============================================================================

// Delta is valid only when both literals parsed on a numeric-eligible field.
// An invalid Delta is the ArithmeticSkipped outcome, not an error.
type Delta struct {
	Value   decimal.NullDecimal
	Skipped SkipReason
}

type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipNotNumeric  SkipReason = "field_not_numeric"
	SkipNoPrevious  SkipReason = "no_previous_value"
	SkipUnparseable SkipReason = "unparseable_value"
)

func (d Delta) Valid() bool { return d.Value.Valid }

// String renders a signed delta ("+0.250") or "" when skipped.
func (d Delta) String() string {
	if !d.Value.Valid {
		return ""
	}
	s := d.Value.Decimal.StringFixed(DeltaPrecision)
	if d.Value.Decimal.IsPositive() {
		return "+" + s
	}
	return s
}
