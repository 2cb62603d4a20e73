/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on the sentinels with errors.Is and pull details out of the
  structured errors with errors.As.

ERROR CATEGORIES:
  1. Record errors - MalformedRecord (per record, collected as warnings)
  2. Projection errors - NoActiveVersion (aborts the projector call)
  3. Source errors - SourceTimeout (retryable), rule not found
  4. Invariant errors - ambiguous ordering, duplicate current values

NOT AN ERROR:
  ArithmeticSkipped is represented by an invalid Delta with a SkipReason
  (see types.go). The delta calculator never fails.

SEE ALSO:
  - normalize.go: produces MalformedRecordError warnings
  - projector.go: produces NoActiveVersionError
  - engine.go: produces SourceTimeoutError
*/
package history

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMalformedRecord is returned when an input record lacks a required
	// timestamp or identifier. Only that record is skipped.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrNoActiveVersion is returned when zero or several versions qualify
	// as the active one.
	ErrNoActiveVersion = errors.New("no active version")

	// ErrSourceTimeout is returned when the data source did not answer within
	// the configured bound. Safe to retry.
	ErrSourceTimeout = errors.New("source timeout")

	// ErrRuleNotFound is returned when the source knows no versions for a name.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrAmbiguousOrder is returned when two timeline records compare equal.
	ErrAmbiguousOrder = errors.New("ambiguous timeline order")

	// ErrInvariantViolation is returned when input breaks a uniqueness invariant.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInvalidWindow is returned when a window ends before it starts.
	ErrInvalidWindow = errors.New("invalid window: end before start")

	// ErrInvalidScope is returned for an unrecognized field scope.
	ErrInvalidScope = errors.New("invalid field scope")

	// ErrDuplicateRecord is returned when an imported row reuses an identifier.
	ErrDuplicateRecord = errors.New("duplicate record id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedRecordError names the record that could not be normalized.
type MalformedRecordError struct {
	Kind    RecordKind
	ID      int64
	Missing string // e.g. "created_at", "version_id"
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record %d: missing %s", e.Kind, e.ID, e.Missing)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// NoActiveVersionError explains why no single version could be picked.
type NoActiveVersionError struct {
	LogicalName LogicalName
	Candidates  []VersionID // empty when nothing qualified
	At          time.Time
}

func (e *NoActiveVersionError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("no active version for %q at %s", e.LogicalName, e.At.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("ambiguous active version for %q at %s: candidates %v",
		e.LogicalName, e.At.UTC().Format(time.RFC3339), e.Candidates)
}

func (e *NoActiveVersionError) Unwrap() error {
	return ErrNoActiveVersion
}

// SourceTimeoutError records which fetch exceeded its bound.
type SourceTimeoutError struct {
	LogicalName LogicalName
	Timeout     time.Duration
}

func (e *SourceTimeoutError) Error() string {
	return fmt.Sprintf("source fetch for %q exceeded %s", e.LogicalName, e.Timeout)
}

func (e *SourceTimeoutError) Unwrap() error {
	return ErrSourceTimeout
}

// DuplicateCurrentError reports two current values for one field in one set.
type DuplicateCurrentError struct {
	SetID     FieldValueSetID
	FieldName string
	IDs       []FieldValueID
}

func (e *DuplicateCurrentError) Error() string {
	return fmt.Sprintf("field %q in set %d has %d current values %v",
		e.FieldName, e.SetID, len(e.IDs), e.IDs)
}

func (e *DuplicateCurrentError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceTimeout)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrInvalidScope) ||
		errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrDuplicateRecord)
}

// IsNotFound returns true if the error indicates a missing rule.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRuleNotFound)
}
