package history

import (
	"context"
	"time"
)

// =============================================================================
// RECORDER - Write side used to populate a Source
// =============================================================================

// The mutation service that owns the two pathways lives outside this module.
// Recorder reproduces its observable effects so stores can be seeded by
// scenarios, the CLI and tests:
//
//   ForkVersion:   inactivate the prior active version, append a new one
//   SetFieldValue: inactivate the prior current value, append a new one
//
// Both are append-only: the only column ever touched on an existing row is
// InactiveFrom, and only from nil to a timestamp.
type Recorder interface {
	// ImportVersion stores a raw version row as-is (historical backfill).
	ImportVersion(ctx context.Context, v EntityVersion) error

	// ImportFieldValue stores a raw field value row as-is.
	ImportFieldValue(ctx context.Context, v FieldValue, method CreationMethod) error

	ForkVersion(ctx context.Context, req ForkRequest) (EntityVersion, error)
	SetFieldValue(ctx context.Context, upd FieldUpdate) (FieldValue, error)
}

// ForkRequest creates a new version of a rule.
type ForkRequest struct {
	LogicalName   LogicalName
	At            time.Time
	Actor         string
	Method        CreationMethod
	EffectiveFrom time.Time // zero = At

	// FieldValueSetID zero carries over the prior active version's set, or
	// allocates a new set when the rule has no active version.
	FieldValueSetID FieldValueSetID
}

// FieldUpdate mutates one field in place.
type FieldUpdate struct {
	FieldValueSetID FieldValueSetID
	FieldName       string
	Value           string
	Actor           string
	At              time.Time
	Method          CreationMethod // zero = MethodBulkUpload
}

func (r ForkRequest) Validate() error {
	if r.LogicalName == "" || r.At.IsZero() {
		return ErrMalformedRecord
	}
	return nil
}

func (u FieldUpdate) Validate() error {
	if u.FieldValueSetID == 0 || u.FieldName == "" || u.At.IsZero() {
		return ErrMalformedRecord
	}
	return nil
}

// EffectiveOrAt returns EffectiveFrom, defaulting to At.
func (r ForkRequest) EffectiveOrAt() time.Time {
	if r.EffectiveFrom.IsZero() {
		return r.At
	}
	return r.EffectiveFrom
}

// MethodOrDefault returns Method, defaulting to the bulk-upload sentinel.
func (u FieldUpdate) MethodOrDefault() CreationMethod {
	if u.Method == "" {
		return MethodBulkUpload
	}
	return u.Method
}
