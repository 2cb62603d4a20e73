package history

import (
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// CHANGE RECORD NORMALIZER
// =============================================================================

// NormalizeInput is one logical rule's raw snapshot.
type NormalizeInput struct {
	LogicalName LogicalName
	Versions    []EntityVersion
	Values      []FieldValue
	Config      Config
	Now         time.Time

	// PathwayMethods optionally tags field mutations with the pathway that
	// produced them. Missing entries fall back to MethodBulkUpload.
	PathwayMethods map[FieldValueID]CreationMethod
}

// NormalizeResult carries the records that normalized plus one warning per
// record that did not. A bad record never discards the rest.
type NormalizeResult struct {
	Records  []ChangeRecord
	Warnings []error
}

// Normalize turns versions and field values into ChangeRecords.
//
// Rules:
//   - one VersionChange per well-formed EntityVersion
//   - one FieldChange per well-formed, tracked FieldValue whose predecessor
//     resolves (the first value of a field is not a change)
//   - malformed records become MalformedRecordError warnings
//
// Previous-value resolution and delta calculation run per FieldValue in
// parallel and are joined before returning.
func Normalize(in NormalizeInput) NormalizeResult {
	cfg := in.Config.withDefaults()
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var res NormalizeResult
	owners := make(map[FieldValueSetID]EntityVersion)

	for _, v := range in.Versions {
		if err := checkVersion(v); err != nil {
			res.Warnings = append(res.Warnings, err)
			continue
		}
		if cur, ok := owners[v.FieldValueSetID]; !ok || v.VersionID > cur.VersionID {
			owners[v.FieldValueSetID] = v
		}
		method := v.CreationMethod
		if method == "" {
			method = MethodUnknown
		}
		res.Records = append(res.Records, VersionChange{
			VersionID:   v.VersionID,
			LogicalName: v.LogicalName,
			Timestamp:   v.CreatedAt,
			Actor:       v.CreatedBy,
			Method:      method,
			Status:      v.StatusAt(now),
		})
	}

	fieldRecords, fieldWarnings := normalizeFields(in, cfg, owners)
	res.Records = append(res.Records, fieldRecords...)
	res.Warnings = append(res.Warnings, fieldWarnings...)
	return res
}

func normalizeFields(in NormalizeInput, cfg Config, owners map[FieldValueSetID]EntityVersion) ([]ChangeRecord, []error) {
	var (
		idx     = NewPreviousValueIndex(in.Values)
		calc    = NewDeltaCalculator(cfg.NumericSuffixes)
		tracked = newTracker(cfg.TrackedFields)
		slots   = make([]ChangeRecord, len(in.Values))
		errs    = make([]error, len(in.Values))
	)

	var g errgroup.Group
	g.SetLimit(cfg.Parallelism)

	for i, v := range in.Values {
		i, v := i, v
		g.Go(func() error {
			if err := checkFieldValue(v); err != nil {
				errs[i] = err
				return nil
			}
			if !tracked.tracks(v.FieldName) {
				return nil
			}
			prev, ok := idx.Previous(v)
			if !ok {
				return nil
			}
			slots[i] = buildFieldChange(in, v, prev, calc, owners)
			return nil
		})
	}
	var (
		records  []ChangeRecord
		warnings []error
	)
	// Record problems land in errs; a group error is reported alongside them.
	if err := g.Wait(); err != nil {
		warnings = append(warnings, err)
	}
	for i := range in.Values {
		if errs[i] != nil {
			warnings = append(warnings, errs[i])
		}
		if slots[i] != nil {
			records = append(records, slots[i])
		}
	}
	return records, warnings
}

func buildFieldChange(in NormalizeInput, v, prev FieldValue, calc DeltaCalculator, owners map[FieldValueSetID]EntityVersion) FieldChange {
	name := in.LogicalName
	var owner VersionID
	if ov, ok := owners[v.FieldValueSetID]; ok {
		owner = ov.VersionID
		name = ov.LogicalName
	}

	method := MethodBulkUpload
	if m, ok := in.PathwayMethods[v.FieldValueID]; ok && m != "" {
		method = m
	}

	old := prev.LiteralValue
	return FieldChange{
		LogicalName:    name,
		FieldName:      v.FieldName,
		Timestamp:      v.UpdatedAt,
		Actor:          v.UpdatedBy,
		OldValue:       old,
		NewValue:       v.LiteralValue,
		OwnerVersionID: owner,
		FieldValueID:   v.FieldValueID,
		Method:         method,
		Delta:          calc.Calculate(v.FieldName, &old, v.LiteralValue),
	}
}

func checkVersion(v EntityVersion) error {
	switch {
	case v.VersionID == 0:
		return &MalformedRecordError{Kind: KindVersion, ID: int64(v.VersionID), Missing: "version_id"}
	case v.CreatedAt.IsZero():
		return &MalformedRecordError{Kind: KindVersion, ID: int64(v.VersionID), Missing: "created_at"}
	case v.EffectiveFrom.IsZero():
		return &MalformedRecordError{Kind: KindVersion, ID: int64(v.VersionID), Missing: "effective_from"}
	}
	return nil
}

func checkFieldValue(v FieldValue) error {
	switch {
	case v.FieldValueID == 0:
		return &MalformedRecordError{Kind: KindField, ID: int64(v.FieldValueID), Missing: "field_value_id"}
	case v.UpdatedAt.IsZero():
		return &MalformedRecordError{Kind: KindField, ID: int64(v.FieldValueID), Missing: "updated_at"}
	}
	return nil
}
