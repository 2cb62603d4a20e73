package history

import (
	"sort"
	"time"
)

// =============================================================================
// CURRENT-STATE PROJECTOR
// =============================================================================

// CurrentState is a read-only snapshot of what is in effect at AsOf.
type CurrentState struct {
	LogicalName LogicalName
	AsOf        time.Time
	Version     EntityVersion
	Status      VersionStatus
	Fields      []CurrentField // sorted by field name
}

type CurrentField struct {
	Value               FieldValue
	DaysSinceLastUpdate int
}

// Field looks up one field of the snapshot by name.
func (s *CurrentState) Field(name string) (CurrentField, bool) {
	for _, f := range s.Fields {
		if f.Value.FieldName == name {
			return f, true
		}
	}
	return CurrentField{}, false
}

// Project determines the active version and its current field values.
//
// The active version is the single one with no InactiveFrom. Several of those
// are disambiguated by the latest EffectiveFrom not after now. When none is
// open-ended (a gap), the latest version with EffectiveFrom <= now and
// InactiveFrom > now is used. Anything else is NoActiveVersion.
//
// values may contain any field values; only current values of the active
// version's field-value-set are projected. Inputs are not modified.
func Project(versions []EntityVersion, values []FieldValue, now time.Time) (*CurrentState, error) {
	active, err := pickActive(versions, now)
	if err != nil {
		return nil, err
	}

	var current []FieldValue
	for _, v := range values {
		if v.FieldValueSetID == active.FieldValueSetID && v.IsCurrent() {
			current = append(current, v)
		}
	}
	fields, err := currentFields(current, now)
	if err != nil {
		return nil, err
	}

	return &CurrentState{
		LogicalName: active.LogicalName,
		AsOf:        now,
		Version:     active,
		Status:      active.StatusAt(now),
		Fields:      fields,
	}, nil
}

// activeAsOf picks the version whose validity window contains at.
func activeAsOf(versions []EntityVersion, at time.Time) (EntityVersion, error) {
	var candidates []EntityVersion
	for _, v := range versions {
		if v.VersionID != 0 && v.Validity().Contains(at) {
			candidates = append(candidates, v)
		}
	}
	return latestEffective(candidates, at, nameOf(versions))
}

// StateAsOf answers the same question for an arbitrary instant using the
// validity intervals of both versions and field values.
func StateAsOf(versions []EntityVersion, values []FieldValue, at time.Time) (*CurrentState, error) {
	active, err := activeAsOf(versions, at)
	if err != nil {
		return nil, err
	}

	var inEffect []FieldValue
	for _, v := range values {
		if v.FieldValueSetID != active.FieldValueSetID {
			continue
		}
		validity := v.Validity()
		if validity.From.IsZero() {
			validity.From = v.UpdatedAt
		}
		if validity.Contains(at) {
			inEffect = append(inEffect, v)
		}
	}
	fields, err := currentFields(inEffect, at)
	if err != nil {
		return nil, err
	}

	return &CurrentState{
		LogicalName: active.LogicalName,
		AsOf:        at,
		Version:     active,
		Status:      active.StatusAt(at),
		Fields:      fields,
	}, nil
}

func pickActive(versions []EntityVersion, now time.Time) (EntityVersion, error) {
	var open, windowed []EntityVersion
	for _, v := range versions {
		if v.VersionID == 0 {
			continue
		}
		switch {
		case v.InactiveFrom == nil:
			open = append(open, v)
		case !v.EffectiveFrom.After(now) && v.InactiveFrom.After(now):
			windowed = append(windowed, v)
		}
	}

	switch {
	case len(open) == 1:
		return open[0], nil
	case len(open) > 1:
		return latestEffective(open, now, nameOf(versions))
	default:
		return latestEffective(windowed, now, nameOf(versions))
	}
}

// latestEffective picks the unique candidate with the latest EffectiveFrom
// not after now.
func latestEffective(candidates []EntityVersion, now time.Time, name LogicalName) (EntityVersion, error) {
	var (
		best EntityVersion
		tied []VersionID
	)
	for _, v := range candidates {
		if v.EffectiveFrom.After(now) {
			continue
		}
		switch {
		case len(tied) == 0 || v.EffectiveFrom.After(best.EffectiveFrom):
			best = v
			tied = []VersionID{v.VersionID}
		case v.EffectiveFrom.Equal(best.EffectiveFrom):
			tied = append(tied, v.VersionID)
		}
	}
	if len(tied) == 1 {
		return best, nil
	}

	ids := make([]VersionID, 0, len(candidates))
	for _, v := range candidates {
		ids = append(ids, v.VersionID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return EntityVersion{}, &NoActiveVersionError{LogicalName: name, Candidates: ids, At: now}
}

func currentFields(values []FieldValue, now time.Time) ([]CurrentField, error) {
	byName := make(map[string][]FieldValue)
	for _, v := range values {
		byName[v.FieldName] = append(byName[v.FieldName], v)
	}

	fields := make([]CurrentField, 0, len(byName))
	for name, vs := range byName {
		if len(vs) > 1 {
			ids := make([]FieldValueID, len(vs))
			for i, v := range vs {
				ids[i] = v.FieldValueID
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			return nil, &DuplicateCurrentError{SetID: vs[0].FieldValueSetID, FieldName: name, IDs: ids}
		}
		fields = append(fields, CurrentField{
			Value:               vs[0],
			DaysSinceLastUpdate: WholeDaysBetween(vs[0].UpdatedAt, now),
		})
	}
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Value.FieldName < fields[j].Value.FieldName
	})
	return fields, nil
}

func nameOf(versions []EntityVersion) LogicalName {
	for _, v := range versions {
		if v.LogicalName != "" {
			return v.LogicalName
		}
	}
	return ""
}
