package history

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// TIMELINE MERGER
// =============================================================================

// Merge unions any number of ChangeRecord sets into one timeline, newest first.
//
// Ordering (total, independent of input order):
//  1. timestamp descending
//  2. VersionChange before FieldChange at the same instant; the version fork
//     is the container event, field edits at that instant are its consequences
//  3. owning version id descending
//  4. field name ascending (field changes only)
//  5. source id descending (VersionID or FieldValueID)
//
// Two records that still compare equal share a source identity; Merge fails
// with ErrAmbiguousOrder instead of picking one arbitrarily.
func Merge(sets ...[]ChangeRecord) ([]ChangeRecord, error) {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make([]ChangeRecord, 0, n)
	for _, s := range sets {
		out = append(out, s...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return compareRecords(out[i], out[j]) < 0
	})

	for i := 1; i < len(out); i++ {
		if compareRecords(out[i-1], out[i]) == 0 {
			return nil, fmt.Errorf("%w: %s at %s", ErrAmbiguousOrder, describe(out[i]), out[i].At())
		}
	}
	return out, nil
}

// compareRecords returns <0 when a sorts before b.
func compareRecords(a, b ChangeRecord) int {
	if !a.At().Equal(b.At()) {
		if a.At().After(b.At()) {
			return -1
		}
		return 1
	}
	if ka, kb := kindRank(a), kindRank(b); ka != kb {
		return ka - kb
	}
	if oa, ob := ownerID(a), ownerID(b); oa != ob {
		if oa > ob {
			return -1
		}
		return 1
	}
	if c := strings.Compare(fieldName(a), fieldName(b)); c != 0 {
		return c
	}
	if sa, sb := sourceID(a), sourceID(b); sa != sb {
		if sa > sb {
			return -1
		}
		return 1
	}
	return 0
}

func kindRank(r ChangeRecord) int {
	if r.Kind() == KindVersion {
		return 0
	}
	return 1
}

func ownerID(r ChangeRecord) VersionID {
	switch c := r.(type) {
	case VersionChange:
		return c.VersionID
	case FieldChange:
		return c.OwnerVersionID
	}
	return 0
}

func fieldName(r ChangeRecord) string {
	if c, ok := r.(FieldChange); ok {
		return c.FieldName
	}
	return ""
}

func sourceID(r ChangeRecord) int64 {
	switch c := r.(type) {
	case VersionChange:
		return int64(c.VersionID)
	case FieldChange:
		return int64(c.FieldValueID)
	}
	return 0
}

func describe(r ChangeRecord) string {
	switch c := r.(type) {
	case VersionChange:
		return "version " + c.VersionID.String()
	case FieldChange:
		return "field value " + c.FieldValueID.String()
	}
	return "record"
}
