package history

import (
	"sort"
)

// =============================================================================
// PREVIOUS-VALUE RESOLVER
// =============================================================================

// ResolvePrevious returns the value that immediately preceded v for the same
// (FieldValueSetID, FieldName): the latest UpdatedAt strictly before v's,
// ties broken by the highest FieldValueID. It returns false when v is the
// first value ever recorded for the field.
//
// This is a linear scan; use PreviousValueIndex when resolving many values
// against the same snapshot.
func ResolvePrevious(values []FieldValue, v FieldValue) (FieldValue, bool) {
	var (
		best  FieldValue
		found bool
	)
	k := v.key()
	for _, c := range values {
		if c.key() != k || !isResolvable(c) || !c.UpdatedAt.Before(v.UpdatedAt) {
			continue
		}
		if !found || laterValue(c, best) {
			best, found = c, true
		}
	}
	return best, found
}

// laterValue reports whether a was recorded after b.
func laterValue(a, b FieldValue) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.FieldValueID > b.FieldValueID
}

// isResolvable excludes malformed values from the candidate set.
func isResolvable(v FieldValue) bool {
	return v.FieldValueID != 0 && !v.UpdatedAt.IsZero()
}

// PreviousValueIndex answers ResolvePrevious in O(log n) per lookup.
// It is read-only after construction and safe for concurrent use.
type PreviousValueIndex struct {
	chains map[fieldKey][]FieldValue
}

func NewPreviousValueIndex(values []FieldValue) *PreviousValueIndex {
	chains := make(map[fieldKey][]FieldValue)
	for _, v := range values {
		if !isResolvable(v) {
			continue
		}
		chains[v.key()] = append(chains[v.key()], v)
	}
	for _, chain := range chains {
		sort.Slice(chain, func(i, j int) bool {
			return laterValue(chain[j], chain[i])
		})
	}
	return &PreviousValueIndex{chains: chains}
}

// Previous is the indexed form of ResolvePrevious.
func (idx *PreviousValueIndex) Previous(v FieldValue) (FieldValue, bool) {
	chain := idx.chains[v.key()]
	// First position whose UpdatedAt is not before v's.
	i := sort.Search(len(chain), func(i int) bool {
		return !chain[i].UpdatedAt.Before(v.UpdatedAt)
	})
	if i == 0 {
		return FieldValue{}, false
	}
	return chain[i-1], true
}
