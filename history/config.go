package history

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// CONFIG - Caller-supplied engine settings
// =============================================================================

// FieldScope decides which FieldValues the source hands to the engine.
//
// The source system's bulk-update reports only surface field changes on the
// currently active version, so edits made to a version that was later
// inactivated disappear. Callers pick the behaviour explicitly here.
type FieldScope string

const (
	ScopeActiveVersion FieldScope = "active_version"
	ScopeAllVersions   FieldScope = "all_versions"
)

func ParseFieldScope(s string) (FieldScope, error) {
	switch FieldScope(s) {
	case ScopeActiveVersion, ScopeAllVersions:
		return FieldScope(s), nil
	case "":
		return ScopeActiveVersion, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// TrackAll in TrackedFields disables the allow-list.
const TrackAll = "*"

// DefaultTrackedFields is the pricing allow-list.
var DefaultTrackedFields = []string{
	"marginPoints",
	"basePoints",
	"adjustmentPoints",
	"lockExtensionPoints",
	"rateAdjustment",
	"baseRate",
	"floorRate",
	"ceilingRate",
	"priceMultiplier",
	"llpaMultiplier",
}

// DefaultNumericSuffixes marks fields eligible for delta arithmetic.
var DefaultNumericSuffixes = []string{"Points", "Rate", "Multiplier"}

type Config struct {
	TrackedFields   []string
	NumericSuffixes []string
	FieldScope      FieldScope
	FetchTimeout    time.Duration
	Parallelism     int
}

func DefaultConfig() Config {
	return Config{
		TrackedFields:   append([]string(nil), DefaultTrackedFields...),
		NumericSuffixes: append([]string(nil), DefaultNumericSuffixes...),
		FieldScope:      ScopeActiveVersion,
		FetchTimeout:    10 * time.Second,
		Parallelism:     4,
	}
}

// withDefaults fills zero-valued settings from DefaultConfig. Only nil lists
// are replaced: a non-nil empty TrackedFields tracks no field, and a non-nil
// empty NumericSuffixes computes no deltas.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TrackedFields == nil {
		c.TrackedFields = d.TrackedFields
	}
	if c.NumericSuffixes == nil {
		c.NumericSuffixes = d.NumericSuffixes
	}
	if c.FieldScope == "" {
		c.FieldScope = d.FieldScope
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	return c
}

// tracker answers "is this field tracked?" from the allow-list.
type tracker struct {
	all    bool
	fields map[string]bool
}

func newTracker(fields []string) tracker {
	t := tracker{fields: make(map[string]bool, len(fields))}
	for _, f := range fields {
		if f == TrackAll {
			t.all = true
		}
		t.fields[strings.ToLower(f)] = true
	}
	return t
}

func (t tracker) tracks(field string) bool {
	return t.all || t.fields[strings.ToLower(field)]
}
