/*
source.go - Read boundary between the engine and the relational data source

PURPOSE:
  The engine never queries a database itself. A Source hands it an immutable
  Snapshot of one rule's versions and field values.
  Different implementations can use SQLite, another relational database, an
  API, or in-memory fixtures.

FIELD SCOPE:
  The Source decides which FieldValues belong in the snapshot:
  - ScopeActiveVersion: the field-value-sets of open versions (InactiveFrom
                        unset). The engine refetches under ScopeAllVersions
                        when the projected version is not open.
  - ScopeAllVersions:   every field-value-set owned by any version of the rule

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite-backed source
  - history/store/memory.go: In-memory source for tests

SEE ALSO:
  - engine.go: bounds every Fetch with Config.FetchTimeout
*/
package history

import "context"

// Snapshot is everything the engine needs for one rule.
type Snapshot struct {
	LogicalName LogicalName
	Versions    []EntityVersion
	Values      []FieldValue

	// PathwayMethods is optional pathway metadata for field mutations.
	PathwayMethods map[FieldValueID]CreationMethod
}

// Source is read-only. Implementations must honour ctx cancellation where
// they can; the engine enforces the timeout either way.
type Source interface {
	// Fetch returns the snapshot for one rule. An unknown rule yields an
	// empty snapshot or ErrRuleNotFound.
	Fetch(ctx context.Context, name LogicalName, scope FieldScope) (Snapshot, error)

	// ListRules returns every logical name known to the source, sorted.
	ListRules(ctx context.Context) ([]LogicalName, error)
}
