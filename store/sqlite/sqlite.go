/*
Package sqlite provides a SQLite-backed implementation of the history Source.

PURPOSE:
  Implements history.Source (read) and history.Recorder (write) using SQLite.
  The tables mirror the pricing-rules schema the reports run against: one
  row per rule version, one row per field value, joined through the
  field-value-set id. The same queries apply to other relational databases
  with minor dialect changes.

INTERFACES IMPLEMENTED:
  history.Source:   Fetch, ListRules
  history.Recorder: ImportVersion, ImportFieldValue, ForkVersion, SetFieldValue

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on rule_versions or field_values (Reset excepted,
    dev only)
  - The only UPDATE sets inactive_from from NULL to a timestamp
  - "At most one current row" is kept by ForkVersion/SetFieldValue, not by
    the schema: imported legacy rows may break it and the engine reports them

KEY TABLES:
  rule_versions: one row per version fork of a logical rule
  field_values:  one row per value of one field in a field-value-set
  report_runs:   audit of reconciliation runs (api, scheduler, cli)

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals chronological order.
  Legacy rows may carry NULL timestamps; they load as zero times and the
  normalizer reports them as malformed instead of failing the fetch.
  Non-NULL text in another common layout (RFC3339, SQLite datetime()) is
  accepted; text in no known layout fails the fetch with ErrBadTimestamp.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, as SQLite allows a single writer.

USAGE:
  store, err := sqlite.New("./data/rules.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := history.NewEngine(store, history.DefaultConfig(), logger)

SEE ALSO:
  - history/source.go: Source interface
  - history/recorder.go: Recorder interface
  - history/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/rule-history/history"
)

// timeLayout is fixed width so that ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrBadTimestamp is returned when a stored timestamp cannot be read.
var ErrBadTimestamp = errors.New("unreadable timestamp")

// Store implements the history storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Rule versions (one row per fork)
	CREATE TABLE IF NOT EXISTS rule_versions (
		version_id INTEGER PRIMARY KEY,
		logical_name TEXT NOT NULL,
		created_at TEXT,
		created_by TEXT,
		effective_from TEXT,
		inactive_from TEXT,
		verified_at TEXT,
		verified_by TEXT,
		creation_method INTEGER,
		field_value_set_id INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rule_versions_name
		ON rule_versions(logical_name, version_id);
	CREATE INDEX IF NOT EXISTS idx_rule_versions_set
		ON rule_versions(field_value_set_id);

	CREATE INDEX IF NOT EXISTS idx_rule_versions_open
		ON rule_versions(logical_name)
		WHERE inactive_from IS NULL;

	-- Field values (append-only history of in-place mutations)
	CREATE TABLE IF NOT EXISTS field_values (
		field_value_id INTEGER PRIMARY KEY,
		field_value_set_id INTEGER NOT NULL,
		field_name TEXT NOT NULL,
		literal_value TEXT NOT NULL DEFAULT '',
		updated_at TEXT,
		updated_by TEXT,
		effective_from TEXT,
		inactive_from TEXT,
		pathway_method TEXT
	);

	-- Previous-value lookups walk (set, field) by updated_at (hot path)
	CREATE INDEX IF NOT EXISTS idx_field_values_set_field_updated
		ON field_values(field_value_set_id, field_name, updated_at DESC);

	-- Report runs
	CREATE TABLE IF NOT EXISTS report_runs (
		id TEXT PRIMARY KEY,
		logical_name TEXT NOT NULL,
		trigger TEXT NOT NULL,
		status TEXT NOT NULL,
		record_count INTEGER DEFAULT 0,
		warning_count INTEGER DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_report_runs_name
		ON report_runs(logical_name, started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SOURCE (history.Source interface)
// =============================================================================

const versionColumns = `version_id, logical_name, created_at, created_by, effective_from,
	inactive_from, verified_at, verified_by, creation_method, field_value_set_id`

const valueColumns = `field_value_id, field_value_set_id, field_name, literal_value,
	updated_at, updated_by, effective_from, inactive_from, pathway_method`

// Fetch returns one rule's versions and the field values selected by scope.
func (s *Store) Fetch(ctx context.Context, name history.LogicalName, scope history.FieldScope) (history.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := history.Snapshot{
		LogicalName:    name,
		PathwayMethods: make(map[history.FieldValueID]history.CreationMethod),
	}

	versions, err := s.queryVersions(ctx, s.db,
		"SELECT "+versionColumns+" FROM rule_versions WHERE logical_name = ? ORDER BY version_id",
		string(name))
	if err != nil {
		return snap, err
	}
	snap.Versions = versions

	var setFilter string
	switch scope {
	case history.ScopeAllVersions:
		setFilter = "SELECT field_value_set_id FROM rule_versions WHERE logical_name = ?"
	case history.ScopeActiveVersion, "":
		setFilter = "SELECT field_value_set_id FROM rule_versions WHERE logical_name = ? AND inactive_from IS NULL"
	default:
		return snap, fmt.Errorf("%w: %q", history.ErrInvalidScope, scope)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+valueColumns+" FROM field_values WHERE field_value_set_id IN ("+setFilter+") ORDER BY field_value_id",
		string(name))
	if err != nil {
		return snap, fmt.Errorf("failed to query field values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		fv, method, err := scanFieldValue(rows)
		if err != nil {
			return snap, err
		}
		snap.Values = append(snap.Values, fv)
		if method != "" {
			snap.PathwayMethods[fv.FieldValueID] = method
		}
	}
	return snap, rows.Err()
}

// ListRules returns every logical rule name, sorted.
func (s *Store) ListRules(ctx context.Context) ([]history.LogicalName, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT logical_name FROM rule_versions ORDER BY logical_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var names []history.LogicalName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, history.LogicalName(name))
	}
	return names, rows.Err()
}

func (s *Store) queryVersions(ctx context.Context, q querier, query string, args ...any) ([]history.EntityVersion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []history.EntityVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanVersion(rows *sql.Rows) (history.EntityVersion, error) {
	var (
		v             history.EntityVersion
		name          string
		createdAt     sql.NullString
		createdBy     sql.NullString
		effectiveFrom sql.NullString
		inactiveFrom  sql.NullString
		verifiedAt    sql.NullString
		verifiedBy    sql.NullString
		method        sql.NullInt64
	)

	err := rows.Scan(
		&v.VersionID, &name, &createdAt, &createdBy, &effectiveFrom,
		&inactiveFrom, &verifiedAt, &verifiedBy, &method, &v.FieldValueSetID,
	)
	if err != nil {
		return v, fmt.Errorf("failed to scan version: %w", err)
	}

	v.LogicalName = history.LogicalName(name)
	v.CreatedBy = createdBy.String
	v.VerifiedBy = verifiedBy.String
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return v, fmt.Errorf("version %d created_at: %w", v.VersionID, err)
	}
	if v.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
		return v, fmt.Errorf("version %d effective_from: %w", v.VersionID, err)
	}
	if v.InactiveFrom, err = parseTimePtr(inactiveFrom); err != nil {
		return v, fmt.Errorf("version %d inactive_from: %w", v.VersionID, err)
	}
	if v.VerifiedAt, err = parseTimePtr(verifiedAt); err != nil {
		return v, fmt.Errorf("version %d verified_at: %w", v.VersionID, err)
	}
	if method.Valid {
		code := int(method.Int64)
		v.CreationMethod = history.CreationMethodFromCode(&code)
	} else {
		v.CreationMethod = history.CreationMethodFromCode(nil)
	}
	return v, nil
}

func scanFieldValue(rows *sql.Rows) (history.FieldValue, history.CreationMethod, error) {
	var (
		fv            history.FieldValue
		updatedAt     sql.NullString
		updatedBy     sql.NullString
		effectiveFrom sql.NullString
		inactiveFrom  sql.NullString
		method        sql.NullString
	)

	err := rows.Scan(
		&fv.FieldValueID, &fv.FieldValueSetID, &fv.FieldName, &fv.LiteralValue,
		&updatedAt, &updatedBy, &effectiveFrom, &inactiveFrom, &method,
	)
	if err != nil {
		return fv, "", fmt.Errorf("failed to scan field value: %w", err)
	}

	fv.UpdatedBy = updatedBy.String
	if fv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return fv, "", fmt.Errorf("field value %d updated_at: %w", fv.FieldValueID, err)
	}
	if fv.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
		return fv, "", fmt.Errorf("field value %d effective_from: %w", fv.FieldValueID, err)
	}
	if fv.InactiveFrom, err = parseTimePtr(inactiveFrom); err != nil {
		return fv, "", fmt.Errorf("field value %d inactive_from: %w", fv.FieldValueID, err)
	}
	return fv, history.CreationMethod(method.String), nil
}

// =============================================================================
// RECORDER (history.Recorder interface)
// =============================================================================

// ImportVersion inserts a raw version row (historical backfill).
func (s *Store) ImportVersion(ctx context.Context, v history.EntityVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertVersion(ctx, s.db, v)
}

// ImportFieldValue inserts a raw field value row.
func (s *Store) ImportFieldValue(ctx context.Context, v history.FieldValue, method history.CreationMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertFieldValue(ctx, s.db, v, method)
}

// ForkVersion inactivates the rule's active version and appends a new one,
// atomically.
func (s *Store) ForkVersion(ctx context.Context, req history.ForkRequest) (history.EntityVersion, error) {
	if err := req.Validate(); err != nil {
		return history.EntityVersion{}, err
	}

	var created history.EntityVersion
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		setID := req.FieldValueSetID
		if setID == 0 {
			var prior sql.NullInt64
			err := tx.QueryRowContext(ctx, `
				SELECT field_value_set_id FROM rule_versions
				WHERE logical_name = ? AND inactive_from IS NULL
				ORDER BY version_id DESC LIMIT 1`,
				string(req.LogicalName),
			).Scan(&prior)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to read active version: %w", err)
			}
			setID = history.FieldValueSetID(prior.Int64)
		}
		if setID == 0 {
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(id), 0) + 1 FROM (
					SELECT field_value_set_id AS id FROM rule_versions
					UNION ALL
					SELECT field_value_set_id AS id FROM field_values
				)`).Scan(&setID); err != nil {
				return fmt.Errorf("failed to allocate field value set: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE rule_versions SET inactive_from = ? WHERE logical_name = ? AND inactive_from IS NULL",
			formatTime(req.At), string(req.LogicalName),
		); err != nil {
			return fmt.Errorf("failed to inactivate prior version: %w", err)
		}

		var next history.VersionID
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(version_id), 0) + 1 FROM rule_versions",
		).Scan(&next); err != nil {
			return fmt.Errorf("failed to allocate version id: %w", err)
		}

		created = history.EntityVersion{
			VersionID:       next,
			LogicalName:     req.LogicalName,
			CreatedAt:       req.At,
			CreatedBy:       req.Actor,
			EffectiveFrom:   req.EffectiveOrAt(),
			CreationMethod:  req.Method,
			FieldValueSetID: setID,
		}
		return s.insertVersion(ctx, tx, created)
	})
	if err != nil {
		return history.EntityVersion{}, err
	}
	if created.CreationMethod == "" {
		created.CreationMethod = history.MethodUnknown
	}
	return created, nil
}

// SetFieldValue inactivates the field's current value and appends the new
// one, atomically.
func (s *Store) SetFieldValue(ctx context.Context, upd history.FieldUpdate) (history.FieldValue, error) {
	if err := upd.Validate(); err != nil {
		return history.FieldValue{}, err
	}

	var created history.FieldValue
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE field_values SET inactive_from = ?
			WHERE field_value_set_id = ? AND field_name = ? AND inactive_from IS NULL`,
			formatTime(upd.At), int64(upd.FieldValueSetID), upd.FieldName,
		); err != nil {
			return fmt.Errorf("failed to inactivate prior value: %w", err)
		}

		var next history.FieldValueID
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(field_value_id), 0) + 1 FROM field_values",
		).Scan(&next); err != nil {
			return fmt.Errorf("failed to allocate field value id: %w", err)
		}

		created = history.FieldValue{
			FieldValueID:    next,
			FieldValueSetID: upd.FieldValueSetID,
			FieldName:       upd.FieldName,
			LiteralValue:    upd.Value,
			UpdatedAt:       upd.At,
			UpdatedBy:       upd.Actor,
			EffectiveFrom:   upd.At,
		}
		return s.insertFieldValue(ctx, tx, created, upd.MethodOrDefault())
	})
	if err != nil {
		return history.FieldValue{}, err
	}
	return created, nil
}

func (s *Store) insertVersion(ctx context.Context, q querier, v history.EntityVersion) error {
	var method sql.NullInt64
	if code, ok := v.CreationMethod.Code(); ok {
		method = sql.NullInt64{Int64: int64(code), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO rule_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(v.VersionID),
		string(v.LogicalName),
		formatTime(v.CreatedAt),
		nullString(v.CreatedBy),
		formatTime(v.EffectiveFrom),
		formatTimePtr(v.InactiveFrom),
		formatTimePtr(v.VerifiedAt),
		nullString(v.VerifiedBy),
		method,
		int64(v.FieldValueSetID),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("version %d: %w", v.VersionID, history.ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

func (s *Store) insertFieldValue(ctx context.Context, q querier, v history.FieldValue, method history.CreationMethod) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO field_values (`+valueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(v.FieldValueID),
		int64(v.FieldValueSetID),
		v.FieldName,
		v.LiteralValue,
		formatTime(v.UpdatedAt),
		nullString(v.UpdatedBy),
		formatTime(v.EffectiveFrom),
		formatTimePtr(v.InactiveFrom),
		nullString(string(method)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("field value %d: %w", v.FieldValueID, history.ErrDuplicateRecord)
		}
		return fmt.Errorf("failed to insert field value: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
// If fn returns an error the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// REPORT RUNS
// =============================================================================

// RunRecord is one reconciliation run, kept for audit and the runs view.
type RunRecord struct {
	ID           string
	LogicalName  string
	Trigger      string // api, scheduler, cli
	Status       string // completed, no_active_version, failed
	RecordCount  int
	WarningCount int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
}

// RecordRun saves a run, assigning an id when it has none.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_runs (id, logical_name, trigger, status, record_count,
			warning_count, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LogicalName, r.Trigger, r.Status, r.RecordCount,
		r.WarningCount, nullString(r.Error), formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return r.ID, nil
}

// ListRuns returns runs newest first, optionally for one rule.
// A limit of zero or less returns every run.
func (s *Store) ListRuns(ctx context.Context, logicalName string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, logical_name, trigger, status, record_count, warning_count,
			error, started_at, completed_at
		FROM report_runs`
	var args []any
	if logicalName != "" {
		query += " WHERE logical_name = ?"
		args = append(args, logicalName)
	}
	query += " ORDER BY started_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r                    RunRecord
			errText              sql.NullString
			startedAt, completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.LogicalName, &r.Trigger, &r.Status, &r.RecordCount,
			&r.WarningCount, &errText, &startedAt, &completed); err != nil {
			return nil, err
		}
		r.Error = errText.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("run %s started_at: %w", r.ID, err)
		}
		if r.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, fmt.Errorf("run %s completed_at: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"field_values", "rule_versions", "report_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return formatTime(*t)
}

// legacyLayouts are accepted on read for rows written by other tools,
// including SQLite's own datetime() format.
var legacyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

// parseTime returns the zero time for NULL. Text that matches no known
// layout is an error: a nil inactive_from means "open", so an unreadable one
// must never be mistaken for it.
func parseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(timeLayout, ns.String); err == nil {
		return t, nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.Parse(layout, ns.String); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, ns.String)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	t, err := parseTime(ns)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
