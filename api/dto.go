/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the history package's model from the external API contract:
  - Field renaming without breaking clients
  - The ChangeRecord variant is flattened with a "kind" discriminator
  - Decimals travel as strings so no precision is lost in JSON numbers

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TIMESTAMPS:
  RFC3339 in UTC. Optional timestamps are omitted when absent.

SEE ALSO:
  - handlers.go: Uses these types
  - history/types.go: ChangeRecord, Delta
*/
package api

import (
	"sort"
	"time"

	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/store/sqlite"
)

// =============================================================================
// TIMELINE
// =============================================================================

// ChangeRecordDTO is one timeline entry. Version-only and field-only
// attributes are omitted for the other kind.
type ChangeRecordDTO struct {
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
	Rule      string `json:"rule"`
	Actor     string `json:"actor,omitempty"`
	Method    string `json:"method"`
	VersionID int64  `json:"version_id"`

	// VersionChange only
	Status string `json:"status,omitempty"`

	// FieldChange only
	FieldValueID int64  `json:"field_value_id,omitempty"`
	Field        string `json:"field,omitempty"`
	OldValue     string `json:"old_value,omitempty"`
	NewValue     string `json:"new_value,omitempty"`
	Delta        string `json:"delta,omitempty"`
	DeltaSkipped string `json:"delta_skipped,omitempty"`
}

// SummaryDTO mirrors history.Summary.
type SummaryDTO struct {
	Total        int            `json:"total"`
	ByKind       map[string]int `json:"by_kind"`
	ByMethod     map[string]int `json:"by_method"`
	First        string         `json:"first,omitempty"`
	Last         string         `json:"last,omitempty"`
	ElapsedDays  int            `json:"elapsed_days"`
	Contributors int            `json:"contributors"`
	AvgPerDay    string         `json:"avg_per_day"`
}

// HistoryResponse is the body of GET /api/rules/{name}/history.
type HistoryResponse struct {
	Rule        string            `json:"rule"`
	GeneratedAt string            `json:"generated_at"`
	Timeline    []ChangeRecordDTO `json:"timeline"`
	Summary     SummaryDTO        `json:"summary"`
	Warnings    []string          `json:"warnings"`
}

// =============================================================================
// CURRENT STATE
// =============================================================================

type CurrentFieldDTO struct {
	Name                string `json:"name"`
	Value               string `json:"value"`
	UpdatedAt           string `json:"updated_at"`
	UpdatedBy           string `json:"updated_by,omitempty"`
	DaysSinceLastUpdate int    `json:"days_since_last_update"`
}

type CurrentStateDTO struct {
	Rule            string            `json:"rule"`
	AsOf            string            `json:"as_of"`
	VersionID       int64             `json:"version_id"`
	Status          string            `json:"status"`
	CreatedAt       string            `json:"created_at,omitempty"`
	CreatedBy       string            `json:"created_by,omitempty"`
	EffectiveFrom   string            `json:"effective_from,omitempty"`
	InactiveFrom    string            `json:"inactive_from,omitempty"`
	CreationMethod  string            `json:"creation_method"`
	FieldValueSetID int64             `json:"field_value_set_id"`
	Fields          []CurrentFieldDTO `json:"fields"`
}

// =============================================================================
// RUNS AND SCENARIOS
// =============================================================================

type RunDTO struct {
	ID           string `json:"id"`
	Rule         string `json:"rule"`
	Trigger      string `json:"trigger"`
	Status       string `json:"status"`
	RecordCount  int    `json:"record_count"`
	WarningCount int    `json:"warning_count"`
	Error        string `json:"error,omitempty"`
	StartedAt    string `json:"started_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ReconcileResponse is the body of POST /api/rules/{name}/reconcile.
type ReconcileResponse struct {
	RunID   string           `json:"run_id"`
	Status  string           `json:"status"`
	History *HistoryResponse `json:"history,omitempty"`
	Current *CurrentStateDTO `json:"current,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rules       []string `json:"rules"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the envelope of every non-2xx JSON response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func ToChangeRecordDTO(r history.ChangeRecord) ChangeRecordDTO {
	dto := ChangeRecordDTO{
		Kind:      string(r.Kind()),
		Timestamp: formatTime(r.At()),
		Rule:      string(r.Rule()),
		Actor:     r.By(),
		Method:    string(r.ChangeMethod()),
	}
	switch c := r.(type) {
	case history.VersionChange:
		dto.VersionID = int64(c.VersionID)
		dto.Status = string(c.Status)
	case history.FieldChange:
		dto.VersionID = int64(c.OwnerVersionID)
		dto.FieldValueID = int64(c.FieldValueID)
		dto.Field = c.FieldName
		dto.OldValue = c.OldValue
		dto.NewValue = c.NewValue
		dto.Delta = c.Delta.String()
		dto.DeltaSkipped = string(c.Delta.Skipped)
	}
	return dto
}

func ToSummaryDTO(s history.Summary) SummaryDTO {
	dto := SummaryDTO{
		Total:        s.Total,
		ByKind:       make(map[string]int, len(s.ByKind)),
		ByMethod:     make(map[string]int, len(s.ByMethod)),
		First:        formatTimePtr(s.First),
		Last:         formatTimePtr(s.Last),
		ElapsedDays:  s.ElapsedDays,
		Contributors: s.Contributors,
		AvgPerDay:    s.AvgPerDay.StringFixed(2),
	}
	for k, n := range s.ByKind {
		dto.ByKind[string(k)] = n
	}
	for m, n := range s.ByMethod {
		dto.ByMethod[string(m)] = n
	}
	return dto
}

func ToHistoryResponse(h *history.History) HistoryResponse {
	resp := HistoryResponse{
		Rule:        string(h.LogicalName),
		GeneratedAt: formatTime(h.GeneratedAt),
		Timeline:    make([]ChangeRecordDTO, 0, len(h.Timeline)),
		Summary:     ToSummaryDTO(h.Summary),
		Warnings:    make([]string, 0, len(h.Warnings)),
	}
	for _, r := range h.Timeline {
		resp.Timeline = append(resp.Timeline, ToChangeRecordDTO(r))
	}
	for _, w := range h.Warnings {
		resp.Warnings = append(resp.Warnings, w.Error())
	}
	return resp
}

func ToCurrentStateDTO(s *history.CurrentState) CurrentStateDTO {
	v := s.Version
	dto := CurrentStateDTO{
		Rule:            string(s.LogicalName),
		AsOf:            formatTime(s.AsOf),
		VersionID:       int64(v.VersionID),
		Status:          string(s.Status),
		CreatedAt:       formatTime(v.CreatedAt),
		CreatedBy:       v.CreatedBy,
		EffectiveFrom:   formatTime(v.EffectiveFrom),
		InactiveFrom:    formatTimePtr(v.InactiveFrom),
		CreationMethod:  string(v.CreationMethod),
		FieldValueSetID: int64(v.FieldValueSetID),
		Fields:          make([]CurrentFieldDTO, 0, len(s.Fields)),
	}
	for _, f := range s.Fields {
		dto.Fields = append(dto.Fields, CurrentFieldDTO{
			Name:                f.Value.FieldName,
			Value:               f.Value.LiteralValue,
			UpdatedAt:           formatTime(f.Value.UpdatedAt),
			UpdatedBy:           f.Value.UpdatedBy,
			DaysSinceLastUpdate: f.DaysSinceLastUpdate,
		})
	}
	return dto
}

func ToRunDTO(r sqlite.RunRecord) RunDTO {
	return RunDTO{
		ID:           r.ID,
		Rule:         r.LogicalName,
		Trigger:      r.Trigger,
		Status:       r.Status,
		RecordCount:  r.RecordCount,
		WarningCount: r.WarningCount,
		Error:        r.Error,
		StartedAt:    formatTime(r.StartedAt),
		CompletedAt:  formatTimePtr(r.CompletedAt),
	}
}

func ToScenarioDTO(s Scenario) ScenarioDTO {
	rules := make([]string, 0, len(s.Rules))
	for _, r := range s.Rules {
		rules = append(rules, r.Name)
	}
	sort.Strings(rules)
	return ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description, Rules: rules}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
