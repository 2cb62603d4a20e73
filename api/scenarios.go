/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	rule histories for testing and demos. Each scenario imports raw version
	and field-value rows the way the upstream mutation service left them,
	including the gaps legacy data tends to have.

AVAILABLE SCENARIOS (scenarios.yaml):

	base-margin-conv30: One fork plus three in-place margin edits
	pricing-desk:       Several rules, untracked fields, scheduled retirement
	legacy-gaps:        Missing timestamps, two indistinguishable open versions

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Import each rule's versions (history.Recorder.ImportVersion)
 3. Import each rule's field values with their pathway method

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pricing-desk"}

ADDING NEW SCENARIOS:
 1. Add an entry to scenarios.yaml
 2. Nothing else: the file is embedded and parsed at first use

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: router-facing handlers
  - cmd/rulehist: `rulehist seed` loads the same scenarios
*/
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/rule-history/history"
)

//go:embed scenarios.yaml
var scenariosYAML []byte

// ErrUnknownScenario is returned for a scenario id not in scenarios.yaml.
var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Rules       []ScenarioRule `yaml:"rules"`
}

type ScenarioRule struct {
	Name     string            `yaml:"name"`
	Versions []scenarioVersion `yaml:"versions"`
	Values   []scenarioValue   `yaml:"values"`
}

type scenarioVersion struct {
	ID            int64  `yaml:"id"`
	Set           int64  `yaml:"set"`
	CreatedAt     string `yaml:"created_at"`
	CreatedBy     string `yaml:"created_by"`
	EffectiveFrom string `yaml:"effective_from"`
	InactiveFrom  string `yaml:"inactive_from"`
	VerifiedAt    string `yaml:"verified_at"`
	VerifiedBy    string `yaml:"verified_by"`
	Method        string `yaml:"method"`
}

type scenarioValue struct {
	ID            int64  `yaml:"id"`
	Set           int64  `yaml:"set"`
	Field         string `yaml:"field"`
	Value         string `yaml:"value"`
	UpdatedAt     string `yaml:"updated_at"`
	UpdatedBy     string `yaml:"updated_by"`
	EffectiveFrom string `yaml:"effective_from"`
	InactiveFrom  string `yaml:"inactive_from"`
	Method        string `yaml:"method"`
}

var (
	scenariosOnce   sync.Once
	scenariosParsed []Scenario
	scenariosErr    error
)

// Scenarios returns the embedded scenario catalogue.
func Scenarios() ([]Scenario, error) {
	scenariosOnce.Do(func() {
		var doc struct {
			Scenarios []Scenario `yaml:"scenarios"`
		}
		if err := yaml.Unmarshal(scenariosYAML, &doc); err != nil {
			scenariosErr = fmt.Errorf("failed to parse scenarios: %w", err)
			return
		}
		scenariosParsed = doc.Scenarios
	})
	return scenariosParsed, scenariosErr
}

func findScenario(id string) (Scenario, error) {
	all, err := Scenarios()
	if err != nil {
		return Scenario{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// SeedScenario imports every row of the named scenario into rec.
// It does not reset rec; callers decide whether to start from empty.
func SeedScenario(ctx context.Context, rec history.Recorder, id string) (Scenario, error) {
	s, err := findScenario(id)
	if err != nil {
		return Scenario{}, err
	}
	for _, rule := range s.Rules {
		if err := importRule(ctx, rec, rule); err != nil {
			return Scenario{}, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	return s, nil
}

func importRule(ctx context.Context, rec history.Recorder, rule ScenarioRule) error {
	name := history.LogicalName(rule.Name)

	for _, sv := range rule.Versions {
		v, err := sv.toVersion(name)
		if err != nil {
			return fmt.Errorf("version %d: %w", sv.ID, err)
		}
		if err := rec.ImportVersion(ctx, v); err != nil {
			return err
		}
	}
	for _, sv := range rule.Values {
		v, err := sv.toFieldValue()
		if err != nil {
			return fmt.Errorf("field value %d: %w", sv.ID, err)
		}
		if err := rec.ImportFieldValue(ctx, v, history.CreationMethod(sv.Method)); err != nil {
			return err
		}
	}
	return nil
}

func (sv scenarioVersion) toVersion(name history.LogicalName) (history.EntityVersion, error) {
	var (
		v = history.EntityVersion{
			VersionID:       history.VersionID(sv.ID),
			LogicalName:     name,
			CreatedBy:       sv.CreatedBy,
			VerifiedBy:      sv.VerifiedBy,
			CreationMethod:  history.CreationMethod(sv.Method),
			FieldValueSetID: history.FieldValueSetID(sv.Set),
		}
		err error
	)
	if v.CreationMethod == "" {
		v.CreationMethod = history.MethodUnknown
	}
	if v.CreatedAt, err = parseScenarioTime(sv.CreatedAt); err != nil {
		return v, err
	}
	if v.EffectiveFrom, err = parseScenarioTime(sv.EffectiveFrom); err != nil {
		return v, err
	}
	if v.EffectiveFrom.IsZero() {
		v.EffectiveFrom = v.CreatedAt
	}
	if v.InactiveFrom, err = parseScenarioTimePtr(sv.InactiveFrom); err != nil {
		return v, err
	}
	if v.VerifiedAt, err = parseScenarioTimePtr(sv.VerifiedAt); err != nil {
		return v, err
	}
	return v, nil
}

func (sv scenarioValue) toFieldValue() (history.FieldValue, error) {
	var (
		v = history.FieldValue{
			FieldValueID:    history.FieldValueID(sv.ID),
			FieldValueSetID: history.FieldValueSetID(sv.Set),
			FieldName:       sv.Field,
			LiteralValue:    sv.Value,
			UpdatedBy:       sv.UpdatedBy,
		}
		err error
	)
	if v.UpdatedAt, err = parseScenarioTime(sv.UpdatedAt); err != nil {
		return v, err
	}
	if v.EffectiveFrom, err = parseScenarioTime(sv.EffectiveFrom); err != nil {
		return v, err
	}
	if v.EffectiveFrom.IsZero() {
		v.EffectiveFrom = v.UpdatedAt
	}
	if v.InactiveFrom, err = parseScenarioTimePtr(sv.InactiveFrom); err != nil {
		return v, err
	}
	return v, nil
}

// parseScenarioTime accepts RFC3339 or a bare date; empty is the zero time.
func parseScenarioTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

func parseScenarioTimePtr(s string) (*time.Time, error) {
	t, err := parseScenarioTime(s)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, 0, len(all))
	for _, s := range all {
		dtos = append(dtos, ToScenarioDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, err := findScenario(current)
	if err != nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
		return
	}
	writeJSON(w, http.StatusOK, ToScenarioDTO(s))
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if _, err := findScenario(req.ScenarioID); err != nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", err)
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	s, err := SeedScenario(ctx, h.Store, req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = s.ID
	h.Logger.Info("scenario loaded", "scenario", s.ID, "rules", len(s.Rules))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
