/*
handlers.go - HTTP API handlers for the rule history service

PURPOSE:
  Exposes the reconciliation engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to history.Engine.

ENDPOINTS:
  Rules:
    GET    /api/rules                          List logical rule names
    GET    /api/rules/{name}/history           Merged timeline + summary
    GET    /api/rules/{name}/summary           Summary only
    GET    /api/rules/{name}/current           Current-state snapshot
    GET    /api/rules/{name}/export            CSV or XLSX download
    POST   /api/rules/{name}/reconcile         Full report, recorded as a run

  Runs:
    GET    /api/runs                           Report run audit

  Scenarios:
    GET    /api/scenarios                      List demo scenarios
    GET    /api/scenarios/current              Currently loaded scenario
    POST   /api/scenarios/load                 Load a demo scenario
    POST   /api/scenarios/reset                Clear the database

QUERY PARAMETERS:
  from, to   Window bounds, RFC3339 or YYYY-MM-DD, both inclusive
  as_of      Point in time for /current (default: now)
  format     csv (default) or xlsx for /export
  rule       Filter for /api/runs
  limit      Max rows for /api/runs (default 50)

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call history.Engine (one source fetch per request)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid query parameters, invalid window
  - 404: Rule not found
  - 409: No single active version
  - 504: Source timeout (retryable)
  - 500: Internal errors, data invariant violations

SECURITY NOTE:
  No authentication or authorization. All endpoints are read-only against
  the source except the scenario routes, which are for development only.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/rule-history/export"
	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/store/sqlite"
)

// Run statuses recorded in report_runs.
const (
	RunCompleted       = "completed"
	RunNoActiveVersion = "no_active_version"
	RunFailed          = "failed"
)

// Run triggers.
const (
	TriggerAPI       = "api"
	TriggerScheduler = "scheduler"
	TriggerCLI       = "cli"
)

const defaultRunLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   *sqlite.Store
	Engine  *history.Engine
	Metrics *Metrics
	Logger  *slog.Logger

	// Guards scenario loading and currentScenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler reading through the given engine.
func NewHandler(store *sqlite.Store, engine *history.Engine, metrics *Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Handler{
		Store:   store,
		Engine:  engine,
		Metrics: metrics,
		Logger:  logger,
	}
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns every logical rule name.
// GET /api/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	names, err := h.Engine.Source.ListRules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err)
		return
	}

	rules := make([]string, 0, len(names))
	for _, n := range names {
		rules = append(rules, string(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// GetHistory returns the merged timeline for one rule.
// GET /api/rules/{name}/history?from=&to=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	hist, ok := h.loadHistory(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ToHistoryResponse(hist))
}

// GetSummary returns only the summary statistics.
// GET /api/rules/{name}/summary?from=&to=
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	hist, ok := h.loadHistory(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ToSummaryDTO(hist.Summary))
}

// GetCurrent returns the state in effect now, or at as_of.
// GET /api/rules/{name}/current?as_of=
func (h *Handler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	name := ruleName(r)

	var (
		state *history.CurrentState
		err   error
	)
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		at, perr := parseQueryTime(raw, false)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", perr)
			return
		}
		state, err = h.Engine.CurrentAsOf(r.Context(), name, at)
	} else {
		state, err = h.Engine.Current(r.Context(), name)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToCurrentStateDTO(state))
}

// ExportHistory streams the timeline and summary as a file.
// GET /api/rules/{name}/export?format=csv|xlsx&from=&to=
func (h *Handler) ExportHistory(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid format", err)
		return
	}
	hist, ok := h.loadHistory(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", format.Filename(hist.LogicalName, hist.GeneratedAt)))
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, format, hist); err != nil {
		// Headers are gone; all we can do is log.
		h.Logger.Error("export failed", "rule", hist.LogicalName, "format", format, "error", err)
	}
}

// Reconcile builds the full report for one rule and records the run.
// POST /api/rules/{name}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	name := ruleName(r)
	started := time.Now()

	rep := h.Engine.Reconcile(r.Context(), name)
	h.Metrics.ObserveReport(TriggerAPI, rep, time.Since(started))

	runID, err := saveRun(r.Context(), h.Store, TriggerAPI, rep, started)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record run", err)
		return
	}

	if rep.Err != nil {
		writeEngineError(w, rep.Err)
		return
	}

	resp := ReconcileResponse{RunID: runID, Status: RunStatus(rep)}
	hist := ToHistoryResponse(rep.History)
	resp.History = &hist
	if rep.Current != nil {
		cur := ToCurrentStateDTO(rep.Current)
		resp.Current = &cur
	}
	if rep.CurrentErr != nil {
		resp.Error = rep.CurrentErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadHistory(w http.ResponseWriter, r *http.Request) (*history.History, bool) {
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid window", err)
		return nil, false
	}
	hist, err := h.Engine.History(r.Context(), ruleName(r), window)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return hist, true
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// ListRuns returns report run history, newest first.
// GET /api/runs?rule=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListRuns(r.Context(), r.URL.Query().Get("rule"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, ToRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps history errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case history.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Rule not found", err)
	case errors.Is(err, history.ErrNoActiveVersion):
		writeError(w, http.StatusConflict, "No single active version", err)
	case history.IsRetryable(err):
		writeError(w, http.StatusGatewayTimeout, "Source timed out", err)
	case history.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		writeError(w, http.StatusInternalServerError, "Failed to reconcile rule", err)
	}
}

func ruleName(r *http.Request) history.LogicalName {
	return history.LogicalName(chi.URLParam(r, "name"))
}

func parseWindow(r *http.Request) (history.Window, error) {
	q := r.URL.Query()
	return ParseWindow(q.Get("from"), q.Get("to"))
}

// ParseWindow builds a window from optional from/to bounds. Empty bounds are
// open.
func ParseWindow(from, to string) (history.Window, error) {
	var w history.Window
	if from != "" {
		t, err := parseQueryTime(from, false)
		if err != nil {
			return w, fmt.Errorf("from: %w", err)
		}
		w.From = &t
	}
	if to != "" {
		t, err := parseQueryTime(to, true)
		if err != nil {
			return w, fmt.Errorf("to: %w", err)
		}
		w.To = &t
	}
	return w, w.Validate()
}

// ParseTime is parseQueryTime for a single instant.
func ParseTime(raw string) (time.Time, error) {
	return parseQueryTime(raw, false)
}

// parseQueryTime accepts RFC3339 or YYYY-MM-DD. A bare date used as an
// upper bound covers the whole day.
func parseQueryTime(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
