/*
Package export renders a rule history as a downloadable report.

PURPOSE:
  The audit view is routinely handed to people outside the service. This
  package flattens a history.History into rows and writes them as CSV or as
  an XLSX workbook with a Timeline and a Summary sheet.

ROW LAYOUT:
  One row per ChangeRecord, newest first, columns as in TimelineHeader.
  Version rows leave the field columns empty; field rows leave Status empty
  and carry the owning version id.

SEE ALSO:
  - history/engine.go: produces History
  - api/handlers.go: GET /api/rules/{name}/export
*/
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/warp/rule-history/history"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" (the default when empty) and "xlsx".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Filename suggests a download name for the rule's report.
func (f Format) Filename(name history.LogicalName, at time.Time) string {
	return fmt.Sprintf("%s-history-%s.%s", name, at.UTC().Format("20060102"), f)
}

// Write renders h in the given format.
func Write(w io.Writer, f Format, h *history.History) error {
	switch f {
	case FormatXLSX:
		return WriteXLSX(w, h)
	default:
		return WriteCSV(w, h)
	}
}

// =============================================================================
// ROWS
// =============================================================================

var TimelineHeader = []string{
	"timestamp", "kind", "rule", "version", "field",
	"old_value", "new_value", "delta", "method", "actor", "status",
}

// TimelineRows flattens the timeline, header excluded.
func TimelineRows(h *history.History) [][]string {
	rows := make([][]string, 0, len(h.Timeline))
	for _, r := range h.Timeline {
		switch c := r.(type) {
		case history.VersionChange:
			rows = append(rows, []string{
				formatTime(c.Timestamp), string(c.Kind()), string(c.LogicalName), c.VersionID.String(), "",
				"", "", "", string(c.Method), c.Actor, string(c.Status),
			})
		case history.FieldChange:
			rows = append(rows, []string{
				formatTime(c.Timestamp), string(c.Kind()), string(c.LogicalName), c.OwnerVersionID.String(), c.FieldName,
				c.OldValue, c.NewValue, c.Delta.String(), string(c.Method), c.Actor, "",
			})
		}
	}
	return rows
}

// SummaryRows lists the summary as metric/value pairs, header included.
func SummaryRows(s history.Summary) [][]string {
	rows := [][]string{
		{"metric", "value"},
		{"total", strconv.Itoa(s.Total)},
		{"version_changes", strconv.Itoa(s.ByKind[history.KindVersion])},
		{"field_changes", strconv.Itoa(s.ByKind[history.KindField])},
		{"first_change", formatTimePtr(s.First)},
		{"last_change", formatTimePtr(s.Last)},
		{"elapsed_days", strconv.Itoa(s.ElapsedDays)},
		{"contributors", strconv.Itoa(s.Contributors)},
		{"avg_changes_per_day", s.AvgPerDay.StringFixed(2)},
	}

	methods := make([]string, 0, len(s.ByMethod))
	for m := range s.ByMethod {
		methods = append(methods, string(m))
	}
	sort.Strings(methods)
	for _, m := range methods {
		rows = append(rows, []string{"method_" + m, strconv.Itoa(s.ByMethod[history.CreationMethod(m)])})
	}
	return rows
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// =============================================================================
// CSV
// =============================================================================

// WriteCSV writes the timeline, a blank line, then the summary.
func WriteCSV(w io.Writer, h *history.History) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TimelineHeader); err != nil {
		return err
	}
	if err := cw.WriteAll(TimelineRows(h)); err != nil {
		return err
	}
	if err := cw.Write([]string{}); err != nil {
		return err
	}
	return cw.WriteAll(SummaryRows(h.Summary))
}

// =============================================================================
// XLSX
// =============================================================================

const (
	timelineSheet = "Timeline"
	summarySheet  = "Summary"
)

// WriteXLSX writes a workbook with Timeline and Summary sheets.
func WriteXLSX(w io.Writer, h *history.History) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", timelineSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("failed to add summary sheet: %w", err)
	}

	rows := append([][]string{TimelineHeader}, TimelineRows(h)...)
	if err := writeRows(f, timelineSheet, rows); err != nil {
		return err
	}
	if err := writeRows(f, summarySheet, SummaryRows(h.Summary)); err != nil {
		return err
	}
	if err := f.SetPanes(timelineSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]string) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
